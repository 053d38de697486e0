package api

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry はベアラートークンのexpクレームを署名検証せずに読み取る。
// 表示用途のみで、認可判断には使用しない。
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// SessionExpiry は現在のセッションのトークン有効期限を返す。
func (c *Client) SessionExpiry(ctx context.Context) (time.Time, error) {
	token, err := c.store.Token(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if token == "" {
		return time.Time{}, ErrNoSession
	}
	return TokenExpiry(token)
}
