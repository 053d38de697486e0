package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/thoughts/internal/model"
)

// Login は認証APIでトークンを取得し、そのトークンで /me を取得する。
// 両方が成功した場合のみセッションにトークンとユーザーを保存する。
// どちらかが失敗した場合はセッションを破棄してエラーを返す。
// Loginの失敗は遷移シグナルを出さない。
// 並行するLoginは資格情報ごとに別々に通信し、結果を共有しない。
func (c *Client) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	raw, err := c.send(ctx, http.MethodPost, "/auth/login",
		model.Credential{Email: email, Password: password},
		requestOptions{anonymous: true, suppressRedirect: true},
	)
	if err != nil {
		c.rollbackLogin(ctx)
		return "", nil, err
	}

	token := extractToken(raw)
	if token == "" {
		c.rollbackLogin(ctx)
		return "", nil, ErrNoToken
	}

	raw, err = c.send(ctx, http.MethodGet, "/me", nil,
		requestOptions{token: token, suppressRedirect: true},
	)
	if err != nil {
		c.rollbackLogin(ctx)
		return "", nil, err
	}

	user, err := decodeUser(raw)
	if err != nil {
		c.rollbackLogin(ctx)
		return "", nil, err
	}

	if err := c.store.Set(ctx, token, user); err != nil {
		c.rollbackLogin(ctx)
		return "", nil, err
	}

	c.logger.Info("logged in", slog.Int64("user_id", user.ID))
	return token, user, nil
}

// rollbackLogin はログイン途中の失敗時にセッションを空に戻す。
func (c *Client) rollbackLogin(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear session after login failure",
			slog.String("error", err.Error()),
		)
		return
	}
	c.recorder.RecordSessionCleared("login_failed")
}

// Register はユーザーを登録し、発行されたトークンとメールアドレスのみを持つユーザーを返す。
// プロフィールの取得とセッションへの保存は行わない。
func (c *Client) Register(ctx context.Context, email, password string) (string, *model.User, error) {
	raw, err := c.send(ctx, http.MethodPost, "/auth/register",
		model.Credential{Email: email, Password: password},
		requestOptions{anonymous: true},
	)
	if err != nil {
		return "", nil, err
	}
	token := extractToken(raw)
	if token == "" {
		return "", nil, ErrNoToken
	}
	return token, &model.User{Email: email}, nil
}

// LookupCurrentUser は /me を取得してキャッシュ済みユーザーを更新する。
// トークンがない場合は通信せずにErrNoSessionを返す。
// 取得失敗時は*Errorをそのまま返すため、呼び出し側は一時的な失敗を区別して再試行できる。
func (c *Client) LookupCurrentUser(ctx context.Context) (*model.User, error) {
	token, err := c.store.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNoSession
	}

	v, err := c.shared(ctx, "me", func(ctx context.Context) (any, error) {
		raw, err := c.Send(ctx, http.MethodGet, "/me", nil)
		if err != nil {
			return nil, err
		}
		user, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		if err := c.store.SetUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.User), nil
}

// GetCurrentUser は現在のユーザーを返す。
// 未ログインおよび取得失敗はいずれも (nil, nil) となる。
// 失敗がトークンの無効・期限切れを示す場合はセッションを破棄する。
// セッションストア自体の読み書きに失敗した場合のみエラーを返す。
func (c *Client) GetCurrentUser(ctx context.Context) (*model.User, error) {
	user, err := c.LookupCurrentUser(ctx)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return nil, err
	}

	if indicatesInvalidToken(apiErr) && !IsUnauthorized(apiErr) {
		if clearErr := c.store.Clear(ctx); clearErr != nil {
			return nil, clearErr
		}
		c.recorder.RecordSessionCleared("invalid_token")
	}
	c.logger.Debug("current user unavailable",
		slog.String("kind", apiErr.Kind.String()),
		slog.String("error", apiErr.Message),
	)
	return nil, nil
}

// Logout はセッションを破棄する。通信は行わない。
func (c *Client) Logout(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.recorder.RecordSessionCleared("logout")
	return nil
}

// extractToken はトークンを {"token": "..."} 形式と文字列単体の両方から取り出す。
func extractToken(raw json.RawMessage) string {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	var wrapped struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Token
	}
	return ""
}

// decodeUser はユーザーのペイロードを復元する。空のペイロードは失敗として扱う。
func decodeUser(raw json.RawMessage) (*model.User, error) {
	if isNull(raw) || bytes.Equal(bytes.TrimSpace(raw), []byte("{}")) {
		return nil, &Error{Kind: KindDecode, Message: "no user data received"}
	}
	var user model.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, &Error{Kind: KindDecode, Message: invalidResponseMessage, Err: err}
	}
	return &user, nil
}
