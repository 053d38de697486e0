package model

import (
	"errors"
	"strings"
)

// minPasswordLength は登録時に要求するパスワードの最小文字数。
const minPasswordLength = 6

// 登録フォームの検証エラー
var (
	ErrEmailRequired    = errors.New("email is required")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrPasswordTooShort = errors.New("password must be at least 6 characters")
)

// Registration は登録フォームの入力値を表す。
type Registration struct {
	Email           string
	Password        string
	ConfirmPassword string
}

// Validate はフォームの入力値を検証する。
// 形式的な検証のみ行い、メールアドレスの重複などはリモートサービスが判定する。
func (r Registration) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return ErrEmailRequired
	}
	if r.Password != r.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if len([]rune(r.Password)) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
