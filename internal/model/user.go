// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はリモートサービスが所有するユーザー情報を表す。
// クライアントは読み取り専用のキャッシュとして保持し、
// 取得し直した値で丸ごと置き換える以外に変更しない。
type User struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// Credential はログイン・登録リクエストのペイロード。
// 永続化されることはない。
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Initial はアバター表示用にメールアドレスの先頭文字を大文字で返す。
func (u *User) Initial() string {
	if u == nil || u.Email == "" {
		return "?"
	}
	r := []rune(u.Email)
	return strings.ToUpper(string(r[0]))
}
