// Package session はクライアント側のセッション（認証トークンとユーザー情報のキャッシュ）を管理する。
//
// Storeはトークンとユーザー情報を読み書きする唯一の場所で、
// 実行環境が提供する永続キーバリューストア（Backend）の上に構築される。
// グローバルな状態は持たず、利用側はStoreを明示的に受け取る。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/thoughts/internal/model"
)

const (
	tokenKey = "token"
	userKey  = "user"
)

// ErrEmptyToken は空のトークンでセッションを作成しようとした場合のエラー。
var ErrEmptyToken = errors.New("session: empty token")

// Backend はセッションを保存する永続キーバリューストア。
// Saveは渡された値をまとめて1回の書き込みで保存する（原子性は実装の保証範囲に従う）。
type Backend interface {
	// Load は指定キーの値を返す。存在しないキーは結果に含めない。
	Load(ctx context.Context, keys ...string) (map[string]string, error)
	// Save は複数のキーをまとめて保存する。
	Save(ctx context.Context, values map[string]string) error
	// Remove は指定キーを削除する。存在しないキーは無視する。
	Remove(ctx context.Context, keys ...string) error
	// Close は下位の接続を解放する。
	Close() error
}

// Session はクライアントが保持する認証トークンとユーザー情報の組。
// どちらも欠けている可能性がある。
type Session struct {
	Token string
	User  *model.User
}

// Authenticated はトークンを保持しているかを返す。
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// Store はSessionの読み書きを行う。
// scopeはキーの名前空間で、1つのBackendを複数のブラウザセッションで共有する場合に使用する。
type Store struct {
	backend Backend
	scope   string
}

// NewStore はStoreを生成する。scopeが空の場合はキーに名前空間を付けない。
func NewStore(backend Backend, scope string) *Store {
	return &Store{
		backend: backend,
		scope:   scope,
	}
}

// Scope はキーの名前空間を返す。
func (s *Store) Scope() string {
	return s.scope
}

func (s *Store) key(name string) string {
	if s.scope == "" {
		return name
	}
	return s.scope + ":" + name
}

// Set はトークンとユーザー情報を1回の書き込みで保存する。
// 観測者から片方だけ更新された状態は見えない。
func (s *Store) Set(ctx context.Context, token string, user *model.User) error {
	if token == "" {
		return ErrEmptyToken
	}

	encoded, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: failed to marshal user: %w", err)
	}

	if err := s.backend.Save(ctx, map[string]string{
		s.key(tokenKey): token,
		s.key(userKey):  string(encoded),
	}); err != nil {
		return fmt.Errorf("session: failed to save: %w", err)
	}
	return nil
}

// SetUser はキャッシュ済みユーザー情報を丸ごと置き換える。トークンの値は変更しない。
// 現在のトークンも同じ書き込みで保存し直し、両者の有効期限を揃える。
// トークンを保持していない場合は何も保存しない。
func (s *Store) SetUser(ctx context.Context, user *model.User) error {
	encoded, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("session: failed to marshal user: %w", err)
	}

	token, err := s.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	if err := s.backend.Save(ctx, map[string]string{
		s.key(tokenKey): token,
		s.key(userKey):  string(encoded),
	}); err != nil {
		return fmt.Errorf("session: failed to save user: %w", err)
	}
	return nil
}

// Get は現在のSessionを返す。
// 復元できないユーザー情報は欠けているものとして扱う。
func (s *Store) Get(ctx context.Context) (Session, error) {
	values, err := s.backend.Load(ctx, s.key(tokenKey), s.key(userKey))
	if err != nil {
		return Session{}, fmt.Errorf("session: failed to load: %w", err)
	}

	sess := Session{Token: values[s.key(tokenKey)]}

	if raw, ok := values[s.key(userKey)]; ok && raw != "" {
		var user *model.User
		if err := json.Unmarshal([]byte(raw), &user); err == nil {
			sess.User = user
		}
	}

	return sess, nil
}

// Token は現在のトークンを返す。未ログインの場合は空文字を返す。
func (s *Store) Token(ctx context.Context) (string, error) {
	values, err := s.backend.Load(ctx, s.key(tokenKey))
	if err != nil {
		return "", fmt.Errorf("session: failed to load token: %w", err)
	}
	return values[s.key(tokenKey)], nil
}

// Clear はトークンとユーザー情報の両方を削除する。冪等。
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Remove(ctx, s.key(tokenKey), s.key(userKey)); err != nil {
		return fmt.Errorf("session: failed to clear: %w", err)
	}
	return nil
}
