// Package guard は画面ごとのアクセス制御（ログイン必須・未ログイン限定）を行うミドルウェアを提供する。
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/thoughts/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var userContextKey = contextKey("user")

// Resolver はリクエストに対応する現在のユーザーを返す。
// 未ログインの場合は (nil, nil) を返す。
type Resolver func(r *http.Request) (*model.User, error)

// Protected はログイン済みのユーザーのみを通すミドルウェアを返す。
// 未ログインの場合は現在のパスをfromに付与してloginPathへリダイレクトする。
// 通過したリクエストのコンテキストにはユーザーが格納される。
func Protected(resolve Resolver, loginPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolve(r)
			if err != nil {
				slog.Error("failed to resolve current user",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if user == nil {
				http.Redirect(w, r, LoginRedirect(loginPath, r.URL.RequestURI()), http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// Public は未ログインでも閲覧できる画面のミドルウェアを返す。
// restrictedがtrueの場合、ログイン済みのユーザーはhomePathへリダイレクトする。
// ユーザーの解決に失敗した場合は未ログインとして扱う。
func Public(resolve Resolver, homePath string, restricted bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !restricted {
				next.ServeHTTP(w, r)
				return
			}

			user, err := resolve(r)
			if err != nil {
				slog.Warn("failed to resolve current user on public route",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			}
			if user != nil {
				http.Redirect(w, r, homePath, http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoginRedirect はログイン後に戻る位置をfromに付与したログイン画面のURLを返す。
func LoginRedirect(loginPath, from string) string {
	if from == "" || strings.HasPrefix(from, loginPath) {
		return loginPath
	}
	return loginPath + "?from=" + url.QueryEscape(from)
}

// SafeRedirect はfromが同一オリジンのパスであればそれを、そうでなければfallbackを返す。
func SafeRedirect(from, fallback string) string {
	if from == "" || !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") || strings.HasPrefix(from, "/\\") {
		return fallback
	}
	return from
}

// UserFromContext はProtectedを通過したリクエストのユーザーを返す。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// ContextWithUser はコンテキストにユーザーを格納する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
