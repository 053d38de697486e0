// Package handler はWebシェルの画面とHTTPハンドラーを提供する。
package handler

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/thoughts/internal/api"
	"github.com/hitoshi/thoughts/internal/guard"
	"github.com/hitoshi/thoughts/internal/middleware"
	"github.com/hitoshi/thoughts/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

const homePath = "/home"

// Gateway は画面が必要とするAPIゲートウェイの操作。
// ブラウザセッションごとに*api.Clientが実装する。
type Gateway interface {
	Login(ctx context.Context, email, password string) (string, *model.User, error)
	Register(ctx context.Context, email, password string) (string, *model.User, error)
	GetCurrentUser(ctx context.Context) (*model.User, error)
	Logout(ctx context.Context) error
	GetThoughts(ctx context.Context) ([]model.Thought, error)
	CreateThought(ctx context.Context, content string) (*model.Thought, error)
	DeleteThought(ctx context.Context, id int64) (int64, error)
	SessionExpiry(ctx context.Context) (time.Time, error)
}

// GatewayFactory はブラウザセッションIDに対応するGatewayを返す。
type GatewayFactory func(sid string) Gateway

// pageData はテンプレートに渡す画面の状態。
type pageData struct {
	Title     string
	LoginPath string
	CSRFToken string
	User      *model.User
	Notice    string
	Error     string

	// フォームの再表示用
	Email   string
	From    string
	Content string

	Thoughts []model.Thought
	Expiry   time.Time
}

// Handler はWebシェルの全画面を扱うHTTPハンドラー。
type Handler struct {
	gateways  GatewayFactory
	templates *template.Template
	loginPath string
	logger    *slog.Logger
}

// New はHandlerを生成する。埋め込みテンプレートのパースに失敗した場合はエラーを返す。
func New(gateways GatewayFactory, loginPath string, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loginPath == "" {
		loginPath = "/login"
	}

	tmpl, err := template.New("pages").Funcs(template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Local().Format("2006-01-02")
		},
		"formatDateTime": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Local().Format("2006-01-02 15:04")
		},
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &Handler{
		gateways:  gateways,
		templates: tmpl,
		loginPath: loginPath,
		logger:    logger,
	}, nil
}

// gateway はリクエストのブラウザセッションに対応するGatewayと、
// 現在位置を付与したコンテキストを返す。
// locationは401時にログイン後の戻り先として使われる。
func (h *Handler) gateway(r *http.Request, location string) (Gateway, context.Context, error) {
	sid, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		return nil, nil, err
	}
	return h.gateways(sid), api.WithLocation(r.Context(), location), nil
}

// ResolveUser はguardで使う現在のユーザーの解決関数。
// ゲートウェイの失敗は未ログインとして扱われ、セッションストアの失敗のみエラーになる。
func (h *Handler) ResolveUser(r *http.Request) (*model.User, error) {
	gw, ctx, err := h.gateway(r, r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	return gw.GetCurrentUser(ctx)
}

// newPage は共通項目を埋めたpageDataを返す。
func (h *Handler) newPage(r *http.Request, title string) *pageData {
	p := &pageData{
		Title:     title,
		LoginPath: h.loginPath,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	}
	if user, ok := guard.UserFromContext(r.Context()); ok {
		p.User = user
	}
	return p
}

// render はテンプレートをバッファに描画してからレスポンスに書き込む。
// 描画に失敗した場合に途中までのHTMLを返さないようにする。
func (h *Handler) render(w http.ResponseWriter, status int, name string, data *pageData) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// redirectIfUnauthorized は401による失敗であればログイン画面へリダイレクトしてtrueを返す。
func (h *Handler) redirectIfUnauthorized(w http.ResponseWriter, r *http.Request, err error) bool {
	if target, ok := api.RedirectFor(err); ok {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return true
	}
	if api.IsUnauthorized(err) {
		http.Redirect(w, r, h.loginPath, http.StatusSeeOther)
		return true
	}
	return false
}

// errorStatus はゲートウェイの失敗を画面のHTTPステータスに変換する。
// リモートの4xxはそのまま返し、それ以外はゲートウェイ障害として502を返す。
func errorStatus(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Kind == api.KindUnauthorized:
			return http.StatusUnauthorized
		case apiErr.Kind == api.KindApplication && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return apiErr.StatusCode
		default:
			return http.StatusBadGateway
		}
	}
	if errors.Is(err, api.ErrNoToken) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorMessage は利用者に表示するエラーメッセージを返す。
// ゲートウェイ以外の失敗は内部情報を含み得るため固定の文言にする。
func errorMessage(err error, fallback string) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// sessionError はブラウザセッションを特定できないリクエストへの応答。
func (h *Handler) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("browser session not available",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
