package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/thoughts/internal/guard"
	"github.com/hitoshi/thoughts/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。
// セッションバックエンドのうちPingを持つものが実装する。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Handler       *Handler
	RateLimiter   *middleware.RateLimiter
	Session       middleware.BrowserSessionConfig
	CSRF          middleware.CSRFConfig
	HealthChecker HealthChecker
	Metrics       http.Handler
	Logger        *slog.Logger
}

// NewRouter は全画面のルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → BrowserSession → RateLimit(General) → CSRF
//
// /health と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	h := deps.Handler

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewBrowserSessionMiddleware(deps.Session))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// --- 未ログイン限定の画面 ---
		r.Group(func(r chi.Router) {
			r.Use(guard.Public(h.ResolveUser, homePath, true))

			r.Get("/", h.Landing)
			r.Get(h.loginPath, h.LoginPage)
			r.Get("/register", h.RegisterPage)

			r.Group(func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.AuthMiddleware())
				}
				r.Post(h.loginPath, h.Login)
				r.Post("/register", h.Register)
			})
		})

		// --- ログイン必須の画面 ---
		r.Group(func(r chi.Router) {
			r.Use(guard.Protected(h.ResolveUser, h.loginPath))

			r.Get(homePath, h.Home)
			r.Get("/profile", h.Profile)
			r.Post("/thoughts", h.CreateThought)
			r.Post("/thoughts/{id}/delete", h.DeleteThought)
		})

		// ログアウトは通信を伴わないため認証状態に関わらず受け付ける
		r.Post("/logout", h.Logout)
	})

	return r
}

// healthHandler はプロセスとセッションバックエンドの状態を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}

		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "unavailable", "error": "session backend unreachable"}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}
