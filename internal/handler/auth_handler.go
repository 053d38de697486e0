package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/thoughts/internal/api"
	"github.com/hitoshi/thoughts/internal/guard"
	"github.com/hitoshi/thoughts/internal/model"
)

// Landing はトップ画面を表示する。
// GET /
func (h *Handler) Landing(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "landing", h.newPage(r, "Welcome"))
}

// LoginPage はログイン画面を表示する。
// GET /login?from=/home
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	page := h.newPage(r, "Sign in")
	page.From = r.URL.Query().Get("from")
	if r.URL.Query().Get("registered") != "" {
		page.Notice = "Registration successful. Please sign in."
	}
	h.render(w, http.StatusOK, "login", page)
}

// Login はログインフォームを処理する。
// 成功した場合はfromで指定された画面（同一オリジンのパスのみ）、なければホームへ遷移する。
// POST /login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	from := r.PostFormValue("from")

	page := h.newPage(r, "Sign in")
	page.Email = email
	page.From = from

	if email == "" || password == "" {
		page.Error = "Email and password are required."
		h.render(w, http.StatusBadRequest, "login", page)
		return
	}

	gw, ctx, err := h.gateway(r, h.loginPath)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	if _, _, err := gw.Login(ctx, email, password); err != nil {
		h.logger.Info("login failed",
			slog.String("kind", api.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		page.Error = errorMessage(err, "Login failed. Please check your credentials and try again.")
		h.render(w, errorStatus(err), "login", page)
		return
	}

	http.Redirect(w, r, guard.SafeRedirect(from, homePath), http.StatusSeeOther)
}

// RegisterPage は登録画面を表示する。
// GET /register
func (h *Handler) RegisterPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "register", h.newPage(r, "Sign up"))
}

// Register は登録フォームを処理する。
// 入力を検証してから登録し、成功した場合はログイン画面へ遷移する。
// POST /register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	form := model.Registration{
		Email:           strings.TrimSpace(r.PostFormValue("email")),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}

	page := h.newPage(r, "Sign up")
	page.Email = form.Email

	if err := form.Validate(); err != nil {
		page.Error = err.Error()
		h.render(w, http.StatusBadRequest, "register", page)
		return
	}

	gw, ctx, err := h.gateway(r, "/register")
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	if _, _, err := gw.Register(ctx, form.Email, form.Password); err != nil {
		page.Error = errorMessage(err, "Registration failed. Please try again.")
		h.render(w, errorStatus(err), "register", page)
		return
	}

	http.Redirect(w, r, h.loginPath+"?registered=1", http.StatusSeeOther)
}

// Logout はセッションを破棄してログイン画面へ遷移する。
// POST /logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	gw, ctx, err := h.gateway(r, h.loginPath)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	if err := gw.Logout(ctx); err != nil {
		h.logger.Error("failed to clear session on logout",
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.loginPath, http.StatusSeeOther)
}
