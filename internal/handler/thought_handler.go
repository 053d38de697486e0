package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/thoughts/internal/api"
)

// maxThoughtLength はリモートサービスが受け付ける投稿本文の最大文字数。
const maxThoughtLength = 1000

// Home は投稿一覧と投稿フォームを表示する。
// GET /home
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	page := h.newPage(r, "Home")
	h.renderHome(w, r, page, http.StatusOK)
}

// renderHome は一覧を取得し直してホーム画面を描画する。
// 一覧の取得に失敗した場合はエラーを表示し、401の場合はログイン画面へ遷移する。
func (h *Handler) renderHome(w http.ResponseWriter, r *http.Request, page *pageData, status int) {
	gw, ctx, err := h.gateway(r, homePath)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	thoughts, err := gw.GetThoughts(ctx)
	if err != nil {
		if h.redirectIfUnauthorized(w, r, err) {
			return
		}
		h.logger.Warn("failed to load thoughts",
			slog.String("kind", api.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		if page.Error == "" {
			page.Error = "Failed to load thoughts. Please try again."
		}
		if status == http.StatusOK {
			status = errorStatus(err)
		}
	}
	page.Thoughts = thoughts

	h.render(w, status, "home", page)
}

// CreateThought は投稿フォームを処理する。成功した場合はホーム画面へ遷移する。
// POST /thoughts
func (h *Handler) CreateThought(w http.ResponseWriter, r *http.Request) {
	content := strings.TrimSpace(r.PostFormValue("content"))

	page := h.newPage(r, "Home")
	page.Content = content

	switch {
	case content == "":
		page.Error = "Content is required"
		h.renderHome(w, r, page, http.StatusBadRequest)
		return
	case utf8.RuneCountInString(content) > maxThoughtLength:
		page.Error = "Content must be 1000 characters or less"
		h.renderHome(w, r, page, http.StatusBadRequest)
		return
	}

	gw, ctx, err := h.gateway(r, homePath)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	if _, err := gw.CreateThought(ctx, content); err != nil {
		if h.redirectIfUnauthorized(w, r, err) {
			return
		}
		page.Error = errorMessage(err, "Failed to post thought. Please try again.")
		h.renderHome(w, r, page, errorStatus(err))
		return
	}

	http.Redirect(w, r, homePath, http.StatusSeeOther)
}

// DeleteThought は投稿を削除してホーム画面へ遷移する。
// POST /thoughts/{id}/delete
func (h *Handler) DeleteThought(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid thought id", http.StatusBadRequest)
		return
	}

	gw, ctx, err := h.gateway(r, homePath)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	if _, err := gw.DeleteThought(ctx, id); err != nil {
		if h.redirectIfUnauthorized(w, r, err) {
			return
		}
		page := h.newPage(r, "Home")
		page.Error = errorMessage(err, "Failed to delete thought. Please try again.")
		h.renderHome(w, r, page, errorStatus(err))
		return
	}

	http.Redirect(w, r, homePath, http.StatusSeeOther)
}

// Profile はログイン中のユーザーのプロフィールを表示する。
// ユーザーはguard.Protectedで取得し直した最新の値を使う。
// GET /profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	page := h.newPage(r, "Profile")
	if page.User == nil {
		http.Redirect(w, r, h.loginPath, http.StatusSeeOther)
		return
	}

	gw, ctx, err := h.gateway(r, "/profile")
	if err != nil {
		h.sessionError(w, r, err)
		return
	}

	expiry, err := gw.SessionExpiry(ctx)
	if err != nil && !errors.Is(err, api.ErrNoExpiry) {
		h.logger.Debug("session expiry unavailable", slog.String("error", err.Error()))
	}
	page.Expiry = expiry

	h.render(w, http.StatusOK, "profile", page)
}
