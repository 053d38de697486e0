package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/thoughts/internal/model"
	"github.com/hitoshi/thoughts/internal/session"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// newTestClient はhandlerをリモートサービスとするClientと、そのセッションストアを返す。
func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) (*Client, *session.Store) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := session.NewStore(session.NewMemoryBackend(), "")
	cfg.BaseURL = server.URL + "/api"

	var buf bytes.Buffer
	return NewClient(server.Client(), store, newTestLogger(&buf), cfg), store
}

func seedSession(t *testing.T, store *session.Store, token string) {
	t.Helper()
	if err := store.Set(context.Background(), token, &model.User{ID: 1, Email: "a@b.com"}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
}

func assertSessionEmpty(t *testing.T, store *session.Store) {
	t.Helper()
	sess, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if sess.Token != "" || sess.User != nil {
		t.Errorf("expected empty session, got token=%q user=%+v", sess.Token, sess.User)
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestSend_SetsHeadersWithToken(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/thoughts" {
			t.Errorf("path = %s, want /api/thoughts", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok1")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("X-Request-ID should be set")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body["content"] != "hi" {
			t.Errorf("content = %q, want hi", body["content"])
		}
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	}, Config{})
	seedSession(t, store, "tok1")

	raw, err := client.Send(context.Background(), http.MethodPost, "/thoughts", map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("payload = %s, want {\"ok\":true}", raw)
	}
}

func TestSend_NoTokenSendsUnauthenticated(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
		writeJSON(w, http.StatusOK, `[]`)
	}, Config{})

	if _, err := client.Send(context.Background(), http.MethodGet, "/thoughts", nil); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
}

func TestSend_UnwrapsDataEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"enveloped object", `{"data":{"id":1}}`, `{"id":1}`},
		{"enveloped array", `{"data":[1,2]}`, `[1,2]`},
		{"bare object", `{"id":1}`, `{"id":1}`},
		{"bare array", `[1,2]`, `[1,2]`},
		{"null data", `{"data":null,"id":1}`, `null`},
		{"empty object data", `{"data":{}}`, `{}`},
		{"data key absent", `{"items":[],"data_count":0}`, `{"items":[],"data_count":0}`},
		{"empty body", ``, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			}, Config{})

			raw, err := client.Send(context.Background(), http.MethodGet, "/x", nil)
			if err != nil {
				t.Fatalf("Send returned error: %v", err)
			}
			if string(raw) != tt.want {
				t.Errorf("payload = %s, want %s", raw, tt.want)
			}
		})
	}
}

func TestSend_ApplicationErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", http.StatusBadRequest, `{"message":"content is required"}`, "content is required"},
		{"error field", http.StatusConflict, `{"error":"email already registered"}`, "email already registered"},
		{"message wins over error", http.StatusBadRequest, `{"message":"m","error":"e"}`, "m"},
		{"fallback", http.StatusInternalServerError, `{}`, "request failed with status 500"},
		{"empty body", http.StatusNotFound, ``, "request failed with status 404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, Config{})
			seedSession(t, store, "tok1")

			_, err := client.Send(context.Background(), http.MethodGet, "/x", nil)
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if apiErr.Kind != KindApplication {
				t.Errorf("Kind = %v, want %v", apiErr.Kind, KindApplication)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Message != tt.want {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.want)
			}

			// 401以外ではセッションを変更しない
			tok, _ := store.Token(context.Background())
			if tok != "tok1" {
				t.Errorf("token = %q, want tok1", tok)
			}
		})
	}
}

func TestSend_UndecodableBody_ReturnsDecodeError(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "<html>oops</html>")
	}, Config{})
	seedSession(t, store, "tok1")

	raw, err := client.Send(context.Background(), http.MethodGet, "/x", nil)
	if raw != nil {
		t.Errorf("expected no payload, got %s", raw)
	}
	if KindOf(err) != KindDecode {
		t.Fatalf("Kind = %v, want %v (err=%v)", KindOf(err), KindDecode, err)
	}
	if err.Error() != "invalid response from server" {
		t.Errorf("message = %q", err.Error())
	}
	tok, _ := store.Token(context.Background())
	if tok != "tok1" {
		t.Errorf("decode error must not touch the session, token = %q", tok)
	}
}

func TestSend_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	store := session.NewStore(session.NewMemoryBackend(), "")
	seedSession(t, store, "tok1")
	var buf bytes.Buffer
	client := NewClient(http.DefaultClient, store, newTestLogger(&buf), Config{BaseURL: baseURL})

	_, err := client.Send(context.Background(), http.MethodGet, "/x", nil)
	if KindOf(err) != KindTransport {
		t.Fatalf("Kind = %v, want %v (err=%v)", KindOf(err), KindTransport, err)
	}
	if !IsTransient(err) {
		t.Error("transport error should be transient")
	}
	if err.Error() == "" {
		t.Error("transport error should carry a message")
	}
	tok, _ := store.Token(context.Background())
	if tok != "tok1" {
		t.Errorf("transport error must not touch the session, token = %q", tok)
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, Config{})

	if _, err := client.Send(context.Background(), http.MethodGet, "", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty path: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := client.Send(context.Background(), "TRACE", "/x", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("TRACE: expected ErrInvalidRequest, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hits = %d, want 0", hits.Load())
	}
}

func TestSend_Unauthorized_ClearsSessionAndSignalsRedirect(t *testing.T) {
	var redirects []string
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"error":"invalid token"}`)
	}, Config{
		OnUnauthorized: func(_ context.Context, to string) {
			redirects = append(redirects, to)
		},
	})
	seedSession(t, store, "tok1")

	ctx := WithLocation(context.Background(), "/home")
	_, err := client.Send(ctx, http.MethodGet, "/thoughts", nil)

	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if err.Error() != "invalid token" {
		t.Errorf("message = %q, want %q", err.Error(), "invalid token")
	}
	assertSessionEmpty(t, store)

	to, ok := RedirectFor(err)
	if !ok || to != "/login?from=%2Fhome" {
		t.Errorf("RedirectFor = (%q, %v), want (/login?from=%%2Fhome, true)", to, ok)
	}
	if len(redirects) != 1 || redirects[0] != to {
		t.Errorf("OnUnauthorized calls = %v, want exactly [%s]", redirects, to)
	}
}

func TestSend_UnauthorizedAtLoginPath_NoRedirect(t *testing.T) {
	called := false
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}, Config{
		OnUnauthorized: func(context.Context, string) { called = true },
	})
	seedSession(t, store, "tok1")

	ctx := WithLocation(context.Background(), "/login")
	_, err := client.Send(ctx, http.MethodGet, "/me", nil)

	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if err.Error() != "request failed with status 401" {
		t.Errorf("message = %q", err.Error())
	}
	if _, ok := RedirectFor(err); ok {
		t.Error("no redirect expected when already at the login path")
	}
	if called {
		t.Error("OnUnauthorized should not be called at the login path")
	}
	assertSessionEmpty(t, store)
}

func TestSend_UnauthorizedNearLoginPath_StillRedirects(t *testing.T) {
	tests := []struct {
		location string
		redirect bool
	}{
		{"/login", false},
		{"/login?from=%2Fhome", false},
		{"/loginhistory", true},
		{"/settings/login", true},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnauthorized, `{}`)
			}, Config{})
			seedSession(t, store, "tok1")

			_, err := client.Send(WithLocation(context.Background(), tt.location), http.MethodGet, "/thoughts", nil)
			to, ok := RedirectFor(err)
			if ok != tt.redirect {
				t.Fatalf("RedirectFor = (%q, %v), want redirect=%v", to, ok, tt.redirect)
			}
			if ok {
				want := "/login?from=" + url.QueryEscape(tt.location)
				if to != want {
					t.Errorf("RedirectTo = %q, want %q", to, want)
				}
			}
			assertSessionEmpty(t, store)
		})
	}
}

func TestSend_UnauthorizedNonJSONBody_StillClearsSession(t *testing.T) {
	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "Unauthorized")
	}, Config{LoginPath: "/signin"})
	seedSession(t, store, "tok1")

	_, err := client.Send(context.Background(), http.MethodDelete, "/thoughts/1", nil)
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	to, _ := RedirectFor(err)
	if to != "/signin" {
		t.Errorf("RedirectTo = %q, want /signin", to)
	}
	assertSessionEmpty(t, store)
}

// TestEveryOperation_UnauthorizedClearsSession はどの操作で401を受けても
// 呼び出し完了直後にセッションが空になることを検証する。
func TestEveryOperation_UnauthorizedClearsSession(t *testing.T) {
	ops := map[string]func(c *Client, ctx context.Context) error{
		"GetThoughts": func(c *Client, ctx context.Context) error {
			_, err := c.GetThoughts(ctx)
			return err
		},
		"CreateThought": func(c *Client, ctx context.Context) error {
			_, err := c.CreateThought(ctx, "hello")
			return err
		},
		"DeleteThought": func(c *Client, ctx context.Context) error {
			_, err := c.DeleteThought(ctx, 5)
			return err
		},
		"GetCurrentUser": func(c *Client, ctx context.Context) error {
			user, err := c.GetCurrentUser(ctx)
			if user != nil {
				t.Errorf("GetCurrentUser returned user %+v", user)
			}
			return err
		},
		"Login": func(c *Client, ctx context.Context) error {
			_, _, err := c.Login(ctx, "a@b.com", "wrong")
			return err
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnauthorized, `{"message":"Unauthorized"}`)
			}, Config{})
			seedSession(t, store, "tok1")

			op(client, WithLocation(context.Background(), "/home"))
			assertSessionEmpty(t, store)
		})
	}
}

func TestForSession_IsolatesStores(t *testing.T) {
	client, storeA := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"auth":"`+r.Header.Get("Authorization")+`"}`)
	}, Config{})
	seedSession(t, storeA, "tok-a")

	storeB := session.NewStore(session.NewMemoryBackend(), "sid-b")
	seedSession(t, storeB, "tok-b")
	clientB := client.ForSession(storeB)

	if clientB.Store() != storeB {
		t.Error("ForSession should bind the given store")
	}
	if client.Store() != storeA {
		t.Error("ForSession must not change the original client")
	}

	raw, err := clientB.Send(context.Background(), http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if string(raw) != `{"auth":"Bearer tok-b"}` {
		t.Errorf("payload = %s", raw)
	}
}

func TestSend_RateLimitHonoursContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	}, Config{RateLimit: 0.001, RateBurst: 1})

	if _, err := client.Send(context.Background(), http.MethodGet, "/x", nil); err != nil {
		t.Fatalf("first Send returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, http.MethodGet, "/x", nil)
	if KindOf(err) != KindTransport {
		t.Errorf("expected transport error from limiter, got %v", err)
	}
}

func TestGetThoughts_ConcurrentCallsShareOneRequest(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		once.Do(func() { close(started) })
		<-release
		writeJSON(w, http.StatusOK, `[{"id":1,"content":"a"}]`)
	}, Config{})
	seedSession(t, store, "tok1")

	var wg sync.WaitGroup
	results := make([][]model.Thought, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 1 {
				<-started
			}
			got, err := client.GetThoughts(context.Background())
			if err != nil {
				t.Errorf("GetThoughts returned error: %v", err)
			}
			results[i] = got
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	for i, got := range results {
		if len(got) != 1 || got[0].Content != "a" {
			t.Errorf("result[%d] = %+v", i, got)
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		transient bool
	}{
		{"plain error", errors.New("x"), 0, false},
		{"transport", &Error{Kind: KindTransport}, KindTransport, true},
		{"decode 502", &Error{Kind: KindDecode, StatusCode: 502}, KindDecode, true},
		{"application 429", &Error{Kind: KindApplication, StatusCode: 429}, KindApplication, true},
		{"application 400", &Error{Kind: KindApplication, StatusCode: 400}, KindApplication, false},
		{"unauthorized", &Error{Kind: KindUnauthorized, StatusCode: 401}, KindUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %v, want %v", got, tt.kind)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}

	if KindUnauthorized.String() != "unauthorized" || Kind(0).String() != "unknown" {
		t.Error("unexpected Kind.String output")
	}
}

// 先に待機を始めた呼び出し元がキャンセルしても、同じ取得を待つ他の呼び出し元は結果を受け取る。
func TestGetThoughts_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	client, store := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		writeJSON(w, http.StatusOK, `[{"id":1,"content":"a"}]`)
	}, Config{})
	seedSession(t, store, "tok1")

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := client.GetThoughts(ctxA)
		errA <- err
	}()

	<-started
	type result struct {
		thoughts []model.Thought
		err      error
	}
	resB := make(chan result, 1)
	go func() {
		got, err := client.GetThoughts(context.Background())
		resB <- result{got, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("GetThoughts returned error: %v", res.err)
		}
		if len(res.thoughts) != 1 || res.thoughts[0].Content != "a" {
			t.Errorf("GetThoughts = %+v", res.thoughts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}

	if tok, _ := store.Token(context.Background()); tok != "tok1" {
		t.Errorf("session token = %q, want tok1", tok)
	}
}
