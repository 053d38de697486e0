// Package api はリモートのthoughtsサービスへの唯一の通信経路となるゲートウェイクライアントを提供する。
//
// 認証ヘッダーの付与、成功レスポンスのエンベロープ除去、エラーの分類、
// 401受信時のセッション破棄とログイン画面への遷移シグナルを担う。
// 画面遷移そのものは行わず、*Error.RedirectTo として呼び出し元に返す。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hitoshi/thoughts/internal/metrics"
	"github.com/hitoshi/thoughts/internal/session"
)

// maxResponseSize はレスポンスボディの読み取り上限（4MB）。
const maxResponseSize = 4 << 20

// UnauthorizedFunc は401受信時にセッション破棄の後で呼ばれるフック。
type UnauthorizedFunc func(ctx context.Context, redirectTo string)

// Config はClientの設定。
type Config struct {
	// BaseURL はリモートAPIのベースURL（例: "http://localhost:8080/api"）。
	BaseURL string
	// LoginPath はシェルのログイン画面のパス。空の場合は "/login"。
	LoginPath string
	// RateLimit は送信レート（req/sec）。0以下で無制限。
	RateLimit float64
	RateBurst int
	Recorder  metrics.Recorder
	// OnUnauthorized はリダイレクトが必要な401ごとに1回呼ばれる。nil可。
	OnUnauthorized UnauthorizedFunc
}

// Client はAPIゲートウェイクライアント。
// 並行利用に安全で、ForSessionで別のセッションに束縛したクライアントを派生できる。
type Client struct {
	httpClient     *http.Client
	store          *session.Store
	logger         *slog.Logger
	baseURL        string
	loginPath      string
	limiter        *rate.Limiter
	group          *singleflight.Group
	recorder       metrics.Recorder
	onUnauthorized UnauthorizedFunc
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, store *session.Store, logger *slog.Logger, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient:     httpClient,
		store:          store,
		logger:         logger,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		loginPath:      cfg.LoginPath,
		group:          &singleflight.Group{},
		recorder:       cfg.Recorder,
		onUnauthorized: cfg.OnUnauthorized,
	}
	if c.loginPath == "" {
		c.loginPath = "/login"
	}
	if c.recorder == nil {
		c.recorder = metrics.Nop{}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// ForSession はstoreに束縛されたClientを返す。
// HTTPクライアント、レートリミッター、多重実行抑止、メトリクスは元のClientと共有する。
func (c *Client) ForSession(store *session.Store) *Client {
	derived := *c
	derived.store = store
	return &derived
}

// Store はClientが使用するセッションストアを返す。
func (c *Client) Store() *session.Store {
	return c.store
}

// requestOptions はsendの内部オプション。
type requestOptions struct {
	// anonymous はセッションのトークンを付与しない。
	anonymous bool
	// token が空でない場合、セッションの代わりにこのトークンを使用する。
	token string
	// suppressRedirect は401時にセッション破棄のみ行い、遷移シグナルを出さない。
	suppressRedirect bool
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Send はリモートAPIへリクエストを送信し、成功時はペイロードのdataフィールド
// （キーが存在しない場合はペイロード全体）を返す。空のボディはJSONのnullとして扱う。
// 失敗時は*Errorを返す。再試行は行わない。
func (c *Client) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	return c.send(ctx, method, path, body, requestOptions{})
}

func (c *Client) send(ctx context.Context, method, path string, body any, opts requestOptions) (json.RawMessage, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, method)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	token := opts.token
	if token == "" && !opts.anonymous {
		var err error
		token, err = c.store.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransport, Message: err.Error(), Err: err}
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recorder.RecordRequest(method, 0, time.Since(start))
		c.logger.Warn("remote request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: KindTransport, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	elapsed := time.Since(start)
	c.recorder.RecordRequest(method, resp.StatusCode, elapsed)
	c.logger.Debug("remote request",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("request_id", requestID),
		slog.Int("status", resp.StatusCode),
		slog.Bool("authenticated", token != ""),
		slog.Duration("duration", elapsed),
	)
	if readErr != nil {
		return nil, &Error{Kind: KindTransport, StatusCode: resp.StatusCode, Message: readErr.Error(), Err: readErr}
	}

	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	valid := json.Valid(payload)

	// 401はボディの形式に関わらずセッションを破棄する
	if resp.StatusCode == http.StatusUnauthorized {
		apiErr := &Error{
			Kind:       KindUnauthorized,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload, valid, resp.StatusCode),
		}
		c.handleUnauthorized(ctx, apiErr, opts)
		return nil, apiErr
	}

	if !valid {
		return nil, &Error{Kind: KindDecode, StatusCode: resp.StatusCode, Message: invalidResponseMessage}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:       KindApplication,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload, true, resp.StatusCode),
		}
	}

	return unwrapData(payload), nil
}

// handleUnauthorized はセッションを破棄し、必要であれば遷移先を設定してフックを呼ぶ。
func (c *Client) handleUnauthorized(ctx context.Context, apiErr *Error, opts requestOptions) {
	c.recorder.RecordUnauthorized()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear session after unauthorized response",
			slog.String("error", err.Error()),
		)
	} else {
		c.recorder.RecordSessionCleared("unauthorized")
	}

	if opts.suppressRedirect {
		return
	}

	location := LocationFrom(ctx)
	if isLoginLocation(location, c.loginPath) {
		return
	}

	apiErr.RedirectTo = c.loginPath
	if location != "" {
		apiErr.RedirectTo += "?from=" + url.QueryEscape(location)
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized(ctx, apiErr.RedirectTo)
	}
}

// errorMessage はエラーレスポンスからメッセージを取り出す。
// message、errorの順に参照し、どちらもなければステータスコードから生成する。
func errorMessage(payload []byte, valid bool, status int) string {
	if valid {
		var body struct {
			Message any `json:"message"`
			Error   any `json:"error"`
		}
		if err := json.Unmarshal(payload, &body); err == nil {
			if s, ok := body.Message.(string); ok && s != "" {
				return s
			}
			if s, ok := body.Error.(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}

// isLoginLocation はlocationがログイン画面そのもの（クエリ付きを含む）かを返す。
func isLoginLocation(location, loginPath string) bool {
	return location == loginPath || strings.HasPrefix(location, loginPath+"?")
}

// unwrapData はペイロードがdataフィールドを持つオブジェクトならその値を返す。
// dataがnullの場合もnullを返す。
func unwrapData(payload []byte) json.RawMessage {
	if len(payload) == 0 || payload[0] != '{' {
		return payload
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payload
	}
	data, ok := envelope["data"]
	if !ok {
		return payload
	}
	return data
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// flightKey はセッションごとの多重実行抑止キーを返す。
func (c *Client) flightKey(op string) string {
	return c.store.Scope() + "|" + op
}

// shared は同じセッションの同じ操作を1回の通信にまとめる。
// fnは呼び出し元のキャンセルから切り離したctxで実行するため、
// 先頭の呼び出し元が離脱しても待機中の他の呼び出し元は結果を受け取れる。
// 各呼び出し元は自身のctxが終了した時点で待機をやめる。
func (c *Client) shared(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.flightKey(op), func() (any, error) {
		return fn(flightCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, &Error{Kind: KindTransport, Message: ctx.Err().Error(), Err: ctx.Err()}
	}
}
