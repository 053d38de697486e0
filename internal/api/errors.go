package api

import (
	"errors"
	"net/http"
	"strings"
)

// Kind はゲートウェイが返すエラーの分類。
type Kind int

const (
	// KindTransport はネットワーク到達不能やタイムアウトなど通信層の失敗。
	KindTransport Kind = iota + 1
	// KindDecode はレスポンスボディをJSONとして解釈できなかった失敗。
	KindDecode
	// KindApplication は2xx以外のステータスを受け取った失敗。
	KindApplication
	// KindUnauthorized は401を受け取った失敗。セッションは破棄済み。
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindApplication:
		return "application"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// invalidResponseMessage はデコードできないレスポンスに対する利用者向けメッセージ。
const invalidResponseMessage = "invalid response from server"

var (
	// ErrNoSession はトークンを保持していないことを示す。
	ErrNoSession = errors.New("no active session")
	// ErrNoToken は認証APIがトークンを返さなかったことを示す。
	ErrNoToken = errors.New("no token received from server")
	// ErrNoExpiry はトークンに有効期限が含まれていないことを示す。
	ErrNoExpiry = errors.New("token has no expiry")
	// ErrInvalidRequest は空のパスや未対応のメソッドなど呼び出し側の誤り。
	ErrInvalidRequest = errors.New("invalid request")
)

// Error はリモートAPI呼び出しの失敗を表す。
// Messageはそのまま利用者に表示できる文言。
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	// RedirectTo は401時にシェルが遷移すべきログイン画面のパス。
	// 既にログイン画面にいる場合は空。
	RedirectTo string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はerrに含まれる*ErrorのKindを返す。*Errorでない場合は0。
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// IsUnauthorized は401による失敗かを返す。
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// IsTransient は再試行で回復し得る失敗かを返す。
// 通信失敗、429、5xxが該当する。
func IsTransient(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Kind == KindTransport {
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}

// RedirectFor は401による失敗のときの遷移先を返す。
func RedirectFor(err error) (string, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindUnauthorized && apiErr.RedirectTo != "" {
		return apiErr.RedirectTo, true
	}
	return "", false
}

// indicatesInvalidToken はトークンの無効・期限切れ・認可失敗を示す失敗かを判定する。
func indicatesInvalidToken(err error) bool {
	if IsUnauthorized(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "token") ||
		strings.Contains(msg, "unauthorized")
}
