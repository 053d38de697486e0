// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// APIゲートウェイ、インポーター、クリーンアップジョブから利用する。
type Recorder interface {
	// RecordRequest はリモートAPI呼び出し1回分を記録する。通信失敗時のstatusCodeは0。
	RecordRequest(method string, statusCode int, duration time.Duration)
	RecordUnauthorized()
	RecordSessionCleared(reason string)
	RecordImportedItems(count int)
	RecordExpiredSessionsDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	unauthorized    prometheus.Counter
	sessionCleared  *prometheus.CounterVec
	importedItems   prometheus.Counter
	expiredSessions prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thoughts_gateway_requests_total",
			Help: "リモートAPI呼び出しの合計数（メソッド・ステータス別）",
		}, []string{"method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thoughts_gateway_request_duration_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thoughts_gateway_unauthorized_total",
			Help: "401応答の合計数",
		}),
		sessionCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thoughts_session_cleared_total",
			Help: "セッション破棄の合計数（理由別）",
		}, []string{"reason"}),
		importedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thoughts_imported_items_total",
			Help: "フィードから取り込んだ投稿の合計数",
		}),
		expiredSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thoughts_expired_sessions_deleted_total",
			Help: "削除された期限切れセッション値の合計数",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.requestLatency,
		c.unauthorized,
		c.sessionCleared,
		c.importedItems,
		c.expiredSessions,
	)

	return c
}

// RecordRequest はAPI呼び出しのステータスとレイテンシを記録する。
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.requests.WithLabelValues(method, status).Inc()
	c.requestLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordUnauthorized は401応答を記録する。
func (c *Collector) RecordUnauthorized() {
	c.unauthorized.Inc()
}

// RecordSessionCleared はセッション破棄を記録する。
func (c *Collector) RecordSessionCleared(reason string) {
	c.sessionCleared.WithLabelValues(reason).Inc()
}

// RecordImportedItems は取り込んだ投稿数を記録する。
func (c *Collector) RecordImportedItems(count int) {
	c.importedItems.Add(float64(count))
}

// RecordExpiredSessionsDeleted は削除した期限切れセッション値の件数を記録する。
func (c *Collector) RecordExpiredSessionsDeleted(count int64) {
	c.expiredSessions.Add(float64(count))
}

// Nop は何も記録しないRecorder。メトリクスを使用しないCLIやテストで使用する。
type Nop struct{}

func (Nop) RecordRequest(string, int, time.Duration) {}
func (Nop) RecordUnauthorized()                      {}
func (Nop) RecordSessionCleared(string)              {}
func (Nop) RecordImportedItems(int)                  {}
func (Nop) RecordExpiredSessionsDeleted(int64)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
