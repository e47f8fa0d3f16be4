// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証試行の結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeManual  = "manual"
	OutcomeBlocked = "blocked"
	OutcomeReused  = "reused"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレーター、ユーザーセッションストア、プロバイダカスケードから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(site, outcome string)
	RecordRenewalDuration(site string, duration time.Duration)
	RecordCircuitOpen(site string)
	RecordUserSessionAcquire(site, status string)
	RecordSnapshotRejected(site string)
	RecordProviderResolution(provider string)
	SetOpenContexts(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts     *prometheus.CounterVec
	renewalDuration  *prometheus.HistogramVec
	circuitOpen      *prometheus.CounterVec
	userSessions     *prometheus.CounterVec
	snapshotRejected *prometheus.CounterVec
	providerResolved *prometheus.CounterVec
	openContexts     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginkeeper_auth_attempts_total",
			Help: "技術アカウントの認証処理の結果別件数",
		}, []string{"site", "outcome"}),
		renewalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loginkeeper_auth_renewal_duration_seconds",
			Help:    "再ログイン処理の所要時間（秒）",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"site"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginkeeper_circuit_open_total",
			Help: "サーキットブレーカーが開いた回数",
		}, []string{"site"}),
		userSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginkeeper_user_session_acquire_total",
			Help: "ユーザーセッション取得の状態別件数",
		}, []string{"site", "status"}),
		snapshotRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginkeeper_snapshot_rejected_total",
			Help: "検証で拒否されたセッションスナップショットの件数",
		}, []string{"site"}),
		providerResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginkeeper_provider_resolution_total",
			Help: "セッションプロバイダ別の解決件数",
		}, []string{"provider"}),
		openContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loginkeeper_browser_open_contexts",
			Help: "開いているブラウザコンテキスト数",
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.renewalDuration,
		c.circuitOpen,
		c.userSessions,
		c.snapshotRejected,
		c.providerResolved,
		c.openContexts,
	)

	return c
}

// RecordAuthAttempt は認証処理の結果を記録する。
func (c *Collector) RecordAuthAttempt(site, outcome string) {
	c.authAttempts.WithLabelValues(site, outcome).Inc()
}

// RecordRenewalDuration は再ログイン処理の所要時間を記録する。
func (c *Collector) RecordRenewalDuration(site string, duration time.Duration) {
	c.renewalDuration.WithLabelValues(site).Observe(duration.Seconds())
}

// RecordCircuitOpen はサーキットブレーカーが開いたことを記録する。
func (c *Collector) RecordCircuitOpen(site string) {
	c.circuitOpen.WithLabelValues(site).Inc()
}

// RecordUserSessionAcquire はユーザーセッション取得の結果を記録する。
func (c *Collector) RecordUserSessionAcquire(site, status string) {
	c.userSessions.WithLabelValues(site, status).Inc()
}

// RecordSnapshotRejected はスナップショットの拒否を記録する。
func (c *Collector) RecordSnapshotRejected(site string) {
	c.snapshotRejected.WithLabelValues(site).Inc()
}

// RecordProviderResolution はセッションを提供したプロバイダを記録する。
func (c *Collector) RecordProviderResolution(provider string) {
	c.providerResolved.WithLabelValues(provider).Inc()
}

// SetOpenContexts は開いているブラウザコンテキスト数を設定する。
func (c *Collector) SetOpenContexts(n int) {
	c.openContexts.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, string) {}
func (Nop) RecordRenewalDuration(string, time.Duration) {}
func (Nop) RecordCircuitOpen(string) {}
func (Nop) RecordUserSessionAcquire(string, string) {}
func (Nop) RecordSnapshotRejected(string) {}
func (Nop) RecordProviderResolution(string) {}
func (Nop) SetOpenContexts(int) {}

// scrapeErrorLog はpromhttpの収集エラーをslogに流す。
type scrapeErrorLog struct{}

func (scrapeErrorLog) Println(v ...any) {
	slog.Warn("metrics gather error", slog.String("error", fmt.Sprint(v...)))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても残りのメトリクスは返す。OpenMetricsはAcceptで選択される。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:            scrapeErrorLog{},
		ErrorHandling:       promhttp.ContinueOnError,
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 2,
	})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
