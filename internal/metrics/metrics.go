// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// トークン更新の結果ラベル
const (
	RenewalSuccess = "success"
	RenewalRefused = "refused"
	RenewalNetwork = "network"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイ、チェックアウト、ヘルスモニターから利用する。
type MetricsCollector interface {
	RecordRequest(method string, statusCode int, duration time.Duration)
	RecordRenewal(outcome string)
	RecordCheckout(outcome string)
	RecordHealthCheck(status string, duration time.Duration)
	RecordHealthCheckFailure(reason string)
	SetEntitlementCounts(counts map[string]int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requests       *prometheus.CounterVec
	requestLatency prometheus.Histogram
	renewals       *prometheus.CounterVec
	checkouts      *prometheus.CounterVec
	checks         *prometheus.CounterVec
	checkFail      *prometheus.CounterVec
	checkLatency   prometheus.Histogram
	entitlements   *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyman_api_requests_total",
			Help: "APIリクエスト数（メソッド、ステータスクラス別）",
		}, []string{"method", "status_class"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxyman_api_request_duration_seconds",
			Help:    "APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyman_token_renewals_total",
			Help: "アクセストークン更新の結果別の回数",
		}, []string{"outcome"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyman_checkouts_total",
			Help: "チェックアウトの結果別の回数",
		}, []string{"outcome"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyman_health_checks_total",
			Help: "ヘルスチェック結果のステータス別の回数",
		}, []string{"status"}),
		checkFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyman_health_check_failures_total",
			Help: "ヘルスチェック失敗の理由別の回数",
		}, []string{"reason"}),
		checkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxyman_health_check_duration_seconds",
			Help:    "ヘルスチェックのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		entitlements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxyman_entitlements",
			Help: "追跡中のプロキシ利用権のステータス別件数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.requests,
		c.requestLatency,
		c.renewals,
		c.checkouts,
		c.checks,
		c.checkFail,
		c.checkLatency,
		c.entitlements,
	)

	return c
}

// RecordRequest はAPIリクエストの結果を記録する。statusCodeが0の場合は通信失敗として扱う。
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	c.requests.WithLabelValues(method, statusClass(statusCode)).Inc()
	c.requestLatency.Observe(duration.Seconds())
}

// RecordRenewal はトークン更新の結果を記録する。
func (c *Collector) RecordRenewal(outcome string) {
	c.renewals.WithLabelValues(outcome).Inc()
}

// RecordCheckout はチェックアウトの結果を記録する。
func (c *Collector) RecordCheckout(outcome string) {
	c.checkouts.WithLabelValues(outcome).Inc()
}

// RecordHealthCheck はヘルスチェック結果を記録する。
func (c *Collector) RecordHealthCheck(status string, duration time.Duration) {
	c.checks.WithLabelValues(status).Inc()
	c.checkLatency.Observe(duration.Seconds())
}

// RecordHealthCheckFailure はヘルスチェック失敗を記録する。
func (c *Collector) RecordHealthCheckFailure(reason string) {
	c.checkFail.WithLabelValues(reason).Inc()
}

// SetEntitlementCounts はステータス別件数を置き換える。countsにないステータスは0になる。
func (c *Collector) SetEntitlementCounts(counts map[string]int) {
	c.entitlements.Reset()
	for status, n := range counts {
		c.entitlements.WithLabelValues(status).Set(float64(n))
	}
}

// statusClass はHTTPステータスを "2xx" のようなクラスに変換する。
func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordRequest(string, int, time.Duration) {}
func (NopCollector) RecordRenewal(string) {}
func (NopCollector) RecordCheckout(string) {}
func (NopCollector) RecordHealthCheck(string, time.Duration) {}
func (NopCollector) RecordHealthCheckFailure(string) {}
func (NopCollector) SetEntitlementCounts(map[string]int) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
