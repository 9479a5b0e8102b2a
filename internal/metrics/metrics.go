// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 取り込み結果のラベル値。
const (
	IngestCreated   = "created"
	IngestDuplicate = "duplicate"
	IngestRejected  = "rejected"
	IngestFailed    = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込みパイプライン、サイトアダプタ、Run Executorから利用する。
type MetricsCollector interface {
	RecordIngest(outcome string)
	RecordAsset(site, status string)
	RecordRun(site, status string)
	RecordPageLatency(site string, duration time.Duration)
	RecordSiteHTTPStatus(site string, statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingests     *prometheus.CounterVec
	assets      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	pageLatency *prometheus.HistogramVec
	siteStatus  *prometheus.CounterVec
}

// NewCollector はCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagvault_ingest_total",
			Help: "取り込み結果別のファイル数",
		}, []string{"outcome"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagvault_run_assets_total",
			Help: "Run内でのURL処理結果別の件数",
		}, []string{"site", "status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagvault_runs_total",
			Help: "終了したRunの件数",
		}, []string{"site", "status"}),
		pageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagvault_page_fetch_seconds",
			Help:    "サイトからのページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"site"}),
		siteStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagvault_site_http_status_total",
			Help: "サイト別・HTTPステータスコード別のレスポンス数",
		}, []string{"site", "status_code"}),
	}

	reg.MustRegister(c.ingests, c.assets, c.runs, c.pageLatency, c.siteStatus)
	return c
}

// RecordIngest は取り込み結果を記録する。
func (c *Collector) RecordIngest(outcome string) {
	c.ingests.WithLabelValues(outcome).Inc()
}

// RecordAsset はRun内でのURL処理結果を記録する。
func (c *Collector) RecordAsset(site, status string) {
	c.assets.WithLabelValues(site, status).Inc()
}

// RecordRun はRunの終了を記録する。
func (c *Collector) RecordRun(site, status string) {
	c.runs.WithLabelValues(site, status).Inc()
}

// RecordPageLatency はページ取得のレイテンシを記録する。
func (c *Collector) RecordPageLatency(site string, duration time.Duration) {
	c.pageLatency.WithLabelValues(site).Observe(duration.Seconds())
}

// RecordSiteHTTPStatus はサイトのHTTPステータスコードを記録する。
func (c *Collector) RecordSiteHTTPStatus(site string, statusCode int) {
	c.siteStatus.WithLabelValues(site, strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordIngest(string)                     {}
func (Nop) RecordAsset(string, string)              {}
func (Nop) RecordRun(string, string)                {}
func (Nop) RecordPageLatency(string, time.Duration) {}
func (Nop) RecordSiteHTTPStatus(string, int)        {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントのみを持つハンドラーを返す。
// ワーカープロセスのメトリクス公開に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
