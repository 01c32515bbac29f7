// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 実行結果ラベル
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultLocked  = "locked"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期エンジン、スケジューラ、修復ジョブから利用する。
type MetricsCollector interface {
	RecordRun(importID string, result string)
	RecordFetchFailure(importID string, kind string)
	RecordFetchLatency(duration time.Duration)
	RecordParseWarnings(count int)
	RecordEvents(importID string, imported, updated, skipped int)
	RecordRepaired(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runs          *prometheus.CounterVec
	fetchFail     *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	parseWarnings prometheus.Counter
	events        *prometheus.CounterVec
	repaired      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icalsync_runs_total",
			Help: "同期実行の合計数（結果別）",
		}, []string{"import_id", "result"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icalsync_fetch_fail_total",
			Help: "ICSフェッチ失敗の合計数（種別別）",
		}, []string{"import_id", "kind"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "icalsync_fetch_latency_seconds",
			Help:    "ICSフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		parseWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icalsync_parse_dropped_total",
			Help: "パース時に破棄されたVEVENTの合計数",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icalsync_events_total",
			Help: "処理したイベントの合計数（結果別）",
		}, []string{"import_id", "outcome"}),
		repaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icalsync_repaired_events_total",
			Help: "二重オフセットを補正したイベントの合計数",
		}),
	}

	reg.MustRegister(
		c.runs,
		c.fetchFail,
		c.fetchLatency,
		c.parseWarnings,
		c.events,
		c.repaired,
	)

	return c
}

// RecordRun は同期実行の結果を記録する。
func (c *Collector) RecordRun(importID string, result string) {
	c.runs.WithLabelValues(importID, result).Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(importID string, kind string) {
	c.fetchFail.WithLabelValues(importID, kind).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordParseWarnings は破棄されたVEVENT数を記録する。
func (c *Collector) RecordParseWarnings(count int) {
	if count > 0 {
		c.parseWarnings.Add(float64(count))
	}
}

// RecordEvents は実行ごとのimported/updated/skipped件数を加算する。
func (c *Collector) RecordEvents(importID string, imported, updated, skipped int) {
	c.events.WithLabelValues(importID, "imported").Add(float64(imported))
	c.events.WithLabelValues(importID, "updated").Add(float64(updated))
	c.events.WithLabelValues(importID, "skipped").Add(float64(skipped))
}

// RecordRepaired は補正したイベント数を記録する。
func (c *Collector) RecordRepaired(count int) {
	if count > 0 {
		c.repaired.Add(float64(count))
	}
}

// NopCollector は何も記録しないMetricsCollector。CLIの単発実行で使用する。
type NopCollector struct{}

func (NopCollector) RecordRun(string, string) {}
func (NopCollector) RecordFetchFailure(string, string) {}
func (NopCollector) RecordFetchLatency(time.Duration) {}
func (NopCollector) RecordParseWarnings(int) {}
func (NopCollector) RecordEvents(string, int, int, int) {}
func (NopCollector) RecordRepaired(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
