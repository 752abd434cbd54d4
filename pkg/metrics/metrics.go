package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job 处理延迟（毫秒）
	JobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpilot_job_latency_ms",
			Help:    "Job handler latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"queue", "outcome"},
	)

	// Job 结果计数：ok / retry / dead_letter
	JobOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_job_outcome_total",
			Help: "Total number of processed jobs by outcome",
		},
		[]string{"queue", "outcome"},
	)

	SyncMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_sync_messages_total",
			Help: "Messages observed during sync, by trigger and kind (fetched, inserted)",
		},
		[]string{"trigger", "kind"},
	)

	SyncRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_sync_runs_total",
			Help: "Sync runs by trigger and final status",
		},
		[]string{"trigger", "status"},
	)

	// 分类命中的层级：rules / ai / stub
	ClassificationTierCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_classification_tier_total",
			Help: "Classifications produced per cascade tier",
		},
		[]string{"tier", "category"},
	)

	// AI 调用延迟（毫秒）
	AICallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpilot_ai_call_latency_ms",
			Help:    "AI vendor call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpilot_provider_call_latency_ms",
			Help:    "Mail provider API latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"provider", "operation", "status"},
	)

	AutoHandledCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_auto_handled_total",
			Help: "Auto-handle executions by action and remote outcome",
		},
		[]string{"action", "remote_status"},
	)

	TriageActionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_triage_actions_total",
			Help: "Triage actions executed by action and result",
		},
		[]string{"action", "result"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpilot_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"command"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpilot_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"command"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpilot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

func RecordJob(queue, outcome string, duration time.Duration) {
	JobLatency.WithLabelValues(queue, outcome).Observe(float64(duration.Milliseconds()))
	JobOutcomeCount.WithLabelValues(queue, outcome).Inc()
}

func RecordSync(trigger, status string, fetched, inserted int) {
	SyncRunCount.WithLabelValues(trigger, status).Inc()
	SyncMessageCount.WithLabelValues(trigger, "fetched").Add(float64(fetched))
	SyncMessageCount.WithLabelValues(trigger, "inserted").Add(float64(inserted))
}

func IncrementClassification(tier, category string) {
	ClassificationTierCount.WithLabelValues(tier, category).Inc()
}

func RecordAICall(provider, status string, duration time.Duration) {
	AICallLatency.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

func RecordProviderCall(provider, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderCallLatency.WithLabelValues(provider, operation, status).Observe(float64(duration.Milliseconds()))
}

func IncrementAutoHandled(action, remoteStatus string) {
	AutoHandledCount.WithLabelValues(action, remoteStatus).Inc()
}

func IncrementTriageAction(action, result string) {
	TriageActionCount.WithLabelValues(action, result).Inc()
}

func RecordDBQueryDuration(command string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func IncrementSlowQuery(command string) {
	SlowQueryCount.WithLabelValues(command).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
