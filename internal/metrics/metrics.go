package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runloom_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RunsStarted counts runs whose lock was acquired by this worker
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runloom_runs_started_total",
			Help: "Total number of runs started on this worker",
		},
	)

	// RunsEnded counts finished runs by terminal status
	RunsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_runs_ended_total",
			Help: "Total number of runs ended, by terminal status",
		},
		[]string{"status"},
	)

	// ActiveRuns tracks runs currently driven by this worker
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runloom_active_runs",
			Help: "Number of runs currently executing on this worker",
		},
	)

	// RunDuration tracks how long runs take
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runloom_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// LockContention counts runs skipped because another worker owns them
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runloom_run_lock_contention_total",
			Help: "Total number of run lock acquisitions lost to another worker",
		},
	)

	// EventsPersisted counts durable events by kind
	EventsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_events_persisted_total",
			Help: "Total number of conversation events persisted",
		},
		[]string{"kind"},
	)

	// ToolCalls tracks tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration tracks tool latency
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runloom_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// AutoContinues counts extra model passes chained into a run
	AutoContinues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_auto_continues_total",
			Help: "Total number of auto-continue passes, by finish reason",
		},
		[]string{"reason"},
	)

	// ModelPasses counts model calls by outcome finish reason
	ModelPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_model_passes_total",
			Help: "Total number of model passes, by finish reason",
		},
		[]string{"finish_reason"},
	)

	// TokensUsed counts prompt and completion tokens
	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runloom_tokens_total",
			Help: "Total number of tokens, by direction and whether they were estimated locally",
		},
		[]string{"direction", "estimated"},
	)

	// StreamClients tracks connected stream bridge clients
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runloom_stream_clients",
			Help: "Number of connected stream clients",
		},
	)

	// StatusWriteRetries counts retried final status writes
	StatusWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runloom_status_write_retries_total",
			Help: "Total number of retried final status writes",
		},
	)

	// AbandonedRuns tracks running runs with no liveness key
	AbandonedRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runloom_abandoned_runs",
			Help: "Number of runs marked running whose worker stopped refreshing liveness",
		},
	)
)

// GinMiddleware records request count and latency for gin routes
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "other"
		}
		RequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the active run gauge
func RecordRunStart() {
	RunsStarted.Inc()
	ActiveRuns.Inc()
}

// RecordRunEnd decrements the active run gauge and records duration
func RecordRunEnd(status string, duration time.Duration) {
	ActiveRuns.Dec()
	RunsEnded.WithLabelValues(status).Inc()
	RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLockContention records a lost lock race
func RecordLockContention() {
	LockContention.Inc()
}

// RecordEventPersisted records a durable event append
func RecordEventPersisted(kind string) {
	EventsPersisted.WithLabelValues(kind).Inc()
}

// RecordToolCall records a tool invocation
func RecordToolCall(tool, status string, duration time.Duration) {
	ToolCalls.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordAutoContinue records one chained pass
func RecordAutoContinue(reason string) {
	AutoContinues.WithLabelValues(reason).Inc()
}

// RecordModelPass records a finished model pass
func RecordModelPass(finishReason string) {
	if finishReason == "" {
		finishReason = "none"
	}
	ModelPasses.WithLabelValues(finishReason).Inc()
}

// RecordTokens records token usage
func RecordTokens(prompt, completion int, estimated bool) {
	est := strconv.FormatBool(estimated)
	TokensUsed.WithLabelValues("prompt", est).Add(float64(prompt))
	TokensUsed.WithLabelValues("completion", est).Add(float64(completion))
}

// RecordStreamClient adjusts the connected client gauge by delta
func RecordStreamClient(delta int) {
	StreamClients.Add(float64(delta))
}

// RecordStatusWriteRetry records a retried final status write
func RecordStatusWriteRetry() {
	StatusWriteRetries.Inc()
}

// SetAbandonedRuns sets the abandoned run gauge
func SetAbandonedRuns(count int) {
	AbandonedRuns.Set(float64(count))
}
