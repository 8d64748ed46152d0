// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CachePruned    prometheus.Counter
	BackwardSeeks  prometheus.Counter
	LinesRead      prometheus.Counter
	RecordedLines  prometheus.Counter
	ChatRequests   *prometheus.CounterVec // label: outcome

	// Histograms (seconds)
	ChatRequestDuration prometheus.Observer
	CachePruneDuration  prometheus.Observer

	// Gauges
	CacheSessions prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_cache_hits_total", Help: "Chat requests served by an existing session"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_cache_misses_total", Help: "Chat requests that created a new session"})
		CachePruned = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_cache_pruned_total", Help: "Idle chat sessions removed by the pruner"})
		BackwardSeeks = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_backward_seeks_total", Help: "Chat log reopens caused by backward windows"})
		LinesRead = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_lines_read_total", Help: "Chat log lines read by cursors"})
		RecordedLines = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_recorded_lines_total", Help: "Chat log lines written by the recorder"})
		ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_requests_total", Help: "Chat window requests by outcome"}, []string{"outcome"})
		ChatRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_request_duration_seconds", Help: "Chat window request duration seconds", Buckets: prometheus.DefBuckets})
		CachePruneDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_cache_prune_duration_seconds", Help: "Chat session prune pass duration seconds", Buckets: []float64{.0001, .001, .01, .1, 1}})
		CacheSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_cache_sessions", Help: "Current number of cached chat sessions"})
	})
}

// IncCacheHit counts a session cache hit.
func IncCacheHit() {
	if CacheHits != nil {
		CacheHits.Inc()
	}
}

// IncCacheMiss counts a session cache miss.
func IncCacheMiss() {
	if CacheMisses != nil {
		CacheMisses.Inc()
	}
}

// AddCachePruned counts sessions removed by the pruner.
func AddCachePruned(n int) {
	if CachePruned != nil {
		CachePruned.Add(float64(n))
	}
}

// SetCacheSessions records the current session count.
func SetCacheSessions(n int) {
	if CacheSessions != nil {
		CacheSessions.Set(float64(n))
	}
}

// IncBackwardSeeks counts a cursor reopen.
func IncBackwardSeeks() {
	if BackwardSeeks != nil {
		BackwardSeeks.Inc()
	}
}

// AddLinesRead counts lines read by a cursor.
func AddLinesRead(n int64) {
	if LinesRead != nil && n > 0 {
		LinesRead.Add(float64(n))
	}
}

// IncRecordedLines counts a line written by the recorder.
func IncRecordedLines() {
	if RecordedLines != nil {
		RecordedLines.Inc()
	}
}

// ObserveChatRequest records a chat request outcome (ok, not_found, bad_request, error).
func ObserveChatRequest(outcome string, d time.Duration) {
	if ChatRequests != nil {
		ChatRequests.WithLabelValues(outcome).Inc()
	}
	if ChatRequestDuration != nil {
		ChatRequestDuration.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
