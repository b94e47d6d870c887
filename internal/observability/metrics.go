package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	types "github.com/yungbote/gazette-ingest/internal/domain"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const MetricsNamespace = "gazette"

// Metrics holds the ingestion pipeline's Prometheus collectors. All methods
// are safe on a nil receiver so callers can use Current() unconditionally.
type Metrics struct {
	handler http.Handler

	FetchPages        *prometheus.CounterVec
	FetchWarnings     *prometheus.CounterVec
	TierOutcomes      *prometheus.CounterVec
	TierLatency       *prometheus.HistogramVec
	Hallucinations    *prometheus.CounterVec
	DateNormalization *prometheus.CounterVec
	DeadlineFlags     *prometheus.CounterVec
	ChangeEvents      *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	BackendInflight   *prometheus.GaugeVec
	AnalysisCache     *prometheus.CounterVec
	RunRecords        *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	APILatency        *prometheus.HistogramVec
	APIInflight       prometheus.Gauge
}

var (
	metricsMu      sync.RWMutex
	currentMetrics *Metrics
)

// Init registers the collectors on the default registry once and makes them
// available through Current().
func Init(log *logger.Logger) *Metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if currentMetrics != nil {
		return currentMetrics
	}
	currentMetrics = NewMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if log != nil {
		log.Info("prometheus metrics registered", "namespace", MetricsNamespace)
	}
	return currentMetrics
}

func Current() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return currentMetrics
}

// SetCurrent swaps the process-wide metrics; tests use it with a private registry.
func SetCurrent(m *Metrics) {
	metricsMu.Lock()
	currentMetrics = m
	metricsMu.Unlock()
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	factory := promauto.With(reg)
	m := &Metrics{handler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})}

	m.FetchPages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "fetch", Name: "pages_total",
		Help: "Catalog pages requested, by category and outcome.",
	}, []string{"category", "outcome"})
	m.FetchWarnings = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "fetch", Name: "warnings_total",
		Help: "Fetch warnings such as cap exceeded or early empty page.",
	}, []string{"category", "warning"})
	m.TierOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "extract", Name: "tier_outcomes_total",
		Help: "Extraction tier outcomes (ok, insufficient, failed, rejected, accepted).",
	}, []string{"tier", "outcome"})
	m.TierLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace, Subsystem: "extract", Name: "tier_duration_seconds",
		Help:    "Latency of one extraction tier call.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 90},
	}, []string{"tier"})
	m.Hallucinations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "validate", Name: "hallucinations_total",
		Help: "Structured fields dropped because they do not appear in the source text.",
	}, []string{"field"})
	m.DateNormalization = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Name: "date_normalization_total",
		Help: "Publication dates resolved, by source (primary, secondary, none).",
	}, []string{"source"})
	m.DeadlineFlags = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "dates", Name: "deadline_flags_total",
		Help: "Deadline sanity issues raised.",
	}, []string{"issue"})
	m.ChangeEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "changes", Name: "events_total",
		Help: "Change events detected, by kind.",
	}, []string{"kind"})
	m.JobsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "jobs", Name: "completed_total",
		Help: "Job executions by type and resulting status.",
	}, []string{"job_type", "status"})
	m.JobDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace, Subsystem: "jobs", Name: "duration_seconds",
		Help:    "Job handler duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job_type"})
	m.QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "jobs", Name: "queue_depth",
		Help: "job_run rows by status.",
	}, []string{"status"})
	m.BackendInflight = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "backend", Name: "inflight",
		Help: "External backend calls currently holding the semaphore.",
	}, []string{"backend"})
	m.AnalysisCache = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "analysis", Name: "cache_total",
		Help: "Analysis cache lookups by result (hit, miss, error).",
	}, []string{"result"})
	m.RunRecords = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "run", Name: "records_total",
		Help: "Records seen by ingestion runs, by classification.",
	}, []string{"category", "kind"})
	m.APIRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "api", Name: "requests_total",
		Help: "Operator API requests by method, route and status.",
	}, []string{"method", "route", "status"})
	m.APILatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace, Subsystem: "api", Name: "request_duration_seconds",
		Help:    "Operator API latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	m.APIInflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "api", Name: "inflight",
		Help: "Operator API requests in flight.",
	})
	return m
}

// Handler serves the exposition format for the registry these metrics live on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return m.handler
}

func (m *Metrics) IncFetchPage(category, outcome string) {
	if m == nil {
		return
	}
	m.FetchPages.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) IncFetchWarning(category, warning string) {
	if m == nil {
		return
	}
	m.FetchWarnings.WithLabelValues(category, warning).Inc()
}

func (m *Metrics) ObserveTier(tier, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.TierOutcomes.WithLabelValues(tier, outcome).Inc()
	if dur > 0 {
		m.TierLatency.WithLabelValues(tier).Observe(dur.Seconds())
	}
}

func (m *Metrics) IncHallucination(field string) {
	if m == nil {
		return
	}
	m.Hallucinations.WithLabelValues(field).Inc()
}

func (m *Metrics) IncDateSource(source string) {
	if m == nil {
		return
	}
	m.DateNormalization.WithLabelValues(source).Inc()
}

func (m *Metrics) IncDeadlineFlag(issue string) {
	if m == nil {
		return
	}
	m.DeadlineFlags.WithLabelValues(issue).Inc()
}

func (m *Metrics) IncChangeEvent(kind string) {
	if m == nil {
		return
	}
	m.ChangeEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveJob(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.JobsCompleted.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(dur.Seconds())
}

func (m *Metrics) BackendInflightAdd(backend string, delta float64) {
	if m == nil {
		return
	}
	m.BackendInflight.WithLabelValues(backend).Add(delta)
}

func (m *Metrics) IncAnalysisCache(result string) {
	if m == nil {
		return
	}
	m.AnalysisCache.WithLabelValues(result).Inc()
}

func (m *Metrics) AddRunRecords(category, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RunRecords.WithLabelValues(category, kind).Add(float64(n))
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, route, status).Inc()
	m.APILatency.WithLabelValues(method, route).Observe(dur.Seconds())
}

func (m *Metrics) APIInflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.APIInflight.Add(delta)
}

func scrapeInterval() time.Duration {
	d := envutil.Duration("METRICS_SCRAPE_INTERVAL", 15*time.Second)
	if d < time.Second {
		return time.Second
	}
	return d
}

// StartJobQueueCollector refreshes QueueDepth from job_run until ctx ends.
func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.CollectQueueDepth(ctx, db); err != nil && log != nil {
					log.Warn("metrics: job queue depth query failed", "error", err)
				}
			}
		}
	}()
}

func (m *Metrics) CollectQueueDepth(ctx context.Context, db *gorm.DB) error {
	if m == nil || db == nil {
		return nil
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.WithContext(ctx).
		Model(&types.JobRun{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	m.QueueDepth.Reset()
	for _, row := range rows {
		status := strings.TrimSpace(row.Status)
		if status == "" {
			status = "unknown"
		}
		m.QueueDepth.WithLabelValues(status).Set(float64(row.Count))
	}
	return nil
}
