package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_jobs_submitted_total", Help: "Documents accepted by the processing queue"})
	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_jobs_enqueued_total", Help: "Jobs handed to the background worker"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_jobs_failed_total", Help: "Jobs marked failed, by step"}, []string{"step"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "intake_stage_duration_seconds", Help: "Latency of calls to the processing service", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)}, []string{"step", "outcome"})
	OriginDetected   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_origin_total", Help: "Origin classification results"}, []string{"origin"})
	ReconcileTries   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "intake_reconcile_attempts", Help: "Attempts needed to find placeholder embedding rows", Buckets: []float64{1, 2, 3, 4, 5}})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "intake_queue_depth", Help: "Jobs waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "intake_inflight", Help: "Pipelines currently running in the worker"})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "intake_jobs", Help: "Job rows by current status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			StageDuration,
			OriginDetected,
			ReconcileTries,
			RateLimitRejects,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			JobsByStatus,
		)
	})
}

// ObserveStage records how long a stage call took.
func ObserveStage(step string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StageDuration.WithLabelValues(step, outcome).Observe(time.Since(started).Seconds())
}

// PoolStater is satisfied by the store.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// poolCollector exports pgxpool statistics at scrape time.
type poolCollector struct {
	pool     PoolStater
	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
	waits    *prometheus.Desc
}

// RegisterPool adds connection pool gauges for the given pool.
func RegisterPool(p PoolStater) error {
	c := &poolCollector{
		pool:     p,
		acquired: prometheus.NewDesc("intake_db_pool_acquired_conns", "Connections currently in use", nil, nil),
		idle:     prometheus.NewDesc("intake_db_pool_idle_conns", "Idle connections", nil, nil),
		total:    prometheus.NewDesc("intake_db_pool_total_conns", "Open connections", nil, nil),
		max:      prometheus.NewDesc("intake_db_pool_max_conns", "Configured maximum connections", nil, nil),
		waits:    prometheus.NewDesc("intake_db_pool_empty_acquire_total", "Acquires that waited for a connection", nil, nil),
	}
	return prometheus.Register(c)
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.waits
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}
