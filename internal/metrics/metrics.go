package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyloom_gateway_request_duration_seconds",
			Help:    "Backend request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	critiqueRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyloom_critique_rounds",
			Help:    "Critique rounds spent per accepted stage artifact",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"stage", "outcome"}, // outcome: "accepted"/"under_protest"
	)

	unitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyloom_job_unit_duration_seconds",
			Help:    "Batched job unit processing duration by stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"stage"},
	)

	jobsByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyloom_jobs_total",
			Help: "Job terminal outcomes by stage and status",
		},
		[]string{"stage", "status"},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyloom_active_jobs",
			Help: "Jobs currently holding a (project, stage) execution slot",
		},
	)
)

// Collector provides convenience methods for recording metrics.
type Collector struct{}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordGatewayRequest records one backend request duration.
func (c *Collector) RecordGatewayRequest(model string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	gatewayRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordCritiqueRounds records how many rounds a stage took to accept.
func (c *Collector) RecordCritiqueRounds(stage string, rounds int, underProtest bool) {
	outcome := "accepted"
	if underProtest {
		outcome = "under_protest"
	}
	critiqueRounds.WithLabelValues(stage, outcome).Observe(float64(rounds))
}

// RecordUnitDuration records one batched unit's processing time.
func (c *Collector) RecordUnitDuration(stage string, duration time.Duration) {
	unitDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordJobOutcome counts a job reaching a terminal status.
func (c *Collector) RecordJobOutcome(stage, status string) {
	jobsByStatus.WithLabelValues(stage, status).Inc()
}

// JobStarted and JobReleased track the active-job gauge.
func (c *Collector) JobStarted()  { activeJobs.Inc() }
func (c *Collector) JobReleased() { activeJobs.Dec() }
