package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection kinds for the limit_rejections counter.
const (
	RejectMonthly       = "monthly"
	RejectHourly        = "hourly"
	RejectConcurrency   = "concurrency"
	RejectProvider      = "provider"
	RejectRegenCooldown = "regen_cooldown"
	RejectFullRegenCap  = "full_regen_cap"
)

// Lifecycle stages for the job_lifecycle counter.
const (
	StageQueued    = "queued"
	StageStarted   = "started"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Metrics holds every collector the core emits.
type Metrics struct {
	LimitRejections  *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobLifecycle     *prometheus.CounterVec
	JobDuration      prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "limit_rejections_total",
			Help: "Admission rejections by limit kind.",
		}, []string{"kind"}),
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Generator provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Worker job terminations by result.",
		}, []string{"result"}),
		JobLifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_lifecycle_total",
			Help: "Job lifecycle transitions.",
		}, []string{"stage"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end worker job duration.",
			Buckets: []float64{5, 30, 60},
		}),
	}
}

// ObserveJob records a job termination in one call.
func (m *Metrics) ObserveJob(success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failed"
	}
	m.JobsCompleted.WithLabelValues(result).Inc()
	m.JobDuration.Observe(d.Seconds())
}
