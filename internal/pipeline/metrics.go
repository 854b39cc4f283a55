package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the job pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	Published   *prometheus.CounterVec
	Processed   *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Redelivered *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	InFlight    *prometheus.GaugeVec
	Panics      *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifecycle",
			Subsystem: "jobs",
			Name:      "published_total",
			Help:      "Jobs handed to the job sink, by type and result.",
		}, []string{"type", "result"}),
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifecycle",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job processing attempts, by type and outcome.",
		}, []string{"type", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lifecycle",
			Subsystem: "jobs",
			Name:      "processing_duration_seconds",
			Help:      "Time spent in one job processing attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		Redelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifecycle",
			Subsystem: "jobs",
			Name:      "redelivered_total",
			Help:      "Jobs scheduled for another attempt.",
		}, []string{"type"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifecycle",
			Subsystem: "jobs",
			Name:      "dead_lettered_total",
			Help:      "Jobs moved to the dead-letter list.",
		}, []string{"type"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lifecycle",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs in the queue, by state.",
		}, []string{"state"}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lifecycle",
			Subsystem: "workers",
			Name:      "in_flight",
			Help:      "Job attempts running on the worker pool, by type.",
		}, []string{"type"}),
		Panics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifecycle",
			Subsystem: "workers",
			Name:      "panics_total",
			Help:      "Job attempts that panicked outside the handler, by type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) published(jobType string, ok bool) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(jobType, result(ok)).Inc()
}

func (m *Metrics) processed(jobType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(jobType, outcome).Inc()
	m.Duration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (m *Metrics) redelivered(jobType string) {
	if m == nil {
		return
	}
	m.Redelivered.WithLabelValues(jobType).Inc()
}

func (m *Metrics) deadLettered(jobType string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(jobType).Inc()
}

func (m *Metrics) queueDepth(s QueueStats) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("ready").Set(float64(s.Ready))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(s.Delayed))
	m.QueueDepth.WithLabelValues("in_flight").Set(float64(s.InFlight))
	m.QueueDepth.WithLabelValues("dead").Set(float64(s.Dead))
}

func (m *Metrics) inFlight(jobType string, delta float64) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(jobType).Add(delta)
}

func (m *Metrics) workerPanic(jobType string) {
	if m == nil {
		return
	}
	m.Panics.WithLabelValues(jobType).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
