package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	escalations prometheus.Counter
	reminders   prometheus.Counter
	dispatched  *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddEscalations counts approvals moved to ESCALATED by the sweep.
func (m *Metrics) AddEscalations(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.escalations.Add(float64(count))
}

// AddReminders counts close reminders emitted for overdue periods.
func (m *Metrics) AddReminders(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reminders.Add(float64(count))
}

// AddDispatched counts notification deliveries per event type.
func (m *Metrics) AddDispatched(eventType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.dispatched.WithLabelValues(eventType).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "periodguard_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "periodguard_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "periodguard_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	escalations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "periodguard_approval_escalations_total",
		Help: "Approvals escalated after their level timeout elapsed.",
	})
	reminders := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "periodguard_period_close_reminders_total",
		Help: "Reminders sent for open periods past their cutoff date.",
	})
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "periodguard_notifications_dispatched_total",
		Help: "Notification deliveries queued per event type.",
	}, []string{"event"})
	registerer.MustRegister(runs, failures, duration, escalations, reminders, dispatched)
	return &Metrics{
		runs:        runs,
		failures:    failures,
		duration:    duration,
		escalations: escalations,
		reminders:   reminders,
		dispatched:  dispatched,
	}
}
