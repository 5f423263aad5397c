package poll

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records loop activity.
type Metrics interface {
	ObservePass(duration time.Duration)
	IncPhaseErrors(phase string)
	IncItemErrors(phase string)
	IncTransitions(status, rule string)
	IncFlairFailures()
	AddNotifications(sent, failed int)
	IncRewards()
	SetPosts(status string, count int)
}

// PrometheusMetrics exports loop metrics to a prometheus registry.
type PrometheusMetrics struct {
	passDuration  prometheus.Histogram
	phaseErrors   *prometheus.CounterVec
	itemErrors    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	flairFailures prometheus.Counter
	notifications *prometheus.CounterVec
	rewards       prometheus.Counter
	posts         *prometheus.GaugeVec
}

func (m *PrometheusMetrics) ObservePass(duration time.Duration) {
	m.passDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) IncPhaseErrors(phase string) {
	m.phaseErrors.WithLabelValues(phase).Inc()
}

func (m *PrometheusMetrics) IncItemErrors(phase string) {
	m.itemErrors.WithLabelValues(phase).Inc()
}

func (m *PrometheusMetrics) IncTransitions(status, rule string) {
	m.transitions.WithLabelValues(status, rule).Inc()
}

func (m *PrometheusMetrics) IncFlairFailures() {
	m.flairFailures.Inc()
}

func (m *PrometheusMetrics) AddNotifications(sent, failed int) {
	m.notifications.WithLabelValues("sent").Add(float64(sent))
	m.notifications.WithLabelValues("failed").Add(float64(failed))
}

func (m *PrometheusMetrics) IncRewards() {
	m.rewards.Inc()
}

func (m *PrometheusMetrics) SetPosts(status string, count int) {
	m.posts.WithLabelValues(status).Set(float64(count))
}

// NewMetrics registers the loop metrics with reg.
func NewMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wtw_pass_duration_seconds",
			Help:    "Duration of one reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		phaseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wtw_phase_errors_total",
			Help: "Phases that failed or panicked",
		}, []string{"phase"}),
		itemErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wtw_item_errors_total",
			Help: "Posts, comments or messages skipped because of an error",
		}, []string{"phase"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wtw_transitions_total",
			Help: "Post status transitions written",
		}, []string{"status", "rule"}),
		flairFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wtw_flair_failures_total",
			Help: "Flair calls that failed after the status write",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wtw_notifications_total",
			Help: "Subscriber messages by outcome",
		}, []string{"outcome"}),
		rewards: f.NewCounter(prometheus.CounterOpts{
			Name: "wtw_rewards_total",
			Help: "Points awarded for solving answers",
		}),
		posts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wtw_posts",
			Help: "Tracked posts per status",
		}, []string{"status"}),
	}
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObservePass(_ time.Duration) {}
func (NoopMetrics) IncPhaseErrors(_ string)     {}
func (NoopMetrics) IncItemErrors(_ string)      {}
func (NoopMetrics) IncTransitions(_, _ string)  {}
func (NoopMetrics) IncFlairFailures()           {}
func (NoopMetrics) AddNotifications(_, _ int)   {}
func (NoopMetrics) IncRewards()                 {}
func (NoopMetrics) SetPosts(_ string, _ int)    {}
