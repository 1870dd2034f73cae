package throttle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3xpluto/civic-ratelimit/internal/policy"
)

const (
	outcomeAllowed    = "allowed"
	outcomeLimited    = "limited"
	outcomeDenied     = "denied_role"
	outcomeUnlimited  = "unlimited"
	outcomeStoreError = "store_error"
)

type Metrics struct {
	Decisions *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_ratelimit_decisions_total",
			Help: "Rate limit checks by endpoint, role and outcome",
		}, []string{"endpoint", "role", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civic_ratelimit_check_duration_seconds",
			Help:    "Rate limit check latency including the store round trip",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.Decisions, m.Latency)
	return m
}

func (m *Metrics) observe(e policy.Endpoint, r policy.Role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	role := r.String()
	if !r.Known() {
		// keep label cardinality bounded
		role = "other"
	}
	m.Decisions.WithLabelValues(e.String(), role, outcome).Inc()
	m.Latency.WithLabelValues(e.String()).Observe(d.Seconds())
}
