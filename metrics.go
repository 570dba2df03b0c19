package access

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	CacheRequests *prometheus.CounterVec
	StoreQueries  *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	CacheResets   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_cache_requests_total",
				Help: "Lookups against the evaluator caches",
			},
			[]string{"cache", "result"},
		),
		StoreQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_store_queries_total",
				Help: "Queries issued to the backing store",
			},
			[]string{"query", "status"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_decisions_total",
				Help: "Access decisions by outcome",
			},
			[]string{"result"},
		),
		CacheResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "access_cache_resets_total",
				Help: "Number of ClearStatics calls",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.CacheRequests, m.StoreQueries, m.Decisions, m.CacheResets)
	}
	return m
}

// The helpers below accept a nil receiver so an engine without metrics can
// call them unconditionally.

func (m *Metrics) cacheHit(cache string) {
	if m != nil {
		m.CacheRequests.WithLabelValues(cache, "hit").Inc()
	}
}

func (m *Metrics) cacheMiss(cache string) {
	if m != nil {
		m.CacheRequests.WithLabelValues(cache, "miss").Inc()
	}
}

func (m *Metrics) reset() {
	if m != nil {
		m.CacheResets.Inc()
	}
}

func (m *Metrics) query(name string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreQueries.WithLabelValues(name, status).Inc()
}

func (m *Metrics) decision(allowed bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.Decisions.WithLabelValues("error").Inc()
	case allowed:
		m.Decisions.WithLabelValues("allow").Inc()
	default:
		m.Decisions.WithLabelValues("deny").Inc()
	}
}
