package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Fetch outcomes recorded by the lifecycle manager.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// Metrics groups the collectors exported by the gateway.
type Metrics struct {
	Fetches            *prometheus.CounterVec
	CacheWriteFailures prometheus.Counter
	Installs           *prometheus.CounterVec
	Evictions          prometheus.Counter
	EvictionFailures   prometheus.Counter
	ActiveVersion      *prometheus.GaugeVec
}

// NewRegistry returns a registry preloaded with process and runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// New creates the collectors and registers them with reg under the offlinecache_ prefix.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetches_total",
			Help: "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_write_failures_total",
			Help: "Opportunistic cache writes that were dropped.",
		}),
		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "installs_total",
			Help: "Install attempts by result.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evicted_generations_total",
			Help: "Stale cache generations deleted during activation.",
		}),
		EvictionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eviction_failures_total",
			Help: "Stale cache generations that could not be deleted.",
		}),
		ActiveVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_version",
			Help: "Set to 1 for the cache generation currently in control.",
		}, []string{"version"}),
	}

	if reg != nil {
		wrapped := prometheus.WrapRegistererWithPrefix("offlinecache_", reg)
		wrapped.MustRegister(m.Fetches, m.CacheWriteFailures, m.Installs, m.Evictions, m.EvictionFailures, m.ActiveVersion)
	}
	return m
}
