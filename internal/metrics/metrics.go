// Package metrics exposes supervisor state as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the metrics gosvd reports. Each field is independently
// safe for concurrent use, same as any prometheus collector.
type Registry struct {
	reg *prometheus.Registry

	WorkersTarget prometheus.Gauge
	WorkersLive   prometheus.Gauge
	Spawns        prometheus.Counter
	SpawnFailures prometheus.Counter
	KillsSent     *prometheus.CounterVec // labeled by stage
	ChildExits    *prometheus.CounterVec // labeled by reason: "clean", "signaled", "reap_error"
}

// NewRegistry constructs and registers every collector under a fresh
// prometheus.Registry, so a test can create one without clobbering the
// global default registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		WorkersTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gosv",
			Name:      "workers_target",
			Help:      "Configured target worker count.",
		}),
		WorkersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gosv",
			Name:      "workers_live",
			Help:      "Worker slots currently holding a live process.",
		}),
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gosv",
			Name:      "spawns_total",
			Help:      "Total worker spawns that produced a Monitor.",
		}),
		SpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gosv",
			Name:      "spawn_failures_total",
			Help:      "Total worker spawn attempts that failed before a Monitor was created.",
		}),
		KillsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gosv",
			Name:      "kills_sent_total",
			Help:      "Kill signals sent, by stage.",
		}, []string{"stage"}),
		ChildExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gosv",
			Name:      "child_exits_total",
			Help:      "Worker process exits observed, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(r.WorkersTarget, r.WorkersLive, r.Spawns, r.SpawnFailures, r.KillsSent, r.ChildExits)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
