// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the daemon's own operational counters via
// Prometheus, independent of the usage data it reports to the control
// server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus.Registry and the quota-relevant
// gauges/counters the policy engine updates.
type Registry struct {
	reg *prometheus.Registry

	RegisteredPackages prometheus.Gauge
	RemainingKiB       *prometheus.GaugeVec
	SamplerTicks       prometheus.Counter
	SamplerFailures    prometheus.Counter
	ControlRounds      prometheus.Counter
	ControlFailures    prometheus.Counter
	ChainRebuilds      prometheus.Counter
}

func newRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RegisteredPackages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qtad",
		Name:      "registered_packages",
		Help:      "Number of packages currently tracked in the quota register.",
	})
	r.RemainingKiB = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qtad",
		Name:      "remaining_kib",
		Help:      "Remaining uplink quota in KiB for a tracked package.",
	}, []string{"package"})
	r.SamplerTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qtad",
		Name:      "sampler_ticks_total",
		Help:      "Number of completed sampler ticks.",
	})
	r.SamplerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qtad",
		Name:      "sampler_failures_total",
		Help:      "Number of sampler ticks that hit a read or persistence error.",
	})
	r.ControlRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qtad",
		Name:      "control_rounds_total",
		Help:      "Number of completed control-server round trips.",
	})
	r.ControlFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qtad",
		Name:      "control_failures_total",
		Help:      "Number of control-server round trips that failed.",
	})
	r.ChainRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qtad",
		Name:      "chain_rebuilds_total",
		Help:      "Number of times the chain graph was rebuilt in response to a control directive.",
	})

	r.reg.MustRegister(
		r.RegisteredPackages,
		r.RemainingKiB,
		r.SamplerTicks,
		r.SamplerFailures,
		r.ControlRounds,
		r.ControlFailures,
		r.ChainRebuilds,
	)
	return r
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	once   sync.Once
	shared *Registry
)

// Get returns the process-wide Registry, constructing it on first use.
func Get() *Registry {
	once.Do(func() {
		shared = newRegistry()
	})
	return shared
}
