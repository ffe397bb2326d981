// Package metrics exposes Prometheus instrumentation for the durable
// streams handler: create/append/read counters and gauges for the state a
// single Caddy instance is currently holding open (active waiters, proxied
// sessions).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters and gauges for one Handler instance. Each
// Caddy module instance gets its own private Registry (rather than
// registering against the process-wide default) so provisioning more than
// one Handler in the same process - a config reload, or several tests in
// one binary - never panics on duplicate registration.
type Metrics struct {
	Registry *prometheus.Registry

	StreamsCreated prometheus.Counter
	AppendsTotal   prometheus.Counter
	ReadsTotal     prometheus.Counter
	ActiveWaiters  prometheus.Gauge
	ProxySessions  prometheus.Gauge
}

// New creates a Metrics set registered against a fresh, private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	reg := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		StreamsCreated: reg.NewCounter(prometheus.CounterOpts{
			Name: "durable_streams_created_total",
			Help: "Total number of streams created.",
		}),
		AppendsTotal: reg.NewCounter(prometheus.CounterOpts{
			Name: "durable_streams_appends_total",
			Help: "Total number of accepted append requests.",
		}),
		ReadsTotal: reg.NewCounter(prometheus.CounterOpts{
			Name: "durable_streams_reads_total",
			Help: "Total number of GET reads served.",
		}),
		ActiveWaiters: reg.NewGauge(prometheus.GaugeOpts{
			Name: "durable_streams_active_long_poll_waiters",
			Help: "Number of long-poll requests currently blocked waiting for new data.",
		}),
		ProxySessions: reg.NewGauge(prometheus.GaugeOpts{
			Name: "durable_streams_active_proxy_sessions",
			Help: "Number of proxy profile sessions (spec §4.5) currently streaming.",
		}),
	}
}
