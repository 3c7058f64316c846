/*
Package metrics provides Prometheus metrics collection and exposition for
lattice.

The metrics package defines and registers all lattice metrics using the
Prometheus client library, providing observability into job throughput,
cache effectiveness, handler saturation, and scheduler latency. Metrics are
exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Metric Categories                │           │
	│  │                                            │           │
	│  │  Jobs: submitted, by status, duration      │           │
	│  │  Cache: probes by result (hit/miss/…)      │           │
	│  │  Handlers: dispatches, capacity rejections │           │
	│  │  Manager: tick duration                    │           │
	│  │  Compute: per-resource capacity in use     │           │
	│  │  Blob store: operations by kind/outcome    │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            HTTP Exposition                 │           │
	│  │  /metrics  Prometheus text format          │           │
	│  │  /healthz  component health JSON           │           │
	│  │  /readyz   readiness gating                │           │
	│  └────────────────────────────────────────────┘           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

# Naming

All metrics carry the "lattice_" prefix and follow Prometheus naming
conventions: counters end in _total, durations are histograms in seconds.
Label cardinality is kept bounded: function names and handler names label
series, but job ids and fingerprints never do.

# Usage

The job manager and compute-resource daemon increment these metrics inline;
the CLI mounts Handler() next to HealthHandler()/ReadyHandler() when a
metrics address is configured:

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

Component health, consumed by the /healthz and /readyz endpoints:

	metrics.RegisterComponent("docstore", true, "")
	metrics.UpdateComponent("compute_daemon", false, "containerd unreachable")
*/
package metrics
