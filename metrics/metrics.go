// Package metrics defines the gateway's Prometheus collectors, exported on
// the control listener at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProxiedRequests counts public requests by resolved route prefix
	// ("none" when nothing matched).
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clustergate_proxied_requests_total",
		Help: "Public requests dispatched to workers, by resolved route prefix.",
	}, []string{"prefix"})

	// ProbeFailures counts failed health probes by service name.
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clustergate_probe_failures_total",
		Help: "Failed liveness probes, by service.",
	}, []string{"service"})

	// Evictions counts targets removed after hitting the failure threshold.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clustergate_target_evictions_total",
		Help: "Targets evicted from the routing table, by service.",
	}, []string{"service"})

	// Registrations counts accepted service registrations.
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clustergate_registrations_total",
		Help: "Accepted service registrations.",
	})

	// AuthRejections counts control API requests turned away at the gate.
	AuthRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clustergate_auth_rejections_total",
		Help: "Control API requests rejected by the identity gate.",
	})

	// WorkerRespawns counts proxy workers replaced after a crash.
	WorkerRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clustergate_worker_respawns_total",
		Help: "Proxy workers respawned after an unexpected exit.",
	})
)
