// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HeartbeatsTotal counts heartbeat requests by result: ok, unauthorized,
	// invalid, unknown_building, rate_limited, busy, error.
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Subsystem: "ingress",
		Name:      "heartbeats_total",
		Help:      "Heartbeat requests by result.",
	}, []string{"result"})

	// TransitionsTotal counts committed section transitions by direction.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Subsystem: "monitor",
		Name:      "transitions_total",
		Help:      "Section power transitions by event type.",
	}, []string{"event_type"})

	// NotificationsTotal counts delivery outcomes: sent, retried, failed,
	// deactivated.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notification delivery outcomes.",
	}, []string{"outcome"})

	// JobsProcessedTotal counts finished jobs by kind and terminal status.
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Admin jobs finished by kind and status.",
	}, []string{"kind", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
