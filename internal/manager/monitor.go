// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"

	"github.com/cobaltcore-dev/reservoir/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of metrics for the lease manager.
type Monitor struct {
	// A histogram to measure how long each event handler takes to run.
	eventRunTimer *prometheus.HistogramVec
	// A counter for processed lease events by type and outcome.
	eventsProcessed *prometheus.CounterVec
}

// Create a new manager monitor and register the metrics.
func NewManagerMonitor(registry *monitoring.Registry) Monitor {
	eventRunTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reservoir_manager_event_run_duration_seconds",
		Help:    "Duration of lease event handler runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	eventsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reservoir_manager_events_processed_total",
		Help: "Number of processed lease events by type and outcome",
	}, []string{"event_type", "status"})
	registry.MustRegister(
		eventRunTimer,
		eventsProcessed,
	)
	return Monitor{
		eventRunTimer:   eventRunTimer,
		eventsProcessed: eventsProcessed,
	}
}

// Wrap the handler so that each run observes its duration under the
// event type. Without a registered monitor the handler passes through.
func (m Monitor) monitorHandler(eventType string, handler eventHandler) eventHandler {
	if m.eventRunTimer == nil {
		return handler
	}
	wrapped := monitoredHandler{
		handler:  handler,
		runTimer: m.eventRunTimer.WithLabelValues(eventType),
	}
	return wrapped.run
}

// Wraps an event handler with a run duration observer.
type monitoredHandler struct {
	handler  eventHandler
	runTimer prometheus.Observer
}

func (h monitoredHandler) run(ctx context.Context, leaseID, eventID string) error {
	timer := prometheus.NewTimer(h.runTimer)
	defer timer.ObserveDuration()
	return h.handler(ctx, leaseID, eventID)
}
