// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"github.com/cobaltcore-dev/reservoir/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Collection of Prometheus metrics to monitor the usage ledger.
type Monitor struct {
	// Counter for failed ledger backend operations, by operation.
	failures *prometheus.CounterVec
}

// Create a new ledger monitor and register the metrics.
func NewLedgerMonitor(registry *monitoring.Registry) Monitor {
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reservoir_ledger_failures_total",
		Help: "Number of failed ledger backend operations.",
	}, []string{"op"})
	registry.MustRegister(failures)
	return Monitor{failures: failures}
}
