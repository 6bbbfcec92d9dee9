// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"testing"

	"github.com/cobaltcore-dev/reservoir/testlib/monitoring"
)

func TestMonitoredHandlerRun(t *testing.T) {
	runTimer := &monitoring.MockObserver{}
	called := 0
	wrapped := monitoredHandler{
		handler: func(ctx context.Context, leaseID, eventID string) error {
			called++
			return nil
		},
		runTimer: runTimer,
	}
	if err := wrapped.run(t.Context(), "lease1", "event1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 handler call, got %d", called)
	}
	if len(runTimer.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(runTimer.Observations))
	}
	if last, _ := runTimer.Last(); last <= 0 {
		t.Errorf("expected a positive duration, got %v", last)
	}
}

func TestMonitorHandlerWithoutRegistry(t *testing.T) {
	called := 0
	handler := func(ctx context.Context, leaseID, eventID string) error {
		called++
		return nil
	}
	wrapped := Monitor{}.monitorHandler(EventStartLease, handler)
	if err := wrapped(t.Context(), "lease1", "event1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 handler call, got %d", called)
	}
}
