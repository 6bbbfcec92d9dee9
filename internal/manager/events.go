// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/sapcc/go-bits/jobloop"
)

// Dispatcher polls for due lease events and fires their handlers.
type Dispatcher struct {
	// Persistence layer shared with the manager.
	Store Store
	// Manager whose handlers serve the events.
	Manager *Manager
	// Manager part of the service configuration.
	Config conf.ManagerConfig

	monitor Monitor
	// Tracks spawned event handlers until shutdown.
	wg sync.WaitGroup
}

// Handler serving one event type.
type eventHandler func(ctx context.Context, leaseID, eventID string) error

func NewDispatcher(manager *Manager, config conf.ManagerConfig) *Dispatcher {
	return &Dispatcher{
		Store:   manager.Store,
		Manager: manager,
		Config:  config,
		monitor: manager.monitor,
	}
}

func (d *Dispatcher) handlers() map[string]eventHandler {
	return map[string]eventHandler{
		EventStartLease:     d.monitor.monitorHandler(EventStartLease, d.Manager.StartLease),
		EventEndLease:       d.monitor.monitorHandler(EventEndLease, d.Manager.EndLease),
		EventBeforeEndLease: d.monitor.monitorHandler(EventBeforeEndLease, d.Manager.BeforeEndLease),
	}
}

// Poll for due events until the context is canceled, then wait for the
// handlers still in flight.
func (d *Dispatcher) ProcessEventsPeriodically(ctx context.Context) {
	interval := time.Duration(d.Config.EventPollInterval()) * time.Second
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher shutting down")
			d.wg.Wait()
			return
		default:
			if err := d.ProcessEvent(ctx); err != nil {
				slog.Error("dispatcher: failed to process event", "error", err)
			}
			time.Sleep(jobloop.DefaultJitter(interval))
		}
	}
}

// One dispatcher tick: claim the earliest due event and spawn its
// handler. The handler is deliberately not joined here, shutdown waits
// for it.
func (d *Dispatcher) ProcessEvent(ctx context.Context) error {
	event, err := d.Store.GetFirstUndoneEvent()
	if err != nil || event == nil {
		return err
	}
	if !event.Time.Before(time.Now().UTC()) {
		return nil
	}
	claimed, err := d.Store.ClaimEvent(event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another dispatcher got there first.
		return nil
	}
	slog.Info("dispatcher: running event", "event", event.ID, "eventType", event.EventType, "lease", event.LeaseID)

	handler, ok := d.handlers()[event.EventType]
	if !ok {
		if err := d.Store.SetEventStatus(event.ID, EventStatusError); err != nil {
			slog.Error("dispatcher: failed to mark event", "event", event.ID, "error", err)
		}
		return NewEventError(event.EventType)
	}
	d.wg.Add(1)
	go d.runEvent(ctx, event, handler)

	lease, err := d.Manager.GetLease(event.LeaseID)
	if err != nil {
		return err
	}
	d.Manager.Notifier.NotifyLease(lease, "event."+event.EventType)
	return nil
}

func (d *Dispatcher) runEvent(ctx context.Context, event *Event, handler eventHandler) {
	defer d.wg.Done()
	status := EventStatusDone
	if err := handler(ctx, event.LeaseID, event.ID); err != nil {
		slog.Error("dispatcher: error occurred while event handling",
			"event", event.ID, "eventType", event.EventType, "error", err)
		if err := d.Store.SetEventStatus(event.ID, EventStatusError); err != nil {
			slog.Error("dispatcher: failed to mark event", "event", event.ID, "error", err)
		}
		status = EventStatusError
	}
	if d.monitor.eventsProcessed != nil {
		d.monitor.eventsProcessed.WithLabelValues(event.EventType, status).Inc()
	}
}
