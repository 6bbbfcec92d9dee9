// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package dummyvm provides a stand-in plugin for virtual instance
// reservations. It books reservations without touching any backend,
// which makes it useful for development setups and tests.
package dummyvm

import (
	"context"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/google/uuid"
)

// Resource type handled by this plugin.
const ResourceType = "virtual:instance"

// Plugin name used in the configuration file.
const PluginName = "dummy.vm.plugin"

type VMPlugin struct {
	Store manager.Store
}

func NewPlugin(store manager.Store) *VMPlugin {
	return &VMPlugin{Store: store}
}

func (p *VMPlugin) Type() string { return ResourceType }

func (p *VMPlugin) Initialize(ctx context.Context) error { return nil }

// Book a reservation under a freshly generated resource id.
func (p *VMPlugin) CreateReservation(ctx context.Context, scope manager.TrustScope, request manager.ReservationRequest) error {
	return p.Store.CreateReservation(&manager.Reservation{
		ID:           uuid.NewString(),
		LeaseID:      request.LeaseID,
		ResourceID:   uuid.NewString(),
		ResourceType: request.ResourceType,
		Status:       manager.ReservationStatusPending,
	})
}

// There is no backend to reschedule, any window is fine.
func (p *VMPlugin) UpdateReservation(ctx context.Context, scope manager.TrustScope, reservationID string, startDate, endDate time.Time) error {
	return nil
}

func (p *VMPlugin) OnStart(ctx context.Context, scope manager.TrustScope, resourceID string) error {
	return nil
}

func (p *VMPlugin) OnEnd(ctx context.Context, scope manager.TrustScope, resourceID string) error {
	return nil
}
