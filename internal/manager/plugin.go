// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"time"
)

// Request to reserve resources within a lease. Values carries the
// plugin-specific part of the reservation payload untouched, so each
// plugin reads its own fields from it.
type ReservationRequest struct {
	LeaseID      string
	StartDate    time.Time
	EndDate      time.Time
	ResourceType string
	Values       json.RawMessage
}

// Plugin manages reservations of one resource type.
type Plugin interface {
	// The resource type this plugin is responsible for.
	Type() string
	// Prepare the plugin before the manager accepts requests.
	Initialize(ctx context.Context) error
	// Reserve resources for a new lease. The plugin persists its own
	// reservation rows.
	CreateReservation(ctx context.Context, scope TrustScope, request ReservationRequest) error
	// Move an existing reservation to a new lease window.
	UpdateReservation(ctx context.Context, scope TrustScope, reservationID string, startDate, endDate time.Time) error
	// Activate the resources reserved under the given resource id.
	OnStart(ctx context.Context, scope TrustScope, resourceID string) error
	// Release the resources reserved under the given resource id.
	OnEnd(ctx context.Context, scope TrustScope, resourceID string) error
}

// MethodHandler serves one plugin-specific rpc method.
type MethodHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// MethodProvider is implemented by plugins that expose rpc methods
// beyond the reservation lifecycle, keyed by method name.
type MethodProvider interface {
	Methods() map[string]MethodHandler
}

// Key of one plugin rpc method in the dispatch registry.
type methodKey struct {
	resourceType string
	method       string
}
