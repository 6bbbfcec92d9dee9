// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/db"
	"github.com/cobaltcore-dev/reservoir/internal/ledger"
	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/cobaltcore-dev/reservoir/internal/nova"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Resource type handled by this plugin.
const ResourceType = "physical:host"

// Plugin name used in the configuration file.
const PluginName = "physical.host.plugin"

// HostPlugin reserves whole compute hosts. Matched hosts move from the
// freepool into a dedicated pool aggregate for the lease window.
type HostPlugin struct {
	Store   manager.Store
	Catalog Catalog
	Pool    ReservationPool
	Nova    nova.NovaAPI
	// Usage ledger, nil when usage enforcement is disabled.
	Usage  ledger.Ledger
	Config conf.HostsConfig
}

func NewPlugin(database db.DB, store manager.Store, novaAPI nova.NovaAPI, usage ledger.Ledger, config conf.HostsConfig) *HostPlugin {
	return &HostPlugin{
		Store:   store,
		Catalog: Catalog{DB: database},
		Pool:    ReservationPool{Nova: novaAPI, Config: config},
		Nova:    novaAPI,
		Usage:   usage,
		Config:  config,
	}
}

func (p *HostPlugin) Type() string { return ResourceType }

// Create the catalog tables and make sure the freepool exists.
func (p *HostPlugin) Initialize(ctx context.Context) error {
	if err := p.Catalog.Init(); err != nil {
		return err
	}
	return p.Pool.EnsureFreepool(ctx)
}

// Host-specific fields of a reservation request.
type reservationValues struct {
	Min                  any    `json:"min"`
	Max                  any    `json:"max"`
	HypervisorProperties string `json:"hypervisor_properties"`
	ResourceProperties   string `json:"resource_properties"`
}

// Reserve between min and max hosts matching the requested properties
// for the lease window. The matched hosts are bound through allocations
// and a fresh pool aggregate is prepared for the lease start.
func (p *HostPlugin) CreateReservation(ctx context.Context, scope manager.TrustScope, request manager.ReservationRequest) error {
	var values reservationValues
	if err := json.Unmarshal(request.Values, &values); err != nil {
		return manager.NewMalformedParameter("reservation")
	}
	minHosts, err := intParam(values.Min, "min")
	if err != nil {
		return err
	}
	maxHosts, err := intParam(values.Max, "max")
	if err != nil {
		return err
	}
	if minHosts < 1 || maxHosts < 1 || maxHosts < minHosts {
		return manager.NewInvalidRange()
	}
	hostIDs, err := p.matchingHosts(
		values.HypervisorProperties, values.ResourceProperties,
		minHosts, maxHosts, request.StartDate, request.EndDate)
	if err != nil {
		return err
	}
	if len(hostIDs) == 0 {
		return manager.ErrNotEnoughHostsAvailable
	}
	// Admission happens on the actual host count, after matching, so the
	// admitted and encumbered amounts always agree.
	var admitted float64
	if p.Usage != nil {
		admitted = request.EndDate.Sub(request.StartDate).Hours() * float64(len(hostIDs))
		if err := p.Usage.Admit(ctx, scope.ProjectID, admitted); err != nil {
			var insufficient *ledger.InsufficientBudget
			if errors.As(err, &insufficient) {
				return manager.ErrNotAuthorized.Msgf(
					"Reservation for project %s would spend %f SUs, only %f left",
					scope.ProjectID, insufficient.Requested, insufficient.Left)
			}
			return err
		}
	}
	countRange := fmt.Sprintf("%d-%d", minHosts, maxHosts)
	if err := p.commitReservation(ctx, scope, request, values, countRange, hostIDs); err != nil {
		if p.Usage != nil {
			// Return the admitted SUs, nothing was reserved.
			p.Usage.Adjust(ctx, scope.ProjectID, -admitted)
		}
		return err
	}
	if p.Usage != nil {
		slog.Info("hosts: removing lease exception", "user", scope.UserID)
		p.Usage.ClearException(ctx, scope.UserID)
	}
	return nil
}

// Persist the reservation rows and the pool aggregate backing them.
// The reservation id doubles as the pool aggregate name.
func (p *HostPlugin) commitReservation(ctx context.Context, scope manager.TrustScope, request manager.ReservationRequest, values reservationValues, countRange string, hostIDs []string) error {
	poolName := uuid.NewString()
	aggregate, err := p.Pool.Create(ctx, poolName, scope.ProjectID)
	if err != nil {
		return err
	}
	reservation := &manager.Reservation{
		ID:           poolName,
		LeaseID:      request.LeaseID,
		ResourceID:   strconv.Itoa(aggregate.ID),
		ResourceType: request.ResourceType,
		Status:       manager.ReservationStatusPending,
	}
	if err := p.Store.CreateReservation(reservation); err != nil {
		return err
	}
	hostReservation := &manager.HostReservation{
		ID:                   uuid.NewString(),
		ReservationID:        reservation.ID,
		HypervisorProperties: values.HypervisorProperties,
		ResourceProperties:   values.ResourceProperties,
		CountRange:           countRange,
		Status:               manager.ReservationStatusPending,
	}
	if err := p.Store.CreateHostReservation(hostReservation); err != nil {
		return err
	}
	for _, hostID := range hostIDs {
		allocation := &manager.HostAllocation{
			ID:            uuid.NewString(),
			ComputeHostID: hostID,
			ReservationID: reservation.ID,
		}
		if err := p.Store.CreateHostAllocation(allocation); err != nil {
			return err
		}
	}
	return nil
}

// Move the reservation to the new lease window. Hosts that cannot serve
// the extended window are swapped for fresh ones, unless they are
// already carrying instances.
func (p *HostPlugin) UpdateReservation(ctx context.Context, scope manager.TrustScope, reservationID string, startDate, endDate time.Time) error {
	reservation, err := p.Store.GetReservation(reservationID)
	if err != nil {
		return err
	}
	lease, err := p.Store.GetLease(reservation.LeaseID)
	if err != nil {
		return err
	}
	allocations, err := p.Store.GetHostAllocationsByReservation(reservationID)
	if err != nil {
		return err
	}
	var delta float64
	if p.Usage != nil {
		delta = (endDate.Sub(startDate) - lease.EndDate.Sub(lease.StartDate)).Hours() *
			float64(len(allocations))
		if delta > 0 {
			if err := p.Usage.Admit(ctx, scope.ProjectID, delta); err != nil {
				var insufficient *ledger.InsufficientBudget
				if errors.As(err, &insufficient) {
					return manager.ErrNotAuthorized.Msgf(
						"Update reservation would spend %f more SUs, only %f left",
						insufficient.Requested, insufficient.Left)
				}
				return err
			}
		}
	}
	if startDate.Before(lease.StartDate) || endDate.After(lease.EndDate) {
		if err := p.reallocate(ctx, reservation, lease, allocations, startDate, endDate); err != nil {
			if p.Usage != nil && delta > 0 {
				// Return the admitted SUs, the window was not extended.
				p.Usage.Adjust(ctx, scope.ProjectID, -delta)
			}
			return err
		}
	}
	if p.Usage != nil && delta < 0 {
		p.Usage.Adjust(ctx, scope.ProjectID, delta)
	}
	return nil
}

// Swap out allocations whose host does not cover the overlap of the old
// and new windows as one contiguous allocated period.
func (p *HostPlugin) reallocate(ctx context.Context, reservation *manager.Reservation, lease *manager.Lease, allocations []*manager.HostAllocation, startDate, endDate time.Time) error {
	overlapStart := lease.StartDate
	if startDate.After(overlapStart) {
		overlapStart = startDate
	}
	overlapEnd := lease.EndDate
	if endDate.Before(overlapEnd) {
		overlapEnd = endDate
	}
	var disturbed []*manager.HostAllocation
	for _, allocation := range allocations {
		full, err := p.Store.GetFullPeriods(allocation.ComputeHostID, startDate, endDate, time.Second)
		if err != nil {
			return err
		}
		covered := len(full) == 0 || (len(full) == 1 &&
			full[0].Start.Equal(overlapStart) && full[0].End.Equal(overlapEnd))
		if !covered {
			disturbed = append(disturbed, allocation)
		}
	}
	if len(disturbed) == 0 {
		return nil
	}
	hostReservation, err := p.Store.GetHostReservationByReservation(reservation.ID)
	if err != nil {
		return err
	}
	if hostReservation == nil {
		return fmt.Errorf("no host reservation for reservation %s", reservation.ID)
	}
	hostsInPool, err := p.Pool.GetComputeHosts(ctx, reservation.ResourceID)
	if err != nil {
		return err
	}
	if len(hostsInPool) > 0 {
		// A host serving instances cannot be swapped out under them.
		for _, allocation := range disturbed {
			host, err := p.Catalog.GetHost(allocation.ComputeHostID)
			if err != nil {
				return err
			}
			if host == nil {
				return manager.NewHostNotFound(allocation.ComputeHostID)
			}
			hypervisor, err := p.getHypervisor(ctx, host.HypervisorHostname)
			if err != nil {
				return err
			}
			if hypervisor.RunningVMs > 0 {
				return manager.ErrNotEnoughHostsAvailable
			}
		}
	}
	hostIDs, err := p.matchingHosts(
		hostReservation.HypervisorProperties, hostReservation.ResourceProperties,
		len(disturbed), len(disturbed), startDate, endDate)
	if err != nil {
		return err
	}
	if len(hostIDs) == 0 {
		return manager.ErrNotEnoughHostsAvailable
	}
	if len(hostsInPool) > 0 {
		oldNames := make([]string, 0, len(disturbed))
		for _, allocation := range disturbed {
			host, err := p.Catalog.GetHost(allocation.ComputeHostID)
			if err != nil {
				return err
			}
			if host == nil {
				return manager.NewHostNotFound(allocation.ComputeHostID)
			}
			oldNames = append(oldNames, host.ServiceName)
		}
		if err := p.Pool.RemoveComputeHost(ctx, reservation.ResourceID, oldNames...); err != nil {
			return err
		}
	}
	for _, allocation := range disturbed {
		if err := p.Store.DestroyHostAllocation(allocation.ID); err != nil {
			return err
		}
	}
	for _, hostID := range hostIDs {
		allocation := &manager.HostAllocation{
			ID:            uuid.NewString(),
			ComputeHostID: hostID,
			ReservationID: reservation.ID,
		}
		if err := p.Store.CreateHostAllocation(allocation); err != nil {
			return err
		}
		if len(hostsInPool) > 0 {
			host, err := p.Catalog.GetHost(hostID)
			if err != nil {
				return err
			}
			if host == nil {
				return manager.NewHostNotFound(hostID)
			}
			if err := p.Pool.AddComputeHost(ctx, reservation.ResourceID, host.ServiceName); err != nil {
				return err
			}
		}
	}
	return nil
}

// Move every allocated host into the reservation's pool.
func (p *HostPlugin) OnStart(ctx context.Context, scope manager.TrustScope, resourceID string) error {
	reservations, err := p.Store.GetReservationsByResource(resourceID)
	if err != nil {
		return err
	}
	for _, reservation := range reservations {
		allocations, err := p.Store.GetHostAllocationsByReservation(reservation.ID)
		if err != nil {
			return err
		}
		for _, allocation := range allocations {
			host, err := p.Catalog.GetHost(allocation.ComputeHostID)
			if err != nil {
				return err
			}
			if host == nil {
				return manager.NewHostNotFound(allocation.ComputeHostID)
			}
			if err := p.Pool.AddComputeHost(ctx, reservation.ResourceID, host.ServiceName); err != nil {
				return err
			}
		}
	}
	return nil
}

// Release the reservations under the resource id: evict instances when
// they were active, drop the pool and the allocations, and release the
// unused budget. Already released reservations are left untouched.
func (p *HostPlugin) OnEnd(ctx context.Context, scope manager.TrustScope, resourceID string) error {
	reservations, err := p.Store.GetReservationsByResource(resourceID)
	if err != nil {
		return err
	}
	for _, reservation := range reservations {
		if reservation.Status == manager.ReservationStatusCompleted ||
			reservation.Status == manager.ReservationStatusDeleted {
			continue
		}
		if err := p.endReservation(ctx, scope, reservation); err != nil {
			return err
		}
	}
	return nil
}

func (p *HostPlugin) endReservation(ctx context.Context, scope manager.TrustScope, reservation *manager.Reservation) error {
	lease, err := p.Store.GetLease(reservation.LeaseID)
	if err != nil {
		return err
	}
	allocations, err := p.Store.GetHostAllocationsByReservation(reservation.ID)
	if err != nil {
		return err
	}
	if reservation.Status == manager.ReservationStatusActive {
		if err := p.evictInstances(ctx, allocations); err != nil {
			return err
		}
	}
	if err := p.Pool.Delete(ctx, reservation.ResourceID, true); err != nil {
		return err
	}
	for _, allocation := range allocations {
		if err := p.Store.DestroyHostAllocation(allocation.ID); err != nil {
			return err
		}
	}
	if err := p.Store.SetReservationStatus(reservation.ID, manager.ReservationStatusCompleted); err != nil {
		return err
	}
	hostReservation, err := p.Store.GetHostReservationByReservation(reservation.ID)
	if err != nil {
		return err
	}
	if hostReservation != nil {
		hostReservation.Status = manager.ReservationStatusCompleted
		if err := p.Store.UpdateHostReservation(hostReservation); err != nil {
			return err
		}
	}
	// Release what ends up unused: a reservation that never started
	// consumed nothing, an active one consumed up to now.
	if p.Usage != nil {
		oldDuration := lease.EndDate.Sub(lease.StartDate)
		var newDuration time.Duration
		if reservation.Status == manager.ReservationStatusActive {
			newDuration = time.Now().UTC().Sub(lease.StartDate)
		}
		delta := (newDuration - oldDuration).Hours() * float64(len(allocations))
		p.Usage.Adjust(ctx, scope.ProjectID, delta)
	}
	return nil
}

// Delete all servers running on the allocated hosts, in parallel.
func (p *HostPlugin) evictInstances(ctx context.Context, allocations []*manager.HostAllocation) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, allocation := range allocations {
		host, err := p.Catalog.GetHost(allocation.ComputeHostID)
		if err != nil {
			return err
		}
		if host == nil {
			return manager.NewHostNotFound(allocation.ComputeHostID)
		}
		hypervisor, err := p.getHypervisor(ctx, host.HypervisorHostname)
		if err != nil {
			return err
		}
		if hypervisor.RunningVMs == 0 {
			continue
		}
		servers, err := p.Nova.GetServersByHost(ctx, host.ServiceName)
		if err != nil {
			return err
		}
		for _, server := range servers {
			group.Go(func() error {
				slog.Info("hosts: evicting server",
					"server", server.ID, "host", host.ServiceName)
				return p.Nova.DeleteServer(groupCtx, server.ID)
			})
		}
	}
	return group.Wait()
}

// Parse a host count bound. Missing and empty values are rejected
// before conversion.
func intParam(value any, name string) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, manager.NewMissingParameter(name)
	case string:
		if v == "" {
			return 0, manager.NewMissingParameter(name)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, manager.NewMalformedParameter(name)
		}
		return n, nil
	case float64:
		if v == 0 {
			return 0, manager.NewMissingParameter(name)
		}
		if v != math.Trunc(v) {
			return 0, manager.NewMalformedParameter(name)
		}
		return int(v), nil
	}
	return 0, manager.NewMalformedParameter(name)
}
