// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/cobaltcore-dev/reservoir/internal/nova"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/aggregates"
)

// Aggregate metadata key tagging the project a pool was reserved for.
const poolProjectKey = "reservoir:project"

// ReservationPool manages the nova host aggregates backing reservations.
// Hosts move between the freepool and reservation pools; a host must sit
// in the freepool before a reservation pool can claim it.
type ReservationPool struct {
	Nova   nova.NovaAPI
	Config conf.HostsConfig
}

// Resolve a pool to its aggregate, by name or id.
func (p ReservationPool) getAggregate(ctx context.Context, pool string) (*aggregates.Aggregate, error) {
	aggregate, err := p.Nova.GetAggregate(ctx, pool)
	if err != nil {
		if errors.Is(err, nova.ErrAggregateNotFound) {
			return nil, manager.NewAggregateNotFound(pool)
		}
		return nil, err
	}
	return aggregate, nil
}

// Resolve the freepool aggregate.
func (p ReservationPool) freepool(ctx context.Context) (*aggregates.Aggregate, error) {
	aggregate, err := p.Nova.GetAggregate(ctx, p.Config.FreepoolName)
	if err != nil {
		if errors.Is(err, nova.ErrAggregateNotFound) {
			return nil, manager.ErrNoFreePool
		}
		return nil, err
	}
	return aggregate, nil
}

// Ensure the freepool aggregate exists. The freepool carries no
// availability zone so that membership does not retag its hosts.
func (p ReservationPool) EnsureFreepool(ctx context.Context) error {
	if p.Config.FreepoolName == "" {
		return manager.NewConfigurationError("freepool name is not set")
	}
	_, err := p.freepool(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, manager.ErrNoFreePool) {
		return err
	}
	slog.Info("hosts: creating freepool aggregate", "name", p.Config.FreepoolName)
	_, err = p.Nova.CreateAggregate(ctx, p.Config.FreepoolName, "")
	return err
}

// Create a pool under the given name, tagged with the project it was
// reserved for.
func (p ReservationPool) Create(ctx context.Context, name, projectID string) (*aggregates.Aggregate, error) {
	slog.Debug("hosts: creating pool aggregate",
		"name", name, "availability_zone", p.Config.AvailabilityZone)
	aggregate, err := p.Nova.CreateAggregate(ctx, name, p.Config.AvailabilityZone)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		metadata := map[string]any{poolProjectKey: projectID}
		if err := p.Nova.SetAggregateMetadata(ctx, aggregate.ID, metadata); err != nil {
			return nil, err
		}
	}
	return aggregate, nil
}

// Delete the pool. Members are moved back into the freepool first;
// without force the pool must already be empty.
func (p ReservationPool) Delete(ctx context.Context, pool string, force bool) error {
	aggregate, err := p.getAggregate(ctx, pool)
	if err != nil {
		return err
	}
	if len(aggregate.Hosts) > 0 && !force {
		return manager.NewAggregateHaveHost(aggregate.Name, strings.Join(aggregate.Hosts, ", "))
	}
	freepool, err := p.freepool(ctx)
	if err != nil {
		return err
	}
	for _, host := range aggregate.Hosts {
		slog.Debug("hosts: removing host from pool", "host", host, "pool", aggregate.Name)
		if err := p.Nova.RemoveHostFromAggregate(ctx, aggregate.ID, host); err != nil {
			return err
		}
		if freepool.ID != aggregate.ID {
			slog.Info("hosts: adding host to freepool", "host", host, "freepool", freepool.Name)
			if err := p.Nova.AddHostToAggregate(ctx, freepool.ID, host); err != nil {
				return err
			}
		}
	}
	return p.Nova.DeleteAggregate(ctx, aggregate.ID)
}

// The host members of a pool. A missing pool has no members.
func (p ReservationPool) GetComputeHosts(ctx context.Context, pool string) ([]string, error) {
	aggregate, err := p.getAggregate(ctx, pool)
	if err != nil {
		if errors.Is(err, manager.ErrAggregateNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return aggregate.Hosts, nil
}

// Move a host from the freepool into the pool. The host must be in the
// freepool, unless the pool is the freepool itself.
func (p ReservationPool) AddComputeHost(ctx context.Context, pool, host string) error {
	aggregate, err := p.getAggregate(ctx, pool)
	if err != nil {
		return err
	}
	freepool, err := p.freepool(ctx)
	if err != nil {
		return err
	}
	if freepool.ID != aggregate.ID {
		if !slices.Contains(freepool.Hosts, host) {
			return manager.NewHostNotInFreePool(host, freepool.Name)
		}
		slog.Info("hosts: removing host from freepool", "host", host, "freepool", freepool.Name)
		if err := p.Nova.RemoveHostFromAggregate(ctx, freepool.ID, host); err != nil {
			if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
				return manager.NewHostNotFound(host)
			}
			return err
		}
	}
	slog.Info("hosts: adding host to pool", "host", host, "pool", aggregate.Name)
	if err := p.Nova.AddHostToAggregate(ctx, aggregate.ID, host); err != nil {
		if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
			return manager.NewHostNotFound(host)
		}
		if gophercloud.ResponseCodeIs(err, http.StatusConflict) {
			return manager.NewAggregateAlreadyHasHost(aggregate.Name, host)
		}
		return err
	}
	return nil
}

// Move hosts from the pool back into the freepool. All hosts are
// attempted; failures are collected and reported together.
func (p ReservationPool) RemoveComputeHost(ctx context.Context, pool string, hosts ...string) error {
	aggregate, err := p.getAggregate(ctx, pool)
	if err != nil {
		return err
	}
	freepool, err := p.freepool(ctx)
	if err != nil {
		return err
	}
	var failingToRemove, failingToAdd, notInFreepool []string
	for _, host := range hosts {
		if aggregate.ID == freepool.ID && !slices.Contains(freepool.Hosts, host) {
			notInFreepool = append(notInFreepool, host)
			continue
		}
		slog.Info("hosts: removing host from pool", "host", host, "pool", aggregate.Name)
		if err := p.Nova.RemoveHostFromAggregate(ctx, aggregate.ID, host); err != nil {
			slog.Error("hosts: failed to remove host from pool",
				"host", host, "pool", aggregate.Name, "error", err)
			failingToRemove = append(failingToRemove, host)
		}
		if aggregate.ID != freepool.ID {
			if err := p.Nova.AddHostToAggregate(ctx, freepool.ID, host); err != nil {
				slog.Error("hosts: failed to add host to freepool",
					"host", host, "freepool", freepool.Name, "error", err)
				failingToAdd = append(failingToAdd, host)
			}
		}
	}
	if len(failingToRemove) > 0 {
		return manager.NewCantRemoveHost(strings.Join(failingToRemove, ", "), aggregate.Name)
	}
	if len(failingToAdd) > 0 {
		return manager.NewCantAddHost(strings.Join(failingToAdd, ", "), freepool.Name)
	}
	if len(notInFreepool) > 0 {
		return manager.NewHostNotInFreePool(strings.Join(notInFreepool, ", "), freepool.Name)
	}
	return nil
}
