// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"context"
	"errors"
	"strings"

	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/cobaltcore-dev/reservoir/internal/nova"
)

// Hypervisors whose hostname contains the pattern or whose id matches
// it exactly, mirroring the nova hypervisor search.
func (p *HostPlugin) searchHypervisors(ctx context.Context, pattern string) ([]nova.Hypervisor, error) {
	hypervisors, err := p.Nova.GetAllHypervisors(ctx)
	if err != nil {
		return nil, err
	}
	var matched []nova.Hypervisor
	for _, hypervisor := range hypervisors {
		if strings.Contains(hypervisor.Hostname, pattern) || hypervisor.ID == pattern {
			matched = append(matched, hypervisor)
		}
	}
	return matched, nil
}

// The single hypervisor backing a host reference. The reference can be
// the hypervisor id or a hostname pattern matching exactly one host.
func (p *HostPlugin) findHypervisor(ctx context.Context, hostRef string) (*nova.Hypervisor, error) {
	matched, err := p.searchHypervisors(ctx, hostRef)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, manager.NewHostNotFound(hostRef)
	}
	if len(matched) > 1 {
		return nil, manager.NewMultipleHostsFound(hostRef)
	}
	return &matched[0], nil
}

// Resolve a hypervisor by exact hostname or id.
func (p *HostPlugin) getHypervisor(ctx context.Context, nameOrID string) (*nova.Hypervisor, error) {
	hypervisor, err := p.Nova.GetHypervisor(ctx, nameOrID)
	if err != nil {
		if errors.Is(err, nova.ErrHypervisorNotFound) {
			return nil, manager.NewHypervisorNotFound(nameOrID)
		}
		return nil, err
	}
	return hypervisor, nil
}

// Server names joined for error messages.
func serverNames(servers []nova.Server) string {
	names := make([]string, len(servers))
	for i, server := range servers {
		names[i] = server.Name
	}
	return strings.Join(names, ", ")
}
