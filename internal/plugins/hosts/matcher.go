// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"time"
)

// Ids of hosts satisfying the requirement filters and free over the
// whole window. Hosts that were never allocated are preferred so that
// previously claimed hosts stay available for repeat windows.
func (p *HostPlugin) matchingHosts(hypervisorProperties, resourceProperties string, minHosts, maxHosts int, startDate, endDate time.Time) ([]string, error) {
	var filters []string
	if hypervisorProperties != "" {
		converted, err := ConvertRequirements(hypervisorProperties)
		if err != nil {
			return nil, err
		}
		filters = append(filters, converted...)
	}
	if resourceProperties != "" {
		converted, err := ConvertRequirements(resourceProperties)
		if err != nil {
			return nil, err
		}
		filters = append(filters, converted...)
	}
	hosts, err := p.Catalog.GetHostsByQueries(filters)
	if err != nil {
		return nil, err
	}
	window := endDate.Sub(startDate)
	var notAllocated, allocated []string
	for _, host := range hosts {
		if !host.Reservable {
			continue
		}
		allocations, err := p.Store.GetHostAllocationsByHost(host.ID)
		if err != nil {
			return nil, err
		}
		if len(allocations) == 0 {
			notAllocated = append(notAllocated, host.ID)
			continue
		}
		free, err := p.Store.GetFreePeriods(host.ID, startDate, endDate, window)
		if err != nil {
			return nil, err
		}
		if len(free) == 1 && free[0].Start.Equal(startDate) && free[0].End.Equal(endDate) {
			allocated = append(allocated, host.ID)
		}
	}
	if len(notAllocated) >= minHosts {
		return notAllocated[:min(maxHosts, len(notAllocated))], nil
	}
	all := append(allocated, notAllocated...)
	if len(all) >= minHosts {
		return all[:min(maxHosts, len(all))], nil
	}
	return nil, nil
}
