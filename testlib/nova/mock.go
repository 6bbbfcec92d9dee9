// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package nova

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/cobaltcore-dev/reservoir/internal/nova"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/aggregates"
)

// MockNovaAPI serves hypervisors, servers, and aggregates from memory.
// It reports misses through the same error values as the real API, so
// code under test cannot tell the difference.
type MockNovaAPI struct {
	mu sync.Mutex
	// Hypervisors returned by GetAllHypervisors, in the given order.
	Hypervisors []nova.Hypervisor
	// Servers matched against their compute host in GetServersByHost.
	Servers []nova.Server
	// Ids passed to DeleteServer, in call order.
	DeletedServers []string

	aggs   map[int]*aggregates.Aggregate
	nextID int
}

func NewMockNovaAPI() *MockNovaAPI {
	return &MockNovaAPI{aggs: map[int]*aggregates.Aggregate{}, nextID: 1}
}

func (m *MockNovaAPI) Init(ctx context.Context) {}

func (m *MockNovaAPI) GetAllHypervisors(ctx context.Context) ([]nova.Hypervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Hypervisors), nil
}

func (m *MockNovaAPI) GetHypervisor(ctx context.Context, nameOrID string) (*nova.Hypervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hypervisor := range m.Hypervisors {
		if hypervisor.Hostname == nameOrID || hypervisor.ID == nameOrID {
			return &hypervisor, nil
		}
	}
	return nil, fmt.Errorf("hypervisor %q: %w", nameOrID, nova.ErrHypervisorNotFound)
}

func (m *MockNovaAPI) GetServersByHost(ctx context.Context, host string) ([]nova.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []nova.Server
	for _, server := range m.Servers {
		if server.ComputeHost == host {
			matched = append(matched, server)
		}
	}
	return matched, nil
}

func (m *MockNovaAPI) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, server := range m.Servers {
		if server.ID == id {
			m.Servers = slices.Delete(m.Servers, i, i+1)
			m.DeletedServers = append(m.DeletedServers, id)
			return nil
		}
	}
	return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
}

func (m *MockNovaAPI) CreateAggregate(ctx context.Context, name, availabilityZone string) (*aggregates.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	aggregate := &aggregates.Aggregate{
		ID:               m.nextID,
		Name:             name,
		AvailabilityZone: availabilityZone,
		Hosts:            []string{},
	}
	m.nextID++
	m.aggs[aggregate.ID] = aggregate
	return copyAggregate(aggregate), nil
}

func (m *MockNovaAPI) DeleteAggregate(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.aggs[id]; !ok {
		return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
	}
	delete(m.aggs, id)
	return nil
}

func (m *MockNovaAPI) GetAggregate(ctx context.Context, nameOrID string) (*aggregates.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, aggregate := range m.aggs {
		if aggregate.Name == nameOrID || strconv.Itoa(aggregate.ID) == nameOrID {
			return copyAggregate(aggregate), nil
		}
	}
	return nil, fmt.Errorf("aggregate %q: %w", nameOrID, nova.ErrAggregateNotFound)
}

func (m *MockNovaAPI) GetAllAggregates(ctx context.Context) ([]aggregates.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]aggregates.Aggregate, 0, len(m.aggs))
	for _, id := range slices.Sorted(maps.Keys(m.aggs)) {
		all = append(all, *copyAggregate(m.aggs[id]))
	}
	return all, nil
}

func (m *MockNovaAPI) AddHostToAggregate(ctx context.Context, id int, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	aggregate, ok := m.aggs[id]
	if !ok {
		return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
	}
	if slices.Contains(aggregate.Hosts, host) {
		return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusConflict}
	}
	aggregate.Hosts = append(aggregate.Hosts, host)
	return nil
}

func (m *MockNovaAPI) RemoveHostFromAggregate(ctx context.Context, id int, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	aggregate, ok := m.aggs[id]
	if !ok {
		return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
	}
	idx := slices.Index(aggregate.Hosts, host)
	if idx < 0 {
		return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
	}
	aggregate.Hosts = slices.Delete(aggregate.Hosts, idx, idx+1)
	return nil
}

func (m *MockNovaAPI) SetAggregateMetadata(ctx context.Context, id int, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	aggregate, ok := m.aggs[id]
	if !ok {
		return gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound}
	}
	if aggregate.Metadata == nil {
		aggregate.Metadata = map[string]string{}
	}
	for key, value := range metadata {
		aggregate.Metadata[key] = fmt.Sprint(value)
	}
	return nil
}

func copyAggregate(aggregate *aggregates.Aggregate) *aggregates.Aggregate {
	copied := *aggregate
	copied.Hosts = slices.Clone(aggregate.Hosts)
	copied.Metadata = maps.Clone(aggregate.Metadata)
	return &copied
}
