// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/google/uuid"
)

// Columns fed from the hypervisor inventory. Everything else in a
// create or update payload becomes an extra capability.
var inventoryKeys = []string{
	"hypervisor_hostname",
	"service_name",
	"vcpus",
	"memory_mb",
	"local_gb",
	"cpu_info",
	"hypervisor_type",
	"hypervisor_version",
	"reservable",
}

type hostPayload struct {
	ComputeHostID string `json:"computehost_id"`
}

type hostUpdatePayload struct {
	ComputeHostID string         `json:"computehost_id"`
	Values        map[string]any `json:"values"`
}

// Methods exposed through the manager's method dispatch.
func (p *HostPlugin) Methods() map[string]manager.MethodHandler {
	return map[string]manager.MethodHandler{
		"create_computehost": func(ctx context.Context, payload json.RawMessage) (any, error) {
			var values map[string]any
			if err := json.Unmarshal(payload, &values); err != nil {
				return nil, manager.NewMalformedParameter("values")
			}
			return p.createComputeHost(ctx, values)
		},
		"get_computehosts": func(ctx context.Context, payload json.RawMessage) (any, error) {
			return p.listComputeHosts(ctx)
		},
		"get_computehost": func(ctx context.Context, payload json.RawMessage) (any, error) {
			var request hostPayload
			if err := json.Unmarshal(payload, &request); err != nil {
				return nil, manager.NewMalformedParameter("computehost_id")
			}
			return p.getComputeHostPayload(request.ComputeHostID)
		},
		"update_computehost": func(ctx context.Context, payload json.RawMessage) (any, error) {
			var request hostUpdatePayload
			if err := json.Unmarshal(payload, &request); err != nil {
				return nil, manager.NewMalformedParameter("values")
			}
			return p.updateComputeHost(request.ComputeHostID, request.Values)
		},
		"delete_computehost": func(ctx context.Context, payload json.RawMessage) (any, error) {
			var request hostPayload
			if err := json.Unmarshal(payload, &request); err != nil {
				return nil, manager.NewMalformedParameter("computehost_id")
			}
			return nil, p.deleteComputeHost(ctx, request.ComputeHostID)
		},
	}
}

// Enroll a hypervisor into the catalog and the freepool. The payload
// carries the host reference under "id" or "name", a mandatory
// "trust_id", and arbitrary further keys as extra capabilities.
func (p *HostPlugin) createComputeHost(ctx context.Context, values map[string]any) (any, error) {
	var hostRef string
	if id, ok := values["id"]; ok {
		hostRef = fmt.Sprint(id)
		delete(values, "id")
	}
	if name, ok := values["name"]; ok {
		if hostRef == "" {
			hostRef = fmt.Sprint(name)
		}
		delete(values, "name")
	}
	var trustID string
	if trust, ok := values["trust_id"]; ok {
		trustID = fmt.Sprint(trust)
		delete(values, "trust_id")
	}
	if trustID == "" {
		return nil, manager.ErrMissingTrustID
	}
	if hostRef == "" {
		return nil, manager.NewInvalidHost(values)
	}
	hypervisor, err := p.findHypervisor(ctx, hostRef)
	if err != nil {
		return nil, err
	}
	servers, err := p.Nova.GetServersByHost(ctx, hypervisor.ServiceHost)
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		return nil, manager.NewHostHavingServers(serverNames(servers), hostRef)
	}
	host := &ComputeHost{
		ID:                 hypervisor.ID,
		HypervisorHostname: hypervisor.Hostname,
		ServiceName:        hypervisor.ServiceHost,
		VCPUs:              hypervisor.VCPUs,
		MemoryMB:           hypervisor.MemoryMB,
		LocalGB:            hypervisor.LocalGB,
		CPUInfo:            hypervisor.CPUInfo,
		HypervisorType:     hypervisor.HypervisorType,
		HypervisorVersion:  hypervisor.HypervisorVersion,
		Reservable:         true,
		TrustID:            trustID,
	}
	extraCapabilities := map[string]string{}
	for key, value := range values {
		if !slices.Contains(inventoryKeys, key) {
			extraCapabilities[key] = fmt.Sprint(value)
		}
	}
	// The freepool membership comes first so a failed insert leaves no
	// half-enrolled host behind.
	if err := p.Pool.AddComputeHost(ctx, p.Config.FreepoolName, host.ServiceName); err != nil {
		return nil, err
	}
	if err := p.Catalog.CreateHost(host); err != nil {
		if rollbackErr := p.Pool.RemoveComputeHost(ctx, p.Config.FreepoolName, host.ServiceName); rollbackErr != nil {
			slog.Error("hosts: could not remove host from freepool after failed enrollment",
				"host", host.ServiceName, "error", rollbackErr)
		}
		return nil, err
	}
	var failed []string
	for _, name := range slices.Sorted(maps.Keys(extraCapabilities)) {
		capability := &ExtraCapability{
			ID:              uuid.NewString(),
			ComputeHostID:   host.ID,
			CapabilityName:  name,
			CapabilityValue: extraCapabilities[name],
		}
		if err := p.Catalog.CreateExtraCapability(capability); err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return nil, manager.NewCantAddExtraCapability(strings.Join(failed, ", "), host.ID)
	}
	return p.getComputeHostPayload(host.ID)
}

func (p *HostPlugin) listComputeHosts(ctx context.Context) (any, error) {
	hosts, err := p.Catalog.ListHosts()
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(hosts))
	for _, host := range hosts {
		payload, err := p.getComputeHostPayload(host.ID)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// Render a host with its extra capabilities folded in. A capability
// sharing a column name shadows the column in the payload.
func (p *HostPlugin) getComputeHostPayload(id string) (map[string]any, error) {
	host, err := p.Catalog.GetHost(id)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, manager.NewHostNotFound(id)
	}
	encoded, err := json.Marshal(host)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, err
	}
	capabilities, err := p.Catalog.GetExtraCapabilities(id)
	if err != nil {
		return nil, err
	}
	for _, capability := range capabilities {
		payload[capability.CapabilityName] = capability.CapabilityValue
	}
	return payload, nil
}

// Update the extra capabilities of an enrolled host. Existing
// capabilities are overwritten, unknown ones created.
func (p *HostPlugin) updateComputeHost(id string, values map[string]any) (any, error) {
	host, err := p.Catalog.GetHost(id)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, manager.NewHostNotFound(id)
	}
	var failed []string
	for _, name := range slices.Sorted(maps.Keys(values)) {
		value := fmt.Sprint(values[name])
		capability, err := p.Catalog.GetExtraCapability(id, name)
		if err != nil {
			failed = append(failed, name)
			continue
		}
		if capability != nil {
			capability.CapabilityValue = value
			err = p.Catalog.UpdateExtraCapability(capability)
		} else {
			err = p.Catalog.CreateExtraCapability(&ExtraCapability{
				ID:              uuid.NewString(),
				ComputeHostID:   id,
				CapabilityName:  name,
				CapabilityValue: value,
			})
		}
		if err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return nil, manager.NewCantAddExtraCapability(strings.Join(failed, ", "), id)
	}
	return p.getComputeHostPayload(id)
}

// Remove a host from the catalog and the freepool. Hosts still running
// servers stay enrolled.
func (p *HostPlugin) deleteComputeHost(ctx context.Context, id string) error {
	host, err := p.Catalog.GetHost(id)
	if err != nil {
		return err
	}
	if host == nil {
		return manager.NewHostNotFound(id)
	}
	servers, err := p.Nova.GetServersByHost(ctx, host.ServiceName)
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		return manager.NewHostHavingServers(serverNames(servers), host.HypervisorHostname)
	}
	if err := p.Pool.RemoveComputeHost(ctx, p.Config.FreepoolName, host.ServiceName); err != nil {
		return err
	}
	if err := p.Catalog.DestroyHost(id); err != nil {
		return manager.NewCantRemoveHost(id, p.Config.FreepoolName)
	}
	return nil
}
