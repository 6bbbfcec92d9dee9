// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package nova

import "encoding/json"

// OpenStack hypervisor model as returned by the Nova API under /os-hypervisors/detail.
// See: https://docs.openstack.org/api-ref/compute/#list-hypervisors-details
type Hypervisor struct {
	// With microversion 2.53, the hypervisor id is a UUID.
	ID                string `json:"id"`
	Hostname          string `json:"hypervisor_hostname"`
	State             string `json:"state"`
	Status            string `json:"status"`
	HypervisorType    string `json:"hypervisor_type"`
	HypervisorVersion int    `json:"hypervisor_version"`
	HostIP            string `json:"host_ip"`
	// From nested JSON
	ServiceHost           string  `json:"service_host"`
	ServiceDisabledReason *string `json:"service_disabled_reason"`
	VCPUs                 int     `json:"vcpus"`
	MemoryMB              int     `json:"memory_mb"`
	LocalGB               int     `json:"local_gb"`
	RunningVMs            int     `json:"running_vms"`
	CPUInfo               string  `json:"cpu_info"`
}

// Custom unmarshaler for Hypervisor to handle nested JSON.
// Specifically, we unwrap the "service" field into separate fields.
// Flattening these fields makes querying the data easier.
func (h *Hypervisor) UnmarshalJSON(data []byte) error {
	type Alias Hypervisor
	aux := &struct {
		Service json.RawMessage `json:"service"`
		*Alias
	}{
		Alias: (*Alias)(h),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var service struct {
		Host           string  `json:"host"`
		DisabledReason *string `json:"disabled_reason"`
	}
	if err := json.Unmarshal(aux.Service, &service); err != nil {
		return err
	}
	h.ServiceHost = service.Host
	h.ServiceDisabledReason = service.DisabledReason
	return nil
}

// Custom marshaler for Hypervisor to handle nested JSON.
// This is the reverse operation of the UnmarshalJSON method.
func (h *Hypervisor) MarshalJSON() ([]byte, error) {
	type Alias Hypervisor
	aux := &struct {
		Service json.RawMessage `json:"service"`
		*Alias
	}{
		Alias: (*Alias)(h),
	}
	var service struct {
		Host           string  `json:"host"`
		DisabledReason *string `json:"disabled_reason"`
	}
	service.Host = h.ServiceHost
	service.DisabledReason = h.ServiceDisabledReason
	var err error
	aux.Service, err = json.Marshal(service)
	if err != nil {
		return nil, err
	}
	return json.Marshal(aux)
}

// OpenStack server model as returned by the Nova API under /servers/detail.
// See: https://docs.openstack.org/api-ref/compute/#list-servers-detailed
type Server struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	TenantID    string `json:"tenant_id"`
	ComputeHost string `json:"OS-EXT-SRV-ATTR:host"`
}
