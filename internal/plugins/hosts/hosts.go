// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"cmp"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/cobaltcore-dev/reservoir/internal/db"
	"github.com/cobaltcore-dev/reservoir/internal/manager"
)

// Compute host registered for reservation. The inventory columns mirror
// what nova reports for the hypervisor at registration time.
type ComputeHost struct {
	ID                 string `json:"id" db:"id,primarykey"`
	HypervisorHostname string `json:"hypervisor_hostname" db:"hypervisor_hostname"`
	ServiceName        string `json:"service_name" db:"service_name"`
	VCPUs              int    `json:"vcpus" db:"vcpus"`
	MemoryMB           int    `json:"memory_mb" db:"memory_mb"`
	LocalGB            int    `json:"local_gb" db:"local_gb"`
	CPUInfo            string `json:"cpu_info" db:"cpu_info"`
	HypervisorType     string `json:"hypervisor_type" db:"hypervisor_type"`
	HypervisorVersion  int    `json:"hypervisor_version" db:"hypervisor_version"`
	Reservable         bool   `json:"reservable" db:"reservable"`
	TrustID            string `json:"trust_id" db:"trust_id"`
}

func (ComputeHost) TableName() string { return "computehosts" }

// Extra capability attached to a compute host by the operator, matched
// against requirement filters next to the inventory columns.
type ExtraCapability struct {
	ID              string `json:"id" db:"id,primarykey"`
	ComputeHostID   string `json:"computehost_id" db:"computehost_id"`
	CapabilityName  string `json:"capability_name" db:"capability_name"`
	CapabilityValue string `json:"capability_value" db:"capability_value"`
}

func (ExtraCapability) TableName() string { return "computehost_extra_capabilities" }

// Catalog persists the compute hosts available for reservation.
type Catalog struct {
	DB db.DB
}

// Register the host tables and create them if needed.
func (c Catalog) Init() error {
	hosts := c.DB.AddTable(ComputeHost{})
	hosts.ColMap("hypervisor_hostname").SetUnique(true)
	return c.DB.CreateTable(
		hosts,
		c.DB.AddTable(ExtraCapability{}),
	)
}

func (c Catalog) CreateHost(host *ComputeHost) error {
	return c.DB.Insert(host)
}

// Get a host by id, nil if there is none.
func (c Catalog) GetHost(id string) (*ComputeHost, error) {
	var host ComputeHost
	err := c.DB.SelectOne(&host, `
		SELECT * FROM computehosts WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &host, nil
}

// List all hosts in their natural order.
func (c Catalog) ListHosts() ([]*ComputeHost, error) {
	var hosts []*ComputeHost
	_, err := c.DB.Select(&hosts, `
		SELECT * FROM computehosts ORDER BY hypervisor_hostname ASC`)
	if err != nil {
		return nil, err
	}
	return hosts, nil
}

func (c Catalog) UpdateHost(host *ComputeHost) error {
	_, err := c.DB.Update(host)
	return err
}

// Remove the host and its extra capabilities in one transaction.
func (c Catalog) DestroyHost(id string) error {
	tx, err := c.DB.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM computehost_extra_capabilities WHERE computehost_id = :id`,
		`DELETE FROM computehosts WHERE id = :id`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, map[string]any{"id": id}); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return rbErr
			}
			return err
		}
	}
	return tx.Commit()
}

func (c Catalog) CreateExtraCapability(capability *ExtraCapability) error {
	return c.DB.Insert(capability)
}

func (c Catalog) UpdateExtraCapability(capability *ExtraCapability) error {
	_, err := c.DB.Update(capability)
	return err
}

// Get one capability of a host by name, nil if there is none.
func (c Catalog) GetExtraCapability(hostID, name string) (*ExtraCapability, error) {
	var capability ExtraCapability
	err := c.DB.SelectOne(&capability, `
		SELECT * FROM computehost_extra_capabilities
		WHERE computehost_id = :computehost_id AND capability_name = :capability_name`,
		map[string]any{"computehost_id": hostID, "capability_name": name})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &capability, nil
}

func (c Catalog) GetExtraCapabilities(hostID string) ([]*ExtraCapability, error) {
	var capabilities []*ExtraCapability
	_, err := c.DB.Select(&capabilities, `
		SELECT * FROM computehost_extra_capabilities
		WHERE computehost_id = :computehost_id ORDER BY capability_name ASC`,
		map[string]any{"computehost_id": hostID})
	if err != nil {
		return nil, err
	}
	return capabilities, nil
}

// All extra capabilities grouped by host id and capability name.
func (c Catalog) capabilitiesByHost() (map[string]map[string]string, error) {
	var rows []*ExtraCapability
	_, err := c.DB.Select(&rows, `SELECT * FROM computehost_extra_capabilities`)
	if err != nil {
		return nil, err
	}
	capabilities := make(map[string]map[string]string)
	for _, row := range rows {
		if capabilities[row.ComputeHostID] == nil {
			capabilities[row.ComputeHostID] = make(map[string]string)
		}
		capabilities[row.ComputeHostID][row.CapabilityName] = row.CapabilityValue
	}
	return capabilities, nil
}

// GetHostsByQueries returns the hosts satisfying all "key op value"
// filters. Keys name either a host column or an extra capability; hosts
// lacking a filtered capability do not match.
func (c Catalog) GetHostsByQueries(queries []string) ([]*ComputeHost, error) {
	hosts, err := c.ListHosts()
	if err != nil {
		return nil, err
	}
	capabilities, err := c.capabilitiesByHost()
	if err != nil {
		return nil, err
	}
	var matched []*ComputeHost
	for _, host := range hosts {
		ok, err := hostMatches(host, capabilities[host.ID], queries)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, host)
		}
	}
	return matched, nil
}

func hostMatches(host *ComputeHost, capabilities map[string]string, queries []string) (bool, error) {
	for _, query := range queries {
		parts := strings.SplitN(query, " ", 3)
		if len(parts) != 3 {
			return false, manager.NewMalformedRequirements(query)
		}
		key, op, value := parts[0], parts[1], parts[2]
		left, isColumn := hostAttribute(host, key)
		if !isColumn {
			capability, ok := capabilities[key]
			if !ok {
				return false, nil
			}
			left = capability
		}
		matches, err := compare(left, op, value)
		if err != nil || !matches {
			return matches, err
		}
	}
	return true, nil
}

// Filterable base attributes of a host, keyed by column name.
func hostAttribute(host *ComputeHost, key string) (string, bool) {
	switch key {
	case "id":
		return host.ID, true
	case "hypervisor_hostname":
		return host.HypervisorHostname, true
	case "service_name":
		return host.ServiceName, true
	case "vcpus":
		return strconv.Itoa(host.VCPUs), true
	case "memory_mb":
		return strconv.Itoa(host.MemoryMB), true
	case "local_gb":
		return strconv.Itoa(host.LocalGB), true
	case "cpu_info":
		return host.CPUInfo, true
	case "hypervisor_type":
		return host.HypervisorType, true
	case "hypervisor_version":
		return strconv.Itoa(host.HypervisorVersion), true
	case "reservable":
		return strconv.FormatBool(host.Reservable), true
	case "trust_id":
		return host.TrustID, true
	}
	return "", false
}

// Compare numerically when both sides parse as numbers, as strings
// otherwise.
func compare(left, op, right string) (bool, error) {
	var result int
	leftNumber, leftErr := strconv.ParseFloat(left, 64)
	rightNumber, rightErr := strconv.ParseFloat(right, 64)
	if leftErr == nil && rightErr == nil {
		result = cmp.Compare(leftNumber, rightNumber)
	} else {
		result = strings.Compare(left, right)
	}
	switch op {
	case "==":
		return result == 0, nil
	case "!=":
		return result != 0, nil
	case ">":
		return result > 0, nil
	case ">=":
		return result >= 0, nil
	case "<":
		return result < 0, nil
	case "<=":
		return result <= 0, nil
	}
	return false, manager.NewMalformedRequirements(left + " " + op + " " + right)
}
