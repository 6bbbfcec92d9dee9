// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"fmt"
	"slices"
	"strings"
)

// Check if all dependencies are satisfied.
func (c *SharedConfig) Validate() error {
	// Check the keystone URL.
	if c.KeystoneConfig.URL != "" && !strings.Contains(c.KeystoneConfig.URL, "/v3") {
		return fmt.Errorf(
			"expected v3 Keystone URL, but got %s",
			c.KeystoneConfig.URL,
		)
	}
	// OpenStack urls should end without a slash.
	for _, url := range []string{
		c.KeystoneConfig.URL,
	} {
		if strings.HasSuffix(url, "/") {
			return fmt.Errorf("openstack url %s should not end with a slash", url)
		}
	}
	// Check that the service availability is valid.
	validAvailabilities := []string{"public", "internal", "admin"}
	if c.KeystoneConfig.Availability == "" {
		c.KeystoneConfig.Availability = "public"
	}
	if !slices.Contains(validAvailabilities, c.KeystoneConfig.Availability) {
		return fmt.Errorf("invalid service availability %s", c.KeystoneConfig.Availability)
	}
	if c.ManagerConfig.NotifyHoursBeforeLeaseEnd != nil && *c.ManagerConfig.NotifyHoursBeforeLeaseEnd < 0 {
		return fmt.Errorf(
			"notifyHoursBeforeLeaseEnd must not be negative, got %d",
			*c.ManagerConfig.NotifyHoursBeforeLeaseEnd,
		)
	}
	if c.ManagerConfig.EventPollIntervalSeconds < 0 {
		return fmt.Errorf(
			"eventPollIntervalSeconds must not be negative, got %d",
			c.ManagerConfig.EventPollIntervalSeconds,
		)
	}
	if c.LedgerConfig.Enabled && c.LedgerConfig.URL == "" {
		return fmt.Errorf("ledger is enabled but no url is configured")
	}
	return nil
}
