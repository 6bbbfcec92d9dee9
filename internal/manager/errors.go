// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"fmt"
	"net/http"
)

// Error is a service failure carrying the http status code it maps to.
// Errors derived from the same sentinel match through errors.Is, so
// callers can branch on the kind without parsing messages.
type Error struct {
	Kind    string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind
}

// Match by kind so formatted instances compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Derive an error of the same kind and code with a formatted message.
func (e *Error) Msgf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Validation failures.
var (
	ErrMalformedParameter    = &Error{Kind: "malformed_parameter", Code: http.StatusBadRequest}
	ErrMissingParameter      = &Error{Kind: "missing_parameter", Code: http.StatusBadRequest}
	ErrInvalidDate           = &Error{Kind: "invalid_date", Code: http.StatusBadRequest}
	ErrMalformedRequirements = &Error{Kind: "malformed_requirements", Code: http.StatusBadRequest}
	ErrInvalidRange          = &Error{Kind: "invalid_range", Code: http.StatusBadRequest}
	ErrMissingTrustID        = &Error{Kind: "missing_trust_id", Code: http.StatusBadRequest, Message: "A trust id is required"}
)

// Authorization and context failures.
var (
	ErrNotAuthorized = &Error{Kind: "not_authorized", Code: http.StatusForbidden, Message: "Not authorized"}
	ErrInvalidHost   = &Error{Kind: "invalid_host", Code: http.StatusForbidden}
)

// Not found.
var (
	ErrNotFound           = &Error{Kind: "not_found", Code: http.StatusNotFound, Message: "Not found"}
	ErrAggregateNotFound  = &Error{Kind: "aggregate_not_found", Code: http.StatusNotFound}
	ErrHostNotFound       = &Error{Kind: "host_not_found", Code: http.StatusNotFound}
	ErrHypervisorNotFound = &Error{Kind: "hypervisor_not_found", Code: http.StatusNotFound}
	ErrNoFreePool         = &Error{Kind: "no_freepool", Code: http.StatusNotFound, Message: "No Freepool found"}
	ErrHostNotInFreePool  = &Error{Kind: "host_not_in_freepool", Code: http.StatusNotFound}
)

// State conflicts.
var (
	ErrLeaseNameAlreadyExists  = &Error{Kind: "lease_name_already_exists", Code: http.StatusConflict}
	ErrInvalidStateUpdate      = &Error{Kind: "invalid_state_update", Code: http.StatusConflict}
	ErrAggregateHaveHost       = &Error{Kind: "aggregate_have_host", Code: http.StatusConflict}
	ErrAggregateAlreadyHasHost = &Error{Kind: "aggregate_already_has_host", Code: http.StatusConflict}
	ErrCantAddHost             = &Error{Kind: "cant_add_host", Code: http.StatusConflict}
	ErrCantRemoveHost          = &Error{Kind: "cant_remove_host", Code: http.StatusConflict}
	ErrHostHavingServers       = &Error{Kind: "host_having_servers", Code: http.StatusConflict}
	ErrMultipleHostsFound      = &Error{Kind: "multiple_hosts_found", Code: http.StatusConflict}
	ErrCantAddExtraCapability  = &Error{Kind: "cant_add_extra_capability", Code: http.StatusConflict}
)

// Capacity, plugin and dispatch failures.
var (
	ErrNotEnoughHostsAvailable = &Error{Kind: "not_enough_hosts_available", Code: http.StatusInternalServerError, Message: "Not enough hosts available"}
	ErrProjectIDNotFound       = &Error{Kind: "project_id_not_found", Code: http.StatusInternalServerError, Message: "No project_id found in current context"}
	ErrUnsupportedResourceType = &Error{Kind: "unsupported_resource_type", Code: http.StatusInternalServerError}
	ErrPluginConfiguration     = &Error{Kind: "plugin_configuration_error", Code: http.StatusInternalServerError}
	ErrConfiguration           = &Error{Kind: "configuration_error", Code: http.StatusInternalServerError}
	ErrEvent                   = &Error{Kind: "event_error", Code: http.StatusInternalServerError}
)

func NewMalformedParameter(param string) *Error {
	return ErrMalformedParameter.Msgf("Malformed parameter %s", param)
}

func NewMissingParameter(param string) *Error {
	return ErrMissingParameter.Msgf("Missing parameter %s", param)
}

func NewInvalidDate(date string) *Error {
	return ErrInvalidDate.Msgf("%s is an invalid date. Required format: %s", date, LeaseDateFormat)
}

func NewMalformedRequirements(requirements any) *Error {
	return ErrMalformedRequirements.Msgf("Malformed requirements %v", requirements)
}

func NewInvalidRange() *Error {
	return ErrInvalidRange.Msgf("Invalid values for min/max of hosts. " +
		"Min must be greater than 0 and max must be greater than or equal to min.")
}

func NewInvalidHost(values any) *Error {
	return ErrInvalidHost.Msgf("Invalid values for host %v", values)
}

func NewAggregateNotFound(pool string) *Error {
	return ErrAggregateNotFound.Msgf("Aggregate '%s' not found!", pool)
}

func NewHostNotFound(host string) *Error {
	return ErrHostNotFound.Msgf("Host '%s' not found!", host)
}

func NewHypervisorNotFound(nameOrID string) *Error {
	return ErrHypervisorNotFound.Msgf("Hypervisor '%s' not found!", nameOrID)
}

func NewHostNotInFreePool(host, freepool string) *Error {
	return ErrHostNotInFreePool.Msgf("Host %s not in freepool '%s'", host, freepool)
}

func NewLeaseNameAlreadyExists(name string) *Error {
	return ErrLeaseNameAlreadyExists.Msgf("The lease with name: %s already exists", name)
}

func NewInvalidStateUpdate(id, action, status string) *Error {
	return ErrInvalidStateUpdate.Msgf("Unable to update ID %s state with %s:%s", id, action, status)
}

func NewAggregateHaveHost(name, hosts string) *Error {
	return ErrAggregateHaveHost.Msgf("Can't delete Aggregate '%s', host(s) attached to it : %s", name, hosts)
}

func NewAggregateAlreadyHasHost(pool, host string) *Error {
	return ErrAggregateAlreadyHasHost.Msgf("Aggregate %s already has host(s) %s", pool, host)
}

func NewCantAddHost(host, pool string) *Error {
	return ErrCantAddHost.Msgf("Can't add host(s) %s to Aggregate %s", host, pool)
}

func NewCantRemoveHost(host, pool string) *Error {
	return ErrCantRemoveHost.Msgf("Can't remove host(s) %s from Aggregate %s", host, pool)
}

func NewHostHavingServers(servers, host string) *Error {
	return ErrHostHavingServers.Msgf("Servers [%s] found for host %s", servers, host)
}

func NewMultipleHostsFound(pattern string) *Error {
	return ErrMultipleHostsFound.Msgf("Multiple Hosts found for pattern '%s'", pattern)
}

func NewCantAddExtraCapability(keys, host string) *Error {
	return ErrCantAddExtraCapability.Msgf("Can't add extracapabilities %s to Host %s", keys, host)
}

func NewUnsupportedResourceType(resourceType string) *Error {
	return ErrUnsupportedResourceType.Msgf("The %s resource type is not supported", resourceType)
}

func NewPluginConfigurationError(msg string) *Error {
	return ErrPluginConfiguration.Msgf("Plugin Configuration error : %s", msg)
}

func NewConfigurationError(msg string) *Error {
	return ErrConfiguration.Msgf("Configuration error : %s", msg)
}

func NewEventError(eventType string) *Error {
	return ErrEvent.Msgf("Event type %s is not supported", eventType)
}
