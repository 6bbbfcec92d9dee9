// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"encoding/json"
	"time"
)

// Date format used on all api and notification payloads, minute precision.
const LeaseDateFormat = "2006-01-02 15:04"

// Special start_date value resolving to the current minute at request time.
const DateNow = "now"

// Parse a date in the lease date format, interpreted as UTC.
func ParseLeaseDate(date string) (time.Time, error) {
	t, err := time.ParseInLocation(LeaseDateFormat, date, time.UTC)
	if err != nil {
		return time.Time{}, NewInvalidDate(date)
	}
	return t, nil
}

// The current UTC time truncated to the minute.
func CurrentMinute() time.Time {
	return time.Now().UTC().Truncate(time.Minute)
}

// Informational lease statuses.
const (
	LeaseStatusPending    = "PENDING"
	LeaseStatusActive     = "ACTIVE"
	LeaseStatusTerminated = "TERMINATED"
	LeaseStatusError      = "ERROR"
)

// Lease is a time-bounded holding of reservations belonging to a project.
type Lease struct {
	ID        string    `json:"id" db:"id,primarykey"`
	Name      string    `json:"name" db:"name"`
	ProjectID string    `json:"project_id" db:"project_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	TrustID   string    `json:"trust_id" db:"trust_id"`
	StartDate time.Time `json:"start_date" db:"start_date"`
	EndDate   time.Time `json:"end_date" db:"end_date"`
	Status    string    `json:"status" db:"status"`

	// Filled in by the manager when rendering a lease, not persisted here.
	Reservations []*Reservation `json:"reservations" db:"-"`
	Events       []*Event       `json:"events" db:"-"`
}

func (Lease) TableName() string { return "leases" }

// Dates travel as minute-precision strings on the api.
func (l Lease) MarshalJSON() ([]byte, error) {
	type Alias Lease
	return json.Marshal(struct {
		Alias
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}{
		Alias:     Alias(l),
		StartDate: l.StartDate.Format(LeaseDateFormat),
		EndDate:   l.EndDate.Format(LeaseDateFormat),
	})
}

// Reservation statuses.
const (
	ReservationStatusPending   = "pending"
	ReservationStatusActive    = "active"
	ReservationStatusCompleted = "completed"
	ReservationStatusError     = "error"
	ReservationStatusDeleted   = "deleted"
)

// Reservation of one resource within a lease, managed by the plugin
// responsible for its resource type.
type Reservation struct {
	ID           string `json:"id" db:"id,primarykey"`
	LeaseID      string `json:"lease_id" db:"lease_id"`
	ResourceID   string `json:"resource_id" db:"resource_id"`
	ResourceType string `json:"resource_type" db:"resource_type"`
	Status       string `json:"status" db:"status"`
}

func (Reservation) TableName() string { return "reservations" }

// Host-specific part of a reservation created by the host plugin.
type HostReservation struct {
	ID                   string `json:"id" db:"id,primarykey"`
	ReservationID        string `json:"reservation_id" db:"reservation_id"`
	HypervisorProperties string `json:"hypervisor_properties" db:"hypervisor_properties"`
	ResourceProperties   string `json:"resource_properties" db:"resource_properties"`
	CountRange           string `json:"count_range" db:"count_range"`
	Status               string `json:"status" db:"status"`
}

func (HostReservation) TableName() string { return "host_reservations" }

// Binding of one compute host to one reservation for the lease window.
type HostAllocation struct {
	ID            string `json:"id" db:"id,primarykey"`
	ComputeHostID string `json:"compute_host_id" db:"compute_host_id"`
	ReservationID string `json:"reservation_id" db:"reservation_id"`
}

func (HostAllocation) TableName() string { return "host_allocations" }

// Lease event types.
const (
	EventStartLease     = "start_lease"
	EventEndLease       = "end_lease"
	EventBeforeEndLease = "before_end_lease"
)

// Event statuses.
const (
	EventStatusUndone     = "UNDONE"
	EventStatusInProgress = "IN_PROGRESS"
	EventStatusDone       = "DONE"
	EventStatusError      = "ERROR"
)

// Scheduled lifecycle event of a lease, fired by the dispatcher.
type Event struct {
	ID        string    `json:"id" db:"id,primarykey"`
	LeaseID   string    `json:"lease_id" db:"lease_id"`
	EventType string    `json:"event_type" db:"event_type"`
	Time      time.Time `json:"time" db:"time"`
	Status    string    `json:"status" db:"status"`
}

func (Event) TableName() string { return "events" }

func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal(struct {
		Alias
		Time string `json:"time"`
	}{
		Alias: Alias(e),
		Time:  e.Time.Format(LeaseDateFormat),
	})
}

// Lease state actions.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionStart  = "START"
	ActionStop   = "STOP"
)

// Lease state statuses.
const (
	StateInProgress = "IN_PROGRESS"
	StateComplete   = "COMPLETE"
	StateFailed     = "FAILED"
)

// Most recent lifecycle transition of a lease, kept as a projection so
// clients can see what happened to the lease last.
type LeaseState struct {
	LeaseID      string `json:"lease_id" db:"lease_id,primarykey"`
	Action       string `json:"action" db:"action"`
	Status       string `json:"status" db:"status"`
	StatusReason string `json:"status_reason" db:"status_reason"`
}

func (LeaseState) TableName() string { return "lease_states" }
