// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/ledger"
	"github.com/google/uuid"
	"github.com/majewsky/gg/option"
)

// Manager drives the lease lifecycle and fans reservation work out to
// the resource plugins.
type Manager struct {
	// Persistence layer for leases, reservations and events.
	Store Store
	// Manager part of the service configuration.
	Config conf.ManagerConfig
	// Sink for lease lifecycle notifications.
	Notifier Notifier
	// Resolver for the trust ids carried by leases.
	Trusts TrustScopes
	// Usage ledger for lease duration exceptions, nil when usage
	// enforcement is disabled.
	Usage ledger.Ledger

	monitor Monitor
	// Plugins by resource type.
	plugins map[string]Plugin
	// Plugin rpc methods by resource type and method name.
	methods map[methodKey]MethodHandler
}

// Create a new lease manager. Call Init before using it.
func NewManager(
	config conf.ManagerConfig,
	store Store,
	notifier Notifier,
	trusts TrustScopes,
	usage ledger.Ledger,
	monitor Monitor,
) *Manager {

	return &Manager{
		Store:    store,
		Config:   config,
		Notifier: notifier,
		Trusts:   trusts,
		Usage:    usage,
		monitor:  monitor,
	}
}

// Initialize the given plugins and register them by resource type.
func (m *Manager) Init(supported []Plugin, ctx context.Context) error {
	m.plugins = make(map[string]Plugin, len(supported))
	m.methods = map[methodKey]MethodHandler{}
	for _, plugin := range supported {
		resourceType := plugin.Type()
		if _, ok := m.plugins[resourceType]; ok {
			return NewPluginConfigurationError(
				"You have provided several plugins for one resource type " +
					"in configuration file. Please set one plugin per " +
					"resource type.")
		}
		if err := plugin.Initialize(ctx); err != nil {
			return err
		}
		m.plugins[resourceType] = plugin
		if provider, ok := plugin.(MethodProvider); ok {
			for name, handler := range provider.Methods() {
				m.methods[methodKey{resourceType, name}] = handler
			}
		}
		slog.Info("manager: added plugin", "resourceType", resourceType)
	}
	return nil
}

// The resource types with a registered plugin, sorted.
func (m *Manager) PluginTypes() []string {
	return slices.Sorted(maps.Keys(m.plugins))
}

// Call dispatches a plugin rpc method. The name carries the resource
// type and the method name separated by the last colon, e.g.
// "physical:host:create_computehost".
func (m *Manager) Call(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	idx := strings.LastIndex(name, ":")
	if idx < 0 {
		return nil, ErrNotFound.Msgf("Method %s not found", name)
	}
	resourceType, method := name[:idx], name[idx+1:]
	if _, ok := m.plugins[resourceType]; !ok {
		return nil, NewUnsupportedResourceType(resourceType)
	}
	handler, ok := m.methods[methodKey{resourceType, method}]
	if !ok {
		return nil, ErrNotFound.Msgf("Method %s not found", name)
	}
	return handler(ctx, payload)
}

// Request to create a lease together with its reservations.
type CreateLeaseRequest struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	TrustID   string `json:"trust_id"`
	// Lease window, formatted as "2006-01-02 15:04". The start date may
	// also be the literal "now".
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	// Optional explicit date for the before_end_lease event.
	BeforeEndNotification string              `json:"before_end_notification"`
	Reservations          []ReservationValues `json:"reservations"`
}

// One reservation entry of a create request. The raw payload is kept so
// the plugin can read its own fields from it.
type ReservationValues struct {
	ResourceType string          `json:"resource_type"`
	Raw          json.RawMessage `json:"-"`
}

func (r *ReservationValues) UnmarshalJSON(data []byte) error {
	type Alias ReservationValues
	var alias Alias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*r = ReservationValues(alias)
	r.Raw = slices.Clone(data)
	return nil
}

// Create a lease, its reservations and its events, then notify.
func (m *Manager) CreateLease(ctx context.Context, request CreateLeaseRequest) (*Lease, error) {
	if request.TrustID == "" {
		return nil, ErrMissingTrustID
	}

	now := CurrentMinute()
	var startDate time.Time
	var err error
	if request.StartDate == DateNow {
		startDate = now
	} else if startDate, err = ParseLeaseDate(request.StartDate); err != nil {
		return nil, err
	}
	endDate, err := ParseLeaseDate(request.EndDate)
	if err != nil {
		return nil, err
	}
	if startDate.Before(now) {
		return nil, ErrNotAuthorized.Msgf("Start date must later than current date")
	}
	if endDate.Before(startDate) {
		return nil, ErrNotAuthorized.Msgf("End date must be later than current and start date")
	}

	scope, release, err := m.Trusts.Acquire(ctx, request.TrustID)
	if err != nil {
		return nil, err
	}
	defer release()

	projectID := request.ProjectID
	if projectID == "" {
		projectID = scope.ProjectID
	}
	if projectID == "" {
		return nil, ErrProjectIDNotFound
	}
	userID := request.UserID
	if userID == "" {
		userID = scope.UserID
	}

	lease := &Lease{
		ID:        uuid.NewString(),
		Name:      request.Name,
		ProjectID: projectID,
		UserID:    userID,
		TrustID:   request.TrustID,
		StartDate: startDate,
		EndDate:   endDate,
		Status:    LeaseStatusPending,
	}
	if m.Usage != nil {
		m.Usage.Init(ctx, projectID)
	}
	if err := m.checkLeaseDurationLimit(ctx, lease, false, time.Time{}); err != nil {
		return nil, err
	}

	events := []*Event{
		{
			ID:        uuid.NewString(),
			LeaseID:   lease.ID,
			EventType: EventStartLease,
			Time:      startDate,
			Status:    EventStatusUndone,
		},
		{
			ID:        uuid.NewString(),
			LeaseID:   lease.ID,
			EventType: EventEndLease,
			Time:      endDate,
			Status:    EventStatusUndone,
		},
	}
	var beforeEndDate time.Time
	if request.BeforeEndNotification != "" {
		beforeEndDate, err = ParseLeaseDate(request.BeforeEndNotification)
		if err != nil {
			slog.Error("invalid before end notification date", "error", err)
			return nil, err
		}
		if err := checkDateWithinLeaseLimits(beforeEndDate, startDate, endDate); err != nil {
			slog.Error("invalid before end notification date", "error", err)
			return nil, err
		}
	} else if hours := m.Config.NotifyHours(); hours > 0 {
		beforeEndDate = endDate.Add(-time.Duration(hours) * time.Hour)
	}
	if !beforeEndDate.IsZero() {
		event := &Event{
			ID:        uuid.NewString(),
			LeaseID:   lease.ID,
			EventType: EventBeforeEndLease,
			Status:    EventStatusUndone,
		}
		setBeforeEndEventDate(event, beforeEndDate, startDate, lease.ID)
		events = append(events, event)
	}

	if err := m.Store.CreateLease(lease); err != nil {
		return nil, err
	}
	for _, values := range request.Reservations {
		if err := m.createReservation(ctx, scope, lease, values); err != nil {
			m.rollbackLease(lease.ID, err)
			return nil, err
		}
	}
	for _, event := range events {
		if err := m.Store.CreateEvent(event); err != nil {
			m.rollbackLease(lease.ID, err)
			return nil, err
		}
	}
	if err := m.Store.SetLeaseState(&LeaseState{
		LeaseID:      lease.ID,
		Action:       ActionCreate,
		Status:       StateComplete,
		StatusReason: "Successfully created lease",
	}); err != nil {
		return nil, err
	}

	created, err := m.GetLease(lease.ID)
	if err != nil {
		return nil, err
	}
	m.Notifier.NotifyLease(created, "create")
	return created, nil
}

func (m *Manager) createReservation(ctx context.Context, scope TrustScope, lease *Lease, values ReservationValues) error {
	plugin, ok := m.plugins[values.ResourceType]
	if !ok {
		return NewUnsupportedResourceType(values.ResourceType)
	}
	return plugin.CreateReservation(ctx, scope, ReservationRequest{
		LeaseID:      lease.ID,
		StartDate:    lease.StartDate,
		EndDate:      lease.EndDate,
		ResourceType: values.ResourceType,
		Values:       values.Raw,
	})
}

func (m *Manager) rollbackLease(leaseID string, cause error) {
	slog.Error("manager: rolling back lease", "lease", leaseID, "error", cause)
	if err := m.Store.DestroyLease(leaseID); err != nil {
		slog.Error("manager: failed to roll back lease", "lease", leaseID, "error", err)
	}
}

// Get a lease with its reservations and events populated.
func (m *Manager) GetLease(id string) (*Lease, error) {
	lease, err := m.Store.GetLease(id)
	if err != nil {
		return nil, err
	}
	if lease.Reservations, err = m.Store.GetReservationsByLease(id); err != nil {
		return nil, err
	}
	if lease.Events, err = m.Store.GetEventsByLease(id); err != nil {
		return nil, err
	}
	return lease, nil
}

// List leases with their reservations and events populated. An empty
// project id lists everything.
func (m *Manager) ListLeases(projectID string) ([]*Lease, error) {
	leases, err := m.Store.ListLeases(projectID)
	if err != nil {
		return nil, err
	}
	for _, lease := range leases {
		if lease.Reservations, err = m.Store.GetReservationsByLease(lease.ID); err != nil {
			return nil, err
		}
		if lease.Events, err = m.Store.GetEventsByLease(lease.ID); err != nil {
			return nil, err
		}
	}
	return leases, nil
}

// Request to update a lease. Absent fields keep their current value.
type UpdateLeaseRequest struct {
	Name                  option.Option[string] `json:"name"`
	StartDate             option.Option[string] `json:"start_date"`
	EndDate               option.Option[string] `json:"end_date"`
	BeforeEndNotification option.Option[string] `json:"before_end_notification"`
}

// Update a lease, rescheduling its reservations and events, then notify.
func (m *Manager) UpdateLease(ctx context.Context, id string, request UpdateLeaseRequest) (*Lease, error) {
	if request.Name.IsNone() && request.StartDate.IsNone() &&
		request.EndDate.IsNone() && request.BeforeEndNotification.IsNone() {
		return m.GetLease(id)
	}

	lease, err := m.Store.GetLease(id)
	if err != nil {
		return nil, err
	}
	if name, ok := request.Name.Unpack(); ok {
		lease.Name = name
	}
	// Renaming alone is always allowed, even on terminated leases.
	if request.StartDate.IsNone() && request.EndDate.IsNone() &&
		request.BeforeEndNotification.IsNone() {
		if err := m.Store.UpdateLease(lease); err != nil {
			return nil, err
		}
		return m.GetLease(id)
	}

	now := CurrentMinute()
	startStr := request.StartDate.UnwrapOr(lease.StartDate.Format(LeaseDateFormat))
	endStr := request.EndDate.UnwrapOr(lease.EndDate.Format(LeaseDateFormat))
	var startDate time.Time
	if startStr == DateNow {
		startDate = now
	} else if startDate, err = ParseLeaseDate(startStr); err != nil {
		return nil, err
	}
	var endDate time.Time
	if endStr == DateNow {
		endDate = now
	} else if endDate, err = ParseLeaseDate(endStr); err != nil {
		return nil, err
	}

	if lease.StartDate.Before(now) && !startDate.Equal(lease.StartDate) {
		return nil, ErrNotAuthorized.Msgf("Cannot modify the start date of already started leases")
	}
	if lease.StartDate.After(now) && startDate.Before(now) {
		return nil, ErrNotAuthorized.Msgf("Start date must later than current date")
	}
	if lease.EndDate.Before(now) {
		return nil, ErrNotAuthorized.Msgf("Terminated leases can only be renamed")
	}
	if endDate.Before(now) || endDate.Before(startDate) {
		return nil, ErrNotAuthorized.Msgf("End date must be later than current and start date")
	}

	scope, release, err := m.Trusts.Acquire(ctx, lease.TrustID)
	if err != nil {
		return nil, err
	}
	defer release()

	var beforeEndDate time.Time
	if str, ok := request.BeforeEndNotification.Unpack(); ok && str != "" {
		if beforeEndDate, err = ParseLeaseDate(str); err != nil {
			slog.Error("invalid before end notification date", "error", err)
			return nil, err
		}
		if err := checkDateWithinLeaseLimits(beforeEndDate, startDate, endDate); err != nil {
			slog.Error("invalid before end notification date", "error", err)
			return nil, err
		}
	}

	resized := *lease
	resized.StartDate = startDate
	resized.EndDate = endDate
	started := lease.StartDate.Before(now) && now.Before(lease.EndDate)
	if err := m.checkLeaseDurationLimit(ctx, &resized, started, lease.EndDate); err != nil {
		return nil, err
	}

	reservations, err := m.Store.GetReservationsByLease(id)
	if err != nil {
		return nil, err
	}
	for _, reservation := range reservations {
		plugin, ok := m.plugins[reservation.ResourceType]
		if !ok {
			return nil, NewUnsupportedResourceType(reservation.ResourceType)
		}
		if err := plugin.UpdateReservation(ctx, scope, reservation.ID, startDate, endDate); err != nil {
			return nil, err
		}
	}

	if err := m.retimeEvent(id, EventStartLease, startDate); err != nil {
		return nil, err
	}
	if err := m.retimeEvent(id, EventEndLease, endDate); err != nil {
		return nil, err
	}
	notifications := []string{"update"}
	if notifications, err = m.updateBeforeEndEvent(lease, startDate, endDate, beforeEndDate, notifications); err != nil {
		return nil, err
	}

	lease.StartDate = startDate
	lease.EndDate = endDate
	if err := m.Store.UpdateLease(lease); err != nil {
		return nil, err
	}
	if err := m.Store.SetLeaseState(&LeaseState{
		LeaseID:      id,
		Action:       ActionUpdate,
		Status:       StateComplete,
		StatusReason: "Successfully updated lease",
	}); err != nil {
		return nil, err
	}

	updated, err := m.GetLease(id)
	if err != nil {
		return nil, err
	}
	m.Notifier.NotifyLease(updated, notifications...)
	return updated, nil
}

func (m *Manager) retimeEvent(leaseID, eventType string, date time.Time) error {
	event, err := m.Store.GetFirstEventSortedByFilters("lease_id", map[string]any{
		"lease_id":   leaseID,
		"event_type": eventType,
	})
	if err != nil {
		return err
	}
	if event == nil {
		switch eventType {
		case EventStartLease:
			return errors.New("start lease event not found")
		default:
			return errors.New("end lease event not found")
		}
	}
	event.Time = date
	return m.Store.UpdateEvent(event)
}

// Reschedule the before-end event against the new lease window. Without
// an explicit date the distance to the lease end is preserved. A fired
// event becomes undone again and a stop notification is appended.
func (m *Manager) updateBeforeEndEvent(lease *Lease, startDate, endDate, beforeEndDate time.Time, notifications []string) ([]string, error) {
	event, err := m.Store.GetFirstEventSortedByFilters("lease_id", map[string]any{
		"lease_id":   lease.ID,
		"event_type": EventBeforeEndLease,
	})
	if err != nil || event == nil {
		return notifications, err
	}
	if beforeEndDate.IsZero() {
		delta := lease.EndDate.Sub(event.Time)
		beforeEndDate = endDate.Add(-delta)
	}
	setBeforeEndEventDate(event, beforeEndDate, startDate, lease.ID)
	if event.Status == EventStatusDone {
		event.Status = EventStatusUndone
		notifications = append(notifications, "event.before_end_lease.stop")
	}
	if err := m.Store.UpdateEvent(event); err != nil {
		return notifications, err
	}
	return notifications, nil
}

// Clamp the before-end event into the lease window.
func setBeforeEndEventDate(event *Event, beforeEndDate, startDate time.Time, leaseID string) {
	event.Time = beforeEndDate
	if event.Time.Before(startDate) {
		slog.Warn(
			"manager: start date after before-end date, clamping",
			"beforeEndDate", startDate, "lease", leaseID,
		)
		event.Time = startDate
	}
}

// Delete a lease. Only leases that have not started yet or have already
// ended may be deleted, releasing their reservations first.
func (m *Manager) DeleteLease(ctx context.Context, id string) error {
	lease, err := m.Store.GetLease(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if now.After(lease.StartDate) && now.Before(lease.EndDate) {
		reason := "Already started lease cannot be deleted"
		m.recordLeaseState(id, ActionDelete, StateFailed, reason)
		return ErrNotAuthorized.Msgf("%s", reason)
	}

	scope, release, err := m.Trusts.Acquire(ctx, lease.TrustID)
	if err != nil {
		return err
	}
	defer release()

	reservations, err := m.Store.GetReservationsByLease(id)
	if err != nil {
		return err
	}
	for _, reservation := range reservations {
		if reservation.Status == ReservationStatusDeleted {
			continue
		}
		plugin, ok := m.plugins[reservation.ResourceType]
		if !ok {
			return NewUnsupportedResourceType(reservation.ResourceType)
		}
		if err := plugin.OnEnd(ctx, scope, reservation.ResourceID); err != nil {
			slog.Error("manager: failed to delete a reservation for a lease",
				"lease", id, "reservation", reservation.ID, "error", err)
			m.recordLeaseState(id, ActionDelete, StateFailed,
				"Failed to delete a reservation for a lease.")
			return err
		}
	}

	// Read the full lease before it is gone, for the notification.
	deleted, err := m.GetLease(id)
	if err != nil {
		return err
	}
	if err := m.Store.DestroyLease(id); err != nil {
		return err
	}
	m.Notifier.NotifyLease(deleted, "delete")
	return nil
}

func (m *Manager) recordLeaseState(leaseID, action, status, reason string) {
	err := m.Store.SetLeaseState(&LeaseState{
		LeaseID:      leaseID,
		Action:       action,
		Status:       status,
		StatusReason: reason,
	})
	if err != nil {
		slog.Error("manager: failed to record lease state", "lease", leaseID, "error", err)
	}
}

// Start the lease with the given id, activating its reservations.
func (m *Manager) StartLease(ctx context.Context, leaseID, eventID string) error {
	lease, err := m.Store.GetLease(leaseID)
	if err != nil {
		return err
	}
	scope, release, err := m.Trusts.Acquire(ctx, lease.TrustID)
	if err != nil {
		return err
	}
	defer release()
	return m.basicAction(ctx, scope, leaseID, eventID, actionOnStart)
}

// End the lease with the given id, releasing its reservations.
func (m *Manager) EndLease(ctx context.Context, leaseID, eventID string) error {
	lease, err := m.Store.GetLease(leaseID)
	if err != nil {
		return err
	}
	scope, release, err := m.Trusts.Acquire(ctx, lease.TrustID)
	if err != nil {
		return err
	}
	defer release()
	return m.basicAction(ctx, scope, leaseID, eventID, actionOnEnd)
}

// Mark the before-end event as done. The notification itself is emitted
// by the dispatcher when the event fires.
func (m *Manager) BeforeEndLease(ctx context.Context, leaseID, eventID string) error {
	return m.Store.SetEventStatus(eventID, EventStatusDone)
}

// The two plugin actions shared by lease start and end.
const (
	actionOnStart = "on_start"
	actionOnEnd   = "on_end"
)

// Run the given plugin action over all reservations of a lease and track
// the outcome in the event, the reservations and the lease state.
func (m *Manager) basicAction(ctx context.Context, scope TrustScope, leaseID, eventID, actionTime string) error {
	var leaseAction, reservationStatus, progressReason string
	switch actionTime {
	case actionOnStart:
		leaseAction = ActionStart
		reservationStatus = ReservationStatusActive
		progressReason = "Starting lease..."
	case actionOnEnd:
		leaseAction = ActionStop
		reservationStatus = ReservationStatusDeleted
		progressReason = "Stopping lease..."
	default:
		return fmt.Errorf("unknown lease action %q", actionTime)
	}
	if err := m.Store.SetLeaseState(&LeaseState{
		LeaseID:      leaseID,
		Action:       leaseAction,
		Status:       StateInProgress,
		StatusReason: progressReason,
	}); err != nil {
		return err
	}

	reservations, err := m.Store.GetReservationsByLease(leaseID)
	if err != nil {
		return err
	}
	eventStatus := EventStatusDone
	for _, reservation := range reservations {
		if err := m.runReservationAction(ctx, scope, reservation, actionTime); err != nil {
			slog.Error("manager: failed to execute action for lease",
				"action", actionTime, "lease", leaseID,
				"reservation", reservation.ID, "error", err)
			eventStatus = EventStatusError
			if err := m.Store.SetReservationStatus(reservation.ID, ReservationStatusError); err != nil {
				return err
			}
			continue
		}
		if err := m.Store.SetReservationStatus(reservation.ID, reservationStatus); err != nil {
			return err
		}
	}
	if err := m.Store.SetEventStatus(eventID, eventStatus); err != nil {
		return err
	}

	status, reason := StateComplete, "Successfully started lease"
	leaseStatus := LeaseStatusActive
	switch {
	case eventStatus == EventStatusError && actionTime == actionOnStart:
		status, reason = StateFailed, "Failed to start lease"
		leaseStatus = LeaseStatusError
	case eventStatus == EventStatusError:
		status, reason = StateFailed, "Failed to stop lease"
		leaseStatus = LeaseStatusError
	case actionTime == actionOnEnd:
		reason = "Successfully stopped lease"
		leaseStatus = LeaseStatusTerminated
	}
	if err := m.Store.SetLeaseState(&LeaseState{
		LeaseID:      leaseID,
		Action:       leaseAction,
		Status:       status,
		StatusReason: reason,
	}); err != nil {
		return err
	}

	lease, err := m.Store.GetLease(leaseID)
	if err != nil {
		return err
	}
	lease.Status = leaseStatus
	return m.Store.UpdateLease(lease)
}

func (m *Manager) runReservationAction(ctx context.Context, scope TrustScope, reservation *Reservation, actionTime string) error {
	plugin, ok := m.plugins[reservation.ResourceType]
	if !ok {
		return NewUnsupportedResourceType(reservation.ResourceType)
	}
	if actionTime == actionOnStart {
		return plugin.OnStart(ctx, scope, reservation.ResourceID)
	}
	return plugin.OnEnd(ctx, scope, reservation.ResourceID)
}

// The date must fall strictly within the lease window.
func checkDateWithinLeaseLimits(date, startDate, endDate time.Time) error {
	if !startDate.Before(date) || !date.Before(endDate) {
		return ErrNotAuthorized.Msgf("Datetime is out of lease limits")
	}
	return nil
}

// Enforce the configured max lease durations. For a started lease that is
// prolonged close to its end only the remaining duration counts. A user
// exception from the usage ledger overrides the project limits entirely.
func (m *Manager) checkLeaseDurationLimit(ctx context.Context, lease *Lease, started bool, currentEndDate time.Time) error {
	now := CurrentMinute()
	duration := lease.EndDate.Sub(lease.StartDate)
	if started {
		prolongAllowedFrom := currentEndDate.Add(-time.Duration(m.Config.ProlongWindow()) * time.Second)
		if !now.Before(prolongAllowedFrom) {
			duration = lease.EndDate.Sub(now)
		}
	}

	if m.Usage != nil {
		if exception, ok := m.Usage.Exception(ctx, lease.UserID); ok {
			if duration.Seconds() > exception {
				return ErrNotAuthorized.Msgf(
					"Lease is longer than maximum allowed of %d seconds for user %s",
					int64(exception), lease.UserID)
			}
			return nil
		}
	}
	if limit, ok := m.Config.ProjectMaxLeaseDurations[lease.ProjectID]; ok {
		if limit != -1 && duration.Seconds() > float64(limit) {
			return ErrNotAuthorized.Msgf(
				"Lease is longer than maximum allowed of %d seconds for project %s",
				limit, lease.ProjectID)
		}
		return nil
	}
	if limit := m.Config.MaxLeaseDuration(lease.ProjectID); limit != -1 && duration.Seconds() > float64(limit) {
		return ErrNotAuthorized.Msgf(
			"Lease is longer than maximum allowed of %d seconds", limit)
	}
	return nil
}
