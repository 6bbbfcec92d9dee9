// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/ledger"
	testlibDB "github.com/cobaltcore-dev/reservoir/testlib/db"
	testlibLedger "github.com/cobaltcore-dev/reservoir/testlib/ledger"
	testlibMQTT "github.com/cobaltcore-dev/reservoir/testlib/mqtt"
	"github.com/google/uuid"
	"github.com/majewsky/gg/option"
)

type mockPlugin struct {
	resourceType string
	store        Store
	methods      map[string]MethodHandler

	initErr   error
	createErr error
	updateErr error
	startErr  error
	endErr    error

	created []ReservationRequest
	updated []string
	started []string
	ended   []string
}

func (m *mockPlugin) Type() string { return m.resourceType }

func (m *mockPlugin) Initialize(ctx context.Context) error { return m.initErr }

func (m *mockPlugin) CreateReservation(ctx context.Context, scope TrustScope, request ReservationRequest) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, request)
	return m.store.CreateReservation(&Reservation{
		ID:           uuid.NewString(),
		LeaseID:      request.LeaseID,
		ResourceID:   uuid.NewString(),
		ResourceType: m.resourceType,
		Status:       ReservationStatusPending,
	})
}

func (m *mockPlugin) UpdateReservation(ctx context.Context, scope TrustScope, reservationID string, startDate, endDate time.Time) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated = append(m.updated, reservationID)
	return nil
}

func (m *mockPlugin) OnStart(ctx context.Context, scope TrustScope, resourceID string) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, resourceID)
	return nil
}

func (m *mockPlugin) OnEnd(ctx context.Context, scope TrustScope, resourceID string) error {
	if m.endErr != nil {
		return m.endErr
	}
	m.ended = append(m.ended, resourceID)
	return nil
}

func (m *mockPlugin) Methods() map[string]MethodHandler { return m.methods }

type managerEnv struct {
	manager *Manager
	store   Store
	plugin  *mockPlugin
	mqtt    *testlibMQTT.MockClient
}

func setupManager(t *testing.T, config conf.ManagerConfig, usage ledger.Ledger) managerEnv {
	env := testlibDB.SetupDBEnv(t)
	t.Cleanup(env.Close)
	store := Store{DB: *env.DB}
	if err := store.Init(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	plugin := &mockPlugin{resourceType: "test:vm", store: store}
	mqttClient := &testlibMQTT.MockClient{}
	trusts := StaticTrustScopes{ProjectID: "project1", UserID: "user1"}
	manager := NewManager(config, store, NewMQTTNotifier(mqttClient), trusts, usage, Monitor{})
	if err := manager.Init([]Plugin{plugin}, t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return managerEnv{manager: manager, store: store, plugin: plugin, mqtt: mqttClient}
}

// Manager config with the before-end event disabled, so tests that do
// not care about it only see the start and end events.
func quietConfig() conf.ManagerConfig {
	notifyHours := 0
	return conf.ManagerConfig{NotifyHoursBeforeLeaseEnd: &notifyHours}
}

func leaseRequest(name string, start, end time.Time) CreateLeaseRequest {
	return CreateLeaseRequest{
		Name:      name,
		TrustID:   "trust1",
		StartDate: start.Format(LeaseDateFormat),
		EndDate:   end.Format(LeaseDateFormat),
		Reservations: []ReservationValues{
			{ResourceType: "test:vm", Raw: json.RawMessage(`{"resource_type": "test:vm"}`)},
		},
	}
}

func TestCreateLeaseRequestUnmarshal(t *testing.T) {
	data := []byte(`{
		"name": "lease1",
		"trust_id": "trust1",
		"start_date": "2035-01-10 12:00",
		"end_date": "2035-01-10 13:00",
		"reservations": [{"resource_type": "physical:host", "min": 1, "max": 2}]
	}`)
	var request CreateLeaseRequest
	if err := json.Unmarshal(data, &request); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(request.Reservations) != 1 {
		t.Fatalf("expected 1 reservation, got %d", len(request.Reservations))
	}
	reservation := request.Reservations[0]
	if reservation.ResourceType != "physical:host" {
		t.Errorf("unexpected resource type: %s", reservation.ResourceType)
	}
	// The raw payload keeps the plugin-specific fields.
	var raw map[string]any
	if err := json.Unmarshal(reservation.Raw, &raw); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if raw["min"] != float64(1) || raw["max"] != float64(2) {
		t.Errorf("unexpected raw payload: %v", raw)
	}
}

func TestManagerCreateLease(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(25*time.Hour)

	lease, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, end))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if lease.Name != "lease1" || lease.Status != LeaseStatusPending {
		t.Errorf("unexpected lease: %v", lease)
	}
	// Project and user fall back to the trust scope.
	if lease.ProjectID != "project1" || lease.UserID != "user1" {
		t.Errorf("unexpected lease identity: %s/%s", lease.ProjectID, lease.UserID)
	}
	if !lease.StartDate.Equal(start) || !lease.EndDate.Equal(end) {
		t.Errorf("unexpected lease window: %v - %v", lease.StartDate, lease.EndDate)
	}
	if len(lease.Reservations) != 1 || lease.Reservations[0].Status != ReservationStatusPending {
		t.Fatalf("expected one pending reservation, got %v", lease.Reservations)
	}
	if len(lease.Events) != 2 {
		t.Fatalf("expected 2 events, got %v", lease.Events)
	}
	if lease.Events[0].EventType != EventStartLease || !lease.Events[0].Time.Equal(start) {
		t.Errorf("unexpected first event: %v", lease.Events[0])
	}
	if lease.Events[1].EventType != EventEndLease || !lease.Events[1].Time.Equal(end) {
		t.Errorf("unexpected second event: %v", lease.Events[1])
	}
	if len(env.plugin.created) != 1 {
		t.Fatalf("expected the plugin to be called once, got %d", len(env.plugin.created))
	}
	if !env.plugin.created[0].StartDate.Equal(start) || !env.plugin.created[0].EndDate.Equal(end) {
		t.Errorf("unexpected reservation window: %v", env.plugin.created[0])
	}

	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.Action != ActionCreate || state.Status != StateComplete ||
		state.StatusReason != "Successfully created lease" {
		t.Errorf("unexpected lease state: %v", state)
	}

	messages := env.mqtt.PublishedTo("reservoir/notifications/lease.create")
	if len(messages) != 1 {
		t.Fatalf("expected 1 create notification, got %d", len(messages))
	}
	payload, ok := messages[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload type: %T", messages[0].Payload)
	}
	if payload["event_type"] != "lease.create" || payload["name"] != "lease1" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestManagerCreateLeaseBeforeEndDefault(t *testing.T) {
	// Default notification lead of 48 hours on a 24 hour lease, the
	// before-end event gets clamped to the lease start.
	env := setupManager(t, conf.ManagerConfig{}, nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(25*time.Hour)

	lease, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, end))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(lease.Events) != 3 {
		t.Fatalf("expected 3 events, got %v", lease.Events)
	}
	var beforeEnd *Event
	for _, event := range lease.Events {
		if event.EventType == EventBeforeEndLease {
			beforeEnd = event
		}
	}
	if beforeEnd == nil {
		t.Fatal("expected a before-end event")
	}
	if !beforeEnd.Time.Equal(start) {
		t.Errorf("expected the before-end event clamped to the lease start, got %v", beforeEnd.Time)
	}
}

func TestManagerCreateLeaseBeforeEndExplicit(t *testing.T) {
	env := setupManager(t, conf.ManagerConfig{}, nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(5*time.Hour)
	beforeEnd := now.Add(4 * time.Hour)

	request := leaseRequest("lease1", start, end)
	request.BeforeEndNotification = beforeEnd.Format(LeaseDateFormat)
	lease, err := env.manager.CreateLease(t.Context(), request)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var event *Event
	for _, e := range lease.Events {
		if e.EventType == EventBeforeEndLease {
			event = e
		}
	}
	if event == nil || !event.Time.Equal(beforeEnd) {
		t.Fatalf("expected the before-end event at the requested date, got %v", event)
	}

	// Outside the lease window the date is rejected.
	request = leaseRequest("lease2", start, end)
	request.BeforeEndNotification = end.Add(time.Hour).Format(LeaseDateFormat)
	_, err = env.manager.CreateLease(t.Context(), request)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err.Error() != "Datetime is out of lease limits" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestManagerCreateLeaseValidation(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(2*time.Hour)

	tests := []struct {
		name    string
		mutate  func(request *CreateLeaseRequest)
		wantErr error
		wantMsg string
	}{
		{
			name:    "missing trust id",
			mutate:  func(r *CreateLeaseRequest) { r.TrustID = "" },
			wantErr: ErrMissingTrustID,
			wantMsg: "A trust id is required",
		},
		{
			name:    "malformed start date",
			mutate:  func(r *CreateLeaseRequest) { r.StartDate = "soon" },
			wantErr: ErrInvalidDate,
		},
		{
			name: "start date in the past",
			mutate: func(r *CreateLeaseRequest) {
				r.StartDate = now.Add(-time.Hour).Format(LeaseDateFormat)
			},
			wantErr: ErrNotAuthorized,
			wantMsg: "Start date must later than current date",
		},
		{
			name: "end date before start date",
			mutate: func(r *CreateLeaseRequest) {
				r.EndDate = now.Add(30 * time.Minute).Format(LeaseDateFormat)
			},
			wantErr: ErrNotAuthorized,
			wantMsg: "End date must be later than current and start date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := leaseRequest("lease-"+tt.name, start, end)
			tt.mutate(&request)
			_, err := env.manager.CreateLease(t.Context(), request)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("unexpected error message: %s", err.Error())
			}
		})
	}
}

func TestManagerCreateLeaseDuplicateName(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(2*time.Hour)

	if _, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, end)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, end))
	if !errors.Is(err, ErrLeaseNameAlreadyExists) {
		t.Fatalf("expected lease name conflict, got %v", err)
	}
	leases, err := env.manager.ListLeases("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("expected the first lease only, got %d", len(leases))
	}
}

func TestManagerCreateLeaseRollback(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(2*time.Hour)

	// An unknown resource type rolls the lease back.
	request := leaseRequest("lease1", start, end)
	request.Reservations[0].ResourceType = "bogus:type"
	_, err := env.manager.CreateLease(t.Context(), request)
	if !errors.Is(err, ErrUnsupportedResourceType) {
		t.Fatalf("expected unsupported resource type, got %v", err)
	}
	if err.Error() != "The bogus:type resource type is not supported" {
		t.Errorf("unexpected error message: %s", err.Error())
	}

	// A plugin failure rolls the lease back as well.
	env.plugin.createErr = errors.New("boom")
	_, err = env.manager.CreateLease(t.Context(), leaseRequest("lease2", start, end))
	if err == nil {
		t.Fatal("expected an error")
	}

	leases, err := env.manager.ListLeases("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected no leases after rollback, got %d", len(leases))
	}
}

func TestManagerCreateLeaseNow(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	before := CurrentMinute()
	end := before.Add(2 * time.Hour)

	request := leaseRequest("lease1", before, end)
	request.StartDate = DateNow
	lease, err := env.manager.CreateLease(t.Context(), request)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// The start resolves to the current minute, allowing for a minute
	// rollover while the test runs.
	if !lease.StartDate.Equal(before) && !lease.StartDate.Equal(before.Add(time.Minute)) {
		t.Errorf("expected the lease to start now, got %v", lease.StartDate)
	}
	if lease.StartDate.Second() != 0 || lease.StartDate.Nanosecond() != 0 {
		t.Errorf("expected the start date truncated to the minute, got %v", lease.StartDate)
	}
}

func TestManagerCreateLeaseDurationLimits(t *testing.T) {
	now := CurrentMinute()
	start := now.Add(time.Hour)

	t.Run("default limit", func(t *testing.T) {
		limit := 3600
		config := quietConfig()
		config.DefaultMaxLeaseDurationSeconds = &limit
		env := setupManager(t, config, nil)

		_, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, start.Add(2*time.Hour)))
		if !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("expected not authorized, got %v", err)
		}
		if err.Error() != "Lease is longer than maximum allowed of 3600 seconds" {
			t.Errorf("unexpected error message: %s", err.Error())
		}
		if _, err := env.manager.CreateLease(t.Context(), leaseRequest("lease2", start, start.Add(time.Hour))); err != nil {
			t.Fatalf("expected the lease within the limit to pass, got %v", err)
		}
	})

	t.Run("project override", func(t *testing.T) {
		limit := 3600
		config := quietConfig()
		config.DefaultMaxLeaseDurationSeconds = &limit
		config.ProjectMaxLeaseDurations = map[string]int{"project1": 7200}
		env := setupManager(t, config, nil)

		// The override wins over the stricter default.
		if _, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, start.Add(2*time.Hour))); err != nil {
			t.Fatalf("expected the lease within the override to pass, got %v", err)
		}
		_, err := env.manager.CreateLease(t.Context(), leaseRequest("lease2", start, start.Add(3*time.Hour)))
		if !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("expected not authorized, got %v", err)
		}
		if err.Error() != "Lease is longer than maximum allowed of 7200 seconds for project project1" {
			t.Errorf("unexpected error message: %s", err.Error())
		}
	})

	t.Run("unlimited project override", func(t *testing.T) {
		limit := 3600
		config := quietConfig()
		config.DefaultMaxLeaseDurationSeconds = &limit
		config.ProjectMaxLeaseDurations = map[string]int{"project1": -1}
		env := setupManager(t, config, nil)

		if _, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, start.Add(100*time.Hour))); err != nil {
			t.Fatalf("expected the unlimited project to pass, got %v", err)
		}
	})

	t.Run("user exception", func(t *testing.T) {
		limit := 60
		config := quietConfig()
		config.DefaultMaxLeaseDurationSeconds = &limit
		usage := testlibLedger.NewMockLedger()
		usage.Exceptions["user1"] = 7200
		env := setupManager(t, config, usage)

		// The exception overrides the far stricter default limit.
		if _, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, start.Add(2*time.Hour))); err != nil {
			t.Fatalf("expected the lease within the exception to pass, got %v", err)
		}
		_, err := env.manager.CreateLease(t.Context(), leaseRequest("lease2", start, start.Add(3*time.Hour)))
		if !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("expected not authorized, got %v", err)
		}
		if err.Error() != "Lease is longer than maximum allowed of 7200 seconds for user user1" {
			t.Errorf("unexpected error message: %s", err.Error())
		}
		// The project was initialized in the ledger on the way.
		if _, ok := usage.Balances["project1"]; !ok {
			t.Error("expected the project to be initialized in the ledger")
		}
	})
}

func TestManagerGetLease(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	fetched, err := env.manager.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(fetched.Reservations) != 1 || len(fetched.Events) != 2 {
		t.Errorf("expected the lease populated, got %v", fetched)
	}

	if _, err := env.manager.GetLease("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerUpdateLeaseRename(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	renamed, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		Name: option.Some("lease1-renamed"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if renamed.Name != "lease1-renamed" {
		t.Errorf("unexpected name: %s", renamed.Name)
	}
	// Renaming does not touch the reservations and emits no notification.
	if len(env.plugin.updated) != 0 {
		t.Errorf("expected no reservation updates, got %v", env.plugin.updated)
	}
	if messages := env.mqtt.PublishedTo("reservoir/notifications/lease.update"); len(messages) != 0 {
		t.Errorf("expected no update notifications, got %d", len(messages))
	}

	// An empty update returns the lease unchanged.
	unchanged, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if unchanged.Name != "lease1-renamed" {
		t.Errorf("unexpected name: %s", unchanged.Name)
	}
}

func TestManagerUpdateLeaseWindow(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(2*time.Hour)

	lease, err := env.manager.CreateLease(t.Context(), leaseRequest("lease1", start, end))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	newStart, newEnd := now.Add(2*time.Hour), now.Add(4*time.Hour)
	updated, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		StartDate: option.Some(newStart.Format(LeaseDateFormat)),
		EndDate:   option.Some(newEnd.Format(LeaseDateFormat)),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !updated.StartDate.Equal(newStart) || !updated.EndDate.Equal(newEnd) {
		t.Errorf("unexpected lease window: %v - %v", updated.StartDate, updated.EndDate)
	}
	if len(env.plugin.updated) != 1 {
		t.Fatalf("expected the plugin to reschedule one reservation, got %v", env.plugin.updated)
	}
	for _, event := range updated.Events {
		switch event.EventType {
		case EventStartLease:
			if !event.Time.Equal(newStart) {
				t.Errorf("expected the start event retimed, got %v", event.Time)
			}
		case EventEndLease:
			if !event.Time.Equal(newEnd) {
				t.Errorf("expected the end event retimed, got %v", event.Time)
			}
		}
	}

	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.Action != ActionUpdate || state.Status != StateComplete ||
		state.StatusReason != "Successfully updated lease" {
		t.Errorf("unexpected lease state: %v", state)
	}
	if messages := env.mqtt.PublishedTo("reservoir/notifications/lease.update"); len(messages) != 1 {
		t.Errorf("expected 1 update notification, got %d", len(messages))
	}
}

func TestManagerUpdateLeaseValidation(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Push the lease into a running state.
	row, err := env.store.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row.StartDate = now.Add(-2 * time.Hour)
	row.EndDate = now.Add(time.Hour)
	if err := env.store.UpdateLease(row); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	_, err = env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		StartDate: option.Some(now.Add(time.Hour).Format(LeaseDateFormat)),
	})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err.Error() != "Cannot modify the start date of already started leases" {
		t.Errorf("unexpected error message: %s", err.Error())
	}

	_, err = env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		EndDate: option.Some(now.Add(-time.Hour).Format(LeaseDateFormat)),
	})
	if err == nil || err.Error() != "End date must be later than current and start date" {
		t.Fatalf("expected the end date to be rejected, got %v", err)
	}

	// Push the lease into a terminated state.
	row.StartDate = now.Add(-3 * time.Hour)
	row.EndDate = now.Add(-2 * time.Hour)
	if err := env.store.UpdateLease(row); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_, err = env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		EndDate: option.Some(now.Add(time.Hour).Format(LeaseDateFormat)),
	})
	if err == nil || err.Error() != "Terminated leases can only be renamed" {
		t.Fatalf("expected the terminated lease to be rejected, got %v", err)
	}
	// Renaming the terminated lease still works.
	renamed, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		Name: option.Some("lease1-archived"),
	})
	if err != nil || renamed.Name != "lease1-archived" {
		t.Fatalf("expected the rename to pass, got %v (%v)", renamed, err)
	}
}

func TestManagerUpdateLeaseExtendStarted(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row, err := env.store.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row.StartDate = now.Add(-2 * time.Hour)
	row.EndDate = now.Add(time.Hour)
	if err := env.store.UpdateLease(row); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	newEnd := now.Add(3 * time.Hour)
	updated, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		EndDate: option.Some(newEnd.Format(LeaseDateFormat)),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !updated.EndDate.Equal(newEnd) {
		t.Errorf("unexpected end date: %v", updated.EndDate)
	}
	if !updated.StartDate.Equal(row.StartDate) {
		t.Errorf("expected the start date unchanged, got %v", updated.StartDate)
	}
	if len(env.plugin.updated) != 1 {
		t.Errorf("expected the plugin to reschedule the reservation, got %v", env.plugin.updated)
	}
}

func TestManagerUpdateLeaseBeforeEndDelta(t *testing.T) {
	env := setupManager(t, conf.ManagerConfig{}, nil)
	now := CurrentMinute()
	start, end := now.Add(time.Hour), now.Add(5*time.Hour)

	request := leaseRequest("lease1", start, end)
	request.BeforeEndNotification = now.Add(4 * time.Hour).Format(LeaseDateFormat)
	lease, err := env.manager.CreateLease(t.Context(), request)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Extending the lease without an explicit date keeps the one hour
	// distance between the event and the lease end.
	newEnd := now.Add(7 * time.Hour)
	if _, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		EndDate: option.Some(newEnd.Format(LeaseDateFormat)),
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	event, err := env.store.GetFirstEventSortedByFilters("lease_id", map[string]any{
		"lease_id":   lease.ID,
		"event_type": EventBeforeEndLease,
	})
	if err != nil || event == nil {
		t.Fatalf("expected the before-end event, got %v (%v)", event, err)
	}
	if !event.Time.Equal(now.Add(6 * time.Hour)) {
		t.Errorf("expected the delta preserved, got %v", event.Time)
	}

	// A fired event becomes undone again and a stop notification goes out.
	if err := env.store.SetEventStatus(event.ID, EventStatusDone); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := env.manager.UpdateLease(t.Context(), lease.ID, UpdateLeaseRequest{
		EndDate: option.Some(now.Add(9 * time.Hour).Format(LeaseDateFormat)),
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	event, err = env.store.GetFirstEventSortedByFilters("lease_id", map[string]any{
		"lease_id":   lease.ID,
		"event_type": EventBeforeEndLease,
	})
	if err != nil || event == nil {
		t.Fatalf("expected the before-end event, got %v (%v)", event, err)
	}
	if event.Status != EventStatusUndone {
		t.Errorf("expected the event undone again, got %s", event.Status)
	}
	if !event.Time.Equal(now.Add(8 * time.Hour)) {
		t.Errorf("expected the delta preserved, got %v", event.Time)
	}
	stops := env.mqtt.PublishedTo("reservoir/notifications/lease.event.before_end_lease.stop")
	if len(stops) != 1 {
		t.Errorf("expected 1 stop notification, got %d", len(stops))
	}
}

func TestManagerDeleteLease(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	resourceID := lease.Reservations[0].ResourceID

	if err := env.manager.DeleteLease(t.Context(), lease.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := env.manager.GetLease(lease.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the lease to be gone, got %v", err)
	}
	if len(env.plugin.ended) != 1 || env.plugin.ended[0] != resourceID {
		t.Errorf("expected the reservation released, got %v", env.plugin.ended)
	}
	if messages := env.mqtt.PublishedTo("reservoir/notifications/lease.delete"); len(messages) != 1 {
		t.Errorf("expected 1 delete notification, got %d", len(messages))
	}
}

func TestManagerDeleteLeaseStarted(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row, err := env.store.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row.StartDate = now.Add(-time.Hour)
	row.EndDate = now.Add(time.Hour)
	if err := env.store.UpdateLease(row); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err = env.manager.DeleteLease(t.Context(), lease.ID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err.Error() != "Already started lease cannot be deleted" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
	if _, err := env.manager.GetLease(lease.ID); err != nil {
		t.Errorf("expected the lease to survive, got %v", err)
	}
	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.Action != ActionDelete || state.Status != StateFailed {
		t.Errorf("unexpected lease state: %v", state)
	}
}

func TestManagerDeleteLeaseEnded(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row, err := env.store.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	row.StartDate = now.Add(-3 * time.Hour)
	row.EndDate = now.Add(-time.Hour)
	if err := env.store.UpdateLease(row); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// The reservation was already released when the lease ended.
	if err := env.store.SetReservationStatus(lease.Reservations[0].ID, ReservationStatusDeleted); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := env.manager.DeleteLease(t.Context(), lease.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(env.plugin.ended) != 0 {
		t.Errorf("expected released reservations to be skipped, got %v", env.plugin.ended)
	}
}

func TestManagerDeleteLeasePluginFailure(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	env.plugin.endErr = errors.New("boom")

	if err := env.manager.DeleteLease(t.Context(), lease.ID); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := env.manager.GetLease(lease.ID); err != nil {
		t.Errorf("expected the lease to survive, got %v", err)
	}
	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.StatusReason != "Failed to delete a reservation for a lease." {
		t.Errorf("unexpected status reason: %s", state.StatusReason)
	}
}

func TestManagerStartLease(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var startEvent *Event
	for _, event := range lease.Events {
		if event.EventType == EventStartLease {
			startEvent = event
		}
	}
	if startEvent == nil {
		t.Fatal("expected a start event")
	}

	if err := env.manager.StartLease(t.Context(), lease.ID, startEvent.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	started, err := env.manager.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if started.Status != LeaseStatusActive {
		t.Errorf("expected the lease active, got %s", started.Status)
	}
	if started.Reservations[0].Status != ReservationStatusActive {
		t.Errorf("expected the reservation active, got %s", started.Reservations[0].Status)
	}
	if len(env.plugin.started) != 1 {
		t.Errorf("expected the plugin to start one reservation, got %v", env.plugin.started)
	}
	for _, event := range started.Events {
		if event.ID == startEvent.ID && event.Status != EventStatusDone {
			t.Errorf("expected the start event done, got %s", event.Status)
		}
	}
	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.Action != ActionStart || state.Status != StateComplete ||
		state.StatusReason != "Successfully started lease" {
		t.Errorf("unexpected lease state: %v", state)
	}
}

func TestManagerEndLease(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var endEvent *Event
	for _, event := range lease.Events {
		if event.EventType == EventEndLease {
			endEvent = event
		}
	}
	if endEvent == nil {
		t.Fatal("expected an end event")
	}

	if err := env.manager.EndLease(t.Context(), lease.ID, endEvent.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ended, err := env.manager.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ended.Status != LeaseStatusTerminated {
		t.Errorf("expected the lease terminated, got %s", ended.Status)
	}
	if ended.Reservations[0].Status != ReservationStatusDeleted {
		t.Errorf("expected the reservation deleted, got %s", ended.Reservations[0].Status)
	}
	if len(env.plugin.ended) != 1 {
		t.Errorf("expected the plugin to end one reservation, got %v", env.plugin.ended)
	}
	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.Action != ActionStop || state.Status != StateComplete ||
		state.StatusReason != "Successfully stopped lease" {
		t.Errorf("unexpected lease state: %v", state)
	}
}

func TestManagerStartLeaseFailure(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	now := CurrentMinute()

	lease, err := env.manager.CreateLease(t.Context(),
		leaseRequest("lease1", now.Add(time.Hour), now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	env.plugin.startErr = errors.New("boom")
	var startEvent *Event
	for _, event := range lease.Events {
		if event.EventType == EventStartLease {
			startEvent = event
		}
	}
	if startEvent == nil {
		t.Fatal("expected a start event")
	}

	// Plugin failures are tracked in the lease, not returned.
	if err := env.manager.StartLease(t.Context(), lease.ID, startEvent.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	failed, err := env.manager.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if failed.Status != LeaseStatusError {
		t.Errorf("expected the lease in error, got %s", failed.Status)
	}
	if failed.Reservations[0].Status != ReservationStatusError {
		t.Errorf("expected the reservation in error, got %s", failed.Reservations[0].Status)
	}
	for _, event := range failed.Events {
		if event.ID == startEvent.ID && event.Status != EventStatusError {
			t.Errorf("expected the start event in error, got %s", event.Status)
		}
	}
	state, err := env.store.GetLeaseState(lease.ID)
	if err != nil || state == nil {
		t.Fatalf("expected a lease state, got %v (%v)", state, err)
	}
	if state.Status != StateFailed || state.StatusReason != "Failed to start lease" {
		t.Errorf("unexpected lease state: %v", state)
	}
}

func TestManagerCall(t *testing.T) {
	env := setupManager(t, quietConfig(), nil)
	env.plugin.methods = map[string]MethodHandler{
		"echo": func(ctx context.Context, payload json.RawMessage) (any, error) {
			return string(payload), nil
		},
	}
	// Re-register the plugin so the methods are picked up.
	if err := env.manager.Init([]Plugin{env.plugin}, t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	result, err := env.manager.Call(t.Context(), "test:vm:echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != `{"a":1}` {
		t.Errorf("unexpected result: %v", result)
	}

	if _, err := env.manager.Call(t.Context(), "test:vm:missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected method not found, got %v", err)
	}
	_, err = env.manager.Call(t.Context(), "bogus:type:echo", nil)
	if !errors.Is(err, ErrUnsupportedResourceType) {
		t.Fatalf("expected unsupported resource type, got %v", err)
	}
	if _, err := env.manager.Call(t.Context(), "nocolon", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestManagerInitDuplicatePlugins(t *testing.T) {
	env := testlibDB.SetupDBEnv(t)
	t.Cleanup(env.Close)
	store := Store{DB: *env.DB}
	if err := store.Init(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	manager := NewManager(conf.ManagerConfig{}, store, NewMQTTNotifier(&testlibMQTT.MockClient{}),
		StaticTrustScopes{ProjectID: "project1", UserID: "user1"}, nil, Monitor{})
	err := manager.Init([]Plugin{
		&mockPlugin{resourceType: "test:vm", store: store},
		&mockPlugin{resourceType: "test:vm", store: store},
	}, t.Context())
	if !errors.Is(err, ErrPluginConfiguration) {
		t.Fatalf("expected a plugin configuration error, got %v", err)
	}
}
