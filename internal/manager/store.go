// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"database/sql"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/db"
	"github.com/go-gorp/gorp"
)

// Store persists leases and their dependent rows.
type Store struct {
	DB db.DB
}

// Register the lease tables and create them if needed.
func (s Store) Init() error {
	leases := s.DB.AddTable(Lease{})
	leases.ColMap("name").SetUnique(true)
	tables := []*gorp.TableMap{
		leases,
		s.DB.AddTable(Reservation{}),
		s.DB.AddTable(HostReservation{}),
		s.DB.AddTable(HostAllocation{}),
		s.DB.AddTable(Event{}),
		s.DB.AddTable(LeaseState{}),
	}
	return s.DB.CreateTable(tables...)
}

func isDuplicate(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint") ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s Store) CreateLease(lease *Lease) error {
	if err := s.DB.Insert(lease); err != nil {
		if isDuplicate(err) {
			return NewLeaseNameAlreadyExists(lease.Name)
		}
		return err
	}
	return nil
}

func (s Store) GetLease(id string) (*Lease, error) {
	var lease Lease
	err := s.DB.SelectOne(&lease, `
		SELECT * FROM leases WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound.Msgf("Lease %s not found", id)
		}
		return nil, err
	}
	return &lease, nil
}

// List all leases, or only those of the given project if it is non-empty.
func (s Store) ListLeases(projectID string) ([]*Lease, error) {
	var leases []*Lease
	var err error
	if projectID == "" {
		_, err = s.DB.Select(&leases, `SELECT * FROM leases ORDER BY name ASC`)
	} else {
		_, err = s.DB.Select(&leases, `
			SELECT * FROM leases WHERE project_id = :project_id ORDER BY name ASC`,
			map[string]any{"project_id": projectID})
	}
	if err != nil {
		return nil, err
	}
	return leases, nil
}

func (s Store) UpdateLease(lease *Lease) error {
	_, err := s.DB.Update(lease)
	if err != nil && isDuplicate(err) {
		return NewLeaseNameAlreadyExists(lease.Name)
	}
	return err
}

// Remove the lease and everything hanging off it in one transaction.
func (s Store) DestroyLease(id string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM host_allocations WHERE reservation_id IN
			(SELECT id FROM reservations WHERE lease_id = :lease_id)`,
		`DELETE FROM host_reservations WHERE reservation_id IN
			(SELECT id FROM reservations WHERE lease_id = :lease_id)`,
		`DELETE FROM reservations WHERE lease_id = :lease_id`,
		`DELETE FROM events WHERE lease_id = :lease_id`,
		`DELETE FROM lease_states WHERE lease_id = :lease_id`,
		`DELETE FROM leases WHERE id = :lease_id`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, map[string]any{"lease_id": id}); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return rbErr
			}
			return err
		}
	}
	return tx.Commit()
}

func (s Store) CreateReservation(reservation *Reservation) error {
	return s.DB.Insert(reservation)
}

func (s Store) GetReservation(id string) (*Reservation, error) {
	var reservation Reservation
	err := s.DB.SelectOne(&reservation, `
		SELECT * FROM reservations WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound.Msgf("Reservation %s not found", id)
		}
		return nil, err
	}
	return &reservation, nil
}

func (s Store) GetReservationsByLease(leaseID string) ([]*Reservation, error) {
	var reservations []*Reservation
	_, err := s.DB.Select(&reservations, `
		SELECT * FROM reservations WHERE lease_id = :lease_id ORDER BY id ASC`,
		map[string]any{"lease_id": leaseID})
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (s Store) GetReservationsByResource(resourceID string) ([]*Reservation, error) {
	var reservations []*Reservation
	_, err := s.DB.Select(&reservations, `
		SELECT * FROM reservations WHERE resource_id = :resource_id ORDER BY id ASC`,
		map[string]any{"resource_id": resourceID})
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (s Store) UpdateReservation(reservation *Reservation) error {
	_, err := s.DB.Update(reservation)
	return err
}

func (s Store) SetReservationStatus(id, status string) error {
	_, err := s.DB.Exec(`
		UPDATE reservations SET status = :status WHERE id = :id`,
		map[string]any{"status": status, "id": id})
	return err
}

func (s Store) CreateHostReservation(hostReservation *HostReservation) error {
	return s.DB.Insert(hostReservation)
}

// Get the host-specific part of a reservation, nil if there is none.
func (s Store) GetHostReservationByReservation(reservationID string) (*HostReservation, error) {
	var hostReservation HostReservation
	err := s.DB.SelectOne(&hostReservation, `
		SELECT * FROM host_reservations WHERE reservation_id = :reservation_id`,
		map[string]any{"reservation_id": reservationID})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &hostReservation, nil
}

func (s Store) UpdateHostReservation(hostReservation *HostReservation) error {
	_, err := s.DB.Update(hostReservation)
	return err
}

func (s Store) CreateHostAllocation(allocation *HostAllocation) error {
	return s.DB.Insert(allocation)
}

func (s Store) DestroyHostAllocation(id string) error {
	_, err := s.DB.Exec(`
		DELETE FROM host_allocations WHERE id = :id`,
		map[string]any{"id": id})
	return err
}

func (s Store) GetHostAllocationsByReservation(reservationID string) ([]*HostAllocation, error) {
	var allocations []*HostAllocation
	_, err := s.DB.Select(&allocations, `
		SELECT * FROM host_allocations WHERE reservation_id = :reservation_id ORDER BY id ASC`,
		map[string]any{"reservation_id": reservationID})
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (s Store) GetHostAllocationsByHost(computeHostID string) ([]*HostAllocation, error) {
	var allocations []*HostAllocation
	_, err := s.DB.Select(&allocations, `
		SELECT * FROM host_allocations WHERE compute_host_id = :compute_host_id ORDER BY id ASC`,
		map[string]any{"compute_host_id": computeHostID})
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (s Store) CreateEvent(event *Event) error {
	return s.DB.Insert(event)
}

func (s Store) GetEventsByLease(leaseID string) ([]*Event, error) {
	var events []*Event
	_, err := s.DB.Select(&events, `
		SELECT * FROM events WHERE lease_id = :lease_id ORDER BY time ASC, id ASC`,
		map[string]any{"lease_id": leaseID})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Get the next event to fire, nil if there is none waiting.
func (s Store) GetFirstUndoneEvent() (*Event, error) {
	var event Event
	err := s.DB.SelectOne(&event, `
		SELECT * FROM events WHERE status = :status ORDER BY time ASC, id ASC LIMIT 1`,
		map[string]any{"status": EventStatusUndone})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// Get the first event matching all filters, sorted ascending by the given
// column. Returns nil if no event matches.
func (s Store) GetFirstEventSortedByFilters(sortKey string, filters map[string]any) (*Event, error) {
	// Deterministic clause order keeps the query text stable.
	keys := slices.Sorted(maps.Keys(filters))
	where := make([]string, 0, len(keys))
	for _, key := range keys {
		where = append(where, key+" = :"+key)
	}
	query := `SELECT * FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + sortKey + ` ASC LIMIT 1`
	var event Event
	if err := s.DB.SelectOne(&event, query, filters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (s Store) UpdateEvent(event *Event) error {
	_, err := s.DB.Update(event)
	return err
}

func (s Store) SetEventStatus(id, status string) error {
	_, err := s.DB.Exec(`
		UPDATE events SET status = :status WHERE id = :id`,
		map[string]any{"status": status, "id": id})
	return err
}

// Transition the event from UNDONE to IN_PROGRESS. Returns false when the
// event was already claimed or is no longer UNDONE.
func (s Store) ClaimEvent(id string) (bool, error) {
	result, err := s.DB.Exec(`
		UPDATE events SET status = :in_progress WHERE id = :id AND status = :undone`,
		map[string]any{
			"in_progress": EventStatusInProgress,
			"id":          id,
			"undone":      EventStatusUndone,
		})
	if err != nil {
		return false, err
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return claimed == 1, nil
}

// Record the latest lifecycle transition of a lease.
func (s Store) SetLeaseState(state *LeaseState) error {
	validAction := slices.Contains([]string{
		ActionCreate, ActionUpdate, ActionDelete, ActionStart, ActionStop,
	}, state.Action)
	validStatus := slices.Contains([]string{
		StateInProgress, StateComplete, StateFailed,
	}, state.Status)
	if !validAction || !validStatus {
		return NewInvalidStateUpdate(state.LeaseID, state.Action, state.Status)
	}
	return db.Upsert(s.DB, state)
}

// Get the latest lifecycle transition of a lease, nil if none is recorded.
func (s Store) GetLeaseState(leaseID string) (*LeaseState, error) {
	var state LeaseState
	err := s.DB.SelectOne(&state, `
		SELECT * FROM lease_states WHERE lease_id = :lease_id`,
		map[string]any{"lease_id": leaseID})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// Period is a stretch of time within a query window.
type Period struct {
	Start time.Time
	End   time.Time
}

// The merged allocation windows of the host, clipped to [start, end].
func (s Store) busyPeriods(hostID string, start, end time.Time) ([]Period, error) {
	type window struct {
		StartDate time.Time `db:"start_date"`
		EndDate   time.Time `db:"end_date"`
	}
	var rows []window
	_, err := s.DB.Select(&rows, `
		SELECT l.start_date AS start_date, l.end_date AS end_date
		FROM host_allocations a
		JOIN reservations r ON a.reservation_id = r.id
		JOIN leases l ON r.lease_id = l.id
		WHERE a.compute_host_id = :compute_host_id`,
		map[string]any{"compute_host_id": hostID})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rows, func(a, b window) int {
		return a.StartDate.Compare(b.StartDate)
	})
	var busy []Period
	for _, row := range rows {
		from, to := row.StartDate, row.EndDate
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if !from.Before(to) {
			continue
		}
		// Merge overlapping and touching windows.
		if n := len(busy); n > 0 && !busy[n-1].End.Before(from) {
			if to.After(busy[n-1].End) {
				busy[n-1].End = to
			}
			continue
		}
		busy = append(busy, Period{Start: from, End: to})
	}
	return busy, nil
}

// The periods within [start, end] during which the host is allocated for
// at least minDuration.
func (s Store) GetFullPeriods(hostID string, start, end time.Time, minDuration time.Duration) ([]Period, error) {
	busy, err := s.busyPeriods(hostID, start, end)
	if err != nil {
		return nil, err
	}
	var full []Period
	for _, period := range busy {
		if period.End.Sub(period.Start) >= minDuration {
			full = append(full, period)
		}
	}
	return full, nil
}

// The periods within [start, end] during which the host is unallocated for
// at least minDuration.
func (s Store) GetFreePeriods(hostID string, start, end time.Time, minDuration time.Duration) ([]Period, error) {
	busy, err := s.busyPeriods(hostID, start, end)
	if err != nil {
		return nil, err
	}
	var free []Period
	cursor := start
	for _, period := range busy {
		if period.Start.Sub(cursor) >= minDuration {
			free = append(free, Period{Start: cursor, End: period.Start})
		}
		if period.End.After(cursor) {
			cursor = period.End
		}
	}
	if end.Sub(cursor) >= minDuration {
		free = append(free, Period{Start: cursor, End: end})
	}
	return free, nil
}
