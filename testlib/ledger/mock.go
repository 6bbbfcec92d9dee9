// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"sync"

	"github.com/cobaltcore-dev/reservoir/internal/ledger"
)

// In-memory usage ledger that records all calls and can be used for testing.
type MockLedger struct {
	mutex sync.Mutex

	// Balance granted to a project on Init.
	DefaultAllocated float64
	// Error returned by Admit, wins over the balance check.
	AdmitErr error

	Balances   map[string]float64
	Encumbered map[string]float64
	Exceptions map[string]float64
	// Adjustments by project, summed up.
	Adjusted map[string]float64
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		DefaultAllocated: 100,
		Balances:         map[string]float64{},
		Encumbered:       map[string]float64{},
		Exceptions:       map[string]float64{},
		Adjusted:         map[string]float64{},
	}
}

func (m *MockLedger) Init(ctx context.Context, project string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.Balances[project]; !ok {
		m.Balances[project] = m.DefaultAllocated
	}
}

func (m *MockLedger) Admit(ctx context.Context, project string, requestedSU float64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.AdmitErr != nil {
		return m.AdmitErr
	}
	left := m.Balances[project] - m.Encumbered[project]
	if left-requestedSU < 0 {
		return &ledger.InsufficientBudget{Project: project, Requested: requestedSU, Left: left}
	}
	m.Encumbered[project] += requestedSU
	return nil
}

func (m *MockLedger) Adjust(ctx context.Context, project string, deltaSU float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Encumbered[project] += deltaSU
	m.Adjusted[project] += deltaSU
}

func (m *MockLedger) Exception(ctx context.Context, user string) (float64, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	seconds, ok := m.Exceptions[user]
	return seconds, ok
}

func (m *MockLedger) ClearException(ctx context.Context, user string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.Exceptions, user)
}

func (m *MockLedger) Close() {}
