// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package monitoring

// Observer recording observed values in memory, standing in for a
// prometheus histogram or summary in tests.
type MockObserver struct {
	// Observations recorded by the mock observer, in call order.
	Observations []float64
}

func (m *MockObserver) Observe(value float64) {
	m.Observations = append(m.Observations, value)
}

// The most recent observation, false when nothing was observed yet.
func (m *MockObserver) Last() (float64, bool) {
	if len(m.Observations) == 0 {
		return 0, false
	}
	return m.Observations[len(m.Observations)-1], true
}
