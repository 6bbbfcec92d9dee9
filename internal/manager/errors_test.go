// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	err := NewHostNotFound("compute1")
	if !errors.Is(err, ErrHostNotFound) {
		t.Error("expected the error to match its sentinel")
	}
	if errors.Is(err, ErrAggregateNotFound) {
		t.Error("expected the error not to match other sentinels")
	}
	if err.Error() != "Host 'compute1' not found!" {
		t.Errorf("unexpected error message: %s", err.Error())
	}

	// Wrapping keeps the kind.
	wrapped := fmt.Errorf("while deleting: %w", err)
	if !errors.Is(wrapped, ErrHostNotFound) {
		t.Error("expected the wrapped error to match its sentinel")
	}
}

func TestErrorCode(t *testing.T) {
	var managerErr *Error
	if !errors.As(NewLeaseNameAlreadyExists("lease1"), &managerErr) {
		t.Fatal("expected a manager error")
	}
	if managerErr.Code != 409 {
		t.Errorf("expected code 409, got %d", managerErr.Code)
	}

	if !errors.As(ErrNotAuthorized.Msgf("Not allowed to %s", "update"), &managerErr) {
		t.Fatal("expected a manager error")
	}
	if managerErr.Code != 403 {
		t.Errorf("expected code 403, got %d", managerErr.Code)
	}
	if managerErr.Message != "Not allowed to update" {
		t.Errorf("unexpected message: %s", managerErr.Message)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NewInvalidDate("2030-13-45"), "2030-13-45 is an invalid date. Required format: 2006-01-02 15:04"},
		{NewMissingParameter("min"), "Missing parameter min"},
		{NewMalformedParameter("max"), "Malformed parameter max"},
		{NewUnsupportedResourceType("virtual:floppy"), "The virtual:floppy resource type is not supported"},
		{ErrNotEnoughHostsAvailable, "Not enough hosts available"},
		{NewEventError("bogus"), "Event type bogus is not supported"},
	}
	for _, tt := range tests {
		if tt.err.Error() != tt.want {
			t.Errorf("expected %q, got %q", tt.want, tt.err.Error())
		}
	}
}
