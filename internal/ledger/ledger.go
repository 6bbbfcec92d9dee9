// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/redis/go-redis/v9"
)

// Hashes in which the usage accounting is stored, keyed by project.
const (
	keyBalance        = "balance"
	keyUsed           = "used"
	keyEncumbered     = "encumbered"
	keyUserExceptions = "user_exceptions"
)

// Returned by Admit in strict mode when the backend cannot be reached.
// Lenient mode (the default) logs the failure and allows the operation.
var ErrUnavailable = errors.New("usage ledger unavailable")

// Returned by Admit when the project budget does not cover the request.
type InsufficientBudget struct {
	Project   string
	Requested float64
	Left      float64
}

func (e *InsufficientBudget) Error() string {
	return fmt.Sprintf(
		"project %s requested %.2f SUs, only %.2f left",
		e.Project, e.Requested, e.Left,
	)
}

// Ledger tracking service unit (SU) budgets per project. Connection errors
// never surface to callers. Operations are best effort, except that Admit
// refuses when strict mode is configured and the backend is unreachable.
type Ledger interface {
	// Ensure the project has usage entries, creating defaults where missing.
	Init(ctx context.Context, project string)
	// Check that the remaining budget of the project covers the requested
	// SUs and encumber them. Returns an InsufficientBudget error when it
	// does not, and ErrUnavailable in strict mode when the backend is
	// unreachable.
	Admit(ctx context.Context, project string, requestedSU float64) error
	// Shift the encumbered SUs of the project by the given delta. Negative
	// deltas release previously encumbered SUs.
	Adjust(ctx context.Context, project string, deltaSU float64)
	// Get the max lease duration override of the given user in seconds.
	Exception(ctx context.Context, user string) (float64, bool)
	// Drop the max lease duration override of the given user, if any.
	ClearException(ctx context.Context, user string)
	// Disconnect from the ledger backend.
	Close()
}

// Ledger implementation backed by redis.
type redisLedger struct {
	conf    conf.LedgerConfig
	client  *redis.Client
	monitor Monitor
}

// Create a new ledger connected to the configured redis backend.
func NewLedger(c conf.LedgerConfig, monitor Monitor) Ledger {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		panic(err)
	}
	slog.Info("connecting to ledger", "url", c.URL)
	return &redisLedger{conf: c, client: redis.NewClient(opts), monitor: monitor}
}

func (l *redisLedger) Init(ctx context.Context, project string) {
	set, err := l.client.HSetNX(ctx, keyBalance, project, l.conf.DefaultAllocated).Result()
	if err != nil {
		l.fail("init", err)
		return
	}
	if set {
		slog.Info(
			"ledger: set project balance",
			"project", project, "balance", l.conf.DefaultAllocated,
		)
	}
	if err := l.client.HSetNX(ctx, keyUsed, project, 0.0).Err(); err != nil {
		l.fail("init", err)
		return
	}
	if err := l.client.HSetNX(ctx, keyEncumbered, project, 0.0).Err(); err != nil {
		l.fail("init", err)
	}
}

func (l *redisLedger) Admit(ctx context.Context, project string, requestedSU float64) error {
	balance, err := l.client.HGet(ctx, keyBalance, project).Float64()
	if err != nil {
		return l.refuse("admit", err)
	}
	encumbered, err := l.client.HGet(ctx, keyEncumbered, project).Float64()
	if err != nil {
		return l.refuse("admit", err)
	}
	left := balance - encumbered
	if left-requestedSU < 0 {
		return &InsufficientBudget{Project: project, Requested: requestedSU, Left: left}
	}
	if err := l.client.HIncrByFloat(ctx, keyEncumbered, project, requestedSU).Err(); err != nil {
		return l.refuse("admit", err)
	}
	slog.Info(
		"ledger: admitted request",
		"project", project, "requestedSU", requestedSU, "left", left-requestedSU,
	)
	return nil
}

func (l *redisLedger) Adjust(ctx context.Context, project string, deltaSU float64) {
	encumbered, err := l.client.HIncrByFloat(ctx, keyEncumbered, project, deltaSU).Result()
	if err != nil {
		l.fail("adjust", err)
		return
	}
	slog.Info(
		"ledger: adjusted encumbered",
		"project", project, "deltaSU", deltaSU, "encumbered", encumbered,
	)
}

func (l *redisLedger) Exception(ctx context.Context, user string) (float64, bool) {
	seconds, err := l.client.HGet(ctx, keyUserExceptions, user).Float64()
	if err != nil {
		// A missing field just means there is no override for this user.
		if !errors.Is(err, redis.Nil) {
			l.fail("exception", err)
		}
		return 0, false
	}
	return seconds, true
}

func (l *redisLedger) ClearException(ctx context.Context, user string) {
	if err := l.client.HDel(ctx, keyUserExceptions, user).Err(); err != nil {
		l.fail("clear_exception", err)
	}
}

func (l *redisLedger) Close() {
	if err := l.client.Close(); err != nil {
		slog.Error("ledger: failed to close connection", "error", err)
	}
}

// Record a failed backend operation. Failures are never returned to the
// caller directly, usage enforcement is best effort.
func (l *redisLedger) fail(op string, err error) {
	if l.monitor.failures != nil {
		l.monitor.failures.WithLabelValues(op).Inc()
	}
	slog.Error("ledger: operation failed", "op", op, "error", err)
}

// Decide how to react to a failed admit by mode: strict refuses the
// request, lenient allows it without enforcement.
func (l *redisLedger) refuse(op string, err error) error {
	l.fail(op, err)
	if l.conf.Strict {
		return ErrUnavailable
	}
	return nil
}
