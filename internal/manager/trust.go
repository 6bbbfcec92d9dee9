// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/keystone"
)

// TrustScope is the identity a trust id resolves to. Plugins receive it
// with every privileged operation so deferred actions run on behalf of
// the lease owner instead of the caller.
type TrustScope struct {
	TrustID   string
	ProjectID string
	UserID    string
}

// TrustScopes resolves trust ids into scopes. Acquire returns a release
// func that must be called once the privileged operation is finished.
type TrustScopes interface {
	Acquire(ctx context.Context, trustID string) (TrustScope, func(), error)
}

// Trust scopes backed by the configured keystone service user.
type keystoneTrustScopes struct {
	keystone keystone.KeystoneAPI
	conf     conf.KeystoneConfig
}

func NewKeystoneTrustScopes(api keystone.KeystoneAPI, c conf.KeystoneConfig) TrustScopes {
	return &keystoneTrustScopes{keystone: api, conf: c}
}

func (t *keystoneTrustScopes) Acquire(ctx context.Context, trustID string) (TrustScope, func(), error) {
	if trustID == "" {
		return TrustScope{}, nil, ErrMissingTrustID
	}
	// Reauthenticate so the token backing the scope is fresh.
	if err := t.keystone.Authenticate(ctx); err != nil {
		return TrustScope{}, nil, err
	}
	scope := TrustScope{
		TrustID:   trustID,
		ProjectID: t.conf.OSProjectName,
		UserID:    t.conf.OSUsername,
	}
	release := func() {
		slog.Debug("released trust scope", "trustID", trustID)
	}
	return scope, release, nil
}

// Static trust scopes for tests and deployments without keystone.
type StaticTrustScopes struct {
	ProjectID string
	UserID    string
}

func (t StaticTrustScopes) Acquire(ctx context.Context, trustID string) (TrustScope, func(), error) {
	if trustID == "" {
		return TrustScope{}, nil, ErrMissingTrustID
	}
	scope := TrustScope{TrustID: trustID, ProjectID: t.ProjectID, UserID: t.UserID}
	return scope, func() {}, nil
}
