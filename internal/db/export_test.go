// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

// Bridges exposing unexported internals to the external db_test package.
// Compiled into test binaries only.

// Create a migrater with the given migrations instead of the embedded files.
func NewMigraterWithMigrations(db DB, migrations map[string]string) Migrater {
	return &migrater{db: db, migrations: migrations}
}

// The migrations the given migrater would run.
func MigrationsOf(m Migrater) map[string]string {
	return m.(*migrater).migrations
}
