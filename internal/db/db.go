// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/monitoring"
	"github.com/dlmiddlecote/sqlstats"
	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/jobloop"
)

// Wrapper around gorp.DbMap that adds some convenience functions.
type DB struct {
	*gorp.DbMap
	DBConfig conf.DBConfig
	monitor  Monitor
}

type Table interface {
	TableName() string
}

// Create a new postgres database and wait until it is connected.
func NewPostgresDB(ctx context.Context, c conf.DBConfig, registry *monitoring.Registry, monitor Monitor) DB {
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          c.Host,
		Port:              strconv.Itoa(c.Port),
		UserName:          c.User,
		Password:          c.Password,
		ConnectionOptions: "sslmode=disable",
		DatabaseName:      c.Database,
	})
	if err != nil {
		panic(err)
	}
	slog.Info("connecting to database", "host", c.Host, "database", c.Database)
	db, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		panic(err)
	}

	var sqlDB *sql.DB
	// If the wait time exceeds 10 seconds, we will panic.
	maxRetries := 10
	for i := range maxRetries {
		if monitor.connectionAttempts != nil {
			monitor.connectionAttempts.Inc()
		}
		err := db.PingContext(ctx)
		if err == nil {
			sqlDB = db
			break
		}
		if i == maxRetries-1 {
			panic("giving up connecting to database")
		}
		slog.Error("failed to connect to database, retrying...", "error", err)
		time.Sleep(1 * time.Second)
	}

	sqlDB.SetMaxOpenConns(16)
	if registry != nil {
		registry.MustRegister(sqlstats.NewStatsCollector(c.Database, sqlDB))
	}
	dbMap := &gorp.DbMap{Db: sqlDB, Dialect: gorp.PostgresDialect{}}
	slog.Info("database is ready")
	return DB{DBConfig: c, DbMap: dbMap, monitor: monitor}
}

// Periodically ping the database to check its liveness. If the database
// stays unreachable the process panics so that it gets restarted.
func (d *DB) CheckLivenessPeriodically(ctx context.Context) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jobloop.DefaultJitter(30 * time.Second)):
		}
		if d.monitor.connectionAttempts != nil {
			d.monitor.connectionAttempts.Inc()
		}
		if err := d.Db.PingContext(ctx); err != nil {
			failures++
			slog.Error("database liveness ping failed", "error", err, "failures", failures)
			if failures >= 10 {
				panic("lost connection to database")
			}
			continue
		}
		failures = 0
	}
}

// Adds missing functionality to gorp.DbMap which creates one table.
func (d *DB) CreateTable(table ...*gorp.TableMap) error {
	tx, err := d.Begin()
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		return err
	}
	for _, t := range table {
		slog.Info("creating table", "table", t.TableName)
		sql := t.SqlForCreate(true) // true means to add IF NOT EXISTS
		if _, err := tx.Exec(sql); err != nil {
			return tx.Rollback()
		}
	}
	return tx.Commit()
}

// Adds a Model table to the database.
func (d *DB) AddTable(t Table) *gorp.TableMap {
	slog.Info("adding table", "table", t.TableName(), "model", t)
	return d.AddTableWithName(t, t.TableName())
}

// Check if a table exists in the database.
func (d *DB) TableExists(t Table) bool {
	query := `SELECT EXISTS (
		SELECT 1
		FROM   information_schema.tables
		WHERE  table_name = :table_name
	);`
	// Sqlite (used in tests) has no information_schema.
	if _, ok := d.Dialect.(gorp.SqliteDialect); ok {
		query = `SELECT EXISTS (
			SELECT 1
			FROM   sqlite_master
			WHERE  type = 'table' AND name = :table_name
		);`
	}
	var exists bool
	err := d.SelectOne(&exists, query, map[string]any{"table_name": t.TableName()})
	if err != nil {
		slog.Error("failed to check if table exists", "error", err)
		return false
	}
	return exists
}

// Convenience function to the database connection.
func (d *DB) Close() {
	if err := d.DbMap.Db.Close(); err != nil {
		slog.Error("failed to close database connection", "error", err)
	}
}

// Replace the complete contents of a table with the given models.
func ReplaceAll[T Table](d DB, models ...T) error {
	var t T
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM " + t.TableName()); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		return err
	}
	for i := range models {
		if err := tx.Insert(&models[i]); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return rbErr
			}
			return err
		}
	}
	return tx.Commit()
}

// Database or transaction that supports update and insert methods.
type upsertable interface {
	Update(list ...interface{}) (int64, error)
	Insert(list ...interface{}) error
}

// Upsert a model into the database (Insert if possible, otherwise Update).
func Upsert(u upsertable, model any) error {
	if err := u.Insert(model); err != nil {
		if strings.Contains(err.Error(), "duplicate key value violates unique constraint") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if _, err := u.Update(model); err != nil {
				return err
			}
			return nil
		}
		return err
	}
	return nil
}
