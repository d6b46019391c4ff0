// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package state

import (
	"database/sql"
	"fmt"
	"time"
)

// ErrSchemaTooNew is returned when the database was written by a newer agent.
// It is fatal: the supervisor must not start against a schema it does not
// understand.
type ErrSchemaTooNew struct {
	Found, Supported int
}

func (e *ErrSchemaTooNew) Error() string {
	return fmt.Sprintf("state database schema version %d is newer than supported version %d", e.Found, e.Supported)
}

// migrations run in order inside a transaction each. Append only; never edit
// an entry that has shipped.
var migrations = []func(*sql.Tx) error{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE device (
				id               INTEGER PRIMARY KEY CHECK (id = 1),
				uuid             TEXT NOT NULL,
				device_name      TEXT NOT NULL DEFAULT '',
				device_type      TEXT NOT NULL DEFAULT '',
				provisioned      INTEGER NOT NULL DEFAULT 0,
				api_endpoint_url TEXT NOT NULL DEFAULT '',
				registered_at    TEXT NOT NULL DEFAULT ''
			);
			CREATE TABLE state_snapshot (
				type       TEXT PRIMARY KEY,
				body       TEXT NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE TABLE state_history (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				body       TEXT NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE TABLE device_config (
				protocol TEXT PRIMARY KEY,
				config   TEXT NOT NULL
			);`)
		return err
	},
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	current := int(version.Int64)
	if current > len(migrations) {
		return &ErrSchemaTooNew{Found: current, Supported: len(migrations)}
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := migrations[i](tx); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		_, err = tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
