// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package state persists the device identity and the target/current state
// snapshots in an embedded sqlite database. The store is opened once by the
// supervisor; all mutations go through the engine, which serialises them.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Pure-Go sqlite driver, registers as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/DataDog/iot-agent/pkg/model"
)

// ErrNotProvisioned is returned by GetIdentity before provisioning has run.
var ErrNotProvisioned = errors.New("device is not provisioned")

// historyRetention bounds the state_history table. Older rows are pruned on
// every SaveCurrent.
const historyRetention = 200

const (
	snapshotTarget  = "target"
	snapshotCurrent = "current"
)

// Store is the embedded state database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies any
// pending migrations. A database written by a newer agent is a fatal error:
// schema downgrades are not supported.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// sqlite supports a single writer; funnel everything through one
	// connection so writes are linearisable.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetIdentity loads the device identity, or ErrNotProvisioned if the device
// has never been registered.
func (s *Store) GetIdentity() (model.DeviceIdentity, error) {
	var (
		id          model.DeviceIdentity
		provisioned int
		registered  string
	)
	row := s.db.QueryRow(`SELECT uuid, device_name, device_type, provisioned, api_endpoint_url, registered_at FROM device WHERE id = 1`)
	err := row.Scan(&id.UUID, &id.DeviceName, &id.DeviceType, &provisioned, &id.APIEndpoint, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceIdentity{}, ErrNotProvisioned
	}
	if err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("loading device identity: %w", err)
	}
	id.Provisioned = provisioned != 0
	if registered != "" {
		if ts, err := time.Parse(time.RFC3339Nano, registered); err == nil {
			id.RegisteredAt = ts
		}
	}
	return id, nil
}

// SetIdentity persists the device identity, replacing any previous row.
func (s *Store) SetIdentity(id model.DeviceIdentity) error {
	provisioned := 0
	if id.Provisioned {
		provisioned = 1
	}
	_, err := s.db.Exec(`INSERT INTO device (id, uuid, device_name, device_type, provisioned, api_endpoint_url, registered_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET uuid=excluded.uuid, device_name=excluded.device_name,
			device_type=excluded.device_type, provisioned=excluded.provisioned,
			api_endpoint_url=excluded.api_endpoint_url, registered_at=excluded.registered_at`,
		id.UUID, id.DeviceName, id.DeviceType, provisioned, id.APIEndpoint,
		id.RegisteredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving device identity: %w", err)
	}
	return nil
}

// LoadTarget loads the target snapshot; an empty snapshot if never saved.
func (s *Store) LoadTarget() (model.StateSnapshot, error) {
	return s.loadSnapshot(snapshotTarget)
}

// SaveTarget atomically replaces the target snapshot.
func (s *Store) SaveTarget(snap model.StateSnapshot) error {
	return s.saveSnapshot(snapshotTarget, snap, false)
}

// LoadCurrent loads the current snapshot; an empty snapshot if never saved.
func (s *Store) LoadCurrent() (model.StateSnapshot, error) {
	return s.loadSnapshot(snapshotCurrent)
}

// SaveCurrent replaces the current snapshot and appends a history record.
func (s *Store) SaveCurrent(snap model.StateSnapshot) error {
	return s.saveSnapshot(snapshotCurrent, snap, true)
}

func (s *Store) loadSnapshot(kind string) (model.StateSnapshot, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM state_snapshot WHERE type = ?`, kind).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewStateSnapshot(), nil
	}
	if err != nil {
		return model.StateSnapshot{}, fmt.Errorf("loading %s snapshot: %w", kind, err)
	}
	var snap model.StateSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return model.StateSnapshot{}, fmt.Errorf("decoding %s snapshot: %w", kind, err)
	}
	if snap.Apps == nil {
		snap.Apps = map[int]model.App{}
	}
	if snap.Config == nil {
		snap.Config = map[string]interface{}{}
	}
	return snap, nil
}

func (s *Store) saveSnapshot(kind string, snap model.StateSnapshot, history bool) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", kind, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving %s snapshot: %w", kind, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`INSERT INTO state_snapshot (type, body, created_at) VALUES (?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET body=excluded.body, created_at=excluded.created_at`,
		kind, string(body), now)
	if err != nil {
		return fmt.Errorf("saving %s snapshot: %w", kind, err)
	}
	if history {
		if _, err := tx.Exec(`INSERT INTO state_history (body, created_at) VALUES (?, ?)`, string(body), now); err != nil {
			return fmt.Errorf("appending state history: %w", err)
		}
		_, err = tx.Exec(`DELETE FROM state_history WHERE id NOT IN
			(SELECT id FROM state_history ORDER BY id DESC LIMIT ?)`, historyRetention)
		if err != nil {
			return fmt.Errorf("pruning state history: %w", err)
		}
	}
	return tx.Commit()
}

// HistoryCount returns the number of retained current-state history rows.
func (s *Store) HistoryCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM state_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting state history: %w", err)
	}
	return n, nil
}

// LoadDeviceConfig returns the opaque adapter configuration stored for the
// given protocol, or nil if unset. The control loop never interprets it.
func (s *Store) LoadDeviceConfig(protocol string) (map[string]interface{}, error) {
	var body string
	err := s.db.QueryRow(`SELECT config FROM device_config WHERE protocol = ?`, protocol).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s device config: %w", protocol, err)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s device config: %w", protocol, err)
	}
	return cfg, nil
}

// SaveDeviceConfig stores the opaque adapter configuration for a protocol.
func (s *Store) SaveDeviceConfig(protocol string, cfg map[string]interface{}) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding %s device config: %w", protocol, err)
	}
	_, err = s.db.Exec(`INSERT INTO device_config (protocol, config) VALUES (?, ?)
		ON CONFLICT(protocol) DO UPDATE SET config=excluded.config`, protocol, string(body))
	if err != nil {
		return fmt.Errorf("saving %s device config: %w", protocol, err)
	}
	return nil
}
