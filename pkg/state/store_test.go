// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-agent/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetIdentity()
	assert.ErrorIs(t, err, ErrNotProvisioned)

	want := model.DeviceIdentity{
		UUID:         "f9d5c560-9f0c-4f6b-9d4e-000000000001",
		DeviceName:   "greenhouse-3",
		DeviceType:   "raspberrypi4-64",
		Provisioned:  true,
		APIEndpoint:  "https://iot.example.com/api",
		RegisteredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SetIdentity(want))

	got, err := s.GetIdentity()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Replacing the row keeps the singleton shape.
	want.APIEndpoint = "https://other.example.com/api"
	require.NoError(t, s.SetIdentity(want))
	got, err = s.GetIdentity()
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/api", got.APIEndpoint)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	// Unsaved snapshots load as empty, not as errors.
	target, err := s.LoadTarget()
	require.NoError(t, err)
	assert.Empty(t, target.Apps)
	assert.NotNil(t, target.Config)

	snap := model.NewStateSnapshot()
	snap.Apps[1001] = model.App{
		AppID:   1001,
		AppName: "shop",
		Services: []model.Service{{
			AppID: 1001, ServiceID: 1, ServiceName: "web", ImageName: "nginx:1.25",
			Config: model.ServiceConfig{Image: "nginx:1.25", Environment: map[string]string{"A": "1"}},
		}},
	}
	snap.Config["interval"] = float64(30)

	require.NoError(t, s.SaveTarget(snap))
	got, err := s.LoadTarget()
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	require.NoError(t, s.SaveCurrent(snap))
	got, err = s.LoadCurrent()
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestSaveTargetDoesNotTouchCurrent(t *testing.T) {
	s := openTestStore(t)

	snap := model.NewStateSnapshot()
	snap.Apps[1] = model.App{AppID: 1, AppName: "a"}
	require.NoError(t, s.SaveTarget(snap))

	current, err := s.LoadCurrent()
	require.NoError(t, err)
	assert.Empty(t, current.Apps)
}

func TestHistoryRetention(t *testing.T) {
	s := openTestStore(t)

	snap := model.NewStateSnapshot()
	for i := 0; i < historyRetention+25; i++ {
		snap.Config["seq"] = float64(i)
		require.NoError(t, s.SaveCurrent(snap))
	}
	n, err := s.HistoryCount()
	require.NoError(t, err)
	assert.Equal(t, historyRetention, n)

	// SaveTarget never appends history.
	require.NoError(t, s.SaveTarget(snap))
	n, err = s.HistoryCount()
	require.NoError(t, err)
	assert.Equal(t, historyRetention, n)
}

func TestDeviceConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	cfg, err := s.LoadDeviceConfig("cloud")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	want := map[string]interface{}{"token": "secret", "retries": float64(3)}
	require.NoError(t, s.SaveDeviceConfig("cloud", want))
	got, err := s.LoadDeviceConfig("cloud")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Upsert replaces.
	require.NoError(t, s.SaveDeviceConfig("cloud", map[string]interface{}{"token": "rotated"}))
	got, err = s.LoadDeviceConfig("cloud")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"token": "rotated"}, got)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	require.NoError(t, err)

	snap := model.NewStateSnapshot()
	snap.Apps[7] = model.App{AppID: 7, AppName: "persist"}
	require.NoError(t, s.SaveTarget(snap))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadTarget()
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestSchemaTooNewIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		len(migrations)+5, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	var tooNew *ErrSchemaTooNew
	require.ErrorAs(t, err, &tooNew)
	assert.Equal(t, len(migrations)+5, tooNew.Found)
	assert.Equal(t, len(migrations), tooNew.Supported)
}
