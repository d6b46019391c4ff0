// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultReportInterval, cfg.ReportInterval)
	assert.Equal(t, DefaultMetricsInterval, cfg.MetricsInterval)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	assert.Equal(t, DefaultRuntimeSocket, cfg.RuntimeSocket)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CLOUD_API_ENDPOINT", "https://fleet.example.com")
	t.Setenv("POLL_INTERVAL_MS", "5000")
	t.Setenv("RECONCILE_INTERVAL_MS", "1500")
	t.Setenv("DATABASE_PATH", "/tmp/agent.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://fleet.example.com", cfg.CloudAPIEndpoint)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.ReconcileInterval)
	assert.Equal(t, "/tmp/agent.db", cfg.DatabasePath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnvRejectsBadIntervals(t *testing.T) {
	t.Setenv("REPORT_INTERVAL_MS", "soon")
	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("REPORT_INTERVAL_MS", "-10")
	_, err = FromEnv()
	require.Error(t, err)
}
