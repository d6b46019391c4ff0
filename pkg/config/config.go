// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config builds the agent configuration from the environment once at
// boot. The resulting struct is passed explicitly to every component; nothing
// reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for every tunable. Intervals come from the environment in
// milliseconds to match the cloud-side provisioning templates.
const (
	DefaultPollInterval      = 60 * time.Second
	DefaultReportInterval    = 10 * time.Second
	DefaultMetricsInterval   = 300 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultDatabasePath      = "/var/lib/iot-agent/agent.db"
	DefaultRuntimeSocket     = "unix:///var/run/docker.sock"
	DefaultListenAddr        = "127.0.0.1:48400"
	DefaultLogLevel          = "info"
)

// Config is the process-wide agent configuration.
type Config struct {
	// CloudAPIEndpoint is the base URL of the fleet control plane. May be
	// empty on an unprovisioned device; provisioning stores the effective
	// endpoint with the device identity.
	CloudAPIEndpoint string

	PollInterval      time.Duration
	ReportInterval    time.Duration
	MetricsInterval   time.Duration
	ReconcileInterval time.Duration
	RequestTimeout    time.Duration

	DatabasePath  string
	RuntimeSocket string

	// ListenAddr is the bind address of the local control API.
	ListenAddr string

	LogLevel string

	// ProvisioningKey is consumed once during registration, never persisted.
	ProvisioningKey string

	// DeviceName and DeviceType seed the identity at registration. The
	// hostname stands in for an unset name.
	DeviceName string
	DeviceType string
}

// FromEnv builds a Config from the environment, applying defaults for every
// unset variable. It only fails on values that are present but unparsable.
func FromEnv() (*Config, error) {
	cfg := &Config{
		CloudAPIEndpoint:  os.Getenv("CLOUD_API_ENDPOINT"),
		PollInterval:      DefaultPollInterval,
		ReportInterval:    DefaultReportInterval,
		MetricsInterval:   DefaultMetricsInterval,
		ReconcileInterval: DefaultReconcileInterval,
		RequestTimeout:    DefaultRequestTimeout,
		DatabasePath:      DefaultDatabasePath,
		RuntimeSocket:     DefaultRuntimeSocket,
		ListenAddr:        DefaultListenAddr,
		LogLevel:          DefaultLogLevel,
		ProvisioningKey:   os.Getenv("PROVISIONING_KEY"),
		DeviceName:        os.Getenv("DEVICE_NAME"),
		DeviceType:        os.Getenv("DEVICE_TYPE"),
	}

	intervals := []struct {
		env string
		dst *time.Duration
	}{
		{"POLL_INTERVAL_MS", &cfg.PollInterval},
		{"REPORT_INTERVAL_MS", &cfg.ReportInterval},
		{"METRICS_INTERVAL_MS", &cfg.MetricsInterval},
		{"RECONCILE_INTERVAL_MS", &cfg.ReconcileInterval},
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeout},
	}
	for _, iv := range intervals {
		raw := os.Getenv(iv.env)
		if raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", iv.env, raw)
		}
		*iv.dst = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("RUNTIME_SOCKET"); v != "" {
		cfg.RuntimeSocket = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
