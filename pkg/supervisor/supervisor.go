// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package supervisor boots the agent: it opens the state store, provisions
// the device if needed, wires the runtime adapter, engine, state-exchange
// client and local API together, and tears everything down in order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/DataDog/iot-agent/pkg/api"
	"github.com/DataDog/iot-agent/pkg/cloud"
	"github.com/DataDog/iot-agent/pkg/config"
	"github.com/DataDog/iot-agent/pkg/engine"
	"github.com/DataDog/iot-agent/pkg/metrics"
	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/runtime"
	"github.com/DataDog/iot-agent/pkg/state"
	"github.com/DataDog/iot-agent/pkg/util/log"
)

// shutdownGrace bounds how long shutdown waits for the in-flight
// reconciliation to reach a step boundary.
const shutdownGrace = 10 * time.Second

// cloudConfigProtocol is the device_config row holding cloud credentials.
const cloudConfigProtocol = "cloud"

// Supervisor owns the component lifecycle. It is the only holder of the
// state store handle; the engine borrows write access through its API.
type Supervisor struct {
	cfg      *config.Config
	store    *state.Store
	identity model.DeviceIdentity

	rt     runtime.Adapter
	engine *engine.Engine
	client *cloud.Client
	server *api.Server
}

// Boot runs the startup sequence: store, identity (registering if the
// device is unprovisioned), snapshots, runtime probe, then component wiring.
// Every error out of Boot is fatal; the process should exit.
func Boot(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	store, err := state.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	s := &Supervisor{cfg: cfg, store: store}
	if err := s.ensureProvisioned(ctx); err != nil {
		store.Close()
		return nil, err
	}

	target, err := store.LoadTarget()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading target state: %w", err)
	}
	current, err := store.LoadCurrent()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading current state: %w", err)
	}

	rt, err := runtime.NewDockerAdapter(cfg.RuntimeSocket)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := rt.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("container runtime unreachable at %s: %w", cfg.RuntimeSocket, err)
	}
	s.rt = rt

	s.engine = engine.New(store, rt, target, current, cfg.ReconcileInterval,
		engine.WithProvisionedCheck(func() bool { return s.identity.Provisioned }))

	collector := metrics.NewSystemCollector()
	token := s.loadAuthToken()
	s.client = cloud.New(cfg, s.identity, s.engine, collector, cloud.WithAuthToken(token))

	s.server, err = api.NewServer(cfg.ListenAddr, s.engine, rt, collector, s.identity)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("binding local API: %w", err)
	}
	return s, nil
}

// ensureProvisioned loads the identity, registering with the cloud first if
// the device has none. A permanent registration failure is fatal.
func (s *Supervisor) ensureProvisioned(ctx context.Context) error {
	identity, err := s.store.GetIdentity()
	if err == nil {
		s.identity = identity
		return nil
	}
	if !errors.Is(err, state.ErrNotProvisioned) {
		return fmt.Errorf("loading device identity: %w", err)
	}

	log.Infof("device is not provisioned, registering with the cloud")
	identity, token, err := cloud.Register(ctx, s.cfg, s.cfg.DeviceName, s.cfg.DeviceType, clock.New())
	if err != nil {
		return fmt.Errorf("device registration failed: %w", err)
	}
	if err := s.store.SetIdentity(identity); err != nil {
		return fmt.Errorf("persisting device identity: %w", err)
	}
	if token != "" {
		err := s.store.SaveDeviceConfig(cloudConfigProtocol, map[string]interface{}{"token": token})
		if err != nil {
			return fmt.Errorf("persisting cloud credentials: %w", err)
		}
	}
	s.identity = identity
	return nil
}

func (s *Supervisor) loadAuthToken() string {
	cfg, err := s.store.LoadDeviceConfig(cloudConfigProtocol)
	if err != nil || cfg == nil {
		return ""
	}
	token, _ := cfg["token"].(string)
	return token
}

// Identity returns the provisioned device identity.
func (s *Supervisor) Identity() model.DeviceIdentity {
	return s.identity
}

// Engine returns the reconciliation engine, for the CLI and tests.
func (s *Supervisor) Engine() *engine.Engine {
	return s.engine
}

// Run starts the engine timer, the cloud client tasks and the local API,
// then blocks until the context is canceled, after which it shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.engine.Start(ctx)
	s.client.Start(ctx)
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	log.Infof("agent up: device %s, %d target apps", s.identity.UUID, len(s.engine.GetTarget().Apps))

	<-ctx.Done()
	return s.shutdown()
}

// shutdown tears components down in reverse dependency order: engine first
// (bounded wait for its step boundary), then client tasks, then the local
// API, then the store.
func (s *Supervisor) shutdown() error {
	log.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs *multierror.Error
	if err := s.engine.Stop(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stopping engine: %w", err))
	}
	if err := s.client.Stop(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stopping cloud client: %w", err))
	}
	if err := s.server.Stop(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stopping local API: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing state store: %w", err))
	}
	log.Flush()
	return errs.ErrorOrNil()
}
