// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package runtime adapts the engine's abstract container operations to a
// concrete container daemon. Only code in this package talks to the daemon,
// and only it may label resources as managed.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/iot-agent/pkg/model"
)

// Per-operation timeouts. Image pulls can legitimately take minutes on slow
// uplinks; everything else is bounded tightly.
const (
	PullTimeout    = 600 * time.Second
	StartTimeout   = 120 * time.Second
	StopTimeout    = 120 * time.Second
	RemoveTimeout  = 60 * time.Second
	InspectTimeout = 30 * time.Second
	ListTimeout    = 30 * time.Second
)

// ErrorKind classifies adapter failures for the engine's retry policy.
type ErrorKind int

// Error kinds.
const (
	// KindTransient covers daemon unavailability, timeouts and transport
	// errors. The next reconcile cycle retries.
	KindTransient ErrorKind = iota
	// KindNotFound: the referenced image or resource does not exist.
	KindNotFound
	// KindAuthRequired: the registry rejected the pull.
	KindAuthRequired
	// KindConflict: a resource with the same name already exists.
	KindConflict
	// KindInvalid: the daemon rejected the configuration.
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not-found"
	case KindAuthRequired:
		return "auth-required"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// OpError is the error type returned by every adapter operation.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying the same operation against the same
// target cannot succeed without an external change.
func IsPermanent(err error) bool {
	var op *OpError
	if !errors.As(err, &op) {
		return false
	}
	switch op.Kind {
	case KindNotFound, KindAuthRequired, KindInvalid, KindConflict:
		return true
	}
	return false
}

// ContainerSummary describes one managed container as reported by the daemon.
type ContainerSummary struct {
	ID          string
	Name        string
	Image       string
	Status      model.ServiceStatus
	AppID       int
	AppName     string
	ServiceID   int
	ServiceName string
	Labels      map[string]string
}

// Adapter is the operation set the engine drives. Implementations must be
// idempotent where the contract says so and must never touch resources that
// do not carry the managed label.
type Adapter interface {
	// Ping probes daemon liveness.
	Ping(ctx context.Context) error

	// ListManagedContainers returns every managed container with its state;
	// the resync path relies on the states carried here instead of issuing a
	// per-container inspect round.
	ListManagedContainers(ctx context.Context) ([]ContainerSummary, error)
	// InspectContainer refreshes a single container's status.
	InspectContainer(ctx context.Context, id string) (model.ServiceStatus, error)

	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, appID int, appName string, svc model.Service) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error

	CreateNetwork(ctx context.Context, appID int, appName, name string, cfg model.NetworkConfig) error
	RemoveNetwork(ctx context.Context, appID int, name string) error
	CreateVolume(ctx context.Context, appID int, appName, name string, cfg model.VolumeConfig) error
	RemoveVolume(ctx context.Context, appID int, name string) error
}
