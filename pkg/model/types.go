// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package model holds the declarative state model shared by the whole agent:
// apps, services, snapshots, and the differ that turns a (current, target)
// pair into an executable step plan.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeviceIdentity is the persistent identity of this device. It is created by
// the provisioning flow and treated as read-only by the control loop, except
// for the Provisioned flag.
type DeviceIdentity struct {
	UUID         string    `json:"uuid"`
	DeviceName   string    `json:"device_name"`
	DeviceType   string    `json:"device_type"`
	Provisioned  bool      `json:"provisioned"`
	APIEndpoint  string    `json:"api_endpoint_url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RestartPolicy is the container restart policy of a service.
type RestartPolicy string

// Allowed restart policies.
const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// ServiceStatus is the observed status of a service's container. The runtime
// adapter maps daemon-specific states onto this closed set; Failed is set by
// the engine when a step against the service fails permanently.
type ServiceStatus string

// Service statuses.
const (
	StatusCreated    ServiceStatus = "created"
	StatusRunning    ServiceStatus = "running"
	StatusExited     ServiceStatus = "exited"
	StatusRestarting ServiceStatus = "restarting"
	StatusDead       ServiceStatus = "dead"
	StatusUnknown    ServiceStatus = "unknown"
	StatusFailed     ServiceStatus = "failed"
)

// ServiceConfig is the desired container shape for one service.
type ServiceConfig struct {
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment,omitempty"`
	// Ports are "host:container[/proto]" strings, order-significant.
	Ports []string `json:"ports,omitempty"`
	// Volumes are "name:mount" or "/host/path:mount" strings. Entries whose
	// source starts with "/" are bind mounts; the rest are named volumes
	// owned by the parent app.
	Volumes       []string          `json:"volumes,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
}

// Service is one service within an app. ContainerID, Status and Error are
// runtime attributes and only appear on current-state services.
type Service struct {
	AppID       int           `json:"app_id"`
	ServiceID   int           `json:"service_id"`
	ServiceName string        `json:"service_name"`
	ImageName   string        `json:"image_name"`
	Config      ServiceConfig `json:"config"`

	ContainerID string        `json:"container_id,omitempty"`
	Status      ServiceStatus `json:"status,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// App groups services sharing lifecycle and namespace. Service order in the
// slice determines bring-up and teardown order.
type App struct {
	AppID    int       `json:"app_id"`
	AppName  string    `json:"app_name"`
	Services []Service `json:"services"`
}

// StateSnapshot is the root record: apps keyed by app id plus an opaque
// config mapping that is passed through, never reconciled.
type StateSnapshot struct {
	Apps   map[int]App            `json:"apps"`
	Config map[string]interface{} `json:"config"`
}

// NewStateSnapshot returns an empty snapshot with non-nil maps.
func NewStateSnapshot() StateSnapshot {
	return StateSnapshot{
		Apps:   map[int]App{},
		Config: map[string]interface{}{},
	}
}

var dnsLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Validate checks the structural invariants of a target snapshot: unique
// (app_id, service_id) pairs, DNS-label-safe names, consistent ids, and no
// runtime attributes.
func (s *StateSnapshot) Validate() error {
	seen := map[[2]int]bool{}
	for appID, app := range s.Apps {
		if app.AppID != appID {
			return fmt.Errorf("app key %d does not match app_id %d", appID, app.AppID)
		}
		if !dnsLabelRe.MatchString(app.AppName) {
			return fmt.Errorf("app %d: invalid app_name %q", appID, app.AppName)
		}
		for _, svc := range app.Services {
			if svc.AppID != app.AppID {
				return fmt.Errorf("app %d: service %d carries app_id %d", appID, svc.ServiceID, svc.AppID)
			}
			key := [2]int{svc.AppID, svc.ServiceID}
			if seen[key] {
				return fmt.Errorf("duplicate service identity (%d, %d)", svc.AppID, svc.ServiceID)
			}
			seen[key] = true
			if !dnsLabelRe.MatchString(svc.ServiceName) {
				return fmt.Errorf("app %d: invalid service_name %q", appID, svc.ServiceName)
			}
			if svc.ImageName == "" && svc.Config.Image == "" {
				return fmt.Errorf("service (%d, %d): missing image", svc.AppID, svc.ServiceID)
			}
			if svc.ContainerID != "" {
				return fmt.Errorf("service (%d, %d): container_id is not allowed in a target", svc.AppID, svc.ServiceID)
			}
			if err := validRestartPolicy(svc.Config.RestartPolicy); err != nil {
				return fmt.Errorf("service (%d, %d): %w", svc.AppID, svc.ServiceID, err)
			}
		}
	}
	return nil
}

func validRestartPolicy(p RestartPolicy) error {
	switch p {
	case "", RestartNo, RestartAlways, RestartOnFailure, RestartUnlessStopped:
		return nil
	}
	return fmt.Errorf("invalid restart_policy %q", p)
}

// Normalize fills in derived fields: effective image names from config and
// app/service id backrefs. Called on snapshots accepted from the cloud,
// where the redundant fields are usually omitted.
func (s *StateSnapshot) Normalize() {
	for appID, app := range s.Apps {
		app.AppID = appID
		for i := range app.Services {
			svc := &app.Services[i]
			svc.AppID = appID
			if svc.ImageName == "" {
				svc.ImageName = svc.Config.Image
			}
			if svc.Config.Image == "" {
				svc.Config.Image = svc.ImageName
			}
		}
		s.Apps[appID] = app
	}
}

// DeepCopy returns an independent copy of the snapshot. The opaque config
// mapping is cloned through JSON, which is also its canonical value space.
func (s StateSnapshot) DeepCopy() StateSnapshot {
	out := StateSnapshot{
		Apps:   make(map[int]App, len(s.Apps)),
		Config: cloneJSONMap(s.Config),
	}
	for id, app := range s.Apps {
		out.Apps[id] = app.DeepCopy()
	}
	return out
}

// DeepCopy returns an independent copy of the app.
func (a App) DeepCopy() App {
	out := a
	out.Services = make([]Service, len(a.Services))
	for i, svc := range a.Services {
		out.Services[i] = svc.DeepCopy()
	}
	return out
}

// DeepCopy returns an independent copy of the service.
func (s Service) DeepCopy() Service {
	out := s
	out.Config = s.Config.DeepCopy()
	return out
}

// DeepCopy returns an independent copy of the config.
func (c ServiceConfig) DeepCopy() ServiceConfig {
	out := c
	out.Environment = cloneStringMap(c.Environment)
	out.Ports = append([]string(nil), c.Ports...)
	out.Volumes = append([]string(nil), c.Volumes...)
	out.Networks = append([]string(nil), c.Networks...)
	out.Labels = cloneStringMap(c.Labels)
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneJSONMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// A config mapping that came in over JSON always marshals back.
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// effectiveRestartPolicy treats an unset policy as "no".
func effectiveRestartPolicy(p RestartPolicy) RestartPolicy {
	if p == "" {
		return RestartNo
	}
	return p
}

// ConfigEqual reports whether a running container created from current's
// config still satisfies target's config. Ordered sequences are compared in
// order, mappings ignore key order. Labels on the current side may be a
// superset of the target's: the runtime adapter injects its managed labels,
// and those must not count as drift.
func ConfigEqual(current, target ServiceConfig) bool {
	if current.Image != target.Image {
		return false
	}
	if !stringMapEqual(current.Environment, target.Environment) {
		return false
	}
	if !stringSliceEqual(current.Ports, target.Ports) {
		return false
	}
	if !stringSliceEqual(current.Volumes, target.Volumes) {
		return false
	}
	if !stringSetEqual(current.Networks, target.Networks) {
		return false
	}
	if effectiveRestartPolicy(current.RestartPolicy) != effectiveRestartPolicy(target.RestartPolicy) {
		return false
	}
	if current.NetworkMode != target.NetworkMode {
		return false
	}
	for k, v := range target.Labels {
		if current.Labels[k] != v {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || bv != v {
			return false
		}
	}
	return true
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

// VolumeRef is one parsed entry of ServiceConfig.Volumes.
type VolumeRef struct {
	Source string
	Mount  string
	// Bind is true for host-path bind mounts, which are not app-owned
	// volumes and never managed by the agent.
	Bind bool
}

// ParseVolumeRef splits a "source:mount" volume string.
func ParseVolumeRef(raw string) (VolumeRef, error) {
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return VolumeRef{}, fmt.Errorf("invalid volume %q, want source:mount", raw)
	}
	ref := VolumeRef{Source: raw[:idx], Mount: raw[idx+1:]}
	ref.Bind = strings.HasPrefix(ref.Source, "/")
	return ref, nil
}

// NamedVolumes returns the app-owned volume names referenced by the config,
// in declaration order, skipping bind mounts and unparsable entries.
func (c ServiceConfig) NamedVolumes() []string {
	var names []string
	for _, raw := range c.Volumes {
		ref, err := ParseVolumeRef(raw)
		if err != nil || ref.Bind {
			continue
		}
		names = append(names, ref.Source)
	}
	return names
}

// ServiceKey identifies a service within a device.
type ServiceKey struct {
	AppID     int
	ServiceID int
}

// servicesByKey indexes an app's services.
func servicesByKey(app App) map[ServiceKey]Service {
	out := make(map[ServiceKey]Service, len(app.Services))
	for _, svc := range app.Services {
		out[ServiceKey{AppID: svc.AppID, ServiceID: svc.ServiceID}] = svc
	}
	return out
}
