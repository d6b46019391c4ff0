// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"fmt"
	"sort"
)

// Step is one runtime adapter action in an execution plan. The set of
// implementations is closed; the engine switches over the concrete types.
type Step interface {
	// App returns the app the step belongs to.
	App() int
	// Describe returns a short human-readable form for logs and events.
	Describe() string
	// Cleanup reports whether the step tears resources down rather than
	// bringing them up. Cleanup steps may still run after an earlier
	// bring-up step of the same app failed permanently.
	Cleanup() bool
}

// NetworkConfig carries creation options for an app network.
type NetworkConfig struct {
	Driver  string            `json:"driver,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// VolumeConfig carries creation options for an app volume.
type VolumeConfig struct {
	Driver  string            `json:"driver,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// DownloadImage ensures an image is present locally.
type DownloadImage struct {
	AppID int
	Image string
}

// CreateNetwork creates an app-owned network.
type CreateNetwork struct {
	AppID   int
	AppName string
	Name    string
	Config  NetworkConfig
}

// CreateVolume creates an app-owned volume.
type CreateVolume struct {
	AppID   int
	AppName string
	Name    string
	Config  VolumeConfig
}

// StartService creates and starts the container for a service.
type StartService struct {
	AppID   int
	AppName string
	Service Service
}

// StopService gracefully stops a service's container.
type StopService struct {
	AppID       int
	ServiceID   int
	ContainerID string
}

// RemoveService removes a service's stopped container.
type RemoveService struct {
	AppID       int
	ServiceID   int
	ContainerID string
}

// RemoveNetwork removes an app-owned network that is no longer referenced.
type RemoveNetwork struct {
	AppID int
	Name  string
}

// RemoveVolume removes an app-owned volume that is no longer referenced.
type RemoveVolume struct {
	AppID int
	Name  string
}

func (s DownloadImage) App() int { return s.AppID }
func (s CreateNetwork) App() int { return s.AppID }
func (s CreateVolume) App() int  { return s.AppID }
func (s StartService) App() int  { return s.AppID }
func (s StopService) App() int   { return s.AppID }
func (s RemoveService) App() int { return s.AppID }
func (s RemoveNetwork) App() int { return s.AppID }
func (s RemoveVolume) App() int  { return s.AppID }

func (s DownloadImage) Cleanup() bool { return false }
func (s CreateNetwork) Cleanup() bool { return false }
func (s CreateVolume) Cleanup() bool  { return false }
func (s StartService) Cleanup() bool  { return false }
func (s StopService) Cleanup() bool   { return true }
func (s RemoveService) Cleanup() bool { return true }
func (s RemoveNetwork) Cleanup() bool { return true }
func (s RemoveVolume) Cleanup() bool  { return true }

func (s DownloadImage) Describe() string {
	return fmt.Sprintf("download image %s (app %d)", s.Image, s.AppID)
}
func (s CreateNetwork) Describe() string {
	return fmt.Sprintf("create network %s (app %d)", s.Name, s.AppID)
}
func (s CreateVolume) Describe() string {
	return fmt.Sprintf("create volume %s (app %d)", s.Name, s.AppID)
}
func (s StartService) Describe() string {
	return fmt.Sprintf("start service %s (app %d, service %d)", s.Service.ServiceName, s.AppID, s.Service.ServiceID)
}
func (s StopService) Describe() string {
	return fmt.Sprintf("stop service %d (app %d)", s.ServiceID, s.AppID)
}
func (s RemoveService) Describe() string {
	return fmt.Sprintf("remove service %d (app %d)", s.ServiceID, s.AppID)
}
func (s RemoveNetwork) Describe() string {
	return fmt.Sprintf("remove network %s (app %d)", s.Name, s.AppID)
}
func (s RemoveVolume) Describe() string {
	return fmt.Sprintf("remove volume %s (app %d)", s.Name, s.AppID)
}

// Plan is an ordered sequence of steps.
type Plan []Step

// Diff computes the plan that transforms current into target. It is a pure
// function: no clock, no randomness, and identical inputs always yield the
// identical step sequence. Apps are walked in ascending app id order; within
// an app, steps are grouped in phases (prerequisites, teardown, bring-up,
// cleanup) and follow the parent app's service order inside each phase.
func Diff(current, target StateSnapshot) Plan {
	var plan Plan
	for _, appID := range unionAppIDs(current, target) {
		cur, hasCur := current.Apps[appID]
		tgt, hasTgt := target.Apps[appID]
		if !hasCur {
			cur = App{AppID: appID}
		}
		if !hasTgt {
			tgt = App{AppID: appID}
		}
		plan = append(plan, diffApp(cur, tgt)...)
	}
	return plan
}

func unionAppIDs(current, target StateSnapshot) []int {
	set := map[int]bool{}
	for id := range current.Apps {
		set[id] = true
	}
	for id := range target.Apps {
		set[id] = true
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func diffApp(current, target App) Plan {
	curByKey := servicesByKey(current)
	tgtByKey := servicesByKey(target)

	// A target service needs a (re)start when it is new, its image or config
	// changed, or its container is simply not running.
	needsStart := func(tgt Service) bool {
		cur, ok := curByKey[ServiceKey{AppID: tgt.AppID, ServiceID: tgt.ServiceID}]
		if !ok {
			return true
		}
		if cur.ImageName != tgt.ImageName {
			return true
		}
		if !ConfigEqual(cur.Config, tgt.Config) {
			return true
		}
		return cur.Status != StatusRunning
	}
	// A current service needs teardown when it is gone from the target or is
	// being replaced.
	needsTeardown := func(cur Service) bool {
		tgt, ok := tgtByKey[ServiceKey{AppID: cur.AppID, ServiceID: cur.ServiceID}]
		if !ok {
			return true
		}
		return needsStart(tgt)
	}

	var plan Plan
	appName := target.AppName
	if appName == "" {
		appName = current.AppName
	}

	// Phase a: prerequisites, in target service order.
	seenImages := map[string]bool{}
	for _, svc := range target.Services {
		if !needsStart(svc) || seenImages[svc.ImageName] {
			continue
		}
		seenImages[svc.ImageName] = true
		plan = append(plan, DownloadImage{AppID: target.AppID, Image: svc.ImageName})
	}
	curVolumes, curNetworks := appResources(current)
	tgtVolumes, tgtNetworks := appResources(target)
	for _, name := range tgtVolumes {
		if !contains(curVolumes, name) {
			plan = append(plan, CreateVolume{AppID: target.AppID, AppName: appName, Name: name})
		}
	}
	for _, name := range tgtNetworks {
		if !contains(curNetworks, name) {
			plan = append(plan, CreateNetwork{AppID: target.AppID, AppName: appName, Name: name})
		}
	}

	// Phase b: teardown of removed and replaced services, in current order.
	for _, svc := range current.Services {
		if !needsTeardown(svc) {
			continue
		}
		plan = append(plan,
			StopService{AppID: svc.AppID, ServiceID: svc.ServiceID, ContainerID: svc.ContainerID},
			RemoveService{AppID: svc.AppID, ServiceID: svc.ServiceID, ContainerID: svc.ContainerID},
		)
	}

	// Phase c: bring-up, in target order.
	for _, svc := range target.Services {
		if !needsStart(svc) {
			continue
		}
		plan = append(plan, StartService{AppID: target.AppID, AppName: appName, Service: svc.DeepCopy()})
	}

	// Phase d: cleanup of resources no longer referenced.
	for _, name := range curNetworks {
		if !contains(tgtNetworks, name) {
			plan = append(plan, RemoveNetwork{AppID: current.AppID, Name: name})
		}
	}
	for _, name := range curVolumes {
		if !contains(tgtVolumes, name) {
			plan = append(plan, RemoveVolume{AppID: current.AppID, Name: name})
		}
	}
	return plan
}

// appResources returns the app-owned volume and network names referenced by
// any of the app's services, in first-reference order.
func appResources(app App) (volumes, networks []string) {
	for _, svc := range app.Services {
		for _, name := range svc.Config.NamedVolumes() {
			if !contains(volumes, name) {
				volumes = append(volumes, name)
			}
		}
		for _, name := range svc.Config.Networks {
			if !contains(networks, name) {
				networks = append(networks, name)
			}
		}
	}
	return volumes, networks
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
