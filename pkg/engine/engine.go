// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package engine owns the reconciliation loop: it serialises target
// acceptance, computes the step plan, walks it through the runtime adapter
// and keeps the persisted current snapshot in sync with reality.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/runtime"
	"github.com/DataDog/iot-agent/pkg/util/log"
)

// stopGrace is the per-container grace period before a stop is forced.
const stopGrace = 10 * time.Second

// ErrInvalidTarget wraps target validation failures surfaced by SetTarget.
var ErrInvalidTarget = errors.New("invalid target")

// Store is the slice of the state store the engine mutates.
type Store interface {
	SaveTarget(model.StateSnapshot) error
	SaveCurrent(model.StateSnapshot) error
}

// OutcomeStatus classifies the result of a Reconcile call.
type OutcomeStatus string

// Reconcile outcomes.
const (
	OutcomeCompleted      OutcomeStatus = "completed"
	OutcomeFailed         OutcomeStatus = "failed"
	OutcomeCanceled       OutcomeStatus = "canceled"
	OutcomeAlreadyRunning OutcomeStatus = "already-running"
)

// Outcome summarises one reconciliation.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	// Steps is the planned step count, Applied how many executed
	// successfully, Skipped how many were passed over after a permanent
	// failure in the same app.
	Steps   int `json:"steps"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	// FailedStep is the index of the first failed step, -1 if none.
	FailedStep int    `json:"failed_step"`
	Error      string `json:"error,omitempty"`
}

// Engine is the single writer of the current snapshot. All methods are safe
// for concurrent use.
type Engine struct {
	store Store
	rt    runtime.Adapter
	clk   clock.Clock

	interval    time.Duration
	provisioned func() bool

	mu      sync.Mutex
	target  model.StateSnapshot
	current model.StateSnapshot

	reconciling atomic.Bool
	bus         *eventBus

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures the engine.
type Option func(*Engine)

// WithClock swaps the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithProvisionedCheck gates the auto-reconcile timer on provisioning.
func WithProvisionedCheck(fn func() bool) Option {
	return func(e *Engine) { e.provisioned = fn }
}

// New builds an engine over the given store and runtime adapter, seeded with
// the snapshots loaded at boot.
func New(store Store, rt runtime.Adapter, target, current model.StateSnapshot, interval time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		rt:          rt,
		clk:         clock.New(),
		interval:    interval,
		provisioned: func() bool { return true },
		target:      target.DeepCopy(),
		current:     current.DeepCopy(),
		bus:         newEventBus(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers an event subscriber. The returned cancel func must be
// called to release it.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.subscribe()
}

// SetTarget validates, persists and installs a new target snapshot. It never
// executes: the running cycle (if any) finishes against the old target, and
// the next trigger picks up the new one.
func (e *Engine) SetTarget(snap model.StateSnapshot) error {
	snap = snap.DeepCopy()
	snap.Normalize()
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if err := e.store.SaveTarget(snap); err != nil {
		return fmt.Errorf("persisting target: %w", err)
	}
	e.mu.Lock()
	e.target = snap
	e.mu.Unlock()
	log.Infof("accepted new target state (%d apps)", len(snap.Apps))
	e.bus.publish(Event{Type: EventTargetChanged})
	return nil
}

// GetTarget returns a deep copy of the target snapshot.
func (e *Engine) GetTarget() model.StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target.DeepCopy()
}

// GetCurrent returns a deep copy of the current snapshot. Mid-cycle mutations
// are applied to a working copy and only installed at persist points, so the
// returned view is always step-consistent.
func (e *Engine) GetCurrent() model.StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.DeepCopy()
}

// Start runs the auto-reconciliation timer until Stop is called.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.doneCh)
		ticker := e.clk.Ticker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !e.provisioned() {
					continue
				}
				if e.reconciling.Load() {
					// A cycle is in flight; the next tick catches up.
					continue
				}
				outcome := e.Reconcile(ctx)
				if outcome.Status == OutcomeFailed {
					log.Warnf("scheduled reconciliation failed at step %d: %s", outcome.FailedStep, outcome.Error) //nolint:errcheck
				}
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the timer loop and waits for it, bounded by the context.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile runs one cycle. If a cycle is already active it returns
// immediately with OutcomeAlreadyRunning; triggers are never queued.
func (e *Engine) Reconcile(ctx context.Context) Outcome {
	if !e.reconciling.CompareAndSwap(false, true) {
		return Outcome{Status: OutcomeAlreadyRunning, FailedStep: -1}
	}
	defer e.reconciling.Store(false)

	start := e.clk.Now()
	e.bus.publish(Event{Type: EventReconcileStarted})
	outcome := e.runCycle(ctx)

	summary := &Summary{
		Steps:    outcome.Steps,
		Applied:  outcome.Applied,
		Skipped:  outcome.Skipped,
		Duration: e.clk.Since(start),
	}
	switch outcome.Status {
	case OutcomeCompleted:
		log.Debugf("reconciliation completed: %d/%d steps applied", outcome.Applied, outcome.Steps)
		e.bus.publish(Event{Type: EventReconcileCompleted, Summary: summary})
	case OutcomeFailed:
		// Per-step EventReconcileFailed events were already published; a
		// trailing one carries the summary for subscribers that only want
		// the cycle result.
		e.bus.publish(Event{Type: EventReconcileFailed, StepIndex: outcome.FailedStep, Error: outcome.Error, Summary: summary})
	}
	return outcome
}

func (e *Engine) runCycle(ctx context.Context) Outcome {
	e.mu.Lock()
	target := e.target.DeepCopy()
	current := e.current.DeepCopy()
	e.mu.Unlock()

	// Re-sync against the daemon first: containers crash and operators run
	// `docker rm` behind our back. The runtime is the source of truth.
	summaries, err := e.rt.ListManagedContainers(ctx)
	if err != nil {
		e.bus.publish(Event{Type: EventReconcileFailed, Error: err.Error()})
		return Outcome{Status: OutcomeFailed, FailedStep: -1, Error: err.Error()}
	}
	current = resyncCurrent(current, summaries)

	plan := model.Diff(current, target)
	if len(plan) == 0 {
		// Converged. The opaque config mapping is passed through from the
		// accepted target rather than probed from the runtime.
		current.Config = target.DeepCopy().Config
		e.installCurrent(current, target)
		return Outcome{Status: OutcomeCompleted, FailedStep: -1}
	}
	log.Infof("reconciliation plan has %d steps", len(plan))

	outcome := Outcome{Status: OutcomeCompleted, Steps: len(plan), FailedStep: -1}
	failedApps := map[int]bool{}

	for i, step := range plan {
		// Step boundaries are the only cancellation points.
		select {
		case <-ctx.Done():
			e.installCurrent(current, target)
			outcome.Status = OutcomeCanceled
			outcome.Error = ctx.Err().Error()
			return outcome
		case <-e.stopCh:
			e.installCurrent(current, target)
			outcome.Status = OutcomeCanceled
			outcome.Error = "engine stopped"
			return outcome
		default:
		}

		if failedApps[step.App()] && !step.Cleanup() {
			// A bring-up step for this app already failed permanently;
			// dependent steps cannot succeed this cycle.
			outcome.Skipped++
			e.bus.publish(Event{Type: EventStepApplied, Step: step.Describe(), StepIndex: i, Result: StepSkipped})
			continue
		}

		e.bus.publish(Event{Type: EventStepApplied, Step: step.Describe(), StepIndex: i, Result: StepInProgress})
		err := e.executeStep(ctx, step, &current, target)
		if err == nil {
			outcome.Applied++
			e.bus.publish(Event{Type: EventStepApplied, Step: step.Describe(), StepIndex: i, Result: StepSucceeded})
			continue
		}

		e.bus.publish(Event{Type: EventStepApplied, Step: step.Describe(), StepIndex: i, Result: StepFailed, Error: err.Error()})
		if outcome.FailedStep == -1 {
			outcome.FailedStep = i
			outcome.Error = err.Error()
		}
		outcome.Status = OutcomeFailed

		if runtime.IsPermanent(err) {
			// Mark what failed so the cloud sees it, then keep going with
			// steps that do not depend on it.
			log.Warnf("step %d (%s) failed permanently: %v", i, step.Describe(), err) //nolint:errcheck
			markStepFailure(&current, target, step, err)
			failedApps[step.App()] = true
			e.bus.publish(Event{Type: EventReconcileFailed, StepIndex: i, Error: err.Error(), Permanent: true})
			continue
		}

		// Transient: abandon the rest of the plan, the next tick retries
		// from a fresh resync.
		log.Warnf("step %d (%s) failed, will retry next cycle: %v", i, step.Describe(), err) //nolint:errcheck
		e.bus.publish(Event{Type: EventReconcileFailed, StepIndex: i, Error: err.Error()})
		break
	}

	if outcome.Status == OutcomeCompleted {
		current.Config = target.DeepCopy().Config
	}
	e.installCurrent(current, target)
	return outcome
}

// installCurrent prunes empty app shells, persists the working copy and
// makes it visible to readers.
func (e *Engine) installCurrent(current model.StateSnapshot, target model.StateSnapshot) {
	for appID, app := range current.Apps {
		if len(app.Services) == 0 {
			if _, inTarget := target.Apps[appID]; !inTarget {
				delete(current.Apps, appID)
			}
		}
	}
	if err := e.store.SaveCurrent(current); err != nil {
		log.Errorf("persisting current state: %v", err) //nolint:errcheck
	}
	e.mu.Lock()
	e.current = current
	e.mu.Unlock()
}

func (e *Engine) executeStep(ctx context.Context, step model.Step, current *model.StateSnapshot, target model.StateSnapshot) error {
	switch s := step.(type) {
	case model.DownloadImage:
		return e.rt.PullImage(ctx, s.Image)

	case model.CreateNetwork:
		return e.rt.CreateNetwork(ctx, s.AppID, s.AppName, s.Name, s.Config)

	case model.CreateVolume:
		return e.rt.CreateVolume(ctx, s.AppID, s.AppName, s.Name, s.Config)

	case model.StartService:
		id, err := e.rt.CreateContainer(ctx, s.AppID, s.AppName, s.Service)
		if err != nil {
			var op *runtime.OpError
			if !errors.As(err, &op) || op.Kind != runtime.KindConflict {
				return err
			}
			// A container with that name survived an earlier interrupted
			// cycle. Remove it and retry once.
			name := runtime.ContainerName(s.AppName, s.Service.ServiceName)
			if rmErr := e.rt.RemoveContainer(ctx, name, true); rmErr != nil {
				return err
			}
			id, err = e.rt.CreateContainer(ctx, s.AppID, s.AppName, s.Service)
			if err != nil {
				return err
			}
		}
		if err := e.rt.StartContainer(ctx, id); err != nil {
			return err
		}
		started := s.Service.DeepCopy()
		started.ContainerID = id
		started.Status = model.StatusRunning
		started.Error = ""
		upsertService(current, s.AppID, s.AppName, started)
		return nil

	case model.StopService:
		if s.ContainerID != "" {
			if err := e.rt.StopContainer(ctx, s.ContainerID, stopGrace); err != nil {
				return err
			}
		}
		setServiceStatus(current, s.AppID, s.ServiceID, model.StatusExited)
		return nil

	case model.RemoveService:
		if s.ContainerID != "" {
			if err := e.rt.RemoveContainer(ctx, s.ContainerID, false); err != nil {
				return err
			}
		}
		removeService(current, s.AppID, s.ServiceID)
		return nil

	case model.RemoveNetwork:
		return e.rt.RemoveNetwork(ctx, s.AppID, s.Name)

	case model.RemoveVolume:
		return e.rt.RemoveVolume(ctx, s.AppID, s.Name)
	}
	return fmt.Errorf("unhandled step type %T", step)
}

// resyncCurrent folds the daemon's view into the persisted current snapshot.
// Services whose container vanished are dropped, statuses are refreshed, and
// managed containers the snapshot does not know about are adopted so the
// differ can schedule their replacement. The list response already carries
// each container's state, so no per-container inspect round is made; the
// adapter's InspectContainer stays available for spot checks.
func resyncCurrent(current model.StateSnapshot, summaries []runtime.ContainerSummary) model.StateSnapshot {
	byID := make(map[string]runtime.ContainerSummary, len(summaries))
	for _, sum := range summaries {
		byID[sum.ID] = sum
	}

	claimed := map[string]bool{}
	for appID, app := range current.Apps {
		kept := app.Services[:0]
		for _, svc := range app.Services {
			sum, alive := byID[svc.ContainerID]
			if svc.ContainerID == "" || !alive {
				continue
			}
			claimed[svc.ContainerID] = true
			svc.Status = sum.Status
			kept = append(kept, svc)
		}
		app.Services = kept
		current.Apps[appID] = app
	}

	for _, sum := range summaries {
		if claimed[sum.ID] {
			continue
		}
		// Out-of-band container carrying our labels: adopt it with an empty
		// config so the next diff replaces it cleanly.
		orphan := model.Service{
			AppID:       sum.AppID,
			ServiceID:   sum.ServiceID,
			ServiceName: sum.ServiceName,
			ImageName:   sum.Image,
			ContainerID: sum.ID,
			Status:      sum.Status,
		}
		upsertService(&current, sum.AppID, sum.AppName, orphan)
	}
	return current
}

// markStepFailure records a permanent step failure on the affected services
// in the current snapshot so the next state report surfaces them.
func markStepFailure(current *model.StateSnapshot, target model.StateSnapshot, step model.Step, err error) {
	reason := err.Error()
	var op *runtime.OpError
	if errors.As(err, &op) && op.Kind == runtime.KindNotFound {
		reason = "image not found"
	}

	switch s := step.(type) {
	case model.DownloadImage:
		app, ok := target.Apps[s.AppID]
		if !ok {
			return
		}
		for _, svc := range app.Services {
			if svc.ImageName != s.Image {
				continue
			}
			failed := svc.DeepCopy()
			failed.Status = model.StatusFailed
			failed.Error = reason
			upsertService(current, app.AppID, app.AppName, failed)
		}
	case model.CreateVolume:
		markResourceFailure(current, target, s.AppID, reason, func(cfg model.ServiceConfig) bool {
			for _, name := range cfg.NamedVolumes() {
				if name == s.Name {
					return true
				}
			}
			return false
		})
	case model.CreateNetwork:
		markResourceFailure(current, target, s.AppID, reason, func(cfg model.ServiceConfig) bool {
			for _, name := range cfg.Networks {
				if name == s.Name {
					return true
				}
			}
			return false
		})
	case model.StartService:
		failed := s.Service.DeepCopy()
		failed.Status = model.StatusFailed
		failed.Error = reason
		upsertService(current, s.AppID, s.AppName, failed)
	case model.StopService:
		setServiceFailed(current, s.AppID, s.ServiceID, reason)
	case model.RemoveService:
		setServiceFailed(current, s.AppID, s.ServiceID, reason)
	}
}

// markResourceFailure fails every target service of the app whose config
// references the volume or network that could not be created, so the next
// state report surfaces them even though bring-up never ran.
func markResourceFailure(current *model.StateSnapshot, target model.StateSnapshot, appID int, reason string, refs func(model.ServiceConfig) bool) {
	app, ok := target.Apps[appID]
	if !ok {
		return
	}
	for _, svc := range app.Services {
		if !refs(svc.Config) {
			continue
		}
		failed := svc.DeepCopy()
		failed.Status = model.StatusFailed
		failed.Error = reason
		upsertService(current, app.AppID, app.AppName, failed)
	}
}

func upsertService(snap *model.StateSnapshot, appID int, appName string, svc model.Service) {
	if snap.Apps == nil {
		snap.Apps = map[int]model.App{}
	}
	app, ok := snap.Apps[appID]
	if !ok {
		app = model.App{AppID: appID, AppName: appName}
	}
	if app.AppName == "" {
		app.AppName = appName
	}
	for i := range app.Services {
		if app.Services[i].ServiceID == svc.ServiceID {
			app.Services[i] = svc
			snap.Apps[appID] = app
			return
		}
	}
	app.Services = append(app.Services, svc)
	snap.Apps[appID] = app
}

func setServiceStatus(snap *model.StateSnapshot, appID, serviceID int, status model.ServiceStatus) {
	app, ok := snap.Apps[appID]
	if !ok {
		return
	}
	for i := range app.Services {
		if app.Services[i].ServiceID == serviceID {
			app.Services[i].Status = status
		}
	}
	snap.Apps[appID] = app
}

func setServiceFailed(snap *model.StateSnapshot, appID, serviceID int, reason string) {
	app, ok := snap.Apps[appID]
	if !ok {
		return
	}
	for i := range app.Services {
		if app.Services[i].ServiceID == serviceID {
			app.Services[i].Status = model.StatusFailed
			app.Services[i].Error = reason
		}
	}
	snap.Apps[appID] = app
}

func removeService(snap *model.StateSnapshot, appID, serviceID int) {
	app, ok := snap.Apps[appID]
	if !ok {
		return
	}
	kept := app.Services[:0]
	for _, svc := range app.Services {
		if svc.ServiceID != serviceID {
			kept = append(kept, svc)
		}
	}
	app.Services = kept
	snap.Apps[appID] = app
}
