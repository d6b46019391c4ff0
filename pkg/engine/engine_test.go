// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/runtime"
)

// fakeStore records saved snapshots.
type fakeStore struct {
	mu           sync.Mutex
	savedTargets []model.StateSnapshot
	savedCurrent []model.StateSnapshot
	saveErr      error
}

func (s *fakeStore) SaveTarget(snap model.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.savedTargets = append(s.savedTargets, snap.DeepCopy())
	return nil
}

func (s *fakeStore) SaveCurrent(snap model.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedCurrent = append(s.savedCurrent, snap.DeepCopy())
	return nil
}

func (s *fakeStore) lastCurrent() (model.StateSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.savedCurrent) == 0 {
		return model.StateSnapshot{}, false
	}
	return s.savedCurrent[len(s.savedCurrent)-1], true
}

// fakeAdapter implements runtime.Adapter in memory and records every call.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string

	containers map[string]runtime.ContainerSummary
	nextID     int

	pullErr      map[string]error
	createErr    map[string]error
	stopErr      map[string]error
	volumeErr    map[string]error
	networkErr   map[string]error
	listErr      error
	listBlock    chan struct{}
	conflictOnce map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		containers:   map[string]runtime.ContainerSummary{},
		pullErr:      map[string]error{},
		createErr:    map[string]error{},
		stopErr:      map[string]error{},
		volumeErr:    map[string]error{},
		networkErr:   map[string]error{},
		conflictOnce: map[string]bool{},
	}
}

func (f *fakeAdapter) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeAdapter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) Ping(context.Context) error { return nil }

func (f *fakeAdapter) ListManagedContainers(context.Context) ([]runtime.ContainerSummary, error) {
	f.record("list")
	if f.listBlock != nil {
		<-f.listBlock
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerSummary
	for _, sum := range f.containers {
		out = append(out, sum)
	}
	return out, nil
}

func (f *fakeAdapter) InspectContainer(_ context.Context, id string) (model.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sum, ok := f.containers[id]; ok {
		return sum.Status, nil
	}
	return model.StatusUnknown, &runtime.OpError{Op: "inspect", Kind: runtime.KindNotFound, Err: fmt.Errorf("no container %s", id)}
}

func (f *fakeAdapter) PullImage(_ context.Context, image string) error {
	f.record("pull %s", image)
	return f.pullErr[image]
}

func (f *fakeAdapter) CreateContainer(_ context.Context, appID int, appName string, svc model.Service) (string, error) {
	f.record("create %s/%s", appName, svc.ServiceName)
	if err := f.createErr[svc.ServiceName]; err != nil {
		return "", err
	}
	name := runtime.ContainerName(appName, svc.ServiceName)
	if f.conflictOnce[name] {
		f.conflictOnce[name] = false
		return "", &runtime.OpError{Op: "create", Kind: runtime.KindConflict, Err: fmt.Errorf("name %s in use", name)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = runtime.ContainerSummary{
		ID: id, Name: name, Image: svc.ImageName, Status: model.StatusCreated,
		AppID: appID, AppName: appName, ServiceID: svc.ServiceID, ServiceName: svc.ServiceName,
	}
	return id, nil
}

func (f *fakeAdapter) StartContainer(_ context.Context, id string) error {
	f.record("start %s", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	sum, ok := f.containers[id]
	if !ok {
		return &runtime.OpError{Op: "start", Kind: runtime.KindNotFound, Err: fmt.Errorf("no container %s", id)}
	}
	sum.Status = model.StatusRunning
	f.containers[id] = sum
	return nil
}

func (f *fakeAdapter) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.record("stop %s", id)
	if err := f.stopErr[id]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if sum, ok := f.containers[id]; ok {
		sum.Status = model.StatusExited
		f.containers[id] = sum
	}
	return nil
}

func (f *fakeAdapter) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.record("rm %s", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	// Removal by name covers the conflict-recovery path.
	for cid, sum := range f.containers {
		if sum.Name == id {
			delete(f.containers, cid)
		}
	}
	return nil
}

func (f *fakeAdapter) CreateNetwork(_ context.Context, appID int, _, name string, _ model.NetworkConfig) error {
	f.record("create-net %d/%s", appID, name)
	return f.networkErr[name]
}

func (f *fakeAdapter) RemoveNetwork(_ context.Context, appID int, name string) error {
	f.record("rm-net %d/%s", appID, name)
	return nil
}

func (f *fakeAdapter) CreateVolume(_ context.Context, appID int, _, name string, _ model.VolumeConfig) error {
	f.record("create-vol %d/%s", appID, name)
	return f.volumeErr[name]
}

func (f *fakeAdapter) RemoveVolume(_ context.Context, appID int, name string) error {
	f.record("rm-vol %d/%s", appID, name)
	return nil
}

func targetWith(apps ...model.App) model.StateSnapshot {
	snap := model.NewStateSnapshot()
	for _, app := range apps {
		snap.Apps[app.AppID] = app
	}
	snap.Normalize()
	return snap
}

func testService(appID, svcID int, name, image string) model.Service {
	return model.Service{
		AppID: appID, ServiceID: svcID, ServiceName: name, ImageName: image,
		Config: model.ServiceConfig{Image: image},
	}
}

func newTestEngine(t *testing.T, rt runtime.Adapter, target model.StateSnapshot) (*Engine, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	e := New(store, rt, target, model.NewStateSnapshot(), time.Minute)
	return e, store
}

func TestReconcileFreshInstall(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith(model.App{AppID: 1001, AppName: "shop", Services: []model.Service{
		testService(1001, 1, "web", "nginx:1.25"),
	}})
	e, store := newTestEngine(t, rt, target)

	outcome := e.Reconcile(context.Background())
	require.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, 2, outcome.Steps)
	assert.Equal(t, 2, outcome.Applied)

	current := e.GetCurrent()
	require.Contains(t, current.Apps, 1001)
	svc := current.Apps[1001].Services[0]
	assert.Equal(t, model.StatusRunning, svc.Status)
	assert.NotEmpty(t, svc.ContainerID)

	saved, ok := store.lastCurrent()
	require.True(t, ok)
	assert.Equal(t, current, saved)
}

// A second cycle against an unchanged target applies nothing.
func TestReconcileIdempotent(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e, _ := newTestEngine(t, rt, target)

	require.Equal(t, OutcomeCompleted, e.Reconcile(context.Background()).Status)
	firstCalls := len(rt.callLog())

	outcome := e.Reconcile(context.Background())
	require.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Zero(t, outcome.Steps)
	// Only the resync list call, no mutations.
	assert.Equal(t, firstCalls+1, len(rt.callLog()))
}

func TestReconcileConfigPassthrough(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith()
	target.Config["reporting"] = map[string]interface{}{"interval": float64(60)}
	e, _ := newTestEngine(t, rt, target)

	require.Equal(t, OutcomeCompleted, e.Reconcile(context.Background()).Status)
	assert.Equal(t, target.Config, e.GetCurrent().Config)
}

func TestReconcileAlreadyRunning(t *testing.T) {
	rt := newFakeAdapter()
	rt.listBlock = make(chan struct{})
	e, _ := newTestEngine(t, rt, targetWith())

	done := make(chan Outcome, 1)
	go func() { done <- e.Reconcile(context.Background()) }()

	// Wait for the first cycle to be inside the adapter call.
	require.Eventually(t, func() bool { return len(rt.callLog()) == 1 }, time.Second, time.Millisecond)

	second := e.Reconcile(context.Background())
	assert.Equal(t, OutcomeAlreadyRunning, second.Status)

	close(rt.listBlock)
	first := <-done
	assert.Equal(t, OutcomeCompleted, first.Status)

	// With the cycle finished a new trigger is accepted again.
	rt.listBlock = nil
	assert.Equal(t, OutcomeCompleted, e.Reconcile(context.Background()).Status)
}

func TestReconcilePermanentFailureSkipsDependents(t *testing.T) {
	rt := newFakeAdapter()
	rt.pullErr["ghost:1"] = &runtime.OpError{Op: "pull", Kind: runtime.KindNotFound, Err: fmt.Errorf("manifest unknown")}
	target := targetWith(
		model.App{AppID: 1, AppName: "broken", Services: []model.Service{
			testService(1, 1, "web", "ghost:1"),
		}},
		model.App{AppID: 2, AppName: "healthy", Services: []model.Service{
			testService(2, 1, "web", "nginx:1.25"),
		}},
	)
	e, _ := newTestEngine(t, rt, target)

	outcome := e.Reconcile(context.Background())
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 0, outcome.FailedStep)
	assert.Equal(t, 1, outcome.Skipped, "the failed app's start step is skipped")

	current := e.GetCurrent()
	require.Contains(t, current.Apps, 1)
	failed := current.Apps[1].Services[0]
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, "image not found", failed.Error)

	// The healthy app still converged in the same cycle.
	require.Contains(t, current.Apps, 2)
	assert.Equal(t, model.StatusRunning, current.Apps[2].Services[0].Status)
}

// A volume or network that cannot be created permanently must still surface
// its services in the current snapshot, even though bring-up never ran.
func TestReconcilePermanentResourceFailureIsVisible(t *testing.T) {
	t.Run("volume", func(t *testing.T) {
		rt := newFakeAdapter()
		rt.volumeErr["webdata"] = &runtime.OpError{Op: "create volume", Kind: runtime.KindInvalid, Err: fmt.Errorf("driver rejected options")}
		svc := testService(1001, 1, "web", "nginx:1.25")
		svc.Config.Volumes = []string{"webdata:/data"}
		other := testService(1001, 2, "side", "redis:7")
		target := targetWith(model.App{AppID: 1001, AppName: "shop", Services: []model.Service{svc, other}})
		e, _ := newTestEngine(t, rt, target)

		outcome := e.Reconcile(context.Background())
		require.Equal(t, OutcomeFailed, outcome.Status)

		current := e.GetCurrent()
		require.Contains(t, current.Apps, 1001)
		byID := map[int]model.Service{}
		for _, got := range current.Apps[1001].Services {
			byID[got.ServiceID] = got
		}
		require.Contains(t, byID, 1)
		assert.Equal(t, model.StatusFailed, byID[1].Status)
		assert.Contains(t, byID[1].Error, "driver rejected options")
		// The service that does not reference the volume is not marked.
		if got, ok := byID[2]; ok {
			assert.NotEqual(t, model.StatusFailed, got.Status)
		}
	})

	t.Run("network", func(t *testing.T) {
		rt := newFakeAdapter()
		rt.networkErr["frontend"] = &runtime.OpError{Op: "create network", Kind: runtime.KindInvalid, Err: fmt.Errorf("invalid driver")}
		svc := testService(1, 1, "web", "nginx:1.25")
		svc.Config.Networks = []string{"frontend"}
		target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{svc}})
		e, _ := newTestEngine(t, rt, target)

		require.Equal(t, OutcomeFailed, e.Reconcile(context.Background()).Status)
		current := e.GetCurrent()
		require.Contains(t, current.Apps, 1)
		require.Len(t, current.Apps[1].Services, 1)
		assert.Equal(t, model.StatusFailed, current.Apps[1].Services[0].Status)
		assert.Contains(t, current.Apps[1].Services[0].Error, "invalid driver")
	})
}

func TestReconcileTransientFailureAbortsCycle(t *testing.T) {
	rt := newFakeAdapter()
	rt.pullErr["nginx:1.25"] = &runtime.OpError{Op: "pull", Kind: runtime.KindTransient, Err: fmt.Errorf("dial tcp: timeout")}
	target := targetWith(
		model.App{AppID: 1, AppName: "one", Services: []model.Service{testService(1, 1, "web", "nginx:1.25")}},
		model.App{AppID: 2, AppName: "two", Services: []model.Service{testService(2, 1, "web", "redis:7")}},
	)
	e, _ := newTestEngine(t, rt, target)

	outcome := e.Reconcile(context.Background())
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 0, outcome.Applied)
	// Nothing after the failing step ran, app 2 included.
	for _, call := range rt.callLog() {
		assert.NotContains(t, call, "redis")
	}

	// Once the registry is back the next cycle converges.
	delete(rt.pullErr, "nginx:1.25")
	outcome = e.Reconcile(context.Background())
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, model.StatusRunning, e.GetCurrent().Apps[2].Services[0].Status)
}

func TestReconcileListFailureFailsCycle(t *testing.T) {
	rt := newFakeAdapter()
	rt.listErr = &runtime.OpError{Op: "list", Kind: runtime.KindTransient, Err: fmt.Errorf("daemon down")}
	e, store := newTestEngine(t, rt, targetWith())

	outcome := e.Reconcile(context.Background())
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, -1, outcome.FailedStep)
	_, saved := store.lastCurrent()
	assert.False(t, saved, "a failed resync must not overwrite the current snapshot")
}

func TestReconcileResyncDropsVanishedContainers(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e, _ := newTestEngine(t, rt, target)
	require.Equal(t, OutcomeCompleted, e.Reconcile(context.Background()).Status)

	// Someone runs `docker rm -f` behind our back.
	id := e.GetCurrent().Apps[1].Services[0].ContainerID
	rt.mu.Lock()
	delete(rt.containers, id)
	rt.mu.Unlock()

	outcome := e.Reconcile(context.Background())
	require.Equal(t, OutcomeCompleted, outcome.Status)
	assert.NotZero(t, outcome.Steps, "the vanished container must be rebuilt")
	svc := e.GetCurrent().Apps[1].Services[0]
	assert.Equal(t, model.StatusRunning, svc.Status)
	assert.NotEqual(t, id, svc.ContainerID)
}

func TestReconcileConflictRecovery(t *testing.T) {
	rt := newFakeAdapter()
	rt.conflictOnce[runtime.ContainerName("shop", "web")] = true
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e, _ := newTestEngine(t, rt, target)

	outcome := e.Reconcile(context.Background())
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Contains(t, rt.callLog(), "rm shop_web")
	assert.Equal(t, model.StatusRunning, e.GetCurrent().Apps[1].Services[0].Status)
}

func TestReconcileCanceledAtStepBoundary(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e, _ := newTestEngine(t, rt, target)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := e.Reconcile(ctx)
	assert.Equal(t, OutcomeCanceled, outcome.Status)
	assert.Zero(t, outcome.Applied)
}

func TestSetTarget(t *testing.T) {
	rt := newFakeAdapter()
	e, store := newTestEngine(t, rt, targetWith())

	t.Run("valid target is persisted and installed", func(t *testing.T) {
		snap := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
			testService(1, 1, "web", "nginx:1.25"),
		}})
		require.NoError(t, e.SetTarget(snap))
		assert.Len(t, store.savedTargets, 1)
		assert.Equal(t, snap, e.GetTarget())
	})

	t.Run("invalid target is rejected before persistence", func(t *testing.T) {
		bad := targetWith(model.App{AppID: 2, AppName: "Bad_Name"})
		err := e.SetTarget(bad)
		require.ErrorIs(t, err, ErrInvalidTarget)
		assert.Len(t, store.savedTargets, 1)
		assert.NotContains(t, e.GetTarget().Apps, 2)
	})

	t.Run("normalizes omitted fields", func(t *testing.T) {
		snap := model.NewStateSnapshot()
		snap.Apps[3] = model.App{AppName: "lean", Services: []model.Service{
			{ServiceID: 1, ServiceName: "s", Config: model.ServiceConfig{Image: "img:1"}},
		}}
		require.NoError(t, e.SetTarget(snap))
		got := e.GetTarget().Apps[3]
		assert.Equal(t, 3, got.AppID)
		assert.Equal(t, "img:1", got.Services[0].ImageName)
	})
}

func TestGetCurrentReturnsCopy(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e, _ := newTestEngine(t, rt, target)
	require.Equal(t, OutcomeCompleted, e.Reconcile(context.Background()).Status)

	view := e.GetCurrent()
	app := view.Apps[1]
	app.Services[0].Status = model.StatusDead
	view.Apps[1] = app
	assert.Equal(t, model.StatusRunning, e.GetCurrent().Apps[1].Services[0].Status)
}

func TestReconcileEvents(t *testing.T) {
	rt := newFakeAdapter()
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e, _ := newTestEngine(t, rt, target)

	events, cancel := e.Subscribe()
	defer cancel()

	require.Equal(t, OutcomeCompleted, e.Reconcile(context.Background()).Status)

	var types []EventType
	var results []StepResult
drain:
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == EventStepApplied {
				results = append(results, ev.Result)
			}
			if ev.Type == EventReconcileCompleted {
				require.NotNil(t, ev.Summary)
				assert.Equal(t, 2, ev.Summary.Steps)
				assert.Equal(t, 2, ev.Summary.Applied)
				break drain
			}
		case <-time.After(time.Second):
			t.Fatal("missing reconcile_completed event")
		}
	}
	assert.Equal(t, EventReconcileStarted, types[0])
	assert.Equal(t, []StepResult{StepInProgress, StepSucceeded, StepInProgress, StepSucceeded}, results)
}

func TestReconcileFailedEventCarriesSummary(t *testing.T) {
	rt := newFakeAdapter()
	rt.pullErr["ghost:1"] = &runtime.OpError{Op: "pull", Kind: runtime.KindNotFound, Err: fmt.Errorf("manifest unknown")}
	target := targetWith(model.App{AppID: 1, AppName: "broken", Services: []model.Service{
		testService(1, 1, "web", "ghost:1"),
	}})
	e, _ := newTestEngine(t, rt, target)

	events, cancel := e.Subscribe()
	defer cancel()
	require.Equal(t, OutcomeFailed, e.Reconcile(context.Background()).Status)

	var last Event
	for {
		select {
		case ev := <-events:
			if ev.Type == EventReconcileFailed && ev.Summary != nil {
				last = ev
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	require.NotNil(t, last.Summary)
	assert.Equal(t, 2, last.Summary.Steps)
	assert.Equal(t, 1, last.Summary.Skipped)
}

func TestStartStopTimerLoop(t *testing.T) {
	rt := newFakeAdapter()
	e, _ := newTestEngine(t, rt, targetWith())

	ctx := context.Background()
	e.Start(ctx)
	require.NoError(t, e.Stop(ctx))

	// Stop is idempotent.
	require.NoError(t, e.Stop(ctx))
}

func TestTimerSkipsWhenUnprovisioned(t *testing.T) {
	rt := newFakeAdapter()
	store := &fakeStore{}
	target := targetWith(model.App{AppID: 1, AppName: "shop", Services: []model.Service{
		testService(1, 1, "web", "nginx:1.25"),
	}})
	e := New(store, rt, target, model.NewStateSnapshot(), 10*time.Millisecond,
		WithProvisionedCheck(func() bool { return false }))

	ctx := context.Background()
	e.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.Stop(ctx))
	assert.Empty(t, rt.callLog(), "an unprovisioned device must not reconcile")
}
