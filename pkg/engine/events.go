// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package engine

import (
	"sync"
	"time"
)

// EventType enumerates engine lifecycle events.
type EventType string

// Engine events.
const (
	EventTargetChanged      EventType = "target_changed"
	EventReconcileStarted   EventType = "reconcile_started"
	EventStepApplied        EventType = "step_applied"
	EventReconcileCompleted EventType = "reconcile_completed"
	EventReconcileFailed    EventType = "reconcile_failed"
)

// StepResult is the per-step outcome carried by EventStepApplied.
type StepResult string

// Step results.
const (
	StepInProgress StepResult = "in-progress"
	StepSucceeded  StepResult = "success"
	StepFailed     StepResult = "failure"
	StepSkipped    StepResult = "skipped"
)

// Event is delivered to subscribers by value; handlers cannot reach engine
// state through it.
type Event struct {
	Type      EventType  `json:"type"`
	Time      time.Time  `json:"time"`
	Step      string     `json:"step,omitempty"`
	StepIndex int        `json:"step_index,omitempty"`
	Result    StepResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Permanent bool       `json:"permanent,omitempty"`
	Summary   *Summary   `json:"summary,omitempty"`
}

// Summary describes a finished reconciliation.
type Summary struct {
	Steps    int           `json:"steps"`
	Applied  int           `json:"applied"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

const subscriberBuffer = 64

// eventBus fans events out to subscribers. Delivery is best-effort: a
// subscriber that stops draining loses events rather than blocking the
// engine.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]chan Event{}}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *eventBus) publish(ev Event) {
	ev.Time = time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
