// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cloud implements the device side of the state-exchange protocol:
// conditional target polls, throttled current-state reports, periodic system
// metrics, and the one-off device registration.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/DataDog/iot-agent/pkg/config"
	"github.com/DataDog/iot-agent/pkg/engine"
	"github.com/DataDog/iot-agent/pkg/metrics"
	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/util/log"
)

// Engine is the slice of the reconciliation engine the client drives.
type Engine interface {
	SetTarget(model.StateSnapshot) error
	GetCurrent() model.StateSnapshot
	Subscribe() (<-chan engine.Event, func())
}

// deviceState is the wire form of one device's entry in both the poll
// response and the report payload.
type deviceState struct {
	Apps    map[int]model.App      `json:"apps"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Metrics *metrics.Snapshot      `json:"metrics,omitempty"`
}

// Client owns the cloud-facing tasks. Each task runs serially with respect
// to itself; poll and report are independent of each other.
type Client struct {
	cfg       *config.Config
	identity  model.DeviceIdentity
	engine    Engine
	collector metrics.Collector
	http      *http.Client
	clk       clock.Clock
	endpoint  string
	authToken string

	mu             sync.Mutex
	etag           string
	lastReportBody []byte
	lastReportAt   time.Time
	pendingMetrics *metrics.Snapshot

	reportTrigger chan struct{}
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// Option configures the client.
type Option func(*Client)

// WithClock swaps the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithAuthToken sets the bearer token issued at registration.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithHTTPClient swaps the HTTP client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client for a provisioned device.
func New(cfg *config.Config, identity model.DeviceIdentity, eng Engine, collector metrics.Collector, opts ...Option) *Client {
	endpoint := identity.APIEndpoint
	if endpoint == "" {
		endpoint = cfg.CloudAPIEndpoint
	}
	c := &Client{
		cfg:           cfg,
		identity:      identity,
		engine:        eng,
		collector:     collector,
		http:          &http.Client{Timeout: cfg.RequestTimeout},
		clk:           clock.New(),
		endpoint:      strings.TrimRight(endpoint, "/"),
		reportTrigger: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the poll, report, metrics and event-forwarding tasks.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(4)
	go c.pollLoop(ctx)
	go c.reportLoop(ctx)
	go c.metricsLoop(ctx)
	go c.eventLoop(ctx)
}

// Stop cancels the tasks at their next boundary and waits for them, bounded
// by the context.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()
	return bo
}

// pollLoop fetches the target state on a fixed interval, stretching the wait
// with exponential backoff while the cloud is unreachable.
func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	bo := newBackoff()
	wait := c.cfg.PollInterval
	for {
		timer := c.clk.Timer(wait)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		if err := c.pollOnce(ctx); err != nil {
			wait = bo.NextBackOff()
			log.Warnf("target poll failed, next attempt in %s: %v", wait, err) //nolint:errcheck
			continue
		}
		bo.Reset()
		wait = c.cfg.PollInterval
	}
}

// pollOnce issues one conditional GET of the device state.
func (c *Client) pollOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/device/%s/state", c.endpoint, c.identity.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	c.mu.Lock()
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode == http.StatusOK:
	case isRetryable(resp.StatusCode):
		return fmt.Errorf("target poll: cloud returned %s", resp.Status)
	default:
		// Client errors are not retried with backoff; log and wait for the
		// regular tick.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Errorf("target poll rejected: %s: %s", resp.Status, body) //nolint:errcheck
		return nil
	}

	var payload map[string]deviceState
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decoding target state: %w", err)
	}
	state, ok := payload[c.identity.UUID]
	if !ok {
		return fmt.Errorf("target state response has no entry for device %s", c.identity.UUID)
	}

	snap := model.StateSnapshot{Apps: state.Apps, Config: state.Config}
	if snap.Apps == nil {
		snap.Apps = map[int]model.App{}
	}
	if snap.Config == nil {
		snap.Config = map[string]interface{}{}
	}
	if err := c.engine.SetTarget(snap); err != nil {
		// An invalid target is the cloud's bug; keep the old target and the
		// old etag so a fixed revision comes through as a change.
		return log.Errorf("rejected target from cloud: %v", err)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.mu.Lock()
		c.etag = etag
		c.mu.Unlock()
	}
	return nil
}

// reportLoop pushes the current state on a fixed interval and immediately
// after each reconciliation, deduplicating identical payloads.
func (c *Client) reportLoop(ctx context.Context) {
	defer c.wg.Done()
	bo := newBackoff()
	var backoffUntil time.Time
	ticker := c.clk.Ticker(c.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		triggered := false
		select {
		case <-ticker.C:
		case <-c.reportTrigger:
			triggered = true
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
		if c.clk.Now().Before(backoffUntil) {
			continue
		}
		sent, err := c.reportOnce(ctx, triggered)
		if err != nil {
			delay := bo.NextBackOff()
			backoffUntil = c.clk.Now().Add(delay)
			log.Warnf("state report failed, muted for %s: %v", delay, err) //nolint:errcheck
			continue
		}
		bo.Reset()
		backoffUntil = time.Time{}
		if sent {
			log.Debugf("state report accepted")
		}
	}
}

// reportOnce sends the current state if it changed since the last accepted
// report, or if a metrics sample is waiting, or if a reconcile event forced
// it. Returns whether a report was sent.
func (c *Client) reportOnce(ctx context.Context, triggered bool) (bool, error) {
	current := c.engine.GetCurrent()

	state := deviceState{Apps: current.Apps, Config: current.Config}
	comparable, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encoding state report: %w", err)
	}

	c.mu.Lock()
	unchanged := bytes.Equal(comparable, c.lastReportBody)
	throttled := !triggered && c.clk.Since(c.lastReportAt) < c.cfg.ReportInterval
	pending := c.pendingMetrics
	c.mu.Unlock()

	// The minimum spacing between untriggered reports holds whether or not
	// the payload changed; only a reconcile event may cut it short.
	if throttled {
		return false, nil
	}
	if unchanged && pending == nil {
		return false, nil
	}

	state.Metrics = pending
	payload := map[string]deviceState{c.identity.UUID: state}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encoding state report: %w", err)
	}

	url := c.endpoint + "/device/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case isRetryable(resp.StatusCode):
		return false, fmt.Errorf("state report: cloud returned %s", resp.Status)
	default:
		return false, log.Errorf("state report rejected: %s", resp.Status)
	}

	c.mu.Lock()
	c.lastReportBody = comparable
	c.lastReportAt = c.clk.Now()
	if c.pendingMetrics == pending {
		c.pendingMetrics = nil
	}
	c.mu.Unlock()
	return true, nil
}

// metricsLoop samples system metrics and queues them for the next report.
func (c *Client) metricsLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.clk.Ticker(c.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
		snap, err := c.collector.Collect(ctx)
		if err != nil {
			log.Warnf("metrics collection failed: %v", err) //nolint:errcheck
			continue
		}
		c.mu.Lock()
		c.pendingMetrics = &snap
		c.mu.Unlock()
		c.triggerReport()
	}
}

// eventLoop reacts to engine events: reconcile results trigger an immediate
// report and are forwarded to the cloud's event endpoint best-effort.
func (c *Client) eventLoop(ctx context.Context) {
	defer c.wg.Done()
	events, cancel := c.engine.Subscribe()
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case engine.EventReconcileCompleted, engine.EventReconcileFailed:
				c.triggerReport()
			}
			c.forwardEvent(ctx, ev)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) triggerReport() {
	select {
	case c.reportTrigger <- struct{}{}:
	default:
	}
}

// forwardEvent posts one engine event to the optional observability
// endpoint. Failures are logged and never retried.
func (c *Client) forwardEvent(ctx context.Context, ev engine.Event) {
	if ev.Type == engine.EventStepApplied && ev.Result == engine.StepInProgress {
		// In-progress markers are too chatty for the event stream.
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/device/%s/events", c.endpoint, c.identity.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debugf("event forward failed: %v", err)
		return
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// isRetryable reports whether an HTTP status warrants backoff-and-retry.
// Everything 5xx is, plus request timeout and rate limiting.
func isRetryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
