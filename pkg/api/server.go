// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api exposes the local control endpoints consumed by ops tooling
// and the CLI. It binds to loopback only; it carries no authentication.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/DataDog/iot-agent/pkg/engine"
	"github.com/DataDog/iot-agent/pkg/metrics"
	"github.com/DataDog/iot-agent/pkg/model"
	"github.com/DataDog/iot-agent/pkg/util/log"
	"github.com/DataDog/iot-agent/pkg/version"
)

// Engine is the slice of the reconciliation engine the API reads from.
type Engine interface {
	GetCurrent() model.StateSnapshot
	GetTarget() model.StateSnapshot
	Reconcile(ctx context.Context) engine.Outcome
}

// RuntimePinger reports container daemon liveness for /health.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

// APIResponse is the envelope shared by all endpoints.
type APIResponse struct {
	Error *APIError `json:"error,omitempty"`
}

// APIError is an error response.
type APIError struct {
	Message string `json:"message"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	APIResponse
	Version     string `json:"version"`
	DeviceUUID  string `json:"device_uuid"`
	Provisioned bool   `json:"provisioned"`
}

// Server is the local control API server.
type Server struct {
	engine    Engine
	runtime   RuntimePinger
	collector metrics.Collector
	identity  model.DeviceIdentity

	listener net.Listener
	server   *http.Server
}

// NewServer builds the server and binds its listener.
func NewServer(addr string, eng Engine, rt RuntimePinger, collector metrics.Collector, identity model.DeviceIdentity) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:    eng,
		runtime:   rt,
		collector: collector,
		identity:  identity,
		listener:  listener,
		server:    &http.Server{},
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Stop.
func (s *Server) Start(_ context.Context) error {
	s.server.Handler = s.Handler()
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			log.Infof("local API server stopped: %v", err)
		}
	}()
	log.Infof("local API listening on %s", s.Addr())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the route table. Exported for httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/v1/state", s.currentState).Methods(http.MethodGet)
	r.HandleFunc("/v1/state/target", s.targetState).Methods(http.MethodGet)
	r.HandleFunc("/v1/reconcile", s.reconcile).Methods(http.MethodPost)
	r.HandleFunc("/v1/metrics", s.metrics).Methods(http.MethodGet)
	r.HandleFunc("/v1/device", s.device).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, APIResponse{Error: &APIError{Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:     version.AgentVersion,
		DeviceUUID:  s.identity.UUID,
		Provisioned: s.identity.Provisioned,
	})
}

func (s *Server) currentState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetCurrent())
}

func (s *Server) targetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetTarget())
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	log.Infof("received local request to reconcile")
	outcome := s.engine.Reconcile(r.Context())
	status := http.StatusOK
	if outcome.Status == engine.OutcomeAlreadyRunning {
		status = http.StatusConflict
	}
	writeJSON(w, status, outcome)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, APIResponse{Error: &APIError{Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) device(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.identity)
}
