// Copyright 2021 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpserver serves the debug endpoints: health, metrics, and
// the status of the most recently collected profiling session.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status describes the outcome of the most recent profiling session,
// for the /debug/last_profile endpoint.
type Status struct {
	CollectedAt time.Time `json:"collected_at"`
	SampleCount int       `json:"sample_count"`
	Err         string    `json:"error,omitempty"`
}

// StatusProvider is satisfied by pkg/profiler.Controller.
type StatusProvider interface {
	LastProfileStatus() Status
}

// Server hosts the debug HTTP surface.
type Server struct {
	logger log.Logger
	http   *http.Server
}

// New builds a debug server listening on addr, serving /healthz,
// /metrics (registered against reg), and /debug/last_profile (backed
// by status).
func New(logger log.Logger, addr string, reg *prometheus.Registry, status StatusProvider) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/debug/last_profile", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status.LastProfileStatus()); err != nil {
			level.Warn(logger).Log("msg", "failed to encode last-profile status", "err", err)
		}
	}).Methods(http.MethodGet)

	return &Server{
		logger: logger,
		http:   &http.Server{Addr: addr, Handler: r},
	}
}

// ListenAndServe blocks until the server stops. Intended to run as one
// oklog/run.Group actor alongside Shutdown as its interrupt function.
func (s *Server) ListenAndServe() error {
	level.Info(s.logger).Log("msg", "starting debug http server", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
