/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wso2/api-platform/plugin-connector/pkg/config"
	"go.uber.org/zap"
)

// ReadinessFunc reports whether the connector holds a live session and the
// name of its connection state
type ReadinessFunc func() (ready bool, state string)

// Server serves /metrics alongside liveness and readiness probes
type Server struct {
	cfg        *config.MetricsConfig
	ready      ReadinessFunc
	httpServer *http.Server
	listener   net.Listener
	log        *zap.Logger
}

type probeResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection,omitempty"`
}

// NewServer creates the metrics server. A nil ready func reports the
// connector as always ready.
func NewServer(cfg *config.MetricsConfig, ready ReadinessFunc, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, ready: ready, log: log}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Init(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/ready", s.readiness)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) probe() (bool, string) {
	if s.ready == nil {
		return true, ""
	}
	return s.ready()
}

// health answers while the process runs, whatever the connection state
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	_, state := s.probe()
	writeProbe(w, http.StatusOK, probeResponse{Status: "OK", Connection: state})
}

// readiness answers 503 until a session to the orchestration server is live
func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	ready, state := s.probe()
	if !ready {
		writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "NOT_READY", Connection: state})
		return
	}
	writeProbe(w, http.StatusOK, probeResponse{Status: "READY", Connection: state})
}

func writeProbe(w http.ResponseWriter, code int, body probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.log.Info("Starting metrics HTTP server", zap.Int("port", s.cfg.Port))

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the metrics HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping metrics HTTP server")
	return s.httpServer.Shutdown(ctx)
}
