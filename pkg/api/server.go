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

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/plugin-connector/pkg/api/middleware"
	"github.com/wso2/api-platform/plugin-connector/pkg/config"
	"go.uber.org/zap"
)

// Server is the admin HTTP server
type Server struct {
	cfg        *config.AdminConfig
	httpServer *http.Server
	listener   net.Listener
	log        *zap.Logger
}

// NewEngine builds the gin engine with the admin middleware chain
func NewEngine(handler *Handler, log *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.CorrelationIDMiddleware(log))
	engine.Use(middleware.ErrorHandlingMiddleware(log))
	engine.Use(middleware.LoggingMiddleware(log))
	engine.Use(middleware.MetricsMiddleware())
	handler.Register(engine)
	return engine
}

// NewServer creates the admin server
func NewServer(cfg *config.AdminConfig, handler *Handler, log *zap.Logger) *Server {
	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewEngine(handler, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.log.Info("Starting admin HTTP server", zap.Int("port", s.cfg.Port))

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admin server failed to bind: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Admin server failed", zap.Error(err))
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

// Stop gracefully stops the admin server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}
