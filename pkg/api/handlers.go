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

// Package api serves the admin HTTP API used to inspect and drive the connection.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/plugin-connector/pkg/api/middleware"
	"github.com/wso2/api-platform/plugin-connector/pkg/config"
	"github.com/wso2/api-platform/plugin-connector/pkg/connection"
	"github.com/wso2/api-platform/plugin-connector/pkg/router"
	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds POST /connection/connect unless ?timeout= is given
const DefaultConnectTimeout = 30 * time.Second

// Controller is the connection surface driven by the admin API
type Controller interface {
	State() connection.State
	KeepConnected() bool
	Endpoint() string
	SetEndpoint(endpoint string)
	Connect(ctx context.Context) bool
	Disconnect(ctx context.Context)
	Stats() connection.Stats
}

// HandshakeSource reports the latest handshake outcome
type HandshakeSource func() (router.HandshakeResult, bool)

// StatusResponse describes the connection
type StatusResponse struct {
	State         string             `json:"state"`
	KeepConnected bool               `json:"keepConnected"`
	Endpoint      string             `json:"endpoint"`
	Stats         StatsResponse      `json:"stats"`
	Handshake     *HandshakeResponse `json:"handshake,omitempty"`
}

// StatsResponse mirrors connection.Stats
type StatsResponse struct {
	SessionsCreated uint64 `json:"sessionsCreated"`
	ConnectAttempts uint64 `json:"connectAttempts"`
	FailedAttempts  uint64 `json:"failedAttempts"`
	Reconnects      uint64 `json:"reconnects"`
}

// HandshakeResponse describes the latest version handshake
type HandshakeResponse struct {
	Compatible bool      `json:"compatible"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// EndpointRequest is the body of PUT /connection/endpoint
type EndpointRequest struct {
	URL string `json:"url" binding:"required"`
}

// Handler serves the admin routes
type Handler struct {
	controller Controller
	handshake  HandshakeSource
	logger     *zap.Logger
}

// NewHandler creates the admin handler. handshake may be nil.
func NewHandler(controller Controller, handshake HandshakeSource, logger *zap.Logger) *Handler {
	return &Handler{controller: controller, handshake: handshake, logger: logger}
}

// Register mounts the admin routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.GET("/connection", h.GetConnection)
	v1.POST("/connection/connect", h.Connect)
	v1.POST("/connection/disconnect", h.Disconnect)
	v1.PUT("/connection/endpoint", h.SetEndpoint)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) status() StatusResponse {
	stats := h.controller.Stats()
	resp := StatusResponse{
		State:         h.controller.State().String(),
		KeepConnected: h.controller.KeepConnected(),
		Endpoint:      h.controller.Endpoint(),
		Stats: StatsResponse{
			SessionsCreated: stats.SessionsCreated,
			ConnectAttempts: stats.ConnectAttempts,
			FailedAttempts:  stats.FailedAttempts,
			Reconnects:      stats.Reconnects,
		},
	}
	if h.handshake != nil {
		if last, ok := h.handshake(); ok {
			hs := &HandshakeResponse{
				Compatible: last.Response.Compatible,
				Message:    last.Response.Message,
				At:         last.At,
			}
			if last.Err != nil {
				hs.Error = last.Err.Error()
			}
			resp.Handshake = hs
		}
	}
	return resp
}

// GetConnection handles GET /api/v1/connection
func (h *Handler) GetConnection(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

// Connect handles POST /api/v1/connection/connect
func (h *Handler) Connect(c *gin.Context) {
	log := middleware.GetLogger(c, h.logger)

	timeout := DefaultConnectTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
				Status:  "error",
				Message: "timeout must be a positive duration",
			})
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	if !h.controller.Connect(ctx) {
		log.Warn("Connect request failed", zap.Duration("timeout", timeout))
		c.JSON(http.StatusServiceUnavailable, middleware.ErrorResponse{
			Status:  "error",
			Message: "could not connect to " + h.controller.Endpoint(),
		})
		return
	}
	c.JSON(http.StatusOK, h.status())
}

// Disconnect handles POST /api/v1/connection/disconnect
func (h *Handler) Disconnect(c *gin.Context) {
	h.controller.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, h.status())
}

// SetEndpoint handles PUT /api/v1/connection/endpoint
func (h *Handler) SetEndpoint(c *gin.Context) {
	log := middleware.GetLogger(c, h.logger)

	var req EndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
			Status:  "error",
			Message: "request body must be {\"url\": \"...\"}",
		})
		return
	}
	if err := config.ValidateEndpoint(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
			Status:  "error",
			Message: err.Error(),
		})
		return
	}

	h.controller.SetEndpoint(req.URL)
	log.Info("Endpoint updated, applies to the next session", zap.String("endpoint", req.URL))
	c.JSON(http.StatusOK, h.status())
}
