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

// Package router binds the inbound endpoints on every session, runs the
// version handshake after each connect and sends outbound notifications.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wso2/api-platform/plugin-connector/pkg/connection"
	"github.com/wso2/api-platform/plugin-connector/pkg/metrics"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"go.uber.org/zap"
)

// DefaultHandshakeTimeout bounds the handshake and the notifications that follow it
const DefaultHandshakeTimeout = 10 * time.Second

// Dispatcher serves inbound calls. Payloads are opaque to the router.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint string, payload json.RawMessage) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface
type DispatcherFunc func(ctx context.Context, endpoint string, payload json.RawMessage) (any, error)

// Dispatch calls f
func (f DispatcherFunc) Dispatch(ctx context.Context, endpoint string, payload json.RawMessage) (any, error) {
	return f(ctx, endpoint, payload)
}

// HandshakeRequest is sent to the server after each connect
type HandshakeRequest struct {
	APIVersion    string `json:"apiVersion"`
	PluginVersion string `json:"pluginVersion"`
	HostVersion   string `json:"hostVersion"`
}

// HandshakeResponse is the server verdict on version compatibility
type HandshakeResponse struct {
	Compatible bool   `json:"compatible"`
	Message    string `json:"message"`
}

// HandshakeResult records the outcome of the latest handshake
type HandshakeResult struct {
	Response HandshakeResponse
	Err      error
	At       time.Time
}

// OperationResult reports the completion of an asynchronous operation
type OperationResult struct {
	CorrelationID string `json:"correlationId"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrMissingCorrelationID is returned for operation results without a correlation id
var ErrMissingCorrelationID = errors.New("operation result has no correlation id")

// Options configures a Router
type Options struct {
	Manager           *connection.Manager
	Dispatcher        Dispatcher
	PluginVersion     string // empty uses PluginVersion
	HostVersion       string // empty uses HostVersion()
	RequireCompatible bool   // disconnect when the server reports an incompatible version
	HandshakeTimeout  time.Duration
	Logger            *zap.Logger
}

// Router routes inbound calls to a Dispatcher and sends notifications through
// a connection.Manager, which it owns
type Router struct {
	manager    *connection.Manager
	dispatcher Dispatcher
	request    HandshakeRequest
	require    bool
	timeout    time.Duration
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	bindings []func()
	last     *HandshakeResult
	closed   bool

	unsubscribe func()
	watchDone   chan struct{}
	closeOnce   sync.Once
}

// New creates a router and starts watching the manager's state
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.PluginVersion == "" {
		opts.PluginVersion = PluginVersion
	}
	if opts.HostVersion == "" {
		opts.HostVersion = HostVersion()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		manager:    opts.Manager,
		dispatcher: opts.Dispatcher,
		request: HandshakeRequest{
			APIVersion:    APIVersion,
			PluginVersion: opts.PluginVersion,
			HostVersion:   opts.HostVersion,
		},
		require:   opts.RequireCompatible,
		timeout:   opts.HandshakeTimeout,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		watchDone: make(chan struct{}),
	}

	r.manager.OnSession(r.bind)
	changes, unsubscribe := r.manager.Subscribe(16)
	r.unsubscribe = unsubscribe
	go r.watch(changes)

	return r
}

// Manager returns the owned connection manager
func (r *Router) Manager() *connection.Manager {
	return r.manager
}

// LastHandshake returns the latest handshake outcome, if any
func (r *Router) LastHandshake() (HandshakeResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return HandshakeResult{}, false
	}
	return *r.last, true
}

// bind subscribes every inbound endpoint on a new session
func (r *Router) bind(session transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	// Bindings of the previous session die with it
	for _, unbind := range r.bindings {
		unbind()
	}
	r.bindings = r.bindings[:0]

	for _, endpoint := range DispatchEndpoints {
		r.bindings = append(r.bindings, session.Handle(endpoint, r.dispatchHandler(endpoint)))
	}
	r.bindings = append(r.bindings, session.Handle(EndpointForceDisconnect, r.forceDisconnect))

	r.logger.Debug("Bound inbound endpoints", zap.Int("count", len(r.bindings)))
}

func (r *Router) dispatchHandler(endpoint string) transport.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		if r.dispatcher == nil {
			metrics.InboundCallsTotal.WithLabelValues(endpoint, metrics.ResultError).Inc()
			return nil, &transport.RemoteError{Code: transport.CodeMethodNotFound, Message: "no dispatcher configured"}
		}

		result, err := r.dispatcher.Dispatch(ctx, endpoint, params)
		if err != nil {
			metrics.InboundCallsTotal.WithLabelValues(endpoint, metrics.ResultError).Inc()
			r.logger.Warn("Inbound call failed", zap.String("endpoint", endpoint), zap.Error(err))
			return nil, err
		}
		metrics.InboundCallsTotal.WithLabelValues(endpoint, metrics.ResultSuccess).Inc()
		r.logger.Debug("Inbound call served", zap.String("endpoint", endpoint))
		return result, nil
	}
}

func (r *Router) forceDisconnect(context.Context, json.RawMessage) (any, error) {
	metrics.InboundCallsTotal.WithLabelValues(EndpointForceDisconnect, metrics.ResultSuccess).Inc()
	r.logger.Info("Server requested disconnect")
	// Disconnect stops the session this call arrived on; let the response go out first
	go r.manager.Disconnect(context.Background())
	return nil, nil
}

// watch runs the post-connect sequence on every transition to Connected
func (r *Router) watch(changes <-chan connection.StateChange) {
	defer close(r.watchDone)
	for change := range changes {
		if change.To != connection.Connected {
			continue
		}
		if r.ctx.Err() != nil {
			return
		}
		r.onConnected()
	}
}

func (r *Router) onConnected() {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	result := r.handshake(ctx)
	if result.Err == nil && !result.Response.Compatible && r.require {
		r.logger.Error("Disconnecting from incompatible server")
		r.manager.Disconnect(ctx)
		return
	}

	if err := r.NotifyCapabilitiesChanged(ctx); err != nil {
		r.logger.Warn("Failed to announce capabilities", zap.Error(err))
	}
	if err := r.NotifyResourcesChanged(ctx); err != nil {
		r.logger.Warn("Failed to announce resources", zap.Error(err))
	}
}

// handshake exchanges version identifiers with the server
func (r *Router) handshake(ctx context.Context) HandshakeResult {
	resp, err := connection.InvokeResult[HandshakeResponse](ctx, r.manager, MethodVersionHandshake, r.request)
	result := HandshakeResult{Response: resp, Err: err, At: time.Now()}

	r.mu.Lock()
	r.last = &result
	r.mu.Unlock()

	switch {
	case err != nil:
		metrics.HandshakesTotal.WithLabelValues(metrics.ResultError).Inc()
		r.logger.Error("Version handshake failed", zap.Error(err))
	case !resp.Compatible:
		metrics.HandshakesTotal.WithLabelValues(metrics.ResultIncompatible).Inc()
		r.logger.Error("Server reported incompatible version",
			zap.String("api_version", r.request.APIVersion),
			zap.String("plugin_version", r.request.PluginVersion),
			zap.String("message", resp.Message),
		)
	default:
		metrics.HandshakesTotal.WithLabelValues(metrics.ResultCompatible).Inc()
		r.logger.Info("Version handshake completed",
			zap.String("api_version", r.request.APIVersion),
			zap.String("message", resp.Message),
		)
	}
	return result
}

func (r *Router) notify(ctx context.Context, method string, payload any) error {
	err := r.manager.Invoke(ctx, method, payload)
	status := metrics.ResultSuccess
	if err != nil {
		status = metrics.ResultFailure
	}
	metrics.NotificationsTotal.WithLabelValues(method, status).Inc()
	return err
}

// NotifyCapabilitiesChanged tells the server to refresh the tool and prompt lists
func (r *Router) NotifyCapabilitiesChanged(ctx context.Context) error {
	return r.notify(ctx, MethodCapabilitiesChanged, nil)
}

// NotifyResourcesChanged tells the server to refresh the resource list
func (r *Router) NotifyResourcesChanged(ctx context.Context) error {
	return r.notify(ctx, MethodResourcesChanged, nil)
}

// NotifyOperationCompleted reports an asynchronous operation result. When not
// connected and the connect intent is set, it connects first; if that fails the
// notification is dropped and the error returned.
func (r *Router) NotifyOperationCompleted(ctx context.Context, result OperationResult) error {
	if result.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	if err := r.notify(ctx, MethodOperationCompleted, result); err != nil {
		return fmt.Errorf("operation %s: %w", result.CorrelationID, err)
	}
	return nil
}

// Close unbinds all endpoints and closes the manager
func (r *Router) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for _, unbind := range r.bindings {
			unbind()
		}
		r.bindings = nil
		r.mu.Unlock()

		r.cancel()
		r.unsubscribe()
		<-r.watchDone

		err = r.manager.Close(ctx)
	})
	return err
}
