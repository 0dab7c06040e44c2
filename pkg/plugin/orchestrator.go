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

// Package plugin owns the connection manager and router pair of the process.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/wso2/api-platform/plugin-connector/pkg/config"
	"github.com/wso2/api-platform/plugin-connector/pkg/connection"
	"github.com/wso2/api-platform/plugin-connector/pkg/retry"
	"github.com/wso2/api-platform/plugin-connector/pkg/router"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport/websocket"
	"go.uber.org/zap"
)

// ErrStartInProgress is returned when Start is called while another Start is building
var ErrStartInProgress = errors.New("start already in progress")

// Options configures an Orchestrator
type Options struct {
	Config     config.ConnectorConfig
	Factory    transport.SessionFactory // nil builds a websocket factory from Config.Transport
	Dispatcher router.Dispatcher
	// OnBuild runs once the router exists, before any connect. An error tears
	// the new instance down.
	OnBuild func(r *router.Router) error
	Getenv  func(string) string // nil uses os.Getenv
	Logger  *zap.Logger
}

// Orchestrator builds the router and manager pair on first Start and keeps it
// for the life of the process
type Orchestrator struct {
	opts     Options
	logger   *zap.Logger
	headless bool

	building atomic.Bool
	mu       sync.Mutex
	router   *router.Router

	connects sync.WaitGroup
}

// New creates an orchestrator. Nothing is built until Start.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	o := &Orchestrator{
		opts:     opts,
		logger:   opts.Logger,
		headless: IsCI(opts.Getenv),
	}
	if o.headless {
		o.logger.Info("CI or headless environment detected, auto-connect disabled")
	}
	return o
}

// Headless reports whether auto-connect is suppressed
func (o *Orchestrator) Headless() bool {
	return o.headless
}

// Router returns the built router, or nil before a successful Start
func (o *Orchestrator) Router() *router.Router {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.router
}

// Start builds the instance once and, when autoConnect is set and the process
// is not headless, starts connecting in the background. A re-entrant call
// made while building returns ErrStartInProgress.
func (o *Orchestrator) Start(ctx context.Context, autoConnect bool) error {
	if !o.building.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}
	defer o.building.Store(false)

	o.mu.Lock()
	r := o.router
	built := false
	if r == nil {
		var err error
		r, err = o.build(ctx)
		if err != nil {
			o.mu.Unlock()
			o.logger.Error("Failed to start plugin connector", zap.Error(err))
			return err
		}
		o.router = r
		built = true
	}
	o.mu.Unlock()

	connect := autoConnect && !o.headless
	if built {
		// A fresh instance follows the configured intent
		connect = connect && o.opts.Config.KeepConnected
	}
	if connect {
		o.connectInBackground(r.Manager())
	}
	return nil
}

func (o *Orchestrator) connectInBackground(m *connection.Manager) {
	o.connects.Add(1)
	go func() {
		defer o.connects.Done()
		if !m.Connect(context.Background()) {
			o.logger.Warn("Connect sequence ended without a connection")
		}
	}()
}

// build constructs the manager and router. A failure or panic releases
// whatever was already built.
func (o *Orchestrator) build(ctx context.Context) (r *router.Router, err error) {
	cfg := o.opts.Config

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("build panicked: %v", p)
		}
		if err != nil && r != nil {
			_ = r.Close(ctx)
			r = nil
		}
	}()

	if err := config.ValidateEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}

	factory := o.opts.Factory
	if factory == nil {
		factory = websocket.NewFactory(websocket.Config{
			DialTimeout:        cfg.Transport.DialTimeout,
			WriteTimeout:       cfg.Transport.WriteTimeout,
			HeartbeatInterval:  cfg.Transport.HeartbeatInterval,
			HeartbeatTimeout:   cfg.Transport.HeartbeatTimeout,
			MaxMessageSize:     cfg.Transport.MaxMessageSize,
			Token:              cfg.Transport.Token,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
		}, o.logger.With(zap.String("component", "transport")))
	}

	manager := connection.NewManager(connection.Options{
		Factory:        factory,
		Endpoint:       cfg.Endpoint,
		Policy:         retry.FromConfig(cfg.Retry),
		AttemptTimeout: cfg.AttemptTimeout,
		SettleDelay:    cfg.SettleDelay,
		Logger:         o.logger.With(zap.String("component", "connection")),
	})

	r = router.New(router.Options{
		Manager:           manager,
		Dispatcher:        o.opts.Dispatcher,
		PluginVersion:     cfg.Handshake.PluginVersion,
		HostVersion:       cfg.Handshake.HostVersion,
		RequireCompatible: cfg.Handshake.RequireCompatible,
		HandshakeTimeout:  cfg.Handshake.Timeout,
		Logger:            o.logger.With(zap.String("component", "router")),
	})

	if o.opts.OnBuild != nil {
		if err = o.opts.OnBuild(r); err != nil {
			return r, fmt.Errorf("build hook failed: %w", err)
		}
	}

	o.logger.Info("Plugin connector built", zap.String("endpoint", cfg.Endpoint))
	return r, nil
}

// Stop disconnects the current instance, if any
func (o *Orchestrator) Stop(ctx context.Context) {
	r := o.Router()
	if r == nil {
		return
	}
	r.Manager().Disconnect(ctx)
}

// Close disposes the current instance. A later Start builds a new one.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	r := o.router
	o.router = nil
	o.mu.Unlock()

	if r == nil {
		return nil
	}
	err := r.Close(ctx)
	o.connects.Wait()
	return err
}
