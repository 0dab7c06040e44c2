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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/plugin-connector/pkg/api"
	"github.com/wso2/api-platform/plugin-connector/pkg/config"
	"github.com/wso2/api-platform/plugin-connector/pkg/connection"
	"github.com/wso2/api-platform/plugin-connector/pkg/dispatch"
	"github.com/wso2/api-platform/plugin-connector/pkg/logger"
	"github.com/wso2/api-platform/plugin-connector/pkg/metrics"
	"github.com/wso2/api-platform/plugin-connector/pkg/plugin"
	"github.com/wso2/api-platform/plugin-connector/pkg/router"
	"go.uber.org/zap"
)

const notifyTimeout = 30 * time.Second

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.toml", "Path to configuration file")
	noConnect := flag.Bool("no-connect", false, "Do not connect on start")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with config
	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting plugin connector",
		zap.String("config_file", *configPath),
		zap.String("endpoint", cfg.Connector.Endpoint),
		zap.Bool("keep_connected", cfg.Connector.KeepConnected),
		zap.String("retry_policy", cfg.Connector.Retry.Policy),
		zap.Bool("token_configured", cfg.Connector.Transport.Token != ""),
		zap.String("plugin_version", router.PluginVersion),
	)

	// Metrics must be enabled before any component records
	metrics.SetEnabled(cfg.Metrics.Enabled)
	metrics.Init()

	registry := dispatch.NewRegistry(log.With(zap.String("component", "dispatch")))

	orchestrator := plugin.New(plugin.Options{
		Config:     cfg.Connector,
		Dispatcher: registry,
		Logger:     log,
	})
	wireRegistry(registry, orchestrator, log)
	if err := registerBuiltins(registry, orchestrator); err != nil {
		log.Fatal("Failed to register built-in tools", zap.Error(err))
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(&cfg.Metrics, readiness(orchestrator), log)
		if err := metricsServer.Start(); err != nil {
			log.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	if err := orchestrator.Start(context.Background(), !*noConnect); err != nil {
		log.Fatal("Failed to start plugin connector", zap.Error(err))
	}
	r := orchestrator.Router()

	var adminServer *api.Server
	if cfg.Admin.Enabled {
		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		handler := api.NewHandler(r.Manager(), r.LastHandshake, log)
		adminServer = api.NewServer(&cfg.Admin, handler, log)
		if err := adminServer.Start(); err != nil {
			log.Fatal("Failed to start admin server", zap.Error(err))
		}
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down plugin connector")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Stop(ctx); err != nil {
			log.Error("Failed to stop admin server", zap.Error(err))
		}
	}
	if err := registry.Close(ctx); err != nil {
		log.Warn("Asynchronous tools still running at shutdown", zap.Error(err))
	}
	if err := orchestrator.Close(ctx); err != nil {
		log.Error("Failed to close plugin connector", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(ctx); err != nil {
			log.Error("Failed to stop metrics server", zap.Error(err))
		}
	}

	log.Info("Plugin connector stopped")
}

// readiness reports ready while the connector holds a live session
func readiness(o *plugin.Orchestrator) metrics.ReadinessFunc {
	return func() (bool, string) {
		r := o.Router()
		if r == nil {
			return false, "closed"
		}
		state := r.Manager().State()
		return state == connection.Connected, state.String()
	}
}

// wireRegistry routes registry events to the current router's outbound
// notifications. Events raised while no instance exists are dropped.
func wireRegistry(registry *dispatch.Registry, o *plugin.Orchestrator, log *zap.Logger) {
	notify := func(name string, send func(*router.Router, context.Context) error) func() {
		return func() {
			r := o.Router()
			if r == nil {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
				defer cancel()
				if err := send(r, ctx); err != nil {
					log.Debug("Change notification not delivered", zap.String("notification", name), zap.Error(err))
				}
			}()
		}
	}
	registry.OnCapabilitiesChanged(notify(router.MethodCapabilitiesChanged, (*router.Router).NotifyCapabilitiesChanged))
	registry.OnResourcesChanged(notify(router.MethodResourcesChanged, (*router.Router).NotifyResourcesChanged))

	registry.SetCompleter(func(ctx context.Context, id string, result any, err error) {
		r := o.Router()
		if r == nil {
			log.Warn("Operation result dropped, connector is closed", zap.String("correlation_id", id))
			return
		}
		op := router.OperationResult{CorrelationID: id, Result: result}
		if err != nil {
			op.Error = err.Error()
		}
		if nerr := r.NotifyOperationCompleted(ctx, op); nerr != nil {
			log.Warn("Operation result not delivered", zap.String("correlation_id", id), zap.Error(nerr))
		}
	})
}
