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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "plugin_connector"
)

// Label values shared by callers
const (
	ResultSuccess      = "success"
	ResultFailure      = "failure"
	ResultCompatible   = "compatible"
	ResultIncompatible = "incompatible"
	ResultError        = "error"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	ConnectionState       GaugeVec
	ConnectAttemptsTotal  CounterVec
	ReconnectionsTotal    Counter
	SessionsCreatedTotal  Counter
	InvocationsTotal      CounterVec
	InvokeDurationSeconds HistogramVec
	InboundCallsTotal     CounterVec
	HandshakesTotal       CounterVec
	NotificationsTotal    CounterVec
	AdminRequestsTotal    CounterVec
	Up                    Gauge
)

func initMetrics(reg prometheus.Registerer) {
	ConnectionState = newGaugeVec(reg,
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ConnectAttemptsTotal = newCounterVec(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of session start attempts",
		},
		[]string{"result"},
	)

	ReconnectionsTotal = newCounter(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Total number of automatic reconnects after an unexpected closure",
		},
	)

	SessionsCreatedTotal = newCounter(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created by the session factory",
		},
	)

	InvocationsTotal = newCounterVec(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of outbound invocations",
		},
		[]string{"method", "status"},
	)

	InvokeDurationSeconds = newHistogramVec(reg,
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_duration_seconds",
			Help:      "Duration of outbound invocations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"method"},
	)

	InboundCallsTotal = newCounterVec(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_calls_total",
			Help:      "Total number of inbound calls served",
		},
		[]string{"endpoint", "status"},
	)

	HandshakesTotal = newCounterVec(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of version handshakes by outcome",
		},
		[]string{"result"},
	)

	NotificationsTotal = newCounterVec(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of outbound notifications",
		},
		[]string{"notification", "status"},
	)

	AdminRequestsTotal = newCounterVec(reg,
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	Up = newGauge(reg,
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether the connector process is up",
		},
	)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		if Enabled {
			registry.MustRegister(collectors.NewGoCollector())
			registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		initMetrics(registry)
		Up.Set(1)
	})
	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// SetConnectionState marks current as the active state among states
func SetConnectionState(current string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveInvoke records one outbound invocation
func ObserveInvoke(method string, started time.Time, err error) {
	status := ResultSuccess
	if err != nil {
		status = ResultFailure
	}
	InvocationsTotal.WithLabelValues(method, status).Inc()
	InvokeDurationSeconds.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func init() {
	// Callers may record before Init runs (tests, library use); start out noop.
	initMetrics(nil)
}
