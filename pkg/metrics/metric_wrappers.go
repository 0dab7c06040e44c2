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
	"github.com/prometheus/client_golang/prometheus"
)

// Enabled reports whether metrics are collected. Set once at startup through
// SetEnabled, before Init.
var Enabled bool

// Counter is the subset of prometheus.Counter used by the connector
type Counter interface {
	Inc()
	Add(float64)
}

// CounterVec is the subset of prometheus.CounterVec used by the connector
type CounterVec interface {
	WithLabelValues(labels ...string) Counter
}

// Histogram is the subset of prometheus.Histogram used by the connector
type Histogram interface {
	Observe(float64)
}

// HistogramVec is the subset of prometheus.HistogramVec used by the connector
type HistogramVec interface {
	WithLabelValues(labels ...string) Histogram
}

// Gauge is the subset of prometheus.Gauge used by the connector
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// GaugeVec is the subset of prometheus.GaugeVec used by the connector
type GaugeVec interface {
	WithLabelValues(labels ...string) Gauge
}

// Noop implementations, always safe to call

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}

type noopHistogramVec struct{}

func (noopHistogramVec) WithLabelValues(...string) Histogram { return noopHistogram{} }

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}

type noopGaugeVec struct{}

func (noopGaugeVec) WithLabelValues(...string) Gauge { return noopGauge{} }

// Adapters from prometheus vector types to the interfaces above

type counterVec struct{ *prometheus.CounterVec }

func (c counterVec) WithLabelValues(labels ...string) Counter {
	return c.CounterVec.WithLabelValues(labels...)
}

type histogramVec struct{ *prometheus.HistogramVec }

func (h histogramVec) WithLabelValues(labels ...string) Histogram {
	return h.HistogramVec.WithLabelValues(labels...)
}

type gaugeVec struct{ *prometheus.GaugeVec }

func (g gaugeVec) WithLabelValues(labels ...string) Gauge {
	return g.GaugeVec.WithLabelValues(labels...)
}

// IsEnabled returns whether metrics collection is enabled
func IsEnabled() bool {
	return Enabled
}

// SetEnabled sets whether metrics collection is enabled.
// This must be called before Init() for proper effect.
func SetEnabled(e bool) {
	Enabled = e
}

// The constructors below register with reg when metrics are enabled and hand
// out noop instances otherwise.

func newCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) CounterVec {
	if !Enabled {
		return noopCounterVec{}
	}
	v := prometheus.NewCounterVec(opts, labels)
	reg.MustRegister(v)
	return counterVec{v}
}

func newCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) Counter {
	if !Enabled {
		return noopCounter{}
	}
	c := prometheus.NewCounter(opts)
	reg.MustRegister(c)
	return c
}

func newHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) HistogramVec {
	if !Enabled {
		return noopHistogramVec{}
	}
	v := prometheus.NewHistogramVec(opts, labels)
	reg.MustRegister(v)
	return histogramVec{v}
}

func newGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) GaugeVec {
	if !Enabled {
		return noopGaugeVec{}
	}
	v := prometheus.NewGaugeVec(opts, labels)
	reg.MustRegister(v)
	return gaugeVec{v}
}

func newGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) Gauge {
	if !Enabled {
		return noopGauge{}
	}
	g := prometheus.NewGauge(opts)
	reg.MustRegister(g)
	return g
}
