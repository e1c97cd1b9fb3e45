// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus counters for the repost detector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repostwatch"

// Metrics holds the service's collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages      prometheus.Counter
	alerts        *prometheus.CounterVec
	fetchFailures prometheus.Counter
	flushed       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Message events handled.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Repeat alerts emitted, by content kind.",
		}, []string{"kind"}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_fetch_failures_total",
			Help:      "Images that could not be downloaded or decoded.",
		}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_flushed_total",
			Help:      "History records persisted, by record kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_dropped_total",
			Help:      "History records lost to failed flushes, by record kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.messages, m.alerts, m.fetchFailures, m.flushed, m.dropped)
	return m
}

func (m *Metrics) MessageHandled()            { m.messages.Inc() }
func (m *Metrics) AlertRaised(kind string)    { m.alerts.WithLabelValues(kind).Inc() }
func (m *Metrics) FetchFailed()               { m.fetchFailures.Inc() }
func (m *Metrics) Flushed(kind string, n int) { m.flushed.WithLabelValues(kind).Add(float64(n)) }
func (m *Metrics) Dropped(kind string, n int) { m.dropped.WithLabelValues(kind).Add(float64(n)) }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
