// Copyright 2025 Blink Labs Software
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

package transport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "chainhead"
	metricsSubsystem = "transport"
)

// Request failure reasons used as metric labels
const (
	reasonTimeout    = "timeout"
	reasonRpc        = "rpc"
	reasonConnection = "connection"
)

type metrics struct {
	requests             *prometheus.CounterVec
	requestErrors        *prometheus.CounterVec
	reconnects           prometheus.Counter
	pendingRequests      prometheus.Gauge
	activeSubscriptions  prometheus.Gauge
	droppedNotifications prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests sent, by method",
			},
			[]string{"method"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "request_errors_total",
				Help:      "Total failed JSON-RPC requests, by method and reason",
			},
			[]string{"method", "reason"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "reconnects_total",
				Help:      "Total successful reconnections",
			},
		),
		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "pending_requests",
				Help:      "Requests awaiting a response",
			},
		),
		activeSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_subscriptions",
				Help:      "Registered subscription handles",
			},
		),
		droppedNotifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "dropped_notifications_total",
				Help:      "Early notifications dropped because the pending buffer was full",
			},
		),
	}
	if reg == nil {
		return m
	}
	m.requests = register(reg, m.requests)
	m.requestErrors = register(reg, m.requestErrors)
	m.reconnects = register(reg, m.reconnects)
	m.pendingRequests = register(reg, m.pendingRequests)
	m.activeSubscriptions = register(reg, m.activeSubscriptions)
	m.droppedNotifications = register(reg, m.droppedNotifications)
	return m
}

// register adds the collector to the registerer, reusing an identical collector that a
// previous Transport already registered
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
