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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRetryDelay               = 2500 * time.Millisecond
	DefaultTimeout                  = 30 * time.Second
	DefaultMaxRetryAttempts         = 60
	DefaultSweepInterval            = 5 * time.Second
	DefaultPingInterval             = 30 * time.Second
	DefaultPendingNotificationLimit = 256
)

// EndpointFunc resolves the endpoint to use for a connection attempt. It is evaluated on every
// attempt, with attempt starting at 0 for the first dial of a connect or reconnect cycle
type EndpointFunc func(attempt int) (string, error)

// Config is used to configure a Transport
type Config struct {
	// Endpoints are tried in order, one per attempt, wrapping around
	Endpoints []string
	// EndpointFunc takes precedence over Endpoints when set
	EndpointFunc     EndpointFunc
	RetryDelay       time.Duration
	Timeout          time.Duration
	MaxRetryAttempts int
	// SweepInterval controls how often pending requests are checked against Timeout
	SweepInterval time.Duration
	// PingInterval controls WebSocket keep-alive pings. A zero value disables them
	PingInterval time.Duration
	// PendingNotificationLimit bounds the notifications buffered for a subscription that
	// has not been registered yet
	PendingNotificationLimit int
	Logger                   *slog.Logger
	MetricsRegisterer        prometheus.Registerer
	Dialer                   *websocket.Dialer
	Header                   http.Header
}

// TransportOptionFunc represents a function used to modify the Transport config
type TransportOptionFunc func(*Config)

// NewConfig returns a new Transport config object with the provided options
func NewConfig(options ...TransportOptionFunc) Config {
	c := Config{
		RetryDelay:               DefaultRetryDelay,
		Timeout:                  DefaultTimeout,
		MaxRetryAttempts:         DefaultMaxRetryAttempts,
		SweepInterval:            DefaultSweepInterval,
		PingInterval:             DefaultPingInterval,
		PendingNotificationLimit: DefaultPendingNotificationLimit,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithEndpoint specifies a single endpoint
func WithEndpoint(endpoint string) TransportOptionFunc {
	return func(c *Config) {
		c.Endpoints = []string{endpoint}
	}
}

// WithEndpoints specifies a list of endpoints to try in order
func WithEndpoints(endpoints ...string) TransportOptionFunc {
	return func(c *Config) {
		c.Endpoints = endpoints
	}
}

// WithEndpointFunc specifies a function that resolves the endpoint on each connection attempt
func WithEndpointFunc(endpointFunc EndpointFunc) TransportOptionFunc {
	return func(c *Config) {
		c.EndpointFunc = endpointFunc
	}
}

// WithRetryDelay specifies the delay between reconnect attempts
func WithRetryDelay(retryDelay time.Duration) TransportOptionFunc {
	return func(c *Config) {
		c.RetryDelay = retryDelay
	}
}

// WithTimeout specifies the per-request deadline. A zero value disables request timeouts
func WithTimeout(timeout time.Duration) TransportOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxRetryAttempts specifies the retry budget. A zero value disables retries
func WithMaxRetryAttempts(maxRetryAttempts int) TransportOptionFunc {
	return func(c *Config) {
		c.MaxRetryAttempts = maxRetryAttempts
	}
}

// WithSweepInterval specifies how often pending requests are checked for timeout
func WithSweepInterval(sweepInterval time.Duration) TransportOptionFunc {
	return func(c *Config) {
		c.SweepInterval = sweepInterval
	}
}

// WithPingInterval specifies the keep-alive ping interval
func WithPingInterval(pingInterval time.Duration) TransportOptionFunc {
	return func(c *Config) {
		c.PingInterval = pingInterval
	}
}

// WithPendingNotificationLimit specifies how many early notifications are buffered per subscription
func WithPendingNotificationLimit(limit int) TransportOptionFunc {
	return func(c *Config) {
		c.PendingNotificationLimit = limit
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) TransportOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetricsRegisterer specifies the Prometheus registerer for transport metrics
func WithMetricsRegisterer(reg prometheus.Registerer) TransportOptionFunc {
	return func(c *Config) {
		c.MetricsRegisterer = reg
	}
}

// WithDialer specifies a custom WebSocket dialer
func WithDialer(dialer *websocket.Dialer) TransportOptionFunc {
	return func(c *Config) {
		c.Dialer = dialer
	}
}

// WithHeader specifies extra HTTP headers sent with the WebSocket handshake
func WithHeader(header http.Header) TransportOptionFunc {
	return func(c *Config) {
		c.Header = header
	}
}

// Validate checks the config for values that can never work
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 && c.EndpointFunc == nil {
		return ErrNoEndpoint
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("invalid max retry attempts: %d", c.MaxRetryAttempts)
	}
	if c.RetryDelay < 0 || c.Timeout < 0 || c.SweepInterval < 0 || c.PingInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// endpoint resolves the endpoint for the given attempt
func (c *Config) endpoint(attempt int) (string, error) {
	if c.EndpointFunc != nil {
		endpoint, err := c.EndpointFunc(attempt)
		if err != nil {
			return "", fmt.Errorf("endpoint resolver failed: %w", err)
		}
		if endpoint == "" {
			return "", ErrNoEndpoint
		}
		return endpoint, nil
	}
	if len(c.Endpoints) == 0 {
		return "", ErrNoEndpoint
	}
	return c.Endpoints[attempt%len(c.Endpoints)], nil
}
