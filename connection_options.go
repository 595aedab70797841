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

package gochainhead

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/storage"
	"github.com/blinklabs-io/gochainhead/transport"
)

// ConnectionOptionFunc is a type that represents functions that modify the Connection config
type ConnectionOptionFunc func(*Connection)

// WithEndpoint adds an endpoint to try. Endpoints are tried in the order they were added
func WithEndpoint(endpoint string) ConnectionOptionFunc {
	return func(c *Connection) {
		c.endpoints = append(c.endpoints, endpoint)
	}
}

// WithNetwork adds the default endpoints of the network
func WithNetwork(network Network) ConnectionOptionFunc {
	return func(c *Connection) {
		c.endpoints = append(c.endpoints, network.Endpoints...)
	}
}

// WithEndpointsConfig specifies an endpoints config, usually loaded from a file. Its settings
// apply unless an explicit transport or chainHead config is provided
func WithEndpointsConfig(cfg *EndpointsConfig) ConnectionOptionFunc {
	return func(c *Connection) {
		c.endpointsConfig = cfg
	}
}

// WithErrorChan specifies the error channel to use. If none is provided, one will be created
func WithErrorChan(errorChan chan error) ConnectionOptionFunc {
	return func(c *Connection) {
		c.errorChan = errorChan
	}
}

// WithLogger specifies the logger used by the connection and, unless their configs provide one,
// its components
func WithLogger(logger *slog.Logger) ConnectionOptionFunc {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithCloseTimeout specifies how long Close waits for the unfollow call
func WithCloseTimeout(timeout time.Duration) ConnectionOptionFunc {
	return func(c *Connection) {
		c.closeTimeout = timeout
	}
}

// WithTransportConfig specifies Transport config
func WithTransportConfig(cfg transport.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.transportConfig = &cfg
	}
}

// WithChainHeadConfig specifies ChainHead protocol config
func WithChainHeadConfig(cfg chainhead.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.chainHeadConfig = &cfg
	}
}

// WithStorageConfig specifies storage facade config
func WithStorageConfig(cfg storage.Config) ConnectionOptionFunc {
	return func(c *Connection) {
		c.storageConfig = &cfg
	}
}
