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

// Package gochainhead implements a client for blockchain nodes exposing the chainHead JSON-RPC
// protocol over WebSocket.
//
// A Connection combines a resilient transport, which multiplexes requests and subscriptions over
// one reconnecting socket, with the chainHead protocol client, which tracks pinned blocks and
// correlates operations, and a storage query facade built on top of it.
//
// This package is the main entry point into this library. The other packages can be used
// outside of this one, but it's not a primary design goal.
package gochainhead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/storage"
	"github.com/blinklabs-io/gochainhead/transport"
)

const defaultCloseTimeout = 5 * time.Second

// The Connection type ties a transport, the chainHead client following it and the storage facade
type Connection struct {
	endpoints       []string
	endpointsConfig *EndpointsConfig
	logger          *slog.Logger
	errorChan       chan error
	doneChan        chan struct{}
	waitGroup       sync.WaitGroup
	onceClose       sync.Once
	closeTimeout    time.Duration
	transport       *transport.Transport
	transportConfig *transport.Config
	chainHead       *chainhead.Client
	chainHeadConfig *chainhead.Config
	storage         *storage.Storage
	storageConfig   *storage.Config
}

// NewConnection returns a new Connection object with the specified options. Call Dial to connect
// and start following the chain
func NewConnection(options ...ConnectionOptionFunc) (*Connection, error) {
	c := &Connection{
		doneChan:     make(chan struct{}),
		closeTimeout: defaultCloseTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(c)
	}
	if c.errorChan == nil {
		c.errorChan = make(chan error, 10)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if err := c.setup(); err != nil {
		return nil, err
	}
	// Start goroutine to pass along asynchronous errors
	c.waitGroup.Add(1)
	go c.forwardErrors()
	return c, nil
}

// New is an alias to NewConnection
func New(options ...ConnectionOptionFunc) (*Connection, error) {
	return NewConnection(options...)
}

func (c *Connection) setup() error {
	// Transport
	var transportCfg transport.Config
	if c.transportConfig != nil {
		transportCfg = *c.transportConfig
	} else if c.endpointsConfig != nil {
		transportCfg = transport.NewConfig(c.endpointsConfig.TransportOptions()...)
	} else {
		transportCfg = transport.NewConfig()
	}
	if len(c.endpoints) > 0 {
		transportCfg.Endpoints = c.endpoints
	}
	if len(transportCfg.Endpoints) == 0 && transportCfg.EndpointFunc == nil {
		return ErrNoEndpoints
	}
	if transportCfg.Logger == nil {
		transportCfg.Logger = c.logger
	}
	t, err := transport.New(&transportCfg)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	c.transport = t
	// ChainHead client
	var chainHeadCfg chainhead.Config
	if c.chainHeadConfig != nil {
		chainHeadCfg = *c.chainHeadConfig
	} else if c.endpointsConfig != nil {
		chainHeadCfg = chainhead.NewConfig(c.endpointsConfig.ChainHeadOptions()...)
	} else {
		chainHeadCfg = chainhead.NewConfig()
	}
	if chainHeadCfg.Logger == nil {
		chainHeadCfg.Logger = c.logger
	}
	client, err := chainhead.NewClient(t, &chainHeadCfg)
	if err != nil {
		return fmt.Errorf("chainhead: %w", err)
	}
	c.chainHead = client
	// Storage facade
	var storageCfg storage.Config
	if c.storageConfig != nil {
		storageCfg = *c.storageConfig
	} else {
		storageCfg = storage.NewConfig()
	}
	if storageCfg.Logger == nil {
		storageCfg.Logger = c.logger
	}
	c.storage = storage.New(client, &storageCfg)
	return nil
}

// ErrorChan returns the channel for asynchronous errors from the transport and chainHead client
func (c *Connection) ErrorChan() chan error {
	return c.errorChan
}

// Transport returns the underlying transport
func (c *Connection) Transport() *transport.Transport {
	return c.transport
}

// ChainHead returns the chainHead protocol client
func (c *Connection) ChainHead() *chainhead.Client {
	return c.chainHead
}

// Storage returns the storage query facade
func (c *Connection) Storage() *storage.Storage {
	return c.storage
}

// Dial connects the transport and starts following the chain. It returns once the first
// initialized event has been processed. An error will be returned if the connection fails, a
// connection was already established, or the follow subscription fails
func (c *Connection) Dial(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	if err := c.chainHead.Follow(ctx); err != nil {
		if disconnectErr := c.transport.Disconnect(); disconnectErr != nil {
			c.logger.Debug(
				"failed to disconnect after follow error",
				"component", "network",
				"error", disconnectErr,
			)
		}
		return err
	}
	return nil
}

// Close stops following the chain and disconnects the transport. The error channel is closed
// once everything has shut down
func (c *Connection) Close() error {
	var err error
	c.onceClose.Do(func() {
		if c.chainHead.State() != chainhead.StateUnfollowed {
			ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
			if unfollowErr := c.chainHead.Unfollow(ctx); unfollowErr != nil &&
				!errors.Is(unfollowErr, chainhead.ErrNotFollowing) {
				err = errors.Join(err, fmt.Errorf("unfollow: %w", unfollowErr))
			}
			cancel()
		}
		if disconnectErr := c.transport.Disconnect(); disconnectErr != nil &&
			!errors.Is(disconnectErr, transport.ErrNotConnected) {
			err = errors.Join(err, fmt.Errorf("disconnect: %w", disconnectErr))
		}
		// Close doneChan to signify that we're shutting down
		close(c.doneChan)
		// Wait for other goroutines to finish
		c.waitGroup.Wait()
		close(c.errorChan)
	})
	return err
}

func (c *Connection) forwardErrors() {
	defer c.waitGroup.Done()
	transportErrors := c.transport.ErrorChan()
	chainHeadErrors := c.chainHead.ErrorChan()
	for {
		var err error
		select {
		case <-c.doneChan:
			return
		case err = <-transportErrors:
			err = fmt.Errorf("transport error: %w", err)
		case err = <-chainHeadErrors:
			err = fmt.Errorf("protocol error: %w", err)
		}
		select {
		case c.errorChan <- err:
		case <-c.doneChan:
			return
		}
	}
}
