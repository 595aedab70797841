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

// Package chainhead implements the client side of the chainHead JSON-RPC protocol family.
//
// The client follows the chain head of a node, keeps track of the blocks the node has pinned
// for it, and runs body, call, header and storage queries against those pinned blocks.
package chainhead

import (
	"log/slog"
	"time"
)

// Method prefixes of the supported protocol revisions
const (
	MethodPrefixV1       = "chainHead_v1"
	MethodPrefixUnstable = "chainHead_unstable"
)

// Default config values
const (
	DefaultHeaderCacheSize       = 256
	DefaultPendingOperationLimit = 64
	DefaultInaccessibleRetries   = 2
	DefaultUnpinTimeout          = 30 * time.Second
)

// methods holds the fully qualified method names for a protocol revision
type methods struct {
	follow        string
	followEvent   string
	unfollow      string
	body          string
	call          string
	header        string
	storage       string
	stopOperation string
	continueOp    string
	unpin         string
}

func newMethods(prefix string) methods {
	return methods{
		follow:        prefix + "_follow",
		followEvent:   prefix + "_followEvent",
		unfollow:      prefix + "_unfollow",
		body:          prefix + "_body",
		call:          prefix + "_call",
		header:        prefix + "_header",
		storage:       prefix + "_storage",
		stopOperation: prefix + "_stopOperation",
		continueOp:    prefix + "_continue",
		unpin:         prefix + "_unpin",
	}
}

// CallbackContext provides context to the callback functions
type CallbackContext struct {
	Client *Client
}

// Callback function types
type (
	NewBlockFunc         func(CallbackContext, NewBlockEvent) error
	BestBlockChangedFunc func(CallbackContext, BestBlockChangedEvent) error
	FinalizedFunc        func(CallbackContext, FinalizedEvent) error
)

// Config is used to configure the chainHead client
type Config struct {
	NewBlockFunc          NewBlockFunc
	BestBlockChangedFunc  BestBlockChangedFunc
	FinalizedFunc         FinalizedFunc
	WithRuntime           bool
	MethodPrefix          string
	RefollowOnStop        bool
	InaccessibleRetries   int
	HeaderCacheSize       int
	PendingOperationLimit int
	UnpinTimeout          time.Duration
	Logger                *slog.Logger
}

// ChainHeadOptionFunc represents a function used to modify the chainHead client config
type ChainHeadOptionFunc func(*Config)

// NewConfig returns a new chainHead config object with the provided options
func NewConfig(options ...ChainHeadOptionFunc) Config {
	c := Config{
		MethodPrefix:          MethodPrefixV1,
		RefollowOnStop:        true,
		InaccessibleRetries:   DefaultInaccessibleRetries,
		HeaderCacheSize:       DefaultHeaderCacheSize,
		PendingOperationLimit: DefaultPendingOperationLimit,
		UnpinTimeout:          DefaultUnpinTimeout,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithNewBlockFunc specifies the NewBlock callback function
func WithNewBlockFunc(newBlockFunc NewBlockFunc) ChainHeadOptionFunc {
	return func(c *Config) {
		c.NewBlockFunc = newBlockFunc
	}
}

// WithBestBlockChangedFunc specifies the BestBlockChanged callback function
func WithBestBlockChangedFunc(
	bestBlockChangedFunc BestBlockChangedFunc,
) ChainHeadOptionFunc {
	return func(c *Config) {
		c.BestBlockChangedFunc = bestBlockChangedFunc
	}
}

// WithFinalizedFunc specifies the Finalized callback function
func WithFinalizedFunc(finalizedFunc FinalizedFunc) ChainHeadOptionFunc {
	return func(c *Config) {
		c.FinalizedFunc = finalizedFunc
	}
}

// WithRuntime specifies whether runtime updates are reported by the follow subscription
func WithRuntime(withRuntime bool) ChainHeadOptionFunc {
	return func(c *Config) {
		c.WithRuntime = withRuntime
	}
}

// WithMethodPrefix specifies the method prefix, such as MethodPrefixUnstable for nodes that
// predate the v1 method names
func WithMethodPrefix(prefix string) ChainHeadOptionFunc {
	return func(c *Config) {
		c.MethodPrefix = prefix
	}
}

// WithRefollowOnStop specifies whether a stop event triggers a new follow subscription
func WithRefollowOnStop(refollow bool) ChainHeadOptionFunc {
	return func(c *Config) {
		c.RefollowOnStop = refollow
	}
}

// WithInaccessibleRetries specifies how many times an operation reported as inaccessible is
// re-issued before failing
func WithInaccessibleRetries(retries int) ChainHeadOptionFunc {
	return func(c *Config) {
		c.InaccessibleRetries = retries
	}
}

// WithHeaderCacheSize specifies the number of block headers to cache
func WithHeaderCacheSize(size int) ChainHeadOptionFunc {
	return func(c *Config) {
		c.HeaderCacheSize = size
	}
}

// WithPendingOperationLimit specifies how many distinct operation IDs may have events buffered
// while waiting for their caller
func WithPendingOperationLimit(limit int) ChainHeadOptionFunc {
	return func(c *Config) {
		c.PendingOperationLimit = limit
	}
}

// WithUnpinTimeout specifies the timeout for background unpin calls
func WithUnpinTimeout(timeout time.Duration) ChainHeadOptionFunc {
	return func(c *Config) {
		c.UnpinTimeout = timeout
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) ChainHeadOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}
