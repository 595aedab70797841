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

// Package storage provides one-shot and subscription-style storage reads on top of a chainHead
// client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"golang.org/x/time/rate"
)

// Client is the part of the chainHead client the storage facade uses. It is satisfied by
// *chainhead.Client
type Client interface {
	Storage(
		ctx context.Context,
		items []chainhead.StorageQueryItem,
		childTrie string,
		at string,
	) ([]chainhead.StorageResultItem, error)
	BestHash() string
	OnBestBlock(fn func(hash string)) func()
}

// Decoder turns the raw hex value of a storage key into a typed value
type Decoder func(key string, value string) (any, error)

// Values maps storage keys to their decoded values. Keys without a value are absent
type Values map[string]any

// ChangeFunc is called by a subscription with the latest values
type ChangeFunc func(values Values, err error)

// Config is used to configure the storage facade
type Config struct {
	Decoder Decoder
	// MaxReadRate limits the re-reads of a subscription, in reads per second. Zero means
	// unlimited
	MaxReadRate float64
	Registry    *Registry
	Logger      *slog.Logger
}

// StorageOptionFunc represents a function used to modify the storage config
type StorageOptionFunc func(*Config)

// NewConfig returns a new storage config object with the provided options
func NewConfig(options ...StorageOptionFunc) Config {
	c := Config{
		MaxReadRate: 4,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithDecoder specifies the value decoder
func WithDecoder(decoder Decoder) StorageOptionFunc {
	return func(c *Config) {
		c.Decoder = decoder
	}
}

// WithMaxReadRate specifies the maximum re-read rate of subscriptions
func WithMaxReadRate(readsPerSecond float64) StorageOptionFunc {
	return func(c *Config) {
		c.MaxReadRate = readsPerSecond
	}
}

// WithRegistry specifies the storage entry registry
func WithRegistry(registry *Registry) StorageOptionFunc {
	return func(c *Config) {
		c.Registry = registry
	}
}

// WithLogger specifies the logger
func WithLogger(logger *slog.Logger) StorageOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Storage is the storage query facade
type Storage struct {
	client Client
	config Config
	logger *slog.Logger
}

// New returns a new storage facade on top of the provided client
func New(client Client, cfg *Config) *Storage {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	config := *cfg
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Storage{
		client: client,
		config: config,
		logger: config.Logger.With("component", "storage"),
	}
}

// Query reads the raw values of the keys at the best block. Keys without a value are absent
// from the result
func (s *Storage) Query(ctx context.Context, keys []string) (map[string]string, error) {
	return s.QueryAt(ctx, keys, "")
}

// QueryAt reads the raw values of the keys at a pinned block
func (s *Storage) QueryAt(ctx context.Context, keys []string, at string) (map[string]string, error) {
	ret := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return ret, nil
	}
	items := make([]chainhead.StorageQueryItem, 0, len(keys))
	for _, key := range keys {
		items = append(
			items,
			chainhead.StorageQueryItem{
				Key:  key,
				Type: chainhead.StorageValue,
			},
		)
	}
	results, err := s.client.Storage(ctx, items, "", at)
	if err != nil {
		return nil, err
	}
	for _, result := range results {
		if result.Value != "" {
			ret[result.Key] = result.Value
		}
	}
	return ret, nil
}

// Entry reads a registered storage entry at the best block. The boolean result reports
// whether a value exists
func (s *Storage) Entry(
	ctx context.Context,
	pallet string,
	item string,
	args ...[]byte,
) (string, bool, error) {
	if s.config.Registry == nil {
		return "", false, fmt.Errorf("%w: no registry configured", ErrEntryNotFound)
	}
	keyFunc, err := s.config.Registry.Accessor(pallet, item)
	if err != nil {
		return "", false, err
	}
	key, err := keyFunc(args...)
	if err != nil {
		return "", false, err
	}
	values, err := s.Query(ctx, []string{key})
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *Storage) decode(raw map[string]string) (Values, error) {
	ret := make(Values, len(raw))
	for key, value := range raw {
		if s.config.Decoder == nil {
			ret[key] = value
			continue
		}
		decoded, err := s.config.Decoder(key, value)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		ret[key] = decoded
	}
	return ret, nil
}

// Subscribe reads the keys now and again whenever the best block changes, calling fn with the
// initial values and after every read whose decoded values differ from the previous read.
// Read failures are passed to fn. The returned function ends the subscription and waits for a
// running fn call to return, so it must not be called from within fn
func (s *Storage) Subscribe(ctx context.Context, keys []string, fn ChangeFunc) (func(), error) {
	sub := &subscription{
		storage: s,
		keys:    keys,
		fn:      fn,
		trigger: make(chan string, 1),
		limiter: newLimiter(s.config.MaxReadRate),
		done:    make(chan struct{}),
	}
	// Best block changes during the initial read queue a re-read
	removeListener := s.client.OnBestBlock(sub.onBestBlock)
	raw, err := s.Query(ctx, keys)
	if err != nil {
		removeListener()
		return nil, err
	}
	values, err := s.decode(raw)
	if err != nil {
		removeListener()
		return nil, err
	}
	sub.last = values
	fn(values, nil)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go sub.loop(loopCtx)
	var once sync.Once
	return func() {
		once.Do(func() {
			removeListener()
			cancel()
			<-sub.done
		})
	}, nil
}

func newLimiter(readsPerSecond float64) *rate.Limiter {
	if readsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(readsPerSecond), 1)
}

type subscription struct {
	storage *Storage
	keys    []string
	fn      ChangeFunc
	last    Values
	trigger chan string
	limiter *rate.Limiter
	done    chan struct{}
}

// onBestBlock records the newest best block. Bursts of changes coalesce into one read of the
// latest block
func (s *subscription) onBestBlock(hash string) {
	for {
		select {
		case s.trigger <- hash:
			return
		default:
		}
		// Replace the stale hash that is still waiting
		select {
		case <-s.trigger:
		default:
		}
	}
}

func (s *subscription) loop(ctx context.Context) {
	defer close(s.done)
	for {
		var hash string
		select {
		case <-ctx.Done():
			return
		case hash = <-s.trigger:
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		// A newer best block may have been reported while waiting
		select {
		case hash = <-s.trigger:
		default:
		}
		s.read(ctx, hash)
	}
}

func (s *subscription) read(ctx context.Context, hash string) {
	raw, err := s.storage.QueryAt(ctx, s.keys, hash)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, chainhead.ErrBlockNotPinned) {
			// Superseded before it could be read
			s.storage.logger.Debug(
				"skipping storage read of unpinned block",
				"hash", hash,
			)
			return
		}
		s.fn(nil, err)
		return
	}
	values, err := s.storage.decode(raw)
	if err != nil {
		s.fn(nil, err)
		return
	}
	if reflect.DeepEqual(values, s.last) {
		return
	}
	s.last = values
	if ctx.Err() != nil {
		return
	}
	s.fn(values, nil)
}
