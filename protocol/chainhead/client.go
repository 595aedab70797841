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

package chainhead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/blinklabs-io/gochainhead/jsonrpc"
	"github.com/blinklabs-io/gochainhead/transport"
	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/blinklabs-io/gochainhead/protocol/chainhead")

// Transport is the request/subscription contract the client needs. It is satisfied by
// *transport.Transport
type Transport interface {
	Send(ctx context.Context, method string, params ...any) (jsonrpc.RawMessage, error)
	Subscribe(
		ctx context.Context,
		req transport.SubscribeRequest,
		handler transport.NotificationFunc,
	) (transport.Subscription, error)
}

// State is the follow state of the client
type State int

const (
	StateUnfollowed State = iota
	StateFollowing        // awaiting the initialized event
	StateFollowed
)

func (s State) String() string {
	switch s {
	case StateUnfollowed:
		return "Unfollowed"
	case StateFollowing:
		return "Following"
	case StateFollowed:
		return "Followed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a point-in-time copy of the follow state
type Snapshot struct {
	State         State
	BestHash      string
	FinalizedHash string
	Blocks        []PinnedBlock
}

// Client implements the chainHead protocol client
type Client struct {
	config    *Config
	transport Transport
	logger    *slog.Logger
	methods   methods
	headers   *lru.Cache
	errorChan chan error
	waitGroup sync.WaitGroup

	// Follow state, guarded by stateMutex. No network call is made while it is held
	stateMutex   sync.Mutex
	state        State
	subscription transport.Subscription
	// generation identifies the follow subscription whose events are accepted
	generation  uint64
	subReady    chan struct{}
	readyClosed bool
	// session changes whenever pinned state is rebuilt or discarded, which invalidates
	// running operations
	session      uint64
	initChan     chan error
	followCtx    context.Context
	followCancel context.CancelFunc
	pinned       *pinnedBlocks
	best         string
	finalized    string
	operations   *operations

	listenerMutex sync.Mutex
	listeners     map[uint64]func(string)
	nextListener  uint64
}

// NewClient returns a new chainHead client using the provided transport
func NewClient(t Transport, cfg *Config) (*Client, error) {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	// Apply defaults for zero values to handle Config{} created without NewConfig()
	if cfg.MethodPrefix == "" {
		cfg.MethodPrefix = MethodPrefixV1
	}
	if cfg.UnpinTimeout == 0 {
		cfg.UnpinTimeout = DefaultUnpinTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		config:     cfg,
		transport:  t,
		logger:     cfg.Logger.With("component", "chainhead"),
		methods:    newMethods(cfg.MethodPrefix),
		errorChan:  make(chan error, 10),
		pinned:     newPinnedBlocks(),
		operations: newOperations(cfg.PendingOperationLimit),
		listeners:  make(map[uint64]func(string)),
	}
	if cfg.HeaderCacheSize > 0 {
		headers, err := lru.New(cfg.HeaderCacheSize)
		if err != nil {
			return nil, fmt.Errorf("header cache: %w", err)
		}
		c.headers = headers
	}
	return c, nil
}

// ErrorChan returns the channel for asynchronous protocol faults
func (c *Client) ErrorChan() <-chan error {
	return c.errorChan
}

// State returns the current follow state
func (c *Client) State() State {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state
}

// BestHash returns the current best block hash
func (c *Client) BestHash() string {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.best
}

// FinalizedHash returns the current finalized block hash
func (c *Client) FinalizedHash() string {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.finalized
}

// PinnedHashes returns the pinned block hashes, oldest first
func (c *Client) PinnedHashes() []string {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.pinned.hashes()
}

// Snapshot returns a deep copy of the follow state
func (c *Client) Snapshot() (Snapshot, error) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	blocks, err := c.pinned.snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		State:         c.state,
		BestHash:      c.best,
		FinalizedHash: c.finalized,
		Blocks:        blocks,
	}, nil
}

// RuntimeAt returns the runtime in effect at a pinned block. It returns nil without error when
// the runtime is unknown, which is always the case when following without runtime updates
func (c *Client) RuntimeAt(hash string) (*RuntimeSpec, error) {
	c.stateMutex.Lock()
	block := c.pinned.get(hash)
	c.stateMutex.Unlock()
	if block == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotPinned, hash)
	}
	if block.Runtime == nil {
		return nil, nil
	}
	ret := &RuntimeSpec{}
	if err := copier.CopyWithOption(ret, block.Runtime, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	return ret, nil
}

// OnBestBlock registers a function called with the new best block hash whenever it changes,
// including on (re)initialization. The returned function removes the listener
func (c *Client) OnBestBlock(fn func(hash string)) func() {
	c.listenerMutex.Lock()
	defer c.listenerMutex.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.listenerMutex.Lock()
		defer c.listenerMutex.Unlock()
		delete(c.listeners, id)
	}
}

// Follow starts following the chain head and returns once the node reported the initial
// finalized blocks
func (c *Client) Follow(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "chainhead.Follow")
	defer span.End()
	c.logger.Debug(
		fmt.Sprintf("calling Follow(withRuntime: %v)", c.config.WithRuntime),
	)
	c.stateMutex.Lock()
	if c.state != StateUnfollowed {
		c.stateMutex.Unlock()
		return recordError(span, ErrAlreadyFollowing)
	}
	c.state = StateFollowing
	c.followCtx, c.followCancel = context.WithCancel(context.Background())
	initChan := make(chan error, 1)
	c.initChan = initChan
	generation := c.newGeneration()
	c.stateMutex.Unlock()
	if err := c.subscribe(ctx, generation); err != nil {
		c.stateMutex.Lock()
		if c.generation == generation {
			c.state = StateUnfollowed
			c.initChan = nil
			c.newGeneration()
			c.followCancel()
		}
		c.stateMutex.Unlock()
		// A stop replayed before the subscription was installed carries the real cause
		select {
		case initErr := <-initChan:
			if initErr != nil {
				err = initErr
			}
		default:
		}
		return recordError(span, err)
	}
	select {
	case err := <-initChan:
		if err != nil {
			return recordError(span, err)
		}
	case <-ctx.Done():
		_ = c.Unfollow(context.Background())
		return recordError(span, ctx.Err())
	}
	c.logger.Info(
		"following chain head",
		"finalized", c.FinalizedHash(),
	)
	return nil
}

// Unfollow ends the follow subscription and discards all follow state. Operations still
// running fail with ErrUnfollowed
func (c *Client) Unfollow(ctx context.Context) error {
	c.logger.Debug("calling Unfollow()")
	c.stateMutex.Lock()
	if c.state == StateUnfollowed {
		c.stateMutex.Unlock()
		return ErrNotFollowing
	}
	c.newGeneration()
	c.resetLocked(ErrUnfollowed)
	sub := c.subscription
	c.subscription = nil
	initChan := c.initChan
	c.initChan = nil
	c.state = StateUnfollowed
	cancel := c.followCancel
	c.stateMutex.Unlock()
	if initChan != nil {
		initChan <- ErrUnfollowed
	}
	cancel()
	var err error
	if sub != nil {
		err = sub.Unsubscribe(ctx)
	}
	// Wait for background unpin, continue and re-follow calls to finish
	c.waitGroup.Wait()
	return err
}

// subscribe issues the follow subscription for the given generation
func (c *Client) subscribe(ctx context.Context, generation uint64) error {
	sub, err := c.transport.Subscribe(
		ctx,
		transport.SubscribeRequest{
			Method:             c.methods.follow,
			Params:             []any{c.config.WithRuntime},
			NotificationMethod: c.methods.followEvent,
			UnsubscribeMethod:  c.methods.unfollow,
		},
		c.followHandler(generation),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", c.methods.follow, err)
	}
	c.stateMutex.Lock()
	if c.generation != generation {
		// Unfollowed while subscribing
		c.stateMutex.Unlock()
		_ = sub.Unsubscribe(ctx)
		return ErrUnfollowed
	}
	c.subscription = sub
	c.markReady()
	c.stateMutex.Unlock()
	c.logger.Debug(
		"follow subscription started",
		"subscription_id", sub.SubscriptionId(),
	)
	return nil
}

// newGeneration invalidates the current follow subscription. The caller must hold stateMutex
func (c *Client) newGeneration() uint64 {
	c.markReady()
	c.generation++
	c.subReady = make(chan struct{})
	c.readyClosed = false
	return c.generation
}

// markReady releases callers waiting for the follow subscription ID. The caller must hold
// stateMutex
func (c *Client) markReady() {
	if c.subReady != nil && !c.readyClosed {
		close(c.subReady)
		c.readyClosed = true
	}
}

// resetLocked discards the pinned state and fails running operations. The caller must hold
// stateMutex
func (c *Client) resetLocked(err error) {
	c.session++
	if count := c.operations.rejectAll(err); count > 0 {
		c.logger.Debug(
			"rejected running operations",
			"count", count,
			"error", err,
		)
	}
	c.pinned.reset()
	c.best = ""
	c.finalized = ""
}

// goLocked runs fn on a tracked goroutine bound to the current follow context. The caller must
// hold stateMutex
func (c *Client) goLocked(fn func(ctx context.Context)) {
	if c.state == StateUnfollowed || c.followCtx == nil {
		return
	}
	ctx := c.followCtx
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		fn(ctx)
	}()
}

// followInfo returns the current follow subscription ID along with the session it belongs to
func (c *Client) followInfo(ctx context.Context) (string, uint64, error) {
	c.stateMutex.Lock()
	if c.state != StateFollowed {
		c.stateMutex.Unlock()
		return "", 0, ErrNotFollowing
	}
	ready := c.subReady
	generation := c.generation
	c.stateMutex.Unlock()
	select {
	case <-ready:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.generation != generation || c.subscription == nil || c.state != StateFollowed {
		return "", 0, &ProtocolFault{Reason: "follow subscription replaced", Err: ErrFollowStopped}
	}
	return c.subscription.SubscriptionId(), c.session, nil
}

// resolveAt maps an optional block hash to a pinned hash, defaulting to the best block
func (c *Client) resolveAt(at string) (string, error) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.state != StateFollowed {
		return "", ErrNotFollowing
	}
	if at == "" {
		at = c.best
		if at == "" {
			at = c.finalized
		}
	}
	if !c.pinned.contains(at) {
		return "", fmt.Errorf("%w: %s", ErrBlockNotPinned, at)
	}
	return at, nil
}

func (c *Client) fault(err error) {
	c.logger.Error(
		"protocol fault",
		"error", err,
	)
	select {
	case c.errorChan <- err:
	default:
		c.logger.Warn(
			"error channel full, dropping error",
			"error", err,
		)
	}
}

func (c *Client) notifyBestBlock(hash string) {
	c.listenerMutex.Lock()
	listeners := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listenerMutex.Unlock()
	for _, fn := range listeners {
		fn(hash)
	}
}

func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chainhead.method_prefix", c.config.MethodPrefix),
		),
	)
}

func recordError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Body returns the hex-encoded extrinsics of the block
func (c *Client) Body(ctx context.Context, at string) ([]string, error) {
	c.logger.Debug(fmt.Sprintf("calling Body(at: %s)", at))
	hash, err := c.resolveAt(at)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "chainhead.Body")
	defer span.End()
	span.SetAttributes(attribute.String("chainhead.at", hash))
	res, _, err := c.runOperation(
		ctx,
		c.methods.body,
		hash,
		func(followId string) []any {
			return []any{followId, hash}
		},
	)
	if err != nil {
		return nil, recordError(span, err)
	}
	return res.event.Value, nil
}

// Call runs a runtime API function with hex-encoded parameters and returns its hex-encoded
// output
func (c *Client) Call(
	ctx context.Context,
	function string,
	callParameters string,
	at string,
) (string, error) {
	c.logger.Debug(fmt.Sprintf("calling Call(function: %s, at: %s)", function, at))
	hash, err := c.resolveAt(at)
	if err != nil {
		return "", err
	}
	ctx, span := c.startSpan(ctx, "chainhead.Call")
	defer span.End()
	span.SetAttributes(
		attribute.String("chainhead.at", hash),
		attribute.String("chainhead.function", function),
	)
	res, _, err := c.runOperation(
		ctx,
		c.methods.call,
		hash,
		func(followId string) []any {
			return []any{followId, hash, function, callParameters}
		},
	)
	if err != nil {
		return "", recordError(span, err)
	}
	return res.event.Output, nil
}

// Header returns the hex-encoded header of the block
func (c *Client) Header(ctx context.Context, at string) (string, error) {
	c.logger.Debug(fmt.Sprintf("calling Header(at: %s)", at))
	hash, err := c.resolveAt(at)
	if err != nil {
		return "", err
	}
	if c.headers != nil {
		if header, ok := c.headers.Get(hash); ok {
			return header.(string), nil
		}
	}
	ctx, span := c.startSpan(ctx, "chainhead.Header")
	defer span.End()
	span.SetAttributes(attribute.String("chainhead.at", hash))
	followId, _, err := c.followInfo(ctx)
	if err != nil {
		return "", recordError(span, err)
	}
	raw, err := c.transport.Send(ctx, c.methods.header, followId, hash)
	if err != nil {
		return "", recordError(span, fmt.Errorf("%s: %w", c.methods.header, err))
	}
	var header *string
	if err := jsonrpc.Unmarshal(raw, &header); err != nil {
		return "", recordError(span, fmt.Errorf("invalid %s result: %w", c.methods.header, err))
	}
	if header == nil {
		return "", recordError(span, fmt.Errorf("%w: %s", ErrBlockNotPinned, hash))
	}
	if c.headers != nil {
		c.headers.Add(hash, *header)
	}
	return *header, nil
}

// Storage queries storage items of the block, optionally within a child trie. Items the node
// discards for lack of capacity are requested again until every item has been served
func (c *Client) Storage(
	ctx context.Context,
	items []StorageQueryItem,
	childTrie string,
	at string,
) ([]StorageResultItem, error) {
	c.logger.Debug(
		fmt.Sprintf("calling Storage(items: %d, childTrie: %q, at: %s)", len(items), childTrie, at),
	)
	hash, err := c.resolveAt(at)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "chainhead.Storage")
	defer span.End()
	span.SetAttributes(
		attribute.String("chainhead.at", hash),
		attribute.Int("chainhead.items", len(items)),
	)
	var childTrieParam any
	if childTrie != "" {
		childTrieParam = childTrie
	}
	var results []StorageResultItem
	remaining := items
	for len(remaining) > 0 {
		batch := remaining
		res, discarded, err := c.runOperation(
			ctx,
			c.methods.storage,
			hash,
			func(followId string) []any {
				return []any{followId, hash, batch, childTrieParam}
			},
		)
		if err != nil {
			return nil, recordError(span, err)
		}
		results = append(results, res.items...)
		if discarded <= 0 {
			break
		}
		if discarded >= len(batch) {
			return nil, recordError(
				span,
				&ProtocolFault{
					Reason: "node discarded every storage item",
					Err:    ErrLimitReached,
				},
			)
		}
		c.logger.Debug(
			"re-requesting discarded storage items",
			"count", discarded,
		)
		remaining = batch[len(batch)-discarded:]
	}
	return results, nil
}

// Unpin releases pinned blocks. The best and finalized blocks cannot be unpinned
func (c *Client) Unpin(ctx context.Context, hashes ...string) error {
	c.logger.Debug(fmt.Sprintf("calling Unpin(hashes: %v)", hashes))
	if len(hashes) == 0 {
		return nil
	}
	followId, _, err := c.followInfo(ctx)
	if err != nil {
		return err
	}
	c.stateMutex.Lock()
	for _, hash := range hashes {
		if hash == c.best || hash == c.finalized {
			c.stateMutex.Unlock()
			return fmt.Errorf("%w: %s", ErrProtectedBlock, hash)
		}
		if !c.pinned.contains(hash) {
			c.stateMutex.Unlock()
			return fmt.Errorf("%w: %s", ErrBlockNotPinned, hash)
		}
	}
	c.pinned.remove(hashes)
	c.stateMutex.Unlock()
	if _, err := c.transport.Send(ctx, c.methods.unpin, followId, hashes); err != nil {
		return fmt.Errorf("%s: %w", c.methods.unpin, err)
	}
	return nil
}

// runOperation starts an operation and waits for its terminal event. Operations reported as
// inaccessible are started again up to the configured number of times
func (c *Client) runOperation(
	ctx context.Context,
	method string,
	hash string,
	params func(followId string) []any,
) (*operationResult, int, error) {
	for attempt := 0; ; attempt++ {
		followId, session, err := c.followInfo(ctx)
		if err != nil {
			return nil, 0, err
		}
		if attempt > 0 {
			if _, err := c.resolveAt(hash); err != nil {
				return nil, 0, err
			}
		}
		raw, err := c.transport.Send(ctx, method, params(followId)...)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", method, err)
		}
		var start operationStart
		if err := jsonrpc.Unmarshal(raw, &start); err != nil {
			return nil, 0, fmt.Errorf("invalid %s result: %w", method, err)
		}
		switch start.Result {
		case OperationStarted:
		case OperationLimitReached:
			return nil, 0, &ProtocolFault{Reason: method, Err: ErrLimitReached}
		default:
			return nil, 0, fmt.Errorf("%s: unexpected result %q", method, start.Result)
		}
		res, err := c.awaitOperation(ctx, session, followId, start.OperationId)
		if err != nil {
			if errors.Is(err, ErrOperationInaccessible) && attempt < c.config.InaccessibleRetries {
				c.logger.Debug(
					"operation inaccessible, retrying",
					"method", method,
					"operation_id", start.OperationId,
					"attempt", attempt+1,
				)
				continue
			}
			return nil, 0, err
		}
		return res, start.DiscardedItems, nil
	}
}

// awaitOperation registers the handler for an operation and waits for its result. Cancelling
// ctx stops the operation on the node
func (c *Client) awaitOperation(
	ctx context.Context,
	session uint64,
	followId string,
	operationId string,
) (*operationResult, error) {
	c.stateMutex.Lock()
	if c.state == StateUnfollowed {
		c.stateMutex.Unlock()
		return nil, ErrUnfollowed
	}
	if c.session != session {
		c.stateMutex.Unlock()
		return nil, &ProtocolFault{Reason: "follow subscription replaced", Err: ErrFollowStopped}
	}
	op := c.operations.register(operationId)
	c.stateMutex.Unlock()
	select {
	case res := <-op.result:
		if res.err != nil {
			return nil, res.err
		}
		return &res, nil
	case <-ctx.Done():
		c.stateMutex.Lock()
		if c.operations.remove(operationId) {
			c.goLocked(func(bgCtx context.Context) {
				stopCtx, cancel := context.WithTimeout(bgCtx, c.config.UnpinTimeout)
				defer cancel()
				if _, err := c.transport.Send(stopCtx, c.methods.stopOperation, followId, operationId); err != nil {
					c.logger.Debug(
						"failed to stop operation",
						"operation_id", operationId,
						"error", err,
					)
				}
			})
		}
		c.stateMutex.Unlock()
		return nil, ctx.Err()
	}
}

// followHandler returns the notification handler for the follow subscription of a generation
func (c *Client) followHandler(generation uint64) transport.NotificationFunc {
	return func(result jsonrpc.RawMessage, err error) {
		if err != nil {
			// The transport lost the subscription, which ends it like a stop event
			c.handleStop(generation, err)
			return
		}
		ev, err := decodeFollowEvent(result)
		if err != nil {
			c.logger.Warn(
				"discarding follow event",
				"error", err,
			)
			return
		}
		c.handleEvent(generation, ev)
	}
}

func (c *Client) handleEvent(generation uint64, ev *followEvent) {
	switch ev.Event {
	case EventInitialized:
		c.handleInitialized(generation, ev)
	case EventNewBlock:
		c.handleNewBlock(generation, ev)
	case EventBestBlockChanged:
		c.handleBestBlockChanged(generation, ev)
	case EventFinalized:
		c.handleFinalized(generation, ev)
	case EventStop:
		c.handleStop(generation, nil)
	case EventOperationWaitingForContinue:
		c.handleWaitingForContinue(generation, ev)
	default:
		if !ev.isOperationEvent() {
			c.logger.Debug(
				"ignoring unknown follow event",
				"event", ev.Event,
			)
			return
		}
		c.stateMutex.Lock()
		defer c.stateMutex.Unlock()
		if c.generation != generation {
			return
		}
		if evicted := c.operations.dispatch(ev); evicted != "" {
			c.logger.Warn(
				"discarding events of unclaimed operation",
				"operation_id", evicted,
			)
		}
	}
}

func (c *Client) handleInitialized(generation uint64, ev *followEvent) {
	hashes := ev.initializedHashes()
	if len(hashes) == 0 {
		// Nothing can be pinned, so the subscription is unusable
		c.handleStop(generation, errors.New("initialized event without finalized blocks"))
		return
	}
	runtime, runtimeErr := ev.FinalizedBlockRuntime.validSpec()
	c.stateMutex.Lock()
	if c.generation != generation {
		c.stateMutex.Unlock()
		return
	}
	reinitialized := c.state == StateFollowed
	if reinitialized {
		// The transport re-issued the follow subscription after a reconnect
		c.resetLocked(&ProtocolFault{Reason: "follow subscription re-initialized", Err: ErrFollowStopped})
	} else {
		c.session++
	}
	c.pinned.seed(hashes, runtime)
	last := hashes[len(hashes)-1]
	c.best = last
	c.finalized = last
	c.state = StateFollowed
	initChan := c.initChan
	c.initChan = nil
	c.stateMutex.Unlock()
	if runtimeErr != nil {
		c.fault(runtimeErr)
	}
	c.logger.Debug(
		"initialized",
		"finalized", last,
		"pinned", len(hashes),
		"reinitialized", reinitialized,
	)
	if initChan != nil {
		initChan <- nil
	}
	c.notifyBestBlock(last)
}

func (c *Client) handleNewBlock(generation uint64, ev *followEvent) {
	runtime, runtimeErr := ev.NewRuntime.validSpec()
	c.stateMutex.Lock()
	if c.generation != generation {
		c.stateMutex.Unlock()
		return
	}
	added := c.pinned.add(ev.BlockHash, ev.ParentBlockHash, runtime)
	c.stateMutex.Unlock()
	if runtimeErr != nil {
		c.fault(runtimeErr)
	}
	if !added {
		c.logger.Debug(
			"duplicate new block",
			"hash", ev.BlockHash,
		)
		return
	}
	if c.config.NewBlockFunc != nil {
		err := c.config.NewBlockFunc(
			CallbackContext{Client: c},
			NewBlockEvent{
				BlockHash:       ev.BlockHash,
				ParentBlockHash: ev.ParentBlockHash,
				NewRuntime:      runtime,
			},
		)
		if err != nil {
			c.logger.Error(
				"new block callback failed",
				"error", err,
			)
		}
	}
}

func (c *Client) handleBestBlockChanged(generation uint64, ev *followEvent) {
	c.stateMutex.Lock()
	if c.generation != generation {
		c.stateMutex.Unlock()
		return
	}
	if !c.pinned.contains(ev.BestBlockHash) {
		c.stateMutex.Unlock()
		c.fault(&ProtocolFault{Reason: "best block " + ev.BestBlockHash, Err: ErrBlockNotPinned})
		return
	}
	c.best = ev.BestBlockHash
	c.stateMutex.Unlock()
	c.notifyBestBlock(ev.BestBlockHash)
	if c.config.BestBlockChangedFunc != nil {
		err := c.config.BestBlockChangedFunc(
			CallbackContext{Client: c},
			BestBlockChangedEvent{BestBlockHash: ev.BestBlockHash},
		)
		if err != nil {
			c.logger.Error(
				"best block callback failed",
				"error", err,
			)
		}
	}
}

func (c *Client) handleFinalized(generation uint64, ev *followEvent) {
	c.stateMutex.Lock()
	if c.generation != generation {
		c.stateMutex.Unlock()
		return
	}
	if len(ev.FinalizedBlockHashes) > 0 {
		c.finalized = ev.FinalizedBlockHashes[len(ev.FinalizedBlockHashes)-1]
	}
	// The oldest pinned blocks make room for the newly finalized ones
	spliced := c.pinned.spliceOldest(len(ev.FinalizedBlockHashes), c.best, c.finalized)
	c.pinned.remove(ev.PrunedBlockHashes, c.best, c.finalized)
	unpinSet := mapset.NewThreadUnsafeSet(ev.PrunedBlockHashes...)
	unpinSet.Append(spliced...)
	unpinSet.Remove(c.best)
	unpinSet.Remove(c.finalized)
	unpin := unpinSet.ToSlice()
	slices.Sort(unpin)
	if len(unpin) > 0 {
		// The event may be replayed before the follow subscription is installed
		ready := c.subReady
		c.goLocked(func(ctx context.Context) {
			c.unpinAsync(ctx, generation, ready, unpin)
		})
	}
	c.stateMutex.Unlock()
	c.logger.Debug(
		"finalized",
		"finalized", ev.FinalizedBlockHashes,
		"pruned", len(ev.PrunedBlockHashes),
		"unpinned", len(unpin),
	)
	if c.config.FinalizedFunc != nil {
		err := c.config.FinalizedFunc(
			CallbackContext{Client: c},
			FinalizedEvent{
				FinalizedBlockHashes: ev.FinalizedBlockHashes,
				PrunedBlockHashes:    ev.PrunedBlockHashes,
				Unpinned:             unpin,
			},
		)
		if err != nil {
			c.logger.Error(
				"finalized callback failed",
				"error", err,
			)
		}
	}
}

// unpinAsync releases blocks dropped by finalization. Failures are logged only, since the
// local bookkeeping has already moved on
func (c *Client) unpinAsync(
	ctx context.Context,
	generation uint64,
	ready <-chan struct{},
	hashes []string,
) {
	ctx, cancel := context.WithTimeout(ctx, c.config.UnpinTimeout)
	defer cancel()
	followId, ok := c.awaitSubscription(ctx, generation, ready)
	if !ok {
		c.logger.Debug(
			"dropping unpin for replaced follow subscription",
			"hashes", hashes,
		)
		return
	}
	if _, err := c.transport.Send(ctx, c.methods.unpin, followId, hashes); err != nil {
		c.logger.Warn(
			"failed to unpin blocks",
			"hashes", hashes,
			"error", err,
		)
	}
}

// awaitSubscription waits until the follow subscription of generation is installed and returns
// its ID. It reports false if that subscription was replaced or ended first
func (c *Client) awaitSubscription(
	ctx context.Context,
	generation uint64,
	ready <-chan struct{},
) (string, bool) {
	select {
	case <-ready:
	case <-ctx.Done():
		return "", false
	}
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.generation != generation || c.subscription == nil {
		return "", false
	}
	return c.subscription.SubscriptionId(), true
}

func (c *Client) handleWaitingForContinue(generation uint64, ev *followEvent) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.generation != generation {
		return
	}
	ready := c.subReady
	operationId := ev.OperationId
	c.goLocked(func(ctx context.Context) {
		followId, ok := c.awaitSubscription(ctx, generation, ready)
		if !ok {
			return
		}
		if _, err := c.transport.Send(ctx, c.methods.continueOp, followId, operationId); err != nil {
			c.logger.Warn(
				"failed to continue operation",
				"operation_id", operationId,
				"error", err,
			)
		}
	})
}

// handleStop ends the current follow subscription. Depending on the config a new follow
// subscription is started, which rebuilds the pinned state from its initialized event
func (c *Client) handleStop(generation uint64, cause error) {
	fault := &ProtocolFault{Reason: "node sent stop event", Err: ErrFollowStopped}
	if cause != nil {
		fault.Reason = cause.Error()
	}
	c.stateMutex.Lock()
	if c.generation != generation {
		c.stateMutex.Unlock()
		return
	}
	c.resetLocked(fault)
	oldSub := c.subscription
	c.subscription = nil
	initChan := c.initChan
	// A stop before the first initialized event fails Follow instead of re-following
	refollow := c.config.RefollowOnStop && initChan == nil
	newGeneration := c.newGeneration()
	if refollow {
		c.state = StateFollowing
		c.goLocked(func(ctx context.Context) {
			c.refollow(ctx, newGeneration, oldSub)
		})
	} else {
		c.state = StateUnfollowed
		c.initChan = nil
		c.followCancel()
	}
	c.stateMutex.Unlock()
	c.logger.Warn(
		"follow subscription stopped",
		"refollow", refollow,
		"reason", fault.Reason,
	)
	if refollow {
		return
	}
	if oldSub != nil {
		// The subscription is gone on the node, this only releases the local handle
		_ = oldSub.Unsubscribe(context.Background())
	}
	if initChan != nil {
		initChan <- fault
		return
	}
	c.fault(fault)
}

func (c *Client) refollow(ctx context.Context, generation uint64, oldSub transport.Subscription) {
	if oldSub != nil {
		_ = oldSub.Unsubscribe(ctx)
	}
	c.logger.Info("re-following chain head")
	if err := c.subscribe(ctx, generation); err != nil {
		c.stateMutex.Lock()
		current := c.generation == generation
		if current {
			c.state = StateUnfollowed
			c.newGeneration()
			c.followCancel()
		}
		c.stateMutex.Unlock()
		if current {
			c.fault(
				&ProtocolFault{
					Reason: fmt.Sprintf("re-follow failed: %s", err),
					Err:    ErrFollowStopped,
				},
			)
		}
	}
}
