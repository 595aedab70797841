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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blinklabs-io/gochainhead/jsonrpc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Limit on how many distinct unclaimed subscription IDs are buffered at once
const maxBufferedSubscriptions = 64

// SubscribeRequest describes a named subscription
type SubscribeRequest struct {
	// Method is called to start the subscription and returns the subscription ID
	Method string
	Params []any
	// NotificationMethod is the method name carried by notifications for the subscription
	NotificationMethod string
	// UnsubscribeMethod is called with the subscription ID to end the subscription. It may be
	// left empty when the server offers no way to end it
	UnsubscribeMethod string
}

// NotificationFunc receives the result of each notification for a subscription, or the error
// the server pushed for it. Calls for one subscription are serialized and in arrival order
type NotificationFunc func(result jsonrpc.RawMessage, err error)

// Subscription is a stable handle for a subscription. It survives reconnects: after every
// reconnect the subscription is re-issued and the handle silently rebound to the new server ID
type Subscription interface {
	// Id returns the stable client-side handle ID
	Id() string
	// SubscriptionId returns the current server-assigned subscription ID
	SubscriptionId() string
	// Unsubscribe ends the subscription. It is safe to call more than once
	Unsubscribe(ctx context.Context) error
}

type routeKey struct {
	method string
	id     jsonrpc.SubscriptionId
}

type queuedNotification struct {
	result jsonrpc.RawMessage
	err    error
}

type subscription struct {
	transport *Transport
	id        string
	request   SubscribeRequest
	handler   NotificationFunc
	queue     *notificationQueue
	// Guarded by transport.mutex
	subscriptionId jsonrpc.SubscriptionId
	epoch          uint64
	unsubscribed   bool
}

func (s *subscription) Id() string {
	return s.id
}

func (s *subscription) SubscriptionId() string {
	s.transport.mutex.Lock()
	defer s.transport.mutex.Unlock()
	return string(s.subscriptionId)
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	t := s.transport
	t.mutex.Lock()
	if s.unsubscribed {
		t.mutex.Unlock()
		return nil
	}
	s.unsubscribed = true
	delete(t.handles, s.id)
	t.metrics.activeSubscriptions.Dec()
	subId := s.subscriptionId
	live := s.epoch == t.epoch && t.status == StatusConnected
	if live {
		delete(t.routes, routeKey{method: s.request.NotificationMethod, id: subId})
	}
	t.mutex.Unlock()
	s.queue.close()
	// A subscription ID from an earlier connection means nothing to the server
	if !live || s.request.UnsubscribeMethod == "" {
		return nil
	}
	if _, err := t.Send(ctx, s.request.UnsubscribeMethod, subId); err != nil {
		return fmt.Errorf("%s: %w", s.request.UnsubscribeMethod, err)
	}
	return nil
}

func (s *subscription) dispatchLoop() {
	defer s.transport.waitGroup.Done()
	for {
		items, ok := s.queue.next()
		if !ok {
			return
		}
		for _, item := range items {
			s.handler(item.result, item.err)
		}
	}
}

// Subscribe starts a subscription and returns its handle. Notifications that arrived for the
// new subscription ID before the subscribe response are delivered first, in arrival order
func (t *Transport) Subscribe(
	ctx context.Context,
	req SubscribeRequest,
	handler NotificationFunc,
) (Subscription, error) {
	if req.Method == "" || req.NotificationMethod == "" {
		return nil, errors.New("subscribe request must specify a method and notification method")
	}
	if handler == nil {
		return nil, errors.New("notification handler must not be nil")
	}
	subId, epoch, err := t.subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		transport: t,
		id:        uuid.NewString(),
		request:   req,
		handler:   handler,
		queue:     newNotificationQueue(),
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closing {
		return nil, ErrTransportClosed
	}
	t.handles[sub.id] = sub
	t.metrics.activeSubscriptions.Inc()
	t.waitGroup.Add(1)
	go sub.dispatchLoop()
	t.route(sub, subId, epoch)
	t.logger.Debug(
		"subscribed",
		"method", req.Method,
		"subscription_id", subId.String(),
		"handle", sub.id,
	)
	return sub, nil
}

func (t *Transport) subscribe(
	ctx context.Context,
	req SubscribeRequest,
) (jsonrpc.SubscriptionId, uint64, error) {
	result, epoch, err := t.send(ctx, req.Method, req.Params...)
	if err != nil {
		return "", 0, err
	}
	var subId jsonrpc.SubscriptionId
	if err := jsonrpc.Unmarshal(result, &subId); err != nil {
		return "", 0, fmt.Errorf("invalid %s result: %w", req.Method, err)
	}
	if subId == "" {
		return "", 0, fmt.Errorf("%s returned an empty subscription ID", req.Method)
	}
	return subId, epoch, nil
}

// route binds the handle to a server subscription ID and flushes any notifications buffered
// for it. The caller must hold mutex
func (t *Transport) route(sub *subscription, subId jsonrpc.SubscriptionId, epoch uint64) {
	if sub.subscriptionId != "" {
		oldKey := routeKey{method: sub.request.NotificationMethod, id: sub.subscriptionId}
		if t.routes[oldKey] == sub {
			delete(t.routes, oldKey)
		}
	}
	sub.subscriptionId = subId
	sub.epoch = epoch
	if epoch != t.epoch {
		// The ID came from a connection that has since been replaced
		if t.status == StatusConnected {
			t.waitGroup.Add(1)
			go func() {
				defer t.waitGroup.Done()
				_ = t.resubscribe(context.Background(), sub)
			}()
		}
		return
	}
	key := routeKey{method: sub.request.NotificationMethod, id: subId}
	t.routes[key] = sub
	if buffered, ok := t.buffered[key]; ok {
		delete(t.buffered, key)
		sub.queue.push(buffered...)
	}
}

func (t *Transport) routeNotification(n *jsonrpc.Notification) {
	item := queuedNotification{result: n.Params.Result}
	if n.Params.Error != nil {
		item.err = n.Params.Error
	}
	key := routeKey{method: n.Method, id: n.Params.Subscription}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if sub, ok := t.routes[key]; ok {
		sub.queue.push(item)
		return
	}
	// The notification may have overtaken the subscribe response
	buffered, ok := t.buffered[key]
	if (!ok && len(t.buffered) >= maxBufferedSubscriptions) ||
		len(buffered) >= t.config.PendingNotificationLimit {
		t.metrics.droppedNotifications.Inc()
		t.logger.Warn(
			"dropping unclaimed notification",
			"method", n.Method,
			"subscription_id", n.Params.Subscription.String(),
		)
		return
	}
	t.buffered[key] = append(buffered, item)
}

// resubscribe re-issues the subscription behind the handle on the current connection
func (t *Transport) resubscribe(ctx context.Context, sub *subscription) error {
	t.mutex.Lock()
	if sub.unsubscribed {
		t.mutex.Unlock()
		return nil
	}
	t.mutex.Unlock()
	subId, epoch, err := t.subscribe(ctx, sub.request)
	if err != nil {
		t.logger.Warn(
			"failed to resubscribe",
			"method", sub.request.Method,
			"handle", sub.id,
			"error", err,
		)
		if ctx.Err() == nil {
			sub.queue.push(queuedNotification{err: fmt.Errorf("resubscribe failed: %w", err)})
		}
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if sub.unsubscribed {
		return nil
	}
	t.route(sub, subId, epoch)
	t.logger.Debug(
		"resubscribed",
		"method", sub.request.Method,
		"subscription_id", subId.String(),
		"handle", sub.id,
	)
	return nil
}

// resubscribeStale re-issues every subscription whose server ID belongs to an earlier
// connection
func (t *Transport) resubscribeStale(ctx context.Context) {
	t.mutex.Lock()
	var stale []*subscription
	for _, sub := range t.handles {
		if sub.epoch != t.epoch {
			stale = append(stale, sub)
		}
	}
	t.mutex.Unlock()
	if len(stale) == 0 {
		return
	}
	var g errgroup.Group
	for _, sub := range stale {
		g.Go(func() error {
			return t.resubscribe(ctx, sub)
		})
	}
	if err := g.Wait(); err != nil {
		t.logger.Error(
			"resubscribe incomplete",
			"error", err,
		)
	}
}

// notificationQueue is an unbounded FIFO feeding a single dispatch goroutine, so a slow
// handler never blocks the read loop
type notificationQueue struct {
	mutex  sync.Mutex
	items  []queuedNotification
	signal chan struct{}
	closed bool
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{
		signal: make(chan struct{}, 1),
	}
}

func (q *notificationQueue) push(items ...queuedNotification) {
	if len(items) == 0 {
		return
	}
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.items = append(q.items, items...)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mutex.Unlock()
}

// next blocks until items are available and returns them all. It returns false once the
// queue is closed
func (q *notificationQueue) next() ([]queuedNotification, bool) {
	for {
		q.mutex.Lock()
		if q.closed {
			q.mutex.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			items := q.items
			q.items = nil
			q.mutex.Unlock()
			return items, true
		}
		q.mutex.Unlock()
		<-q.signal
	}
}

func (q *notificationQueue) close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mutex.Unlock()
	close(q.signal)
}
