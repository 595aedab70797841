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

// Package transport implements a resilient JSON-RPC client transport over a single WebSocket
// connection.
//
// The transport correlates responses to requests by ID, multiplexes named subscriptions over the
// same socket, enforces request timeouts with a periodic sweep, and reconnects after abnormal
// closures, transparently re-issuing every active subscription behind a stable handle.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/blinklabs-io/gochainhead/jsonrpc"
	"github.com/gorilla/websocket"
)

// Transport owns one physical connection and all request/subscription bookkeeping for it
type Transport struct {
	config    Config
	logger    *slog.Logger
	metrics   *metrics
	dialer    *websocket.Dialer
	errorChan chan error
	waitGroup sync.WaitGroup
	sendMutex sync.Mutex

	// Everything below is guarded by mutex
	mutex           sync.Mutex
	status          ConnectionStatus
	conn            *websocket.Conn
	endpoint        string
	epoch           uint64
	epochCancel     context.CancelFunc
	connecting      bool
	closing         bool
	cancelConnect   context.CancelFunc
	cancelReconnect context.CancelFunc
	nextId          uint64
	pending         map[uint64]*pendingRequest
	handles         map[string]*subscription
	routes          map[routeKey]*subscription
	buffered        map[routeKey][]queuedNotification
}

// New returns a new Transport object with the specified config. No connection is made until
// Connect is called
func New(cfg *Config) (*Transport, error) {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	config := *cfg
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	// Apply defaults for zero values to handle Config{} created without NewConfig()
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.PendingNotificationLimit == 0 {
		config.PendingNotificationLimit = DefaultPendingNotificationLimit
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.Timeout,
		}
	}
	t := &Transport{
		config:    config,
		logger:    config.Logger.With("component", "network"),
		metrics:   newMetrics(config.MetricsRegisterer),
		dialer:    dialer,
		errorChan: make(chan error, 10),
		status:    StatusDisconnected,
		pending:   make(map[uint64]*pendingRequest),
		handles:   make(map[string]*subscription),
		routes:    make(map[routeKey]*subscription),
		buffered:  make(map[routeKey][]queuedNotification),
	}
	return t, nil
}

// ErrorChan returns the channel for asynchronous errors. A MaxRetryAttemptedError is sent here
// when the reconnect budget is exhausted
func (t *Transport) ErrorChan() <-chan error {
	return t.errorChan
}

// Status returns the current connection status
func (t *Transport) Status() ConnectionStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.status
}

// Endpoint returns the endpoint of the current (or most recent) connection
func (t *Transport) Endpoint() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.endpoint
}

// Connect establishes the connection, returning once the first successful open completes.
// The first dial is free; only the retries that follow a failed first dial consume the
// MaxRetryAttempts budget. Subscriptions that survived an exhausted reconnect cycle are
// re-issued once connected
func (t *Transport) Connect(ctx context.Context) error {
	t.mutex.Lock()
	if t.status != StatusDisconnected || t.connecting {
		t.mutex.Unlock()
		return ErrAlreadyConnected
	}
	t.connecting = true
	t.closing = false
	connectCtx, cancel := context.WithCancel(ctx)
	t.cancelConnect = cancel
	t.mutex.Unlock()
	defer func() {
		cancel()
		t.mutex.Lock()
		t.connecting = false
		t.cancelConnect = nil
		t.mutex.Unlock()
	}()
	conn, endpoint, err := t.dialWithRetry(connectCtx, true)
	if err != nil {
		return err
	}
	if err := t.commit(connectCtx, conn, endpoint); err != nil {
		return err
	}
	t.logger.Info(
		"connected",
		"endpoint", endpoint,
	)
	t.waitGroup.Add(1)
	go func() {
		defer t.waitGroup.Done()
		t.resubscribeStale(context.Background())
	}()
	return nil
}

// Disconnect closes the connection with a normal closure. It never triggers a reconnect, and
// any reconnect cycle in progress is cancelled before it can commit a new connection. All
// pending requests fail with ErrTransportClosed and all subscriptions are dropped.
// It must not be called from inside a NotificationFunc
func (t *Transport) Disconnect() error {
	t.mutex.Lock()
	t.closing = true
	if t.cancelConnect != nil {
		t.cancelConnect()
	}
	if t.cancelReconnect != nil {
		t.cancelReconnect()
		t.cancelReconnect = nil
	}
	if t.epochCancel != nil {
		t.epochCancel()
		t.epochCancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.status = StatusDisconnected
	pending := t.takePending()
	subs := make([]*subscription, 0, len(t.handles))
	for _, sub := range t.handles {
		sub.unsubscribed = true
		subs = append(subs, sub)
	}
	t.handles = make(map[string]*subscription)
	t.routes = make(map[routeKey]*subscription)
	t.buffered = make(map[routeKey][]queuedNotification)
	t.metrics.activeSubscriptions.Set(0)
	t.mutex.Unlock()
	var err error
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	}
	for _, req := range pending {
		req.complete(nil, ErrTransportClosed)
	}
	for _, sub := range subs {
		sub.queue.close()
	}
	// Wait for other goroutines to finish
	t.waitGroup.Wait()
	t.logger.Debug("disconnected")
	return err
}

// dialWithRetry dials until a connection is made or the retry budget is spent. For an initial
// connect the first dial happens immediately and is not counted; reconnect cycles wait
// RetryDelay before every dial
func (t *Transport) dialWithRetry(
	ctx context.Context,
	initial bool,
) (*websocket.Conn, string, error) {
	var lastErr error
	attempt := 0
	if initial {
		conn, endpoint, err := t.dial(ctx, attempt)
		if err == nil {
			return conn, endpoint, nil
		}
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrTransportClosed, ctx.Err())
		}
		if t.config.MaxRetryAttempts == 0 {
			return nil, "", err
		}
		lastErr = err
		attempt++
	}
	for retry := 1; retry <= t.config.MaxRetryAttempts; retry++ {
		t.logger.Warn(
			"retrying connection",
			"attempt", retry,
			"max_attempts", t.config.MaxRetryAttempts,
			"delay", t.config.RetryDelay,
		)
		timer := time.NewTimer(t.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", fmt.Errorf("%w: %w", ErrTransportClosed, ctx.Err())
		case <-timer.C:
		}
		conn, endpoint, err := t.dial(ctx, attempt)
		attempt++
		if err == nil {
			return conn, endpoint, nil
		}
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrTransportClosed, ctx.Err())
		}
		lastErr = err
	}
	return nil, "", &MaxRetryAttemptedError{
		Attempts: t.config.MaxRetryAttempts,
		Err:      lastErr,
	}
}

func (t *Transport) dial(ctx context.Context, attempt int) (*websocket.Conn, string, error) {
	endpoint, err := t.config.endpoint(attempt)
	if err != nil {
		return nil, "", &ConnectionError{Err: err}
	}
	t.logger.Debug(
		"dialing",
		"endpoint", endpoint,
		"attempt", attempt,
	)
	// The handshake response body does not need to be closed by the caller
	conn, _, err := t.dialer.DialContext(ctx, endpoint, t.config.Header) //nolint:bodyclose
	if err != nil {
		return nil, endpoint, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return conn, endpoint, nil
}

// commit installs a freshly dialed connection unless the transport was closed or the dial was
// cancelled in the meantime, in which case the stale connection is discarded
func (t *Transport) commit(ctx context.Context, conn *websocket.Conn, endpoint string) error {
	if t.config.PingInterval > 0 {
		readTimeout := 2 * t.config.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closing || ctx.Err() != nil {
		conn.Close()
		return ErrTransportClosed
	}
	t.epoch++
	epochCtx, cancel := context.WithCancel(context.Background())
	t.epochCancel = cancel
	t.conn = conn
	t.endpoint = endpoint
	t.status = StatusConnected
	// Early notifications from a previous connection can never be claimed
	t.buffered = make(map[routeKey][]queuedNotification)
	t.waitGroup.Add(1)
	go t.readLoop(conn)
	if t.config.Timeout > 0 {
		t.waitGroup.Add(1)
		go t.sweepLoop(epochCtx)
	}
	if t.config.PingInterval > 0 {
		t.waitGroup.Add(1)
		go t.pingLoop(epochCtx, conn)
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.waitGroup.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleConnectionLoss(conn, err)
			return
		}
		if t.config.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * t.config.PingInterval))
		}
		t.handleMessage(data)
	}
}

// handleConnectionLoss fails every pending request and, for an abnormal closure of a live
// connection, starts the reconnect cycle
func (t *Transport) handleConnectionLoss(conn *websocket.Conn, err error) {
	t.mutex.Lock()
	if t.conn != conn {
		// Replaced by a newer connection or closed deliberately
		t.mutex.Unlock()
		return
	}
	t.conn = nil
	if t.epochCancel != nil {
		t.epochCancel()
		t.epochCancel = nil
	}
	pending := t.takePending()
	t.buffered = make(map[routeKey][]queuedNotification)
	endpoint := t.endpoint
	normal := t.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if normal || t.status != StatusConnected {
		t.status = StatusDisconnected
	} else {
		t.status = StatusReconnecting
		reconnectCtx, cancel := context.WithCancel(context.Background())
		t.cancelReconnect = cancel
		t.waitGroup.Add(1)
		go t.reconnectLoop(reconnectCtx)
	}
	t.mutex.Unlock()
	conn.Close()
	connErr := &ConnectionError{Endpoint: endpoint, Err: err}
	for _, req := range pending {
		req.complete(nil, connErr)
	}
	if normal {
		t.logger.Info(
			"connection closed",
			"endpoint", endpoint,
		)
		return
	}
	t.logger.Warn(
		"connection lost",
		"endpoint", endpoint,
		"error", err,
	)
}

func (t *Transport) reconnectLoop(ctx context.Context) {
	defer t.waitGroup.Done()
	conn, endpoint, err := t.dialWithRetry(ctx, false)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by Disconnect
			return
		}
		t.mutex.Lock()
		if !t.closing {
			t.status = StatusDisconnected
		}
		t.mutex.Unlock()
		t.logger.Error(
			"giving up on reconnect",
			"error", err,
		)
		t.sendError(err)
		return
	}
	if err := t.commit(ctx, conn, endpoint); err != nil {
		return
	}
	t.metrics.reconnects.Inc()
	t.logger.Info(
		"reconnected",
		"endpoint", endpoint,
	)
	t.resubscribeStale(ctx)
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.waitGroup.Done()
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.config.PingInterval)); err != nil {
				t.logger.Warn(
					"ping failed",
					"error", err,
				)
				// The read loop observes the closed socket and handles the loss
				conn.Close()
				return
			}
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	// gorilla/websocket supports one concurrent writer
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()
	if t.config.Timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.config.Timeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) handleMessage(data []byte) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		t.logger.Warn(
			"discarding malformed message",
			"error", err,
		)
		return
	}
	switch {
	case msg.IsResponse():
		t.handleResponse(msg.Response())
	case msg.IsNotification():
		n, err := msg.Notification()
		if err != nil {
			t.logger.Warn(
				"discarding malformed notification",
				"error", err,
			)
			return
		}
		t.routeNotification(n)
	default:
		t.logger.Debug("ignoring unexpected message")
	}
}

func (t *Transport) sendError(err error) {
	select {
	case t.errorChan <- err:
	default:
		t.logger.Warn(
			"error channel full, dropping error",
			"error", err,
		)
	}
}
