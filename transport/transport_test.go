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

package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gochainhead/internal/test/mocknode"
	"github.com/blinklabs-io/gochainhead/jsonrpc"
	"github.com/blinklabs-io/gochainhead/transport"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testNotification = "test_event"

var testSubscribe = transport.SubscribeRequest{
	Method:             "test_subscribe",
	NotificationMethod: testNotification,
	UnsubscribeMethod:  "test_unsubscribe",
}

func newTestNode(t *testing.T) *mocknode.Node {
	t.Helper()
	node := mocknode.New()
	t.Cleanup(node.Close)
	return node
}

func newTestTransport(
	t *testing.T,
	node *mocknode.Node,
	options ...transport.TransportOptionFunc,
) *transport.Transport {
	t.Helper()
	options = append(
		[]transport.TransportOptionFunc{
			transport.WithEndpoint(node.URL()),
			transport.WithRetryDelay(20 * time.Millisecond),
			transport.WithTimeout(2 * time.Second),
			transport.WithSweepInterval(10 * time.Millisecond),
		},
		options...,
	)
	cfg := transport.NewConfig(options...)
	tr, err := transport.New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.Disconnect()
	})
	return tr
}

// collector records notifications delivered to a subscription
type collector struct {
	mutex   sync.Mutex
	results []string
	errs    []error
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 100)}
}

func (c *collector) handle(result jsonrpc.RawMessage, err error) {
	c.mutex.Lock()
	if err != nil {
		c.errs = append(c.errs, err)
	} else {
		c.results = append(c.results, string(result))
	}
	c.mutex.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) wait(t *testing.T, count int) []string {
	t.Helper()
	for {
		c.mutex.Lock()
		n := len(c.results) + len(c.errs)
		results := append([]string(nil), c.results...)
		c.mutex.Unlock()
		if n >= count {
			return results
		}
		select {
		case <-c.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d notifications, got %d", count, n)
		}
	}
}

func TestConnectSendDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.HandleResult("system_name", "mock")
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, transport.StatusConnected, tr.Status())
	assert.Equal(t, node.URL(), tr.Endpoint())
	assert.ErrorIs(t, tr.Connect(context.Background()), transport.ErrAlreadyConnected)
	result, err := tr.Send(context.Background(), "system_name")
	require.NoError(t, err)
	assert.JSONEq(t, `"mock"`, string(result))
	require.NoError(t, tr.Disconnect())
	assert.Equal(t, transport.StatusDisconnected, tr.Status())
	_, err = tr.Send(context.Background(), "system_name")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	node.Close()
}

func TestSendParams(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Handle("test_echo", func(_ *mocknode.Session, req *mocknode.Request) (any, error) {
		var a string
		var b int
		if err := req.Param(0, &a); err != nil {
			return nil, err
		}
		if err := req.Param(1, &b); err != nil {
			return nil, err
		}
		return map[string]any{"a": a, "b": b}, nil
	})
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	result, err := tr.Send(context.Background(), "test_echo", "x", 3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"x","b":3}`, string(result))
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestSendRpcError(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Handle("test_fail", func(*mocknode.Session, *mocknode.Request) (any, error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "bad params"}
	})
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	_, err := tr.Send(context.Background(), "test_fail")
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "bad params", rpcErr.Message)
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestSendTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Handle("test_hang", func(*mocknode.Session, *mocknode.Request) (any, error) {
		return nil, mocknode.ErrNoReply
	})
	tr := newTestTransport(t, node, transport.WithTimeout(100*time.Millisecond))
	require.NoError(t, tr.Connect(context.Background()))
	start := time.Now()
	_, err := tr.Send(context.Background(), "test_hang")
	require.ErrorIs(t, err, transport.ErrTimeout)
	var timeoutErr *transport.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "test_hang", timeoutErr.Method)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	// The connection is unaffected by a timed out request
	assert.Equal(t, transport.StatusConnected, tr.Status())
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestSendContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Handle("test_hang", func(*mocknode.Session, *mocknode.Request) (any, error) {
		return nil, mocknode.ErrNoReply
	})
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, "test_hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestPendingRejectedOnConnectionLoss(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Handle("test_hang", func(s *mocknode.Session, _ *mocknode.Request) (any, error) {
		go s.Drop()
		return nil, mocknode.ErrNoReply
	})
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	_, err := tr.Send(context.Background(), "test_hang")
	assert.ErrorIs(t, err, transport.ErrConnection)
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestSubscribeEarlyNotifications(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.HandleSubscribe(testSubscribe.Method, func(s *mocknode.Session, subId string) {
		// Both notifications overtake the subscribe response
		_ = s.Notify(testNotification, subId, 1)
		_ = s.Notify(testNotification, subId, 2)
	})
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	c := newCollector()
	sub, err := tr.Subscribe(context.Background(), testSubscribe, c.handle)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.Id())
	assert.Equal(t, "sub01", sub.SubscriptionId())
	assert.Equal(t, []string{"1", "2"}, c.wait(t, 2))
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestSubscribeNotificationOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.HandleSubscribe(testSubscribe.Method, nil)
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	session, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	c := newCollector()
	sub, err := tr.Subscribe(context.Background(), testSubscribe, c.handle)
	require.NoError(t, err)
	subId := sub.SubscriptionId()
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, session.Notify(testNotification, subId, v))
	}
	require.NoError(
		t,
		session.NotifyError(
			testNotification,
			subId,
			&jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "boom"},
		),
	)
	c.wait(t, 4)
	c.mutex.Lock()
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, c.results)
	require.Len(t, c.errs, 1)
	c.mutex.Unlock()
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.HandleSubscribe(testSubscribe.Method, nil)
	node.HandleResult(testSubscribe.UnsubscribeMethod, true)
	tr := newTestTransport(t, node)
	require.NoError(t, tr.Connect(context.Background()))
	sub, err := tr.Subscribe(context.Background(), testSubscribe, func(jsonrpc.RawMessage, error) {})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe(context.Background()))
	require.NoError(t, sub.Unsubscribe(context.Background()))
	reqs := node.Requests(testSubscribe.UnsubscribeMethod)
	require.Len(t, reqs, 1)
	var subId string
	require.NoError(t, reqs[0].Param(0, &subId))
	assert.Equal(t, sub.SubscriptionId(), subId)
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestConnectMaxRetryZero(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Refuse(true)
	tr := newTestTransport(t, node, transport.WithMaxRetryAttempts(0))
	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrConnection)
	assert.NotErrorIs(t, err, transport.ErrMaxRetryAttempted)
	assert.Equal(t, 1, node.Dials())
	assert.Equal(t, transport.StatusDisconnected, tr.Status())
	node.Close()
}

func TestConnectMaxRetryAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Refuse(true)
	tr := newTestTransport(
		t,
		node,
		transport.WithMaxRetryAttempts(3),
		transport.WithRetryDelay(30*time.Millisecond),
	)
	start := time.Now()
	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrMaxRetryAttempted)
	var maxErr *transport.MaxRetryAttemptedError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 3, maxErr.Attempts)
	// One free dial plus three retries
	assert.Equal(t, 4, node.Dials())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	node.Close()
}

func TestConnectRetrySucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.Refuse(true)
	tr := newTestTransport(
		t,
		node,
		transport.WithMaxRetryAttempts(5),
		transport.WithRetryDelay(50*time.Millisecond),
	)
	time.AfterFunc(75*time.Millisecond, func() {
		node.Refuse(false)
	})
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, transport.StatusConnected, tr.Status())
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestReconnectResubscribes(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.HandleSubscribe(testSubscribe.Method, nil)
	tr := newTestTransport(t, node, transport.WithMaxRetryAttempts(5))
	require.NoError(t, tr.Connect(context.Background()))
	first, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	c := newCollector()
	sub, err := tr.Subscribe(context.Background(), testSubscribe, c.handle)
	require.NoError(t, err)
	handleId := sub.Id()
	oldSubId := sub.SubscriptionId()
	first.Drop()
	second, err := node.WaitSession(2 * time.Second)
	require.NoError(t, err)
	require.Eventually(
		t,
		func() bool {
			return len(node.Requests(testSubscribe.Method)) == 2 &&
				sub.SubscriptionId() != oldSubId
		},
		2*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, handleId, sub.Id())
	assert.Equal(t, transport.StatusConnected, tr.Status())
	// Notifications for the old server ID are not routed any more
	require.NoError(t, second.Notify(testNotification, oldSubId, "stale"))
	require.NoError(t, second.Notify(testNotification, sub.SubscriptionId(), "fresh"))
	assert.Equal(t, []string{`"fresh"`}, c.wait(t, 1))
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestAbnormalCloseMaxRetryZero(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	tr := newTestTransport(t, node, transport.WithMaxRetryAttempts(0))
	require.NoError(t, tr.Connect(context.Background()))
	session, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	session.Drop()
	select {
	case err := <-tr.ErrorChan():
		assert.ErrorIs(t, err, transport.ErrMaxRetryAttempted)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive max retry error")
	}
	assert.Equal(t, transport.StatusDisconnected, tr.Status())
	select {
	case err := <-tr.ErrorChan():
		t.Fatalf("unexpected second error: %s", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, node.Dials())
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	tr := newTestTransport(t, node, transport.WithMaxRetryAttempts(5))
	require.NoError(t, tr.Connect(context.Background()))
	session, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	require.NoError(t, session.Close(websocket.CloseNormalClosure))
	require.Eventually(
		t,
		func() bool {
			return tr.Status() == transport.StatusDisconnected
		},
		time.Second,
		10*time.Millisecond,
	)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, node.Dials())
	// A closed transport can be connected again
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect())
	node.Close()
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	tr := newTestTransport(
		t,
		node,
		transport.WithMaxRetryAttempts(5),
		transport.WithRetryDelay(200*time.Millisecond),
	)
	require.NoError(t, tr.Connect(context.Background()))
	session, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	session.Drop()
	require.Eventually(
		t,
		func() bool {
			return tr.Status() == transport.StatusReconnecting
		},
		time.Second,
		5*time.Millisecond,
	)
	require.NoError(t, tr.Disconnect())
	assert.Equal(t, transport.StatusDisconnected, tr.Status())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, node.Dials())
	select {
	case err := <-tr.ErrorChan():
		t.Fatalf("unexpected error: %s", err)
	default:
	}
	node.Close()
}

func TestDisconnectDuringReconnectDial(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	tr := newTestTransport(t, node, transport.WithMaxRetryAttempts(5))
	require.NoError(t, tr.Connect(context.Background()))
	session, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	node.SetHandshakeDelay(500 * time.Millisecond)
	session.Drop()
	// The reconnect dial reached the node and waits for the handshake
	require.Eventually(
		t,
		func() bool {
			return node.Dials() == 2
		},
		time.Second,
		5*time.Millisecond,
	)
	start := time.Now()
	require.NoError(t, tr.Disconnect())
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, transport.StatusDisconnected, tr.Status())
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, transport.StatusDisconnected, tr.Status())
	assert.Equal(t, 2, node.Dials())
	select {
	case err := <-tr.ErrorChan():
		t.Fatalf("unexpected error: %s", err)
	default:
	}
	node.Close()
}

func TestConfigValidate(t *testing.T) {
	testDefs := []struct {
		name    string
		options []transport.TransportOptionFunc
		err     error
	}{
		{
			name: "NoEndpoint",
			err:  transport.ErrNoEndpoint,
		},
		{
			name: "EndpointFunc",
			options: []transport.TransportOptionFunc{
				transport.WithEndpointFunc(func(int) (string, error) {
					return "", errors.New("unused")
				}),
			},
		},
		{
			name: "NegativeRetries",
			options: []transport.TransportOptionFunc{
				transport.WithEndpoint("ws://127.0.0.1:9944"),
				transport.WithMaxRetryAttempts(-1),
			},
			err: errors.New("any"),
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			cfg := transport.NewConfig(testDef.options...)
			_, err := transport.New(&cfg)
			switch {
			case testDef.err == nil:
				assert.NoError(t, err)
			case errors.Is(testDef.err, transport.ErrNoEndpoint):
				assert.ErrorIs(t, err, transport.ErrNoEndpoint)
			default:
				assert.Error(t, err)
			}
		})
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, label := range metric.GetLabel() {
				if labels[label.GetName()] == label.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newTestNode(t)
	node.HandleResult("system_name", "mock")
	reg := prometheus.NewRegistry()
	tr := newTestTransport(t, node, transport.WithMetricsRegisterer(reg))
	require.NoError(t, tr.Connect(context.Background()))
	_, err := tr.Send(context.Background(), "system_name")
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), "system_missing")
	require.Error(t, err)
	assert.Equal(
		t,
		1.0,
		counterValue(t, reg, "chainhead_transport_requests_total", map[string]string{"method": "system_name"}),
	)
	assert.Equal(
		t,
		1.0,
		counterValue(
			t,
			reg,
			"chainhead_transport_request_errors_total",
			map[string]string{"method": "system_missing", "reason": "rpc"},
		),
	)
	// A second transport on the same registerer reuses the collectors
	second, err := transport.New(&transport.Config{
		Endpoints:         []string{node.URL()},
		MetricsRegisterer: reg,
	})
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NoError(t, tr.Disconnect())
	node.Close()
}
