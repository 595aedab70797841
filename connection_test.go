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

package gochainhead_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gochainhead"
	"github.com/blinklabs-io/gochainhead/internal/test"
	"github.com/blinklabs-io/gochainhead/internal/test/mocknode"
	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	followMethod      = "chainHead_v1_follow"
	followEventMethod = "chainHead_v1_followEvent"
)

var blockHash = test.BlockHash

// chainNode is a mock node serving a chain with three finalized blocks
type chainNode struct {
	*mocknode.Node
	mutex    sync.Mutex
	followId string
}

func newChainNode() *chainNode {
	n := &chainNode{Node: mocknode.New()}
	n.HandleSubscribe(followMethod, func(s *mocknode.Session, subId string) {
		n.mutex.Lock()
		n.followId = subId
		n.mutex.Unlock()
		_ = s.Notify(
			followEventMethod,
			subId,
			map[string]any{
				"event": "initialized",
				"finalizedBlockHashes": []string{
					blockHash(1),
					blockHash(2),
					blockHash(3),
				},
			},
		)
	})
	n.HandleResult("chainHead_v1_unfollow", nil)
	n.HandleResult("chainHead_v1_unpin", nil)
	n.HandleResult("chainHead_v1_header", "0x1234")
	n.Handle(
		"chainHead_v1_storage",
		func(s *mocknode.Session, req *mocknode.Request) (any, error) {
			followId := n.subscriptionId()
			// Results overtake the operation start response
			_ = s.Notify(followEventMethod, followId, map[string]any{
				"event":       "operationStorageItems",
				"operationId": "op01",
				"items": []map[string]any{
					{"key": "0xaa", "value": "0x01"},
				},
			})
			_ = s.Notify(followEventMethod, followId, map[string]any{
				"event":       "operationStorageDone",
				"operationId": "op01",
			})
			return map[string]any{
				"result":      "started",
				"operationId": "op01",
			}, nil
		},
	)
	return n
}

func (n *chainNode) subscriptionId() string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.followId
}

func newTestConnection(
	t *testing.T,
	node *chainNode,
	options ...transport.TransportOptionFunc,
) *gochainhead.Connection {
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
	conn, err := gochainhead.NewConnection(
		gochainhead.WithTransportConfig(transport.NewConfig(options...)),
	)
	require.NoError(t, err)
	return conn
}

func TestConnectionDialAndQuery(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newChainNode()
	defer node.Close()
	conn := newTestConnection(t, node)
	require.NoError(t, conn.Dial(context.Background()))
	assert.Equal(t, chainhead.StateFollowed, conn.ChainHead().State())
	assert.Equal(t, transport.StatusConnected, conn.Transport().Status())
	assert.Equal(t, blockHash(3), conn.ChainHead().FinalizedHash())
	header, err := conn.ChainHead().Header(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "0x1234", header)
	values, err := conn.Storage().Query(context.Background(), []string{"0xaa", "0xbb"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0xaa": "0x01"}, values)
	require.NoError(t, conn.Close())
	assert.Equal(t, chainhead.StateUnfollowed, conn.ChainHead().State())
	assert.Equal(t, transport.StatusDisconnected, conn.Transport().Status())
	assert.Len(t, node.Requests("chainHead_v1_unfollow"), 1)
	// Error channel is closed on shutdown
	_, ok := <-conn.ErrorChan()
	assert.False(t, ok)
	// Close is idempotent
	assert.NoError(t, conn.Close())
}

func TestConnectionDialTwice(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newChainNode()
	defer node.Close()
	conn := newTestConnection(t, node)
	require.NoError(t, conn.Dial(context.Background()))
	err := conn.Dial(context.Background())
	assert.True(t, errors.Is(err, transport.ErrAlreadyConnected))
	require.NoError(t, conn.Close())
}

func TestConnectionFollowFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := mocknode.New()
	defer node.Close()
	// No follow handler registered
	cfg := transport.NewConfig(transport.WithEndpoint(node.URL()))
	conn, err := gochainhead.NewConnection(gochainhead.WithTransportConfig(cfg))
	require.NoError(t, err)
	err = conn.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.StatusDisconnected, conn.Transport().Status())
	require.NoError(t, conn.Close())
}

func TestConnectionErrorChan(t *testing.T) {
	defer goleak.VerifyNone(t)
	node := newChainNode()
	defer node.Close()
	conn := newTestConnection(t, node, transport.WithMaxRetryAttempts(0))
	require.NoError(t, conn.Dial(context.Background()))
	session, err := node.WaitSession(time.Second)
	require.NoError(t, err)
	session.Drop()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case err := <-conn.ErrorChan():
			if errors.Is(err, transport.ErrMaxRetryAttempted) {
				require.NoError(t, conn.Close())
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for max retry error")
		}
	}
}

func TestConnectionNoEndpoints(t *testing.T) {
	_, err := gochainhead.NewConnection()
	assert.True(t, errors.Is(err, gochainhead.ErrNoEndpoints))
}

func TestConnectionWithNetwork(t *testing.T) {
	conn, err := gochainhead.NewConnection(
		gochainhead.WithNetwork(gochainhead.NetworkLocal),
	)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusDisconnected, conn.Transport().Status())
	assert.NotNil(t, conn.Storage())
	require.NoError(t, conn.Close())
}
