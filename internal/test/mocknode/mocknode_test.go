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

package mocknode_test

import (
	"testing"
	"time"

	"github.com/blinklabs-io/gochainhead/internal/test/mocknode"
	"github.com/blinklabs-io/gochainhead/jsonrpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Basic test of scripted request handling
func TestBasic(t *testing.T) {
	node := mocknode.New()
	defer node.Close()
	node.HandleResult("system_name", "mock")
	conn, _, err := websocket.DefaultDialer.Dial(node.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(
		t,
		conn.WriteMessage(
			websocket.TextMessage,
			[]byte(`{"jsonrpc":"2.0","id":7,"method":"system_name","params":[]}`),
		),
	)
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := jsonrpc.Decode(data)
	require.NoError(t, err)
	require.True(t, msg.IsResponse())
	assert.Equal(t, uint64(7), msg.Response().Id)
	assert.JSONEq(t, `"mock"`, string(msg.Response().Result))
	assert.Len(t, node.Requests("system_name"), 1)
}

func TestUnknownMethod(t *testing.T) {
	node := mocknode.New()
	defer node.Close()
	conn, _, err := websocket.DefaultDialer.Dial(node.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(
		t,
		conn.WriteMessage(
			websocket.TextMessage,
			[]byte(`{"jsonrpc":"2.0","id":1,"method":"nope","params":[]}`),
		),
	)
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := jsonrpc.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, msg.Error.Code)
}

func TestRefuse(t *testing.T) {
	node := mocknode.New()
	defer node.Close()
	node.Refuse(true)
	_, _, err := websocket.DefaultDialer.Dial(node.URL(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, node.Dials())
	node.Refuse(false)
	conn, _, err := websocket.DefaultDialer.Dial(node.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	_, err = node.WaitSession(time.Second)
	require.NoError(t, err)
}
