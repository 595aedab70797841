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

// Package mocknode provides an in-process WebSocket JSON-RPC node for tests. Behavior is
// scripted per method with handlers, and each client connection is exposed as a Session that
// tests can push notifications on or drop abruptly.
package mocknode

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/gochainhead/jsonrpc"
	"github.com/gorilla/websocket"
)

// ErrNoReply can be returned by a HandlerFunc to leave the request unanswered
var ErrNoReply = errors.New("no reply")

// Request is an inbound method call as seen by the node
type Request struct {
	Id     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []jsonrpc.RawMessage `json:"params"`
}

// Param decodes the positional param at idx into dest
func (r *Request) Param(idx int, dest any) error {
	if idx >= len(r.Params) {
		return fmt.Errorf("%s: missing param %d", r.Method, idx)
	}
	return jsonrpc.Unmarshal(r.Params[idx], dest)
}

// HandlerFunc answers a request. Returning a *jsonrpc.Error sends it as the error response,
// ErrNoReply suppresses the response, and any other error becomes an internal error
type HandlerFunc func(s *Session, req *Request) (any, error)

// Node is a scripted JSON-RPC node listening on a local WebSocket endpoint
type Node struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	closeOnce   sync.Once
	mutex       sync.Mutex
	handlers    map[string]HandlerFunc
	sessions    []*Session
	sessionChan chan *Session
	requests    []*Request
	refuse      bool
	delay       time.Duration
	dials       int
	nextSubId   int
}

// New starts a new Node
func New() *Node {
	n := &Node{
		handlers:    make(map[string]HandlerFunc),
		sessionChan: make(chan *Session, 16),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	return n
}

// URL returns the ws:// endpoint of the node
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// Close stops the node and drops every open session
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.mutex.Lock()
		sessions := n.sessions
		n.sessions = nil
		n.mutex.Unlock()
		for _, s := range sessions {
			s.Drop()
		}
		n.server.CloseClientConnections()
		n.server.Close()
	})
}

// Handle registers the handler for a method
func (n *Node) Handle(method string, handler HandlerFunc) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.handlers[method] = handler
}

// HandleResult registers a handler that always answers with result
func (n *Node) HandleResult(method string, result any) {
	n.Handle(method, func(*Session, *Request) (any, error) {
		return result, nil
	})
}

// HandleSubscribe registers a handler that answers with a fresh subscription ID. The optional
// onSubscribe func runs after the ID is allocated and before the response is sent, which allows
// pushing notifications that overtake the response
func (n *Node) HandleSubscribe(method string, onSubscribe func(s *Session, subId string)) {
	n.Handle(method, func(s *Session, req *Request) (any, error) {
		subId := n.NewSubscriptionId()
		if onSubscribe != nil {
			onSubscribe(s, subId)
		}
		return subId, nil
	})
}

// NewSubscriptionId allocates a subscription ID that is unique for the node
func (n *Node) NewSubscriptionId() string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.nextSubId++
	return fmt.Sprintf("sub%02d", n.nextSubId)
}

// Refuse makes the node reject (or accept again) all new WebSocket upgrades
func (n *Node) Refuse(refuse bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.refuse = refuse
}

// SetHandshakeDelay holds every new WebSocket upgrade for d before answering it
func (n *Node) SetHandshakeDelay(d time.Duration) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.delay = d
}

// Dials returns the number of connection attempts the node has seen, including refused ones
func (n *Node) Dials() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.dials
}

// Requests returns every request received for the method, across all sessions
func (n *Node) Requests(method string) []*Request {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	var ret []*Request
	for _, req := range n.requests {
		if req.Method == method {
			ret = append(ret, req)
		}
	}
	return ret
}

// WaitSession waits for the next client connection
func (n *Node) WaitSession(timeout time.Duration) (*Session, error) {
	select {
	case s := <-n.sessionChan:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("timeout waiting for session")
	}
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n.mutex.Lock()
	n.dials++
	refuse := n.refuse
	delay := n.delay
	n.mutex.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if refuse {
		http.Error(w, "refused", http.StatusServiceUnavailable)
		return
	}
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &Session{
		node: n,
		conn: conn,
	}
	n.mutex.Lock()
	n.sessions = append(n.sessions, s)
	n.mutex.Unlock()
	select {
	case n.sessionChan <- s:
	default:
	}
	s.readLoop()
}

func (n *Node) handle(s *Session, req *Request) {
	n.mutex.Lock()
	n.requests = append(n.requests, req)
	handler, ok := n.handlers[req.Method]
	n.mutex.Unlock()
	if !ok {
		_ = s.reply(req.Id, nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: "Method not found",
		})
		return
	}
	result, err := handler(s, req)
	if err != nil {
		if errors.Is(err, ErrNoReply) {
			return
		}
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc.Error{
				Code:    jsonrpc.CodeInternalError,
				Message: err.Error(),
			}
		}
		_ = s.reply(req.Id, nil, rpcErr)
		return
	}
	_ = s.reply(req.Id, result, nil)
}

// Session is a single client connection to the node
type Session struct {
	node      *Node
	conn      *websocket.Conn
	sendMutex sync.Mutex
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.conn.Close()
			return
		}
		req := &Request{}
		if err := jsonrpc.Unmarshal(data, req); err != nil {
			continue
		}
		s.node.handle(s, req)
	}
}

// Notify pushes a subscription notification
func (s *Session) Notify(method string, subId string, result any) error {
	return s.send(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  method,
		"params": map[string]any{
			"subscription": subId,
			"result":       result,
		},
	})
}

// NotifyError pushes a subscription notification that carries an error
func (s *Session) NotifyError(method string, subId string, rpcErr *jsonrpc.Error) error {
	return s.send(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  method,
		"params": map[string]any{
			"subscription": subId,
			"error":        rpcErr,
		},
	})
}

// SendRaw writes a raw text frame
func (s *Session) SendRaw(data []byte) error {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the session with the provided close code
func (s *Session) Close(code int) error {
	s.sendMutex.Lock()
	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	s.sendMutex.Unlock()
	if err != nil {
		return err
	}
	return s.conn.Close()
}

// Drop closes the underlying socket without a close frame, which the client sees as an
// abnormal closure
func (s *Session) Drop() {
	_ = s.conn.NetConn().Close()
}

func (s *Session) reply(id uint64, result any, rpcErr *jsonrpc.Error) error {
	msg := map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      id,
	}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	return s.send(msg)
}

func (s *Session) send(msg any) error {
	data, err := jsonrpc.Marshal(msg)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}
