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
	"time"

	"github.com/blinklabs-io/gochainhead/jsonrpc"
)

type requestResult struct {
	result jsonrpc.RawMessage
	err    error
}

type pendingRequest struct {
	id         uint64
	method     string
	epoch      uint64
	issuedAt   time.Time
	resultChan chan requestResult
}

func (r *pendingRequest) complete(result jsonrpc.RawMessage, err error) {
	// Buffered with room for exactly one result, and a request is only completed by
	// whoever removed it from the pending table
	r.resultChan <- requestResult{result: result, err: err}
}

// Send issues a JSON-RPC request and waits for its response. It fails immediately with
// ErrNotConnected unless the transport is connected. Requests that have not been answered
// within the configured timeout fail with a TimeoutError once the sweep observes them
func (t *Transport) Send(
	ctx context.Context,
	method string,
	params ...any,
) (jsonrpc.RawMessage, error) {
	result, _, err := t.send(ctx, method, params...)
	return result, err
}

// send is Send, additionally returning the connection epoch the request was issued on
func (t *Transport) send(
	ctx context.Context,
	method string,
	params ...any,
) (jsonrpc.RawMessage, uint64, error) {
	t.mutex.Lock()
	if t.status != StatusConnected || t.conn == nil {
		t.mutex.Unlock()
		return nil, 0, ErrNotConnected
	}
	t.nextId++
	req := &pendingRequest{
		id:         t.nextId,
		method:     method,
		epoch:      t.epoch,
		issuedAt:   time.Now(),
		resultChan: make(chan requestResult, 1),
	}
	t.pending[req.id] = req
	t.metrics.pendingRequests.Inc()
	conn := t.conn
	endpoint := t.endpoint
	t.mutex.Unlock()
	t.metrics.requests.WithLabelValues(method).Inc()
	data, err := jsonrpc.NewRequest(req.id, method, params...).Encode()
	if err != nil {
		t.dropPending(req.id)
		return nil, 0, fmt.Errorf("encode %s request: %w", method, err)
	}
	t.logger.Debug(
		"sending request",
		"method", method,
		"id", req.id,
	)
	if err := t.write(conn, data); err != nil {
		t.dropPending(req.id)
		t.metrics.requestErrors.WithLabelValues(method, reasonConnection).Inc()
		return nil, 0, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	select {
	case res := <-req.resultChan:
		if res.err != nil {
			t.metrics.requestErrors.WithLabelValues(method, failureReason(res.err)).Inc()
			return nil, req.epoch, res.err
		}
		return res.result, req.epoch, nil
	case <-ctx.Done():
		t.dropPending(req.id)
		return nil, req.epoch, ctx.Err()
	}
}

func (t *Transport) handleResponse(resp *jsonrpc.Response) {
	t.mutex.Lock()
	req, ok := t.pending[resp.Id]
	if ok {
		delete(t.pending, resp.Id)
		t.metrics.pendingRequests.Dec()
	}
	t.mutex.Unlock()
	if !ok {
		// Late response for a request that already timed out or was abandoned
		t.logger.Debug(
			"discarding response for unknown request",
			"id", resp.Id,
		)
		return
	}
	if resp.Error != nil {
		req.complete(nil, resp.Error)
		return
	}
	req.complete(resp.Result, nil)
}

func (t *Transport) dropPending(id uint64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if _, ok := t.pending[id]; ok {
		delete(t.pending, id)
		t.metrics.pendingRequests.Dec()
	}
}

// takePending empties the pending table and returns its contents. The caller must hold mutex
func (t *Transport) takePending() []*pendingRequest {
	ret := make([]*pendingRequest, 0, len(t.pending))
	for _, req := range t.pending {
		ret = append(ret, req)
	}
	t.pending = make(map[uint64]*pendingRequest)
	t.metrics.pendingRequests.Set(0)
	return ret
}

func (t *Transport) sweepLoop(ctx context.Context) {
	defer t.waitGroup.Done()
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// sweep fails every request that has been outstanding for at least the configured timeout
func (t *Transport) sweep(now time.Time) {
	t.mutex.Lock()
	var expired []*pendingRequest
	for id, req := range t.pending {
		if now.Sub(req.issuedAt) >= t.config.Timeout {
			delete(t.pending, id)
			t.metrics.pendingRequests.Dec()
			expired = append(expired, req)
		}
	}
	t.mutex.Unlock()
	for _, req := range expired {
		t.logger.Debug(
			"request timed out",
			"method", req.method,
			"id", req.id,
		)
		req.complete(
			nil,
			&TimeoutError{
				Method:  req.method,
				Id:      req.id,
				Timeout: t.config.Timeout,
			},
		)
	}
}

func failureReason(err error) string {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.Is(err, ErrTimeout):
		return reasonTimeout
	case errors.As(err, &rpcErr):
		return reasonRpc
	default:
		return reasonConnection
	}
}
