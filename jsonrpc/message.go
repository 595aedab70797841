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

// Package jsonrpc implements the JSON-RPC 2.0 message types used on the wire between the
// transport and a chain-head capable node.
package jsonrpc

import (
	stdjson "encoding/json"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// Version is the only JSON-RPC protocol version spoken
const Version = "2.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is a raw encoded JSON value
type RawMessage = stdjson.RawMessage

// Marshal encodes the provided value using the wire codec
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes the provided data using the wire codec
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Request is an outbound method call
type Request struct {
	Id      uint64 `json:"id"`
	JsonRpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// NewRequest returns a new Request with the provided ID, method, and positional params
func NewRequest(id uint64, method string, params ...any) *Request {
	if params == nil {
		params = []any{}
	}
	return &Request{
		Id:      id,
		JsonRpc: Version,
		Method:  method,
		Params:  params,
	}
}

// Encode returns the wire representation of the request
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Response is the reply to a Request, matched by ID
type Response struct {
	Id      uint64     `json:"id"`
	JsonRpc string     `json:"jsonrpc"`
	Result  RawMessage `json:"result,omitempty"`
	Error   *Error     `json:"error,omitempty"`
}

// SubscriptionId identifies a server-side subscription. Nodes send these as either
// strings or numbers, so both are accepted and normalized to a string
type SubscriptionId string

func (s *SubscriptionId) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var tmp string
		if err := json.Unmarshal(data, &tmp); err != nil {
			return err
		}
		*s = SubscriptionId(tmp)
		return nil
	}
	var tmp uint64
	if err := json.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("invalid subscription ID %s: %w", string(data), err)
	}
	*s = SubscriptionId(strconv.FormatUint(tmp, 10))
	return nil
}

func (s SubscriptionId) String() string {
	return string(s)
}

// NotificationParams is the params object of a subscription notification
type NotificationParams struct {
	Subscription SubscriptionId `json:"subscription"`
	Result       RawMessage     `json:"result,omitempty"`
	Error        *Error         `json:"error,omitempty"`
}

// Notification is a server push for an active subscription
type Notification struct {
	JsonRpc string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// Message is the envelope used to classify an inbound frame before it is routed
type Message struct {
	Id      *uint64    `json:"id,omitempty"`
	JsonRpc string     `json:"jsonrpc"`
	Method  string     `json:"method,omitempty"`
	Params  RawMessage `json:"params,omitempty"`
	Result  RawMessage `json:"result,omitempty"`
	Error   *Error     `json:"error,omitempty"`
}

// Decode parses an inbound frame
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if msg.JsonRpc != Version {
		return nil, fmt.Errorf("unsupported JSON-RPC version: %q", msg.JsonRpc)
	}
	return msg, nil
}

// IsResponse reports whether the message answers a request
func (m *Message) IsResponse() bool {
	return m.Id != nil && m.Method == ""
}

// IsNotification reports whether the message is a subscription push
func (m *Message) IsNotification() bool {
	return m.Id == nil && m.Method != ""
}

// Response converts the message into a Response. Only valid when IsResponse() is true
func (m *Message) Response() *Response {
	resp := &Response{
		JsonRpc: m.JsonRpc,
		Result:  m.Result,
		Error:   m.Error,
	}
	if m.Id != nil {
		resp.Id = *m.Id
	}
	return resp
}

// Notification converts the message into a Notification. Only valid when IsNotification() is true
func (m *Message) Notification() (*Notification, error) {
	n := &Notification{
		JsonRpc: m.JsonRpc,
		Method:  m.Method,
	}
	if err := json.Unmarshal(m.Params, &n.Params); err != nil {
		return nil, fmt.Errorf("invalid notification params for %s: %w", m.Method, err)
	}
	if n.Params.Subscription == "" {
		return nil, fmt.Errorf("notification for %s has no subscription ID", m.Method)
	}
	return n, nil
}
