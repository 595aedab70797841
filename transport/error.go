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
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected      = errors.New("transport is not connected")
	ErrAlreadyConnected  = errors.New("transport is already connected")
	ErrTransportClosed   = errors.New("transport was closed")
	ErrNoEndpoint        = errors.New("no endpoint configured")
	ErrConnection        = errors.New("connection error")
	ErrTimeout           = errors.New("request timed out")
	ErrMaxRetryAttempted = errors.New("max retry attempts reached")
)

// ConnectionError is returned for socket-level failures and abnormal closures
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("connection error: %s", e.Err)
	}
	return fmt.Sprintf("connection error (%s): %s", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// TimeoutError is returned when no response arrives within the configured timeout
type TimeoutError struct {
	Method  string
	Id      uint64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"request %d (%s) timed out after %s",
		e.Id,
		e.Method,
		e.Timeout,
	)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// MaxRetryAttemptedError is terminal: the retry budget is exhausted and no further automatic
// retries happen
type MaxRetryAttemptedError struct {
	Attempts int
	Err      error
}

func (e *MaxRetryAttemptedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("max retry attempts reached after %d attempts", e.Attempts)
	}
	return fmt.Sprintf(
		"max retry attempts reached after %d attempts: %s",
		e.Attempts,
		e.Err,
	)
}

func (e *MaxRetryAttemptedError) Unwrap() error {
	return e.Err
}

func (e *MaxRetryAttemptedError) Is(target error) bool {
	return target == ErrMaxRetryAttempted
}
