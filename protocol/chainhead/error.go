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
	"errors"
	"fmt"
)

var (
	ErrAlreadyFollowing      = errors.New("already following")
	ErrNotFollowing          = errors.New("not following")
	ErrUnfollowed            = errors.New("client unfollowed")
	ErrBlockNotPinned        = errors.New("block is not pinned")
	ErrProtectedBlock        = errors.New("cannot unpin the best or finalized block")
	ErrInvalidRuntime        = errors.New("invalid runtime")
	ErrFollowStopped         = errors.New("follow subscription stopped")
	ErrLimitReached          = errors.New("operation limit reached")
	ErrOperationInaccessible = errors.New("operation inaccessible")
	ErrOperationFailed       = errors.New("operation failed")
)

// ProtocolFault is a violation or terminal condition reported through the chainHead protocol
type ProtocolFault struct {
	Reason string
	Err    error
}

func (e *ProtocolFault) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol fault: %s", e.Err)
	}
	return fmt.Sprintf("protocol fault: %s: %s", e.Err, e.Reason)
}

func (e *ProtocolFault) Unwrap() error {
	return e.Err
}
