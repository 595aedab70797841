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
	"fmt"

	"github.com/blinklabs-io/gochainhead/jsonrpc"
)

// Follow event names
const (
	EventInitialized                 = "initialized"
	EventNewBlock                    = "newBlock"
	EventBestBlockChanged            = "bestBlockChanged"
	EventFinalized                   = "finalized"
	EventStop                        = "stop"
	EventOperationBodyDone           = "operationBodyDone"
	EventOperationCallDone           = "operationCallDone"
	EventOperationStorageItems       = "operationStorageItems"
	EventOperationStorageDone        = "operationStorageDone"
	EventOperationWaitingForContinue = "operationWaitingForContinue"
	EventOperationInaccessible       = "operationInaccessible"
	EventOperationError              = "operationError"
)

// Operation start results
const (
	OperationStarted      = "started"
	OperationLimitReached = "limitReached"
)

// Runtime event types
const (
	RuntimeValid   = "valid"
	RuntimeInvalid = "invalid"
)

// Storage query item types
const (
	StorageValue                        = "value"
	StorageHash                         = "hash"
	StorageClosestDescendantMerkleValue = "closestDescendantMerkleValue"
	StorageDescendantsValues            = "descendantsValues"
	StorageDescendantsHashes            = "descendantsHashes"
)

// RuntimeSpec describes a runtime version
type RuntimeSpec struct {
	SpecName           string            `json:"specName"`
	ImplName           string            `json:"implName"`
	SpecVersion        uint32            `json:"specVersion"`
	ImplVersion        uint32            `json:"implVersion"`
	TransactionVersion uint32            `json:"transactionVersion"`
	Apis               map[string]uint32 `json:"apis"`
}

// RuntimeEvent reports the runtime of a block
type RuntimeEvent struct {
	Type  string       `json:"type"`
	Spec  *RuntimeSpec `json:"spec,omitempty"`
	Error string       `json:"error,omitempty"`
}

// validSpec returns the runtime spec, or an error if the node reported an invalid runtime
func (r *RuntimeEvent) validSpec() (*RuntimeSpec, error) {
	if r == nil {
		return nil, nil
	}
	if r.Type != RuntimeValid || r.Spec == nil {
		return nil, &ProtocolFault{
			Reason: fmt.Sprintf("runtime reported as %q: %s", r.Type, r.Error),
			Err:    ErrInvalidRuntime,
		}
	}
	return r.Spec, nil
}

// StorageQueryItem is a single item of a storage request
type StorageQueryItem struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

// StorageResultItem is a single storage result. Only the field matching the query type is set
type StorageResultItem struct {
	Key                          string `json:"key"`
	Value                        string `json:"value,omitempty"`
	Hash                         string `json:"hash,omitempty"`
	ClosestDescendantMerkleValue string `json:"closestDescendantMerkleValue,omitempty"`
}

// followEvent is the wire form of every event of the follow subscription
type followEvent struct {
	Event string `json:"event"`
	// initialized
	FinalizedBlockHashes  []string      `json:"finalizedBlockHashes,omitempty"`
	FinalizedBlockHash    string        `json:"finalizedBlockHash,omitempty"`
	FinalizedBlockRuntime *RuntimeEvent `json:"finalizedBlockRuntime,omitempty"`
	// newBlock
	BlockHash       string        `json:"blockHash,omitempty"`
	ParentBlockHash string        `json:"parentBlockHash,omitempty"`
	NewRuntime      *RuntimeEvent `json:"newRuntime,omitempty"`
	// bestBlockChanged
	BestBlockHash string `json:"bestBlockHash,omitempty"`
	// finalized
	PrunedBlockHashes []string `json:"prunedBlockHashes,omitempty"`
	// operation*
	OperationId string              `json:"operationId,omitempty"`
	Value       []string            `json:"value,omitempty"`
	Output      string              `json:"output,omitempty"`
	Items       []StorageResultItem `json:"items,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func decodeFollowEvent(data jsonrpc.RawMessage) (*followEvent, error) {
	ev := &followEvent{}
	if err := jsonrpc.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("invalid follow event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("follow event has no event type: %s", string(data))
	}
	return ev, nil
}

// initializedHashes returns the finalized hashes of an initialized event, accepting the
// single-hash form used by older nodes
func (e *followEvent) initializedHashes() []string {
	if len(e.FinalizedBlockHashes) > 0 {
		return e.FinalizedBlockHashes
	}
	if e.FinalizedBlockHash != "" {
		return []string{e.FinalizedBlockHash}
	}
	return nil
}

func (e *followEvent) isOperationEvent() bool {
	switch e.Event {
	case EventOperationBodyDone,
		EventOperationCallDone,
		EventOperationStorageItems,
		EventOperationStorageDone,
		EventOperationWaitingForContinue,
		EventOperationInaccessible,
		EventOperationError:
		return true
	}
	return false
}

// NewBlockEvent is passed to the NewBlock callback
type NewBlockEvent struct {
	BlockHash       string
	ParentBlockHash string
	NewRuntime      *RuntimeSpec
}

// BestBlockChangedEvent is passed to the BestBlockChanged callback
type BestBlockChangedEvent struct {
	BestBlockHash string
}

// FinalizedEvent is passed to the Finalized callback
type FinalizedEvent struct {
	FinalizedBlockHashes []string
	PrunedBlockHashes    []string
	// Unpinned lists the hashes released by the client in response to the event
	Unpinned []string
}

// operationStart is the response of a method that starts an operation
type operationStart struct {
	Result         string `json:"result"`
	OperationId    string `json:"operationId,omitempty"`
	DiscardedItems int    `json:"discardedItems,omitempty"`
}
