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
	"slices"
)

type operationResult struct {
	event *followEvent
	items []StorageResultItem
	err   error
}

// operation is a registered handler awaiting the terminal event of a server-side operation
type operation struct {
	id     string
	items  []StorageResultItem
	result chan operationResult
}

func newOperation(id string) *operation {
	return &operation{
		id:     id,
		result: make(chan operationResult, 1),
	}
}

// apply processes an event for the operation and reports whether it was terminal
func (o *operation) apply(ev *followEvent) bool {
	switch ev.Event {
	case EventOperationStorageItems:
		o.items = append(o.items, ev.Items...)
		return false
	case EventOperationWaitingForContinue:
		return false
	case EventOperationBodyDone, EventOperationCallDone, EventOperationStorageDone:
		o.finish(operationResult{event: ev, items: o.items})
	case EventOperationInaccessible:
		o.finish(
			operationResult{
				err: &ProtocolFault{
					Reason: "operation " + o.id,
					Err:    ErrOperationInaccessible,
				},
			},
		)
	case EventOperationError:
		o.finish(
			operationResult{
				err: fmt.Errorf("%w: %s", ErrOperationFailed, ev.Error),
			},
		)
	default:
		return false
	}
	return true
}

func (o *operation) finish(res operationResult) {
	// Each operation finishes once: it is removed from the table in the same critical section
	o.result <- res
}

// operations correlates operation events with their handlers. Events that arrive before the
// handler is registered are buffered per operation ID and replayed in arrival order on
// registration. The owner serializes access
type operations struct {
	handlers map[string]*operation
	pending  map[string][]*followEvent
	order    []string
	limit    int
}

func newOperations(limit int) *operations {
	return &operations{
		handlers: make(map[string]*operation),
		pending:  make(map[string][]*followEvent),
		limit:    limit,
	}
}

// register creates the handler for an operation, replaying any buffered events into it. The
// returned operation may already be finished
func (o *operations) register(id string) *operation {
	op := newOperation(id)
	events, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
		o.order = slices.DeleteFunc(o.order, func(pendingId string) bool {
			return pendingId == id
		})
	}
	for _, ev := range events {
		if op.apply(ev) {
			return op
		}
	}
	o.handlers[id] = op
	return op
}

// dispatch routes an event to its handler, or buffers it. It returns the ID of an operation
// whose buffered events were evicted to make room, if any
func (o *operations) dispatch(ev *followEvent) string {
	if op, ok := o.handlers[ev.OperationId]; ok {
		if op.apply(ev) {
			delete(o.handlers, ev.OperationId)
		}
		return ""
	}
	var evicted string
	if _, ok := o.pending[ev.OperationId]; !ok {
		if o.limit > 0 && len(o.order) >= o.limit {
			evicted = o.order[0]
			o.order = o.order[1:]
			delete(o.pending, evicted)
		}
		o.order = append(o.order, ev.OperationId)
	}
	o.pending[ev.OperationId] = append(o.pending[ev.OperationId], ev)
	return evicted
}

// remove drops the handler for an operation and reports whether it was still running
func (o *operations) remove(id string) bool {
	if _, ok := o.handlers[id]; !ok {
		return false
	}
	delete(o.handlers, id)
	return true
}

// rejectAll fails every registered handler with err and discards all buffered events
func (o *operations) rejectAll(err error) int {
	count := len(o.handlers)
	for _, op := range o.handlers {
		op.finish(operationResult{err: err})
	}
	o.handlers = make(map[string]*operation)
	o.pending = make(map[string][]*followEvent)
	o.order = nil
	return count
}
