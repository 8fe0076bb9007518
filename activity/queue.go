// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import "sync"

// OperationKind tags a PendingOperation.
type OperationKind int

const (
	OperationPost OperationKind = iota + 1
	OperationShare
	OperationAcknowledge
	OperationDelete
	OperationList
	OperationReceive
	OperationGet
)

var operationNames = map[OperationKind]string{
	OperationPost:        "post",
	OperationShare:       "share",
	OperationAcknowledge: "acknowledge",
	OperationDelete:      "delete",
	OperationList:        "list",
	OperationReceive:     "receive",
	OperationGet:         "get",
}

func (k OperationKind) String() string {
	if name, ok := operationNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsWrite reports whether the operation sends an activity. Writes to
// one conversation are dispatched in enqueue order.
func (k OperationKind) IsWrite() bool {
	switch k {
	case OperationPost, OperationShare, OperationAcknowledge, OperationDelete:
		return true
	}
	return false
}

// PendingOperation is a request waiting for a key, an encryption URL
// or an upload space. Exactly one of execute or fail runs, once.
type PendingOperation struct {
	Kind           OperationKind
	ConversationID string
	// EncryptionURL is the key a read decodes with. Writes use the
	// conversation's current key instead.
	EncryptionURL string

	// record is the key state captured when the operation was
	// released.
	record  KeyRecord
	execute func(KeyRecord)
	fail    func(error)
	once    sync.Once
}

// NeedsSpace reports whether the operation needs an upload space.
func (op *PendingOperation) NeedsSpace() bool {
	return op.Kind == OperationShare
}

// Dispatch runs the operation with the captured key state unless it
// already completed.
func (op *PendingOperation) Dispatch() {
	op.once.Do(func() {
		if op.execute != nil {
			op.execute(op.record)
		}
	})
}

// Fail delivers err unless the operation already completed.
func (op *PendingOperation) Fail(err error) {
	op.once.Do(func() {
		if op.fail != nil {
			op.fail(err)
		}
	})
}

// PendingActivityQueue holds operations blocked on a dependency. It
// keeps enqueue order. Safe for concurrent use; callbacks never run
// under its lock.
type PendingActivityQueue struct {
	mu         sync.Mutex
	operations []*PendingOperation
}

// NewPendingActivityQueue returns an empty queue.
func NewPendingActivityQueue() *PendingActivityQueue {
	return &PendingActivityQueue{}
}

// Enqueue appends op.
func (q *PendingActivityQueue) Enqueue(op *PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.operations = append(q.operations, op)
}

// Len returns the number of queued operations.
func (q *PendingActivityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.operations)
}

// HasWrites reports whether a write for conversationID is queued.
func (q *PendingActivityQueue) HasWrites(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.operations {
		if op.Kind.IsWrite() && op.ConversationID == conversationID {
			return true
		}
	}
	return false
}

// HasReads reports whether a read waiting on encryptionURL is queued.
func (q *PendingActivityQueue) HasReads(encryptionURL string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.operations {
		if !op.Kind.IsWrite() && op.EncryptionURL == encryptionURL {
			return true
		}
	}
	return false
}

// Drain removes and returns every operation matching predicate, in
// enqueue order.
func (q *PendingActivityQueue) Drain(predicate func(*PendingOperation) bool) []*PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var drained []*PendingOperation
	kept := q.operations[:0]
	for _, op := range q.operations {
		if predicate(op) {
			drained = append(drained, op)
		} else {
			kept = append(kept, op)
		}
	}
	clear(q.operations[len(kept):])
	q.operations = kept
	return drained
}

// Release removes and returns the operations that can run now, in
// enqueue order. Reads are released whenever ready reports true.
// Writes are released per conversation only while every earlier write
// for that conversation was released too, so a blocked write holds
// back the ones behind it.
func (q *PendingActivityQueue) Release(ready func(*PendingOperation) bool) []*PendingOperation {
	blocked := make(map[string]bool)
	return q.Drain(func(op *PendingOperation) bool {
		if !op.Kind.IsWrite() {
			return ready(op)
		}
		if blocked[op.ConversationID] {
			return false
		}
		if ready(op) {
			return true
		}
		blocked[op.ConversationID] = true
		return false
	})
}

// FailAll removes every operation matching predicate and fails it
// with err. It returns the number failed.
func (q *PendingActivityQueue) FailAll(predicate func(*PendingOperation) bool, err error) int {
	drained := q.Drain(predicate)
	for _, op := range drained {
		op.Fail(err)
	}
	return len(drained)
}

// Conversations returns the distinct conversation ids with queued
// writes and the distinct encryption URLs of queued reads.
func (q *PendingActivityQueue) Conversations() (writes []string, readURLs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seenConversations := make(map[string]bool)
	seenURLs := make(map[string]bool)
	for _, op := range q.operations {
		if op.Kind.IsWrite() {
			if !seenConversations[op.ConversationID] {
				seenConversations[op.ConversationID] = true
				writes = append(writes, op.ConversationID)
			}
			continue
		}
		if op.EncryptionURL != "" && !seenURLs[op.EncryptionURL] {
			seenURLs[op.EncryptionURL] = true
			readURLs = append(readURLs, op.EncryptionURL)
		}
	}
	return writes, readURLs
}
