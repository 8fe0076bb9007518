// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import "fmt"

// submit runs op now if its key state is ready and nothing queued ahead
// of it shares its conversation (writes) or key (reads), and queues it
// otherwise.
func (d *Dispatcher) submit(op *PendingOperation) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		op.Fail(canceledError(op.ConversationID))
		return
	}
	var blocked bool
	if op.Kind.IsWrite() {
		blocked = d.queue.HasWrites(op.ConversationID)
	} else {
		blocked = d.queue.HasReads(op.EncryptionURL)
	}
	if !blocked {
		if record, ready := d.readiness(op); ready {
			op.record = record
			d.startLocked(op)
			d.mu.Unlock()
			return
		}
	}
	d.queue.Enqueue(op)
	d.mu.Unlock()

	d.logger.Debug("operation queued",
		"operation", op.Kind.String(),
		"conversation_id", op.ConversationID,
		"encryption_url", op.EncryptionURL,
		"behind_queued", blocked,
	)
	if blocked {
		d.release()
	}
	d.kick(op)
}

// readiness reports whether op can run and the key state it would run
// with. Writes use the conversation's current record; reads use the
// material for their own URL.
func (d *Dispatcher) readiness(op *PendingOperation) (KeyRecord, bool) {
	if op.Kind.IsWrite() {
		record := d.keys.Get(op.ConversationID)
		if !record.Ready() {
			return record, false
		}
		if op.NeedsSpace() && record.UploadSpaceURL == "" {
			return record, false
		}
		return record, true
	}
	material := d.keys.MaterialFor(op.EncryptionURL)
	record := KeyRecord{
		ConversationID: op.ConversationID,
		EncryptionURL:  op.EncryptionURL,
		KeyMaterial:    material,
	}
	return record, material != ""
}

// canceledError is the failure for work refused or abandoned by Close.
func canceledError(conversationID string) error {
	return &Error{Kind: Canceled, ConversationID: conversationID, Err: fmt.Errorf("dispatcher closed")}
}

// startLocked hands op to its executor. Must hold d.mu so writes reach
// the serial executor in release order.
func (d *Dispatcher) startLocked(op *PendingOperation) {
	run := func() {
		if d.ctx.Err() != nil {
			op.Fail(canceledError(op.ConversationID))
			return
		}
		op.Dispatch()
	}
	switch {
	case op.Kind.IsWrite():
		if !d.writes.Submit(run) {
			d.spawnLocked(func() { op.Fail(canceledError(op.ConversationID)) })
		}
	case op.Kind == OperationReceive:
		if !d.inbound.Submit(run) {
			d.spawnLocked(func() { op.Fail(canceledError(op.ConversationID)) })
		}
	default:
		d.spawnLocked(run)
	}
}

// kick starts whatever op is waiting on.
func (d *Dispatcher) kick(op *PendingOperation) {
	if op.NeedsSpace() {
		if record := d.keys.Get(op.ConversationID); record.UploadSpaceURL == "" {
			d.resolver.ResolveUploadSpaceURL(op.ConversationID)
		}
	}
	if d.session.State() != ExchangeReady {
		d.session.Bootstrap()
		return
	}
	if !op.Kind.IsWrite() {
		d.session.RequestKeyMaterial(op.EncryptionURL)
		return
	}
	d.resolveConversation(op.ConversationID)
}

func (d *Dispatcher) resolveConversation(conversationID string) {
	record := d.keys.Get(conversationID)
	switch {
	case record.EncryptionURL == "":
		d.resolver.ResolveEncryptionURL(conversationID)
	case record.KeyMaterial == "":
		d.session.RequestKeyMaterial(record.EncryptionURL)
	}
}

// release dispatches every queued operation that became ready.
func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	released := d.queue.Release(func(op *PendingOperation) bool {
		record, ready := d.readiness(op)
		if ready {
			op.record = record
		}
		return ready
	})
	for _, op := range released {
		d.startLocked(op)
	}
	if len(released) > 0 {
		d.logger.Debug("released queued operations", "count", len(released))
	}
}

func (d *Dispatcher) failMatching(predicate func(*PendingOperation) bool, err error) {
	if count := d.queue.FailAll(predicate, err); count > 0 {
		d.logger.Warn("failed queued operations", "count", count, "error", err)
	}
	// Writes queued behind a failed one may be ready now.
	d.release()
}

func (d *Dispatcher) exchangeReady() {
	d.release()
	_, urls := d.queue.Conversations()
	for _, url := range urls {
		d.session.RequestKeyMaterial(url)
	}
	for _, record := range d.keys.Snapshot() {
		switch {
		case record.EncryptionURL == "":
			d.resolver.ResolveEncryptionURL(record.ConversationID)
		case record.KeyMaterial == "":
			d.session.RequestKeyMaterial(record.EncryptionURL)
		}
	}
}

func (d *Dispatcher) exchangeFailed(err error) {
	d.failMatching(func(*PendingOperation) bool { return true }, err)
}

func (d *Dispatcher) keyMaterialArrived(string) {
	d.release()
}

func (d *Dispatcher) keyMaterialFailed(uri string, err error) {
	d.failMatching(func(op *PendingOperation) bool {
		if !op.Kind.IsWrite() {
			return op.EncryptionURL == uri
		}
		record := d.keys.Get(op.ConversationID)
		return record.EncryptionURL == uri && record.KeyMaterial == ""
	}, err)
}

func (d *Dispatcher) keyCreated(string, string) {
	d.release()
}

func (d *Dispatcher) keyCreateFailed(conversationID string, err error) {
	d.failMatching(writesTo(conversationID), err)
}

func (d *Dispatcher) encryptionURLResolved(string, string) {
	d.release()
}

func (d *Dispatcher) encryptionURLFailed(conversationID string, err error) {
	d.failMatching(writesTo(conversationID), err)
}

func (d *Dispatcher) spaceURLResolved(string) {
	d.release()
}

func (d *Dispatcher) spaceURLFailed(conversationID string, err error) {
	d.failMatching(func(op *PendingOperation) bool {
		return op.NeedsSpace() && op.ConversationID == conversationID
	}, err)
}

func writesTo(conversationID string) func(*PendingOperation) bool {
	return func(op *PendingOperation) bool {
		return op.Kind.IsWrite() && op.ConversationID == conversationID
	}
}
