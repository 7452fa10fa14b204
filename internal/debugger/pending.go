// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"
)

// waiter is a single-resolution outcome shared by every caller awaiting the
// same correlation key. Settling is idempotent; the first settle wins and
// later attempts are no-ops.
type waiter struct {
	once sync.Once
	done chan struct{}

	result json.RawMessage
	err    error

	// onSettle runs inside the first settle, before done is closed, so the
	// table entry is gone by the time any caller observes the outcome.
	onSettle func(err error)
}

func (w *waiter) settle(result json.RawMessage, err error) {
	w.once.Do(func() {
		w.result = result
		w.err = err
		if w.onSettle != nil {
			w.onSettle(err)
		}
		close(w.done)
	})
}

// await blocks until the waiter settles or ctx is done. Context cancellation
// abandons the wait without settling the waiter.
func (w *waiter) await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingTable correlates outbound commands with inbound responses for one
// command family. At most one waiter exists per key at any time; a request
// for a key already pending shares the existing waiter instead of issuing a
// duplicate command.
type pendingTable struct {
	name string
	log  logr.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPendingTable(name string, log logr.Logger) *pendingTable {
	return &pendingTable{
		name:    name,
		log:     log,
		waiters: make(map[string]*waiter),
	}
}

// intern returns the waiter for key, creating and inserting one if none is
// pending. The second return value reports whether a new waiter was created,
// in which case the caller owns sending the underlying command.
//
// The removal-on-settle hook is installed here, on the request side, so that
// delivery never has to reason about table membership and the entry is
// removed exactly once no matter how the waiter settles.
func (t *pendingTable) intern(key string, command string) (*waiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, found := t.waiters[key]; found {
		return existing, false
	}

	w := &waiter{done: make(chan struct{})}
	w.onSettle = func(settleErr error) {
		t.remove(key, w)
		if settleErr != nil {
			t.log.Error(settleErr, "Command failed",
				"table", t.name,
				"command", command,
				"key", key)
		}
	}
	t.waiters[key] = w
	return w, true
}

// deliver settles the waiter pending for key, if any. A delivery for a key
// with no waiter is discarded (nobody is listening). Returns whether a
// waiter was found.
//
// deliver does not remove the table entry itself; removal runs in the
// settle path installed by intern, which also makes a second delivery for
// the same key a no-op.
func (t *pendingTable) deliver(key string, result json.RawMessage, err error) bool {
	t.mu.Lock()
	w, found := t.waiters[key]
	t.mu.Unlock()

	if !found {
		t.log.V(1).Info("Discarding response with no pending request",
			"table", t.name,
			"key", key)
		return false
	}

	// Settle outside the lock; the settle path re-enters remove.
	w.settle(result, err)
	return true
}

// remove deletes the entry for key if it still refers to w.
func (t *pendingTable) remove(key string, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, found := t.waiters[key]; found && current == w {
		delete(t.waiters, key)
	}
}

// drain settles every pending waiter with err and empties the table.
// Used at bridge disposal so no caller blocks forever.
func (t *pendingTable) drain(err error) {
	t.mu.Lock()
	pending := make([]*waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		pending = append(pending, w)
	}
	t.mu.Unlock()

	for _, w := range pending {
		w.settle(nil, err)
	}
}

// size returns the number of pending entries.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
