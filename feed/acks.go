// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

import (
	"sync"

	"github.com/juju/collections/set"
)

// ackTracker records which dispatched events have been acknowledged.
type ackTracker struct {
	mu      sync.Mutex
	pending map[string]int
	acked   set.Strings

	// changed is closed and replaced whenever the tracker changes.
	changed chan struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		pending: make(map[string]int),
		acked:   set.NewStrings(),
		changed: make(chan struct{}),
	}
}

func (t *ackTracker) dispatched(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id]++
	t.broadcast()
}

func (t *ackTracker) ack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[id] > 1 {
		t.pending[id]--
	} else {
		delete(t.pending, id)
	}
	t.acked.Add(id)
	t.broadcast()
}

// satisfied reports whether id has been acknowledged with no later
// dispatch of it still pending, and otherwise returns a channel that is
// closed on the next change.
func (t *ackTracker) satisfied(id string) (bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.acked.Contains(id) && t.pending[id] == 0 {
		return true, nil
	}
	return false, t.changed
}

func (t *ackTracker) counts() (pending, acked int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.pending {
		pending += n
	}
	return pending, t.acked.Size()
}

func (t *ackTracker) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}
