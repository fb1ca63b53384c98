// Package timer holds the single table of cancellable call timers.
// Every timer is keyed by (call, peer, kind); setting a key replaces whatever was pending under it.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Kind names what a timer is for
type Kind string

const (
	KindRing             Kind = "ring"
	KindConnect          Kind = "connect"
	KindDisconnectGrace  Kind = "disconnect_grace"
	KindFailedGrace      Kind = "failed_grace"
	KindNegotiationRetry Kind = "negotiation_retry"
)

// Key identifies one timer. PeerID is uuid.Nil for call-wide timers.
type Key struct {
	CallID uuid.UUID
	PeerID uuid.UUID
	Kind   Kind
}

type entry struct {
	gen   uint64
	timer *clock.Timer
}

// Table is safe for concurrent use. Callbacks run on their own goroutine, never under the table lock.
type Table struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[Key]*entry
	nextGen uint64
}

// NewTable creates a table driven by clk; pass clock.New() in production and clock.NewMock() in tests
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		clock:   clk,
		entries: make(map[Key]*entry),
	}
}

// Clock returns the clock driving the table
func (t *Table) Clock() clock.Clock {
	return t.clock
}

// Set schedules fn after d, cancelling any timer pending under key
func (t *Table) Set(key Key, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
	}
	t.nextGen++
	gen := t.nextGen
	e := &entry{gen: gen}
	e.timer = t.clock.AfterFunc(d, func() { t.fire(key, gen, fn) })
	t.entries[key] = e
}

func (t *Table) fire(key Key, gen uint64, fn func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		// cancelled or replaced after the clock already fired
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	fn()
}

// Cancel stops the timer under key. It reports whether one was pending.
func (t *Table) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(key)
}

func (t *Table) cancelLocked(key Key) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// CancelPeer stops every timer for one peer of a call
func (t *Table) CancelPeer(callID, peerID uuid.UUID) int {
	return t.cancelWhere(func(k Key) bool { return k.CallID == callID && k.PeerID == peerID })
}

// CancelCall stops every timer belonging to a call
func (t *Table) CancelCall(callID uuid.UUID) int {
	return t.cancelWhere(func(k Key) bool { return k.CallID == callID })
}

func (t *Table) cancelWhere(match func(Key) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k := range t.entries {
		if match(k) && t.cancelLocked(k) {
			n++
		}
	}
	return n
}

// Pending reports whether a timer is scheduled under key
func (t *Table) Pending(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Len returns the number of pending timers
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
