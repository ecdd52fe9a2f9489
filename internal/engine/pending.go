package engine

import (
	"errors"
	"sync"
)

// MaxPendingDefault is the default bound on the pending-publish table
// (spec §3, MAX_PENDING_MSGS).
const MaxPendingDefault = 10

// PendingEntry is a journal row: a broker message id submitted for
// publish, the measurement it carries, and whether it came from the
// backlog (used only to decide whether a later ack simply confirms an
// already-permanent removal, per spec §4.2).
type PendingEntry struct {
	MsgID          uint16
	Measurement    Measurement
	WasFromBacklog bool
}

// PendingTable is the bounded journal of in-flight publishes described
// in spec §3: not a queue, a small linearly-scanned array matched by
// MsgID and removed by swap-with-last, per the "language-agnostic
// strategy" design note (§9) — MAX_PENDING_MSGS is small enough that a
// hash table buys nothing.
//
// The spec notes this table needs no mutex of its own in the original
// firmware because it is only ever touched from the broker-session
// event callback and, under the session mutex, from the publisher —
// two paths the broker runtime itself serializes. This Go port is used
// from goroutines without that guarantee, so it carries its own mutex;
// that is the one place this engine diverges from the source's
// documented concurrency shortcut; see DESIGN.md.
type PendingTable struct {
	mu       sync.Mutex
	entries  []PendingEntry
	capacity int
}

// NewPendingTable returns an empty table bounded to capacity entries.
func NewPendingTable(capacity int) *PendingTable {
	return &PendingTable{entries: make([]PendingEntry, 0, capacity), capacity: capacity}
}

// ErrPendingFull is returned by Add when the table is at capacity.
var ErrPendingFull = errors.New("engine: pending-publish table full")

// Add appends a new pending entry. Returns ErrPendingFull if the table
// is already at MAX_PENDING_MSGS.
func (p *PendingTable) Add(e PendingEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.capacity {
		return ErrPendingFull
	}
	p.entries = append(p.entries, e)
	return nil
}

// Ack scans for msgID and removes it by swap-with-last, per §9.
// Returns the removed entry and true if found; non-matching
// acknowledgements (status/LWT messages) are ignored by the caller.
func (p *PendingTable) Ack(msgID uint16) (PendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.MsgID == msgID {
			last := len(p.entries) - 1
			found := p.entries[i]
			p.entries[i] = p.entries[last]
			p.entries = p.entries[:last]
			return found, true
		}
	}
	return PendingEntry{}, false
}

// Len reports the number of outstanding entries.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
