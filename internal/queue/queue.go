package queue

import (
	"errors"
	"fmt"
	"sort"
)

// Ordering errors surfaced to reconciliation callers.
var (
	// ErrOutOfOrder rejects reconciliation of any sequence other than
	// processedUpTo+1. Strict FIFO keeps venue-side settlement order and
	// ledger-side application order from diverging.
	ErrOutOfOrder = errors.New("reconciliation out of order")

	// ErrEmptyQueue signals there is no pending entry to inspect.
	ErrEmptyQueue = errors.New("request queue empty")
)

// RequestQueue is the single, globally-ordered FIFO of pending cross-venue
// requests. Sequences are 1-indexed and monotonically increasing; two
// cursors bound the queue: processedUpTo (last reconciled) and count (last
// allocated), with processedUpTo <= count always.
//
// Not thread-safe — only accessed from the single-threaded engine.
type RequestQueue struct {
	count         uint64
	processedUpTo uint64
	entries       map[uint64]*Entry
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{entries: make(map[uint64]*Entry)}
}

// Enqueue allocates the next sequence number, stores the entry, and returns
// the sequence. Only the engine's deposit/withdraw paths call this.
func (q *RequestQueue) Enqueue(e *Entry) uint64 {
	q.count++
	e.Sequence = q.count
	q.entries[e.Sequence] = e
	return e.Sequence
}

// PeekNext returns the entry next in line, failing with ErrEmptyQueue when
// everything allocated has been reconciled.
func (q *RequestQueue) PeekNext() (*Entry, error) {
	if q.processedUpTo == q.count {
		return nil, ErrEmptyQueue
	}
	next := q.processedUpTo + 1
	e, ok := q.entries[next]
	if !ok {
		return nil, fmt.Errorf("queue entry %d missing", next)
	}
	return e, nil
}

// Take returns the entry for sequence iff it is exactly next in line.
// The entry stays queued until Advance; a failed application must not
// consume it.
func (q *RequestQueue) Take(sequence uint64) (*Entry, error) {
	if q.processedUpTo == q.count {
		return nil, ErrEmptyQueue
	}
	if sequence != q.processedUpTo+1 {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, q.processedUpTo+1, sequence)
	}
	e, ok := q.entries[sequence]
	if !ok {
		return nil, fmt.Errorf("queue entry %d missing", sequence)
	}
	return e, nil
}

// Advance consumes the next entry after its result has been applied.
func (q *RequestQueue) Advance() {
	next := q.processedUpTo + 1
	delete(q.entries, next)
	q.processedUpTo = next
}

// Count returns the last allocated sequence number.
func (q *RequestQueue) Count() uint64 { return q.count }

// ProcessedUpTo returns the last reconciled sequence number.
func (q *RequestQueue) ProcessedUpTo() uint64 { return q.processedUpTo }

// Backlog returns the number of outstanding requests, O(1).
func (q *RequestQueue) Backlog() uint64 { return q.count - q.processedUpTo }

// Pending returns the outstanding entries in sequence order.
func (q *RequestQueue) Pending() []*Entry {
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Restore reinstates queue state from a snapshot. Entries must all lie in
// (processedUpTo, count].
func (q *RequestQueue) Restore(count, processedUpTo uint64, entries []*Entry) error {
	if processedUpTo > count {
		return fmt.Errorf("invalid cursors: processedUpTo=%d > count=%d", processedUpTo, count)
	}
	q.count = count
	q.processedUpTo = processedUpTo
	q.entries = make(map[uint64]*Entry, len(entries))
	for _, e := range entries {
		if e.Sequence <= processedUpTo || e.Sequence > count {
			return fmt.Errorf("entry %d outside (%d, %d]", e.Sequence, processedUpTo, count)
		}
		q.entries[e.Sequence] = e
	}
	return nil
}
