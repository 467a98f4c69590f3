package coordinator

import (
	"sync"

	"github.com/ThorbenD/htlc-relay/domain"
)

// trackedEvent is one delivered event whose cursor may be committed once it
// and everything delivered before it on the same ledger are handled.
type trackedEvent struct {
	ledger domain.LedgerID
	cursor string
	done   bool
}

// cursorTracker orders commits per ledger. Workers finish events out of
// order; a cursor is only handed out for commit when no earlier event of its
// ledger is still in flight.
type cursorTracker struct {
	mu     sync.Mutex
	queues map[domain.LedgerID][]*trackedEvent
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{queues: make(map[domain.LedgerID][]*trackedEvent)}
}

// track registers a delivered event. Events without a cursor are not tracked
// and track returns nil.
func (t *cursorTracker) track(ledger domain.LedgerID, cursor string) *trackedEvent {
	if cursor == "" {
		return nil
	}
	ev := &trackedEvent{ledger: ledger, cursor: cursor}
	t.mu.Lock()
	t.queues[ledger] = append(t.queues[ledger], ev)
	t.mu.Unlock()
	return ev
}

// finish marks ev handled and calls commit with the newest cursor whose
// predecessors are all handled. commit runs under the tracker's lock so that
// commits of one ledger never overtake each other.
func (t *cursorTracker) finish(ev *trackedEvent, commit func(ledger domain.LedgerID, cursor string)) {
	if ev == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ev.done = true
	q := t.queues[ev.ledger]
	var last *trackedEvent
	for len(q) > 0 && q[0].done {
		last, q = q[0], q[1:]
	}
	if len(q) == 0 {
		delete(t.queues, ev.ledger)
	} else {
		t.queues[ev.ledger] = q
	}
	if last != nil {
		commit(last.ledger, last.cursor)
	}
}

// inFlight returns how many tracked events of ledger are not committed yet.
func (t *cursorTracker) inFlight(ledger domain.LedgerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[ledger])
}
