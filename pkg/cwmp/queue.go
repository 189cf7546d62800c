package cwmp

import (
	"sync"
)

// EventQueue is the ordered set of events awaiting delivery in an Inform.
//
// Triggers (timers, connection requests, local RPCs, transfer completions)
// append from their own goroutines; the session engine snapshots the queue
// at session start and sweeps it by removal policy at session end. The
// queue itself never touches the backup store — callers persist events
// keyed by the stable Event.ID.
type EventQueue struct {
	mu     sync.Mutex
	nextID int64
	events []*Event
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{nextID: 1}
}

// Add appends an event.
//
// Single-kind codes are deduplicated: if an event with the same code is
// already queued, the existing entry is returned and added is false.
// Multiple-kind codes always append.
//
// Parameters:
//   - code: Event code
//   - key: Command key ("" for none)
//   - methodID: Method id linking M-events to transfer records (0 for none)
//   - backed: Whether the caller persisted (or will persist) a backup
//     record under the returned event's ID
//
// Returns:
//   - Event: Copy of the queued (or pre-existing) entry
//   - added: False when deduplication suppressed the insert
func (q *EventQueue) Add(code EventCode, key string, methodID int, backed bool) (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if code.Kind() == EventSingle {
		for _, ev := range q.events {
			if ev.Code == code {
				return *ev, false
			}
		}
	}

	ev := &Event{
		ID:       q.nextID,
		Code:     code,
		Key:      key,
		MethodID: methodID,
		Backed:   backed,
	}
	q.nextID++
	q.events = append(q.events, ev)
	return *ev, true
}

// Restore inserts an event loaded from the backup store under its original
// record id, bypassing deduplication. The internal id counter is advanced
// past the restored id so later adds cannot collide.
func (q *EventQueue) Restore(id int64, code EventCode, key string, methodID int) Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev := &Event{
		ID:       id,
		Code:     code,
		Key:      key,
		MethodID: methodID,
		Backed:   true,
	}
	if id >= q.nextID {
		q.nextID = id + 1
	}
	q.events = append(q.events, ev)
	return *ev
}

// Snapshot returns a copy of the queue in insertion order. The Inform body
// of a session is computed from this snapshot; events added afterwards are
// only visible to the next session.
func (q *EventQueue) Snapshot() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, len(q.events))
	for i, ev := range q.events {
		out[i] = *ev
	}
	return out
}

// RemoveByPolicy deletes every event whose removal policy intersects mask
// and whose MethodID equals methodID, returning the removed entries so the
// caller can drop their backup records.
//
// The end-of-session sweep uses (RemoveAfterInform, 0); acknowledging a
// TransferComplete uses (RemoveAfterTransferComplete, <record method id>);
// a failed session sweeps (RemoveNoRetry, 0).
func (q *EventQueue) RemoveByPolicy(mask RemovePolicy, methodID int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Event
	kept := q.events[:0]
	for _, ev := range q.events {
		if ev.Code.RemovePolicy()&mask != 0 && ev.MethodID == methodID {
			removed = append(removed, *ev)
			continue
		}
		kept = append(kept, ev)
	}
	q.events = kept
	return removed
}

// Clear empties the queue, returning the removed entries. Used when a new
// ACS URL forces a BOOTSTRAP rewrite.
func (q *EventQueue) Clear() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := make([]Event, len(q.events))
	for i, ev := range q.events {
		removed[i] = *ev
	}
	q.events = nil
	return removed
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Has reports whether an event with the given code is queued.
func (q *EventQueue) Has(code EventCode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range q.events {
		if ev.Code == code {
			return true
		}
	}
	return false
}
