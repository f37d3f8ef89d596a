package session

import (
	"sync"
	"time"
)

// EventKind tags a domain event.
type EventKind string

const (
	EventSessionEstablished   EventKind = "session_established"
	EventSessionTerminated    EventKind = "session_terminated"
	EventUpstreamConnected    EventKind = "upstream_connected"
	EventUpstreamDisconnected EventKind = "upstream_disconnected"
)

// Event is one entry in the session's domain event log.
type Event struct {
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	BundleID   string    `json:"bundle_id,omitempty"`
	Namespace  string    `json:"namespace,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// eventLog is a bounded append-only queue. When full, the oldest entries are
// dropped; observers drain with Drain.
type eventLog struct {
	mu     sync.Mutex
	max    int
	events []Event
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = 256
	}
	return &eventLog{max: max}
}

func (l *eventLog) append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
}

// Snapshot returns a copy of the pending events.
func (l *eventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Drain returns and clears the pending events.
func (l *eventLog) Drain() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}
