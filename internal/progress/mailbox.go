// Package progress carries progress events from compute workers to the
// protocol layer: a multi-producer, single-consumer mailbox drained on every
// iteration of the session's heartbeat loop.
package progress

import "sync"

type EventType string

const (
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventError     EventType = "error"
)

// Event is one message forwarded to the client. Progress values are fractions
// in [0,1].
type Event struct {
	Type     EventType `json:"type"`
	Progress float64   `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Mailbox is unbounded: publishing never blocks the worker. Growth is bounded
// in practice by job duration times event rate (at most one event per
// diffusion step).
type Mailbox struct {
	mu     sync.Mutex
	events []Event
}

func NewMailbox() *Mailbox { return &Mailbox{} }

// Publish appends an event. Safe from any goroutine.
func (m *Mailbox) Publish(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Progress is shorthand for publishing a progress event.
func (m *Mailbox) Progress(fraction float64, message string) {
	m.Publish(Event{Type: EventProgress, Progress: fraction, Message: message})
}

// Drain returns all queued events in publish order and empties the mailbox.
// Non-blocking; returns nil when empty.
func (m *Mailbox) Drain() []Event {
	m.mu.Lock()
	evs := m.events
	m.events = nil
	m.mu.Unlock()
	return evs
}

// Len reports the number of queued events.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
