// Package history exports session lifecycle events to external stores for
// auditing. Delivery is best effort: callers treat failures as advisories.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart          EventType = "start"
	EventAlreadyRunning EventType = "already_running"
	EventSpawnFailed    EventType = "spawn_failed"
	EventStaleReclaimed EventType = "stale_reclaimed"
	EventStop           EventType = "stop"
)

// Event is one lifecycle event of a session.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	PID        int       `json:"pid"`
	Outcome    string    `json:"outcome,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Table is the relational table every SQL sink writes to.
const Table = "session_history"

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
