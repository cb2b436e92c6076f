package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &recordingSink{}, &recordingSink{err: boom}
	m := Multi{ok, bad}

	e := Event{Type: EventStart, OccurredAt: time.Now(), Session: "s1", PID: 42}
	err := m.Send(context.Background(), e)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.events) != 1 || ok.events[0].Session != "s1" {
		t.Fatalf("healthy sink missed the event: %+v", ok.events)
	}
	if err := m.Close(); !errors.Is(err, boom) || !ok.closed || !bad.closed {
		t.Fatalf("close not propagated: %v", err)
	}
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	if err := s.Send(context.Background(), Event{Type: EventStop}); err != nil {
		t.Fatalf("nop send: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}
