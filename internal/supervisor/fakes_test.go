package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/sessionwatch/internal/history"
	"github.com/loykin/sessionwatch/internal/process"
)

// fakeWorld simulates a process table, a spawner and a signaler.
type fakeWorld struct {
	mu         sync.Mutex
	alive      map[int]bool
	ignoreTerm map[int]bool
	nextPID    int
	spawnErr   error
	termErr    error
	killErr    error
	signals    []string
	spawned    []process.Spec
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{alive: map[int]bool{}, ignoreTerm: map[int]bool{}, nextPID: 1000}
}

func (w *fakeWorld) Alive(pid int, _ int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive[pid]
}

func (w *fakeWorld) StartUnix(int) int64 { return 0 }

func (w *fakeWorld) Spawn(spec process.Spec) (process.Child, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.spawnErr != nil {
		return process.Child{}, w.spawnErr
	}
	w.nextPID++
	w.alive[w.nextPID] = true
	w.spawned = append(w.spawned, spec)
	return process.Child{PID: w.nextPID}, nil
}

func (w *fakeWorld) Terminate(pid int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signals = append(w.signals, fmt.Sprintf("TERM %d", pid))
	if w.termErr != nil {
		return w.termErr
	}
	if !w.alive[pid] {
		return errors.New("no such process")
	}
	if !w.ignoreTerm[pid] {
		w.alive[pid] = false
	}
	return nil
}

func (w *fakeWorld) Kill(pid int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signals = append(w.signals, fmt.Sprintf("KILL %d", pid))
	if w.killErr != nil {
		return w.killErr
	}
	w.alive[pid] = false
	return nil
}

func (w *fakeWorld) set(pid int, alive bool) {
	w.mu.Lock()
	w.alive[pid] = alive
	w.mu.Unlock()
}

func (w *fakeWorld) spawnCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.spawned)
}

func (w *fakeWorld) sent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.signals...)
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return true
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
