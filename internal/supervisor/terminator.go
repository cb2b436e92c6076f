package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/sessionwatch/internal/advisory"
	"github.com/loykin/sessionwatch/internal/detector"
	"github.com/loykin/sessionwatch/internal/process"
)

// State is a step of the termination protocol.
type State int

const (
	StateCheckAlive State = iota
	StateGraceful
	StateWaitGraceful
	StateForced
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCheckAlive:
		return "check_alive"
	case StateGraceful:
		return "graceful"
	case StateWaitGraceful:
		return "wait_graceful"
	case StateForced:
		return "forced"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is how a termination ended.
type Outcome string

const (
	OutcomeNotRunning   Outcome = "not_running"
	OutcomeSignalFailed Outcome = "signal_failed"
	OutcomeGraceful     Outcome = "graceful"
	OutcomeForced       Outcome = "forced"
	OutcomeKillFailed   Outcome = "kill_failed"
)

// WasRunning reports whether a live worker was found and acted upon.
func (o Outcome) WasRunning() bool { return o != "" && o != OutcomeNotRunning }

// Default protocol timings.
const (
	DefaultGracefulTimeout = 3 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultKillSettle      = 100 * time.Millisecond
)

// Termination is the mutable state of one protocol run.
type Termination struct {
	Session   string
	PID       int
	StartUnix int64 // recorded start time, 0 when unknown

	State    State
	Outcome  Outcome
	Deadline time.Time // end of the graceful window, set on entering WaitGraceful
}

// Terminator drives the two-phase protocol: SIGTERM, poll for exit within
// the graceful window, then SIGKILL and a short settle delay.
type Terminator struct {
	Prober          detector.Prober
	Signaler        process.Signaler
	Recorder        advisory.Recorder
	Logger          *slog.Logger
	GracefulTimeout time.Duration
	PollInterval    time.Duration
	KillSettle      time.Duration
	Now             func() time.Time
	// Sleep waits d or until ctx is done, reporting whether the full
	// duration elapsed.
	Sleep func(ctx context.Context, d time.Duration) bool
}

func (t *Terminator) withDefaults() *Terminator {
	c := *t
	if c.Prober == nil {
		c.Prober = detector.OS{}
	}
	if c.Signaler == nil {
		c.Signaler = process.OSSignaler{}
	}
	if c.Recorder == nil {
		c.Recorder = advisory.Discard
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KillSettle <= 0 {
		c.KillSettle = DefaultKillSettle
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return &c
}

// Run terminates pid and returns the outcome. It always reaches StateDone.
func (t *Terminator) Run(ctx context.Context, session string, pid int, startUnix int64) Outcome {
	t = t.withDefaults()
	term := &Termination{Session: session, PID: pid, StartUnix: startUnix, State: StateCheckAlive}
	for term.State != StateDone {
		t.step(ctx, term)
	}
	return term.Outcome
}

// Step performs one transition of term.
func (t *Terminator) Step(ctx context.Context, term *Termination) {
	t.withDefaults().step(ctx, term)
}

func (t *Terminator) step(ctx context.Context, term *Termination) {
	log := t.Logger.With("session", term.Session, "pid", term.PID)
	switch term.State {
	case StateCheckAlive:
		if !t.alive(term) {
			log.Debug("worker not running")
			t.finish(term, OutcomeNotRunning)
			return
		}
		term.State = StateGraceful

	case StateGraceful:
		log.Debug("sending SIGTERM")
		if err := t.Signaler.Terminate(term.PID); err != nil {
			if !t.alive(term) {
				t.finish(term, OutcomeNotRunning)
				return
			}
			t.Recorder.Note(advisory.Notice{
				Kind:    advisory.KindSignalFailed,
				Session: term.Session,
				PID:     term.PID,
				Message: "termination signal could not be delivered",
				Err:     err,
			})
			t.finish(term, OutcomeSignalFailed)
			return
		}
		term.Deadline = t.Now().Add(t.GracefulTimeout)
		term.State = StateWaitGraceful

	case StateWaitGraceful:
		if !t.alive(term) {
			log.Debug("worker exited gracefully")
			t.finish(term, OutcomeGraceful)
			return
		}
		remaining := term.Deadline.Sub(t.Now())
		if remaining <= 0 {
			term.State = StateForced
			return
		}
		if !t.Sleep(ctx, min(t.PollInterval, remaining)) {
			log.Debug("wait interrupted, escalating", "error", ctx.Err())
			term.State = StateForced
		}

	case StateForced:
		t.Recorder.Note(advisory.Notice{
			Kind:    advisory.KindForcedKill,
			Session: term.Session,
			PID:     term.PID,
			Message: fmt.Sprintf("worker ignored SIGTERM for %v, sending SIGKILL", t.GracefulTimeout),
		})
		err := t.Signaler.Kill(term.PID)
		// settle regardless of ctx so the kernel can reap the worker
		t.Sleep(context.Background(), t.KillSettle)
		gone := !t.alive(term)
		switch {
		case gone && err != nil:
			// exited on its own just before the kill
			t.finish(term, OutcomeGraceful)
		case gone:
			t.finish(term, OutcomeForced)
		default:
			t.Recorder.Note(advisory.Notice{
				Kind:    advisory.KindTerminationFailure,
				Session: term.Session,
				PID:     term.PID,
				Message: "worker still alive after SIGKILL",
				Err:     err,
			})
			t.finish(term, OutcomeKillFailed)
		}

	case StateDone:
	}
}

func (t *Terminator) alive(term *Termination) bool {
	return t.Prober.Alive(term.PID, term.StartUnix)
}

func (t *Terminator) finish(term *Termination, o Outcome) {
	term.Outcome = o
	term.State = StateDone
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
