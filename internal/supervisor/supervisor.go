// Package supervisor keeps at most one detached worker per session. Every
// operation is stateless: the lock records on disk are the only source of
// truth, so concurrent invocations from separate processes are safe.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/loykin/sessionwatch/internal/advisory"
	"github.com/loykin/sessionwatch/internal/config"
	"github.com/loykin/sessionwatch/internal/detector"
	"github.com/loykin/sessionwatch/internal/env"
	"github.com/loykin/sessionwatch/internal/history"
	"github.com/loykin/sessionwatch/internal/lockfile"
	"github.com/loykin/sessionwatch/internal/metrics"
	"github.com/loykin/sessionwatch/internal/process"
)

var (
	// ErrInvalidSession marks malformed input: a missing or unusable session id.
	ErrInvalidSession = errors.New("invalid session")
	// ErrSpawn marks a start that could not launch the worker. The lock record
	// has been rolled back when it is returned.
	ErrSpawn = errors.New("failed to start worker")
)

type StartStatus string

const (
	StatusStarted        StartStatus = "started"
	StatusAlreadyRunning StartStatus = "already_running"
)

type StopStatus string

const (
	StatusStopped     StopStatus = "stopped"
	StatusNothingToDo StopStatus = "nothing_to_do"
)

type StartResult struct {
	Status  StartStatus `json:"status"`
	Session string      `json:"session"`
	PID     int         `json:"pid,omitempty"` // 0 when another start is still in flight
	WorkDir string      `json:"work_dir,omitempty"`
	LogFile string      `json:"log_file,omitempty"`
}

type StopResult struct {
	Status     StopStatus `json:"status"`
	Session    string     `json:"session"`
	PID        int        `json:"pid,omitempty"`
	WasRunning bool       `json:"was_running"`
	Outcome    Outcome    `json:"outcome,omitempty"`
}

// SessionStatus describes one lock record for status listings.
type SessionStatus struct {
	lockfile.Record
	Alive   bool            `json:"alive"`
	LogFile string          `json:"log_file"`
	Usage   *detector.Usage `json:"usage,omitempty"`
}

type Options struct {
	Name    string // file name prefix for lock records and session logs
	Command string
	Env     *env.Env
	LockDir string
	LogDir  string
	Fs      afero.Fs

	GracefulTimeout time.Duration
	PollInterval    time.Duration
	KillSettle      time.Duration
	PendingGrace    time.Duration

	Prober   detector.Prober
	Spawner  process.Spawner
	Signaler process.Signaler
	Recorder advisory.Recorder
	History  history.Sink
	Logger   *slog.Logger

	Getwd func() (string, error)
	Now   func() time.Time
}

// OptionsFromConfig maps loaded settings onto Options; collaborators are
// left at their defaults.
func OptionsFromConfig(c config.Config) Options {
	return Options{
		Name:            c.Name,
		Command:         c.Command,
		Env:             env.New(c.Env),
		LockDir:         c.LockDir,
		LogDir:          c.LogDir,
		GracefulTimeout: c.GracefulTimeout,
		PollInterval:    c.PollInterval,
		KillSettle:      c.KillSettle,
		PendingGrace:    c.PendingGrace,
	}
}

type Supervisor struct {
	opts  Options
	locks *lockfile.Manager
	term  *Terminator
	log   *slog.Logger
}

func New(opts Options) *Supervisor {
	d := config.Defaults()
	if opts.Name == "" {
		opts.Name = d.Name
	}
	if opts.Command == "" {
		opts.Command = d.Command
	}
	if opts.Env == nil {
		opts.Env = env.New(nil)
	}
	if opts.LockDir == "" {
		opts.LockDir = d.LockDir
	}
	if opts.LogDir == "" {
		opts.LogDir = d.LogDir
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Prober == nil {
		opts.Prober = detector.OS{}
	}
	if opts.Spawner == nil {
		opts.Spawner = process.OSSpawner{}
	}
	if opts.Signaler == nil {
		opts.Signaler = process.OSSignaler{}
	}
	if opts.Recorder == nil {
		opts.Recorder = advisory.Discard
	}
	if opts.History == nil {
		opts.History = history.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Getwd == nil {
		opts.Getwd = os.Getwd
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = lockfile.DefaultPendingGrace
	}

	s := &Supervisor{log: opts.Logger.With("component", "supervisor")}
	// stale lock notices also become history events
	opts.Recorder = tee{opts.Recorder, staleHistory{s}}
	s.opts = opts

	store := lockfile.NewStore(opts.Fs, opts.LockDir, opts.Name)
	s.locks = lockfile.NewManager(store, lockfile.Options{
		PendingGrace: opts.PendingGrace,
		Prober:       opts.Prober,
		Recorder:     opts.Recorder,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})
	s.term = (&Terminator{
		Prober:          opts.Prober,
		Signaler:        opts.Signaler,
		Recorder:        opts.Recorder,
		Logger:          s.log,
		GracefulTimeout: opts.GracefulTimeout,
		PollInterval:    opts.PollInterval,
		KillSettle:      opts.KillSettle,
		Now:             opts.Now,
	}).withDefaults()
	return s
}

// Locks exposes the lock manager.
func (s *Supervisor) Locks() *lockfile.Manager { return s.locks }

// LogPath is the redirected output file of key's worker.
func (s *Supervisor) LogPath(key string) string {
	return filepath.Join(s.opts.LogDir, lockfile.FileName(s.opts.Name, "command", key, ".log"))
}

func validate(key string) error {
	if err := lockfile.ValidateKey(key); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	return nil
}

// Start launches the worker for key unless one is already running.
// AlreadyRunning is a successful result, not an error.
func (s *Supervisor) Start(ctx context.Context, key, workDir string) (StartResult, error) {
	if err := validate(key); err != nil {
		metrics.IncStart("invalid")
		return StartResult{}, err
	}
	log := s.log.With("session", key)

	h, err := s.locks.Acquire(key)
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			metrics.IncStart("already_running")
			s.emit(ctx, history.Event{Type: history.EventAlreadyRunning, Session: key, PID: held.PID})
			return StartResult{Status: StatusAlreadyRunning, Session: key, PID: held.PID}, nil
		}
		metrics.IncStart("failed")
		log.Error("lock acquisition failed", "error", err)
		return StartResult{}, err
	}

	res, err := s.launch(h, key, workDir)
	if err != nil {
		metrics.IncStart("failed")
		log.Error("worker start failed", "error", err)
		s.emit(ctx, history.Event{Type: history.EventSpawnFailed, Session: key, Detail: err.Error()})
		return StartResult{}, err
	}
	metrics.IncStart("started")
	log.Info("worker started", "pid", res.PID, "workdir", res.WorkDir, "command", s.opts.Command)
	s.emit(ctx, history.Event{Type: history.EventStart, Session: key, PID: res.PID, Detail: res.WorkDir})
	return res, nil
}

// launch spawns the worker for an acquired handle. On every failure path,
// panics included, the record is removed and the log descriptor closed.
func (s *Supervisor) launch(h *lockfile.Handle, key, workDir string) (res StartResult, err error) {
	var out afero.File
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrSpawn, r)
		}
		if out != nil {
			_ = out.Close()
		}
		if err != nil {
			h.Abort()
		}
	}()

	dir := s.resolveWorkDir(key, workDir)
	logPath := s.LogPath(key)
	out, err = s.openSessionLog(logPath)
	if err != nil {
		return res, fmt.Errorf("%w: open session log: %w", ErrSpawn, err)
	}

	child, err := s.opts.Spawner.Spawn(process.Spec{
		Command:  s.opts.Command,
		WorkDir:  dir,
		Env:      s.opts.Env.Merge(env.Session(key, dir)),
		Detached: true,
		Stdout:   out,
		Stderr:   out,
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	meta := lockfile.Meta{
		StartUnix: child.StartUnix,
		Command:   s.opts.Command,
		WorkDir:   dir,
		StartedAt: s.opts.Now().UTC(),
	}
	if err := h.WritePID(child.PID, meta); err != nil {
		// an unrecorded worker could never be stopped
		_ = s.opts.Signaler.Kill(child.PID)
		return res, fmt.Errorf("%w: record pid %d: %w", ErrSpawn, child.PID, err)
	}
	return StartResult{Status: StatusStarted, Session: key, PID: child.PID, WorkDir: dir, LogFile: logPath}, nil
}

func (s *Supervisor) resolveWorkDir(key, dir string) string {
	if dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	wd, err := s.opts.Getwd()
	if err != nil {
		wd = os.TempDir()
	}
	if dir != "" {
		s.opts.Recorder.Note(advisory.Notice{
			Kind:    advisory.KindWorkDirFallback,
			Session: key,
			Message: fmt.Sprintf("work dir %q is not a directory, using %q", dir, wd),
		})
	} else {
		s.log.Debug("no work dir given, using fallback", "session", key, "workdir", wd)
	}
	return wd
}

func (s *Supervisor) openSessionLog(path string) (afero.File, error) {
	if err := s.opts.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return s.opts.Fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

func (s *Supervisor) removeSessionLog(key string) {
	path := s.LogPath(key)
	if err := s.opts.Fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.IncCleanupFailure()
		s.opts.Recorder.Note(advisory.Notice{
			Kind:    advisory.KindCleanupFailure,
			Session: key,
			Message: "failed to remove session log",
			Err:     err,
		})
	}
}

// Stop terminates key's worker and removes its lock record and session log.
// The record is removed whatever the termination outcome, unless a newer
// start has replaced it meanwhile.
func (s *Supervisor) Stop(ctx context.Context, key string) (StopResult, error) {
	if err := validate(key); err != nil {
		return StopResult{}, err
	}
	log := s.log.With("session", key)

	rec, err := s.awaitRecord(ctx, key)
	switch {
	case errors.Is(err, lockfile.ErrNotFound):
		log.Debug("no lock record, nothing to stop")
		metrics.IncStop(string(StatusNothingToDo))
		return StopResult{Status: StatusNothingToDo, Session: key}, nil
	case err != nil:
		log.Warn("unreadable lock record, removing", "error", err)
		s.locks.Release(key, rec, func() { s.removeSessionLog(key) })
		metrics.IncStop(string(StatusNothingToDo))
		s.emit(ctx, history.Event{Type: history.EventStop, Session: key, Outcome: "corrupt_record", Detail: err.Error()})
		return StopResult{Status: StatusNothingToDo, Session: key}, nil
	}

	began := s.opts.Now()
	outcome := s.term.Run(ctx, key, rec.PID, rec.Meta.StartUnix)
	metrics.ObserveTermination(string(outcome), s.opts.Now().Sub(began).Seconds())

	// a start that reclaimed the record after the worker exited owns it now
	s.locks.Release(key, rec, func() { s.removeSessionLog(key) })

	metrics.IncStop(string(outcome))
	log.Info("worker stopped", "pid", rec.PID, "outcome", outcome)
	s.emit(ctx, history.Event{Type: history.EventStop, Session: key, PID: rec.PID, Outcome: string(outcome)})
	return StopResult{
		Status:     StatusStopped,
		Session:    key,
		PID:        rec.PID,
		WasRunning: outcome.WasRunning(),
		Outcome:    outcome,
	}, nil
}

// awaitRecord reads key's record. A pending record belongs to a start that
// is about to write its pid, so it is re-read until the pid shows up or the
// pending grace expires.
func (s *Supervisor) awaitRecord(ctx context.Context, key string) (lockfile.Record, error) {
	deadline := s.opts.Now().Add(s.opts.PendingGrace)
	for {
		rec, err := s.locks.Read(key)
		if !errors.Is(err, lockfile.ErrEmpty) || rec.ModTime.IsZero() {
			return rec, err
		}
		if s.opts.Now().Sub(rec.ModTime) >= s.opts.PendingGrace || !s.opts.Now().Before(deadline) {
			return rec, err
		}
		if !s.term.Sleep(ctx, s.term.PollInterval) {
			return rec, err
		}
	}
}

// Sweep removes every stale record together with its session log and
// returns the removed records.
func (s *Supervisor) Sweep(ctx context.Context) ([]lockfile.Record, error) {
	recs, err := s.locks.List()
	if err != nil {
		return nil, err
	}
	var removed []lockfile.Record
	for _, r := range recs {
		if r.State != lockfile.StateStale {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !s.locks.Release(r.Key, r, func() { s.removeSessionLog(r.Key) }) {
			continue
		}
		metrics.IncStaleLock()
		s.log.Info("stale lock record swept", "session", r.Key, "pid", r.PID)
		s.emit(ctx, history.Event{Type: history.EventStaleReclaimed, Session: r.Key, PID: r.PID, Outcome: "swept"})
		removed = append(removed, r)
	}
	return removed, nil
}

// Status lists every session on disk. With usage set, live workers are
// sampled for CPU and memory.
func (s *Supervisor) Status(ctx context.Context, usage bool) ([]SessionStatus, error) {
	recs, err := s.locks.List()
	if err != nil {
		return nil, err
	}
	out := make([]SessionStatus, 0, len(recs))
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, s.describe(r, usage))
	}
	return out, nil
}

// Session describes key's record; lockfile.ErrNotFound when there is none.
func (s *Supervisor) Session(key string, usage bool) (SessionStatus, error) {
	if err := validate(key); err != nil {
		return SessionStatus{}, err
	}
	recs, err := s.locks.List()
	if err != nil {
		return SessionStatus{}, err
	}
	for _, r := range recs {
		if r.Key == key {
			return s.describe(r, usage), nil
		}
	}
	return SessionStatus{}, fmt.Errorf("session %q: %w", key, lockfile.ErrNotFound)
}

func (s *Supervisor) describe(r lockfile.Record, usage bool) SessionStatus {
	st := SessionStatus{Record: r, Alive: r.State == lockfile.StateAlive, LogFile: s.LogPath(r.Key)}
	if usage && st.Alive {
		if u, err := detector.Sample(r.PID); err == nil {
			st.Usage = &u
		}
	}
	return st
}

// CountByState feeds the sessions gauge.
func (s *Supervisor) CountByState() (map[string]int, error) {
	recs, err := s.locks.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, 3)
	for _, r := range recs {
		counts[string(r.State)]++
	}
	return counts, nil
}

const historyTimeout = 2 * time.Second

// emit delivers e to the history sink. Failures are advisories only.
func (s *Supervisor) emit(ctx context.Context, e history.Event) {
	if _, ok := s.opts.History.(history.Nop); ok {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.opts.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := s.opts.History.Send(ctx, e); err != nil {
		s.opts.Recorder.Note(advisory.Notice{
			Kind:    advisory.KindHistoryFailure,
			Session: e.Session,
			PID:     e.PID,
			Message: fmt.Sprintf("history event %s not recorded", e.Type),
			Err:     err,
		})
	}
}

type tee []advisory.Recorder

func (t tee) Note(n advisory.Notice) {
	for _, r := range t {
		r.Note(n)
	}
}

type staleHistory struct{ s *Supervisor }

func (h staleHistory) Note(n advisory.Notice) {
	if n.Kind != advisory.KindStaleLock {
		return
	}
	h.s.emit(context.Background(), history.Event{
		Type:    history.EventStaleReclaimed,
		Session: n.Session,
		PID:     n.PID,
		Detail:  n.Message,
	})
}
