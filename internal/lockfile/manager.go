// Package lockfile owns the per-session lock record that names the running
// worker. Fresh records are taken by exclusive file creation. Replacing or
// removing a record that other invocations may have read happens under a
// file lock in the lock directory, after checking the record is unchanged.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loykin/sessionwatch/internal/advisory"
	"github.com/loykin/sessionwatch/internal/detector"
	"github.com/loykin/sessionwatch/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotFound       = errors.New("lock record not found")
	ErrCorrupt        = errors.New("corrupt lock record")
	ErrEmpty          = fmt.Errorf("%w: no pid recorded", ErrCorrupt)
	ErrAcquire        = errors.New("cannot acquire lock record")
	ErrHandleClosed   = errors.New("lock handle already completed")
	ErrInvalidKey     = errors.New("invalid session key")
	ErrLost           = errors.New("lock record removed or replaced")
)

// DefaultPendingGrace is how long an empty record is attributed to an
// in-flight start before it is considered abandoned.
const DefaultPendingGrace = 5 * time.Second

// HeldError is returned by Acquire when a live worker owns the session.
// It matches ErrAlreadyRunning with errors.Is.
type HeldError struct {
	Key string
	PID int // 0 while the owner has not recorded its pid yet
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("session %q: worker already running (pid %d)", e.Key, e.PID)
	}
	return fmt.Sprintf("session %q: worker start in progress", e.Key)
}

func (e *HeldError) Is(target error) bool { return target == ErrAlreadyRunning }

type Options struct {
	PendingGrace time.Duration
	Prober       detector.Prober
	Recorder     advisory.Recorder
	Logger       *slog.Logger
	Now          func() time.Time
}

type Manager struct {
	store        *Store
	prober       detector.Prober
	rec          advisory.Recorder
	log          *slog.Logger
	pendingGrace time.Duration
	now          func() time.Time
}

func NewManager(store *Store, opts Options) *Manager {
	m := &Manager{
		store:        store,
		prober:       opts.Prober,
		rec:          opts.Recorder,
		log:          opts.Logger,
		pendingGrace: opts.PendingGrace,
		now:          opts.Now,
	}
	if m.prober == nil {
		m.prober = detector.OS{}
	}
	if m.rec == nil {
		m.rec = advisory.Discard
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.pendingGrace <= 0 {
		m.pendingGrace = DefaultPendingGrace
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.log = m.log.With("component", "lockfile")
	return m
}

func (m *Manager) Store() *Store { return m.store }

// Acquire creates the lock record for key exclusively. When a record already
// exists and its worker is alive, a *HeldError is returned. A stale, corrupt
// or vanished record is removed and creation retried exactly once. Removal
// and re-creation happen under the store's reclaim lock and only when the
// record on disk is still the one found stale.
func (m *Manager) Acquire(key string) (*Handle, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := m.store.CreateExclusive(key)
	if err == nil {
		m.log.Debug("lock record created", "session", key, "path", m.store.Path(key))
		return m.newHandle(key, f)
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w for session %q: %w", ErrAcquire, key, err)
	}

	rec, rerr := m.Read(key)
	if !errors.Is(rerr, ErrNotFound) {
		switch m.classify(rec, rerr) {
		case StateAlive:
			m.log.Info("worker already running", "session", key, "pid", rec.PID)
			return nil, &HeldError{Key: key, PID: rec.PID}
		case StatePending:
			m.log.Info("lock record pending, start in progress", "session", key)
			return nil, &HeldError{Key: key}
		}
	}

	unlock, err := m.store.LockReclaim()
	if err != nil {
		return nil, fmt.Errorf("%w for session %q: %w", ErrAcquire, key, err)
	}
	defer unlock()

	if !errors.Is(rerr, ErrNotFound) {
		cur, cerr := m.Read(key)
		if !errors.Is(cerr, ErrNotFound) {
			if !sameRecord(cur, rec) {
				// replaced since it was classified; whoever did it owns the session
				m.log.Info("stale lock record already reclaimed", "session", key)
				return nil, &HeldError{Key: key, PID: cur.PID}
			}
			metrics.IncStaleLock()
			m.rec.Note(advisory.Notice{
				Kind:    advisory.KindStaleLock,
				Session: key,
				PID:     rec.PID,
				Message: "removing stale lock record",
				Err:     rerr,
			})
			if err := m.store.Remove(key); err != nil {
				m.log.Warn("failed to remove stale lock record", "session", key, "error", err)
				return nil, fmt.Errorf("%w for session %q: remove stale record: %w", ErrAcquire, key, err)
			}
		}
	}

	f, err = m.store.CreateExclusive(key)
	if errors.Is(err, fs.ErrExist) {
		cur, _ := m.Read(key)
		return nil, &HeldError{Key: key, PID: cur.PID}
	}
	if err != nil {
		return nil, fmt.Errorf("%w for session %q after stale record removal: %w", ErrAcquire, key, err)
	}
	m.log.Debug("lock record created after reclaim", "session", key)
	return m.newHandle(key, f)
}

// sameRecord reports whether two reads of a record saw the same file content.
func sameRecord(a, b Record) bool {
	return a.PID == b.PID && a.ModTime.Equal(b.ModTime)
}

// Read decodes the record for key. Missing records give ErrNotFound; records
// that cannot be read or parsed give an error matching ErrCorrupt, with the
// partially decoded Record still returned.
func (m *Manager) Read(key string) (Record, error) {
	rec := Record{Key: key}
	data, err := m.store.Read(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if fi, serr := m.store.Stat(key); serr == nil {
		rec.ModTime = fi.ModTime()
	}
	rec.PID, rec.Meta, err = Decode(data)
	return rec, err
}

// IsAlive probes pid without a start time check.
func (m *Manager) IsAlive(pid int) bool { return m.prober.Alive(pid, 0) }

// Alive probes the worker of rec, honouring the recorded start time.
func (m *Manager) Alive(rec Record) bool { return m.prober.Alive(rec.PID, rec.Meta.StartUnix) }

// Prober exposes the liveness strategy so collaborators probe consistently.
func (m *Manager) Prober() detector.Prober { return m.prober }

func (m *Manager) classify(rec Record, readErr error) State {
	switch {
	case readErr == nil && m.Alive(rec):
		return StateAlive
	case errors.Is(readErr, ErrEmpty) && !rec.ModTime.IsZero() && m.now().Sub(rec.ModTime) < m.pendingGrace:
		return StatePending
	default:
		return StateStale
	}
}

// Release deletes key's record only while it is still the record want,
// i.e. has the same pid and modification time, and reports whether it was
// removed. A record replaced by a newer start is left alone. before, when
// not nil, runs under the same lock right ahead of the removal. Failures are
// reported as advisories and never returned: cleanup must not block shutdown.
func (m *Manager) Release(key string, want Record, before func()) bool {
	unlock, err := m.store.LockReclaim()
	if err != nil {
		m.cleanupFailed(key, err)
		return false
	}
	defer unlock()
	cur, rerr := m.Read(key)
	if errors.Is(rerr, ErrNotFound) {
		return false
	}
	if !sameRecord(cur, want) {
		m.log.Info("lock record replaced, keeping it", "session", key, "pid", cur.PID, "previous_pid", want.PID)
		return false
	}
	if before != nil {
		before()
	}
	return m.remove(key)
}

func (m *Manager) remove(key string) bool {
	if err := m.store.Remove(key); err != nil {
		m.cleanupFailed(key, err)
		return false
	}
	m.log.Debug("lock record released", "session", key)
	return true
}

func (m *Manager) cleanupFailed(key string, err error) {
	metrics.IncCleanupFailure()
	m.rec.Note(advisory.Notice{
		Kind:    advisory.KindCleanupFailure,
		Session: key,
		Message: "failed to remove lock record",
		Err:     err,
	})
}

// List returns every record on disk with its State. Records that vanish while
// listing are skipped.
func (m *Manager) List() ([]Record, error) {
	keys, err := m.store.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, rerr := m.Read(k)
		if errors.Is(rerr, ErrNotFound) {
			continue
		}
		rec.State = m.classify(rec, rerr)
		out = append(out, rec)
	}
	return out, nil
}

// Handle is an acquired, not yet populated lock record.
type Handle struct {
	m         *Manager
	key       string
	f         afero.File
	fi        fs.FileInfo
	mu        sync.Mutex
	done      bool
	committed bool
}

func (m *Manager) newHandle(key string, f afero.File) (*Handle, error) {
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = m.store.Remove(key)
		return nil, fmt.Errorf("%w for session %q: stat new record: %w", ErrAcquire, key, err)
	}
	return &Handle{m: m, key: key, f: f, fi: fi}, nil
}

func (h *Handle) Key() string  { return h.key }
func (h *Handle) Path() string { return h.m.store.Path(h.key) }

// owned reports whether the record path still names the file this handle
// created. Callers hold the reclaim lock.
func (h *Handle) owned() bool {
	fi, err := h.m.store.Stat(h.key)
	return err == nil && SameFile(h.fi, fi)
}

// WritePID populates the record and flushes it to stable storage before
// closing. It may be called once. ErrLost is returned when the record was
// removed or replaced while the worker was starting.
func (h *Handle) WritePID(pid int, meta Meta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHandleClosed
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	h.done = true
	if _, err := h.f.Write(Encode(pid, meta)); err != nil {
		_ = h.f.Close()
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := h.f.Sync(); err != nil {
		_ = h.f.Close()
		return fmt.Errorf("sync lock record: %w", err)
	}
	if err := h.f.Close(); err != nil {
		return fmt.Errorf("close lock record: %w", err)
	}
	unlock, err := h.m.store.LockReclaim()
	if err != nil {
		return fmt.Errorf("verify lock record: %w", err)
	}
	defer unlock()
	if !h.owned() {
		return fmt.Errorf("session %q: %w", h.key, ErrLost)
	}
	h.committed = true
	return nil
}

// Abort closes the handle and removes the record if it is still the one
// this handle created. It is a no-op after a successful WritePID.
func (h *Handle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return
	}
	if !h.done {
		h.done = true
		_ = h.f.Close()
	}
	unlock, err := h.m.store.LockReclaim()
	if err != nil {
		h.m.cleanupFailed(h.key, err)
		return
	}
	defer unlock()
	if h.owned() {
		h.m.remove(h.key)
	}
}
