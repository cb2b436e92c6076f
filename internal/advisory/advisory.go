// Package advisory carries best-effort notices (cleanup failures, forced kills,
// stale lock recovery) separately from the primary result of an operation.
package advisory

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a notice.
type Kind string

const (
	KindStaleLock          Kind = "stale_lock"
	KindCleanupFailure     Kind = "cleanup_failure"
	KindSignalFailed       Kind = "signal_failed"
	KindForcedKill         Kind = "forced_kill"
	KindTerminationFailure Kind = "termination_failure"
	KindWorkDirFallback    Kind = "workdir_fallback"
	KindHistoryFailure     Kind = "history_failure"
)

// Notice is a single advisory entry.
type Notice struct {
	Kind    Kind      `json:"kind"`
	Session string    `json:"session,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// Recorder receives notices. Implementations must be safe for concurrent use.
type Recorder interface {
	Note(n Notice)
}

// Log writes every notice to a slog.Logger at warn level and retains it.
type Log struct {
	logger  *slog.Logger
	mu      sync.Mutex
	notices []Notice
}

// NewLog returns a Log. A nil logger discards output but still retains notices.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Log{logger: logger}
}

func (l *Log) Note(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	attrs := []any{slog.String("kind", string(n.Kind))}
	if n.Session != "" {
		attrs = append(attrs, slog.String("session", n.Session))
	}
	if n.PID > 0 {
		attrs = append(attrs, slog.Int("pid", n.PID))
	}
	if n.Err != nil {
		attrs = append(attrs, slog.Any("error", n.Err))
	}
	l.logger.Warn(n.Message, attrs...)

	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

// Notices returns a copy of the retained notices.
func (l *Log) Notices() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notice, len(l.notices))
	copy(out, l.notices)
	return out
}

// Has reports whether a notice of kind k was recorded.
func (l *Log) Has(k Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.notices {
		if n.Kind == k {
			return true
		}
	}
	return false
}

// Discard drops all notices.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Note(Notice) {}
