// Package sessionwatch is the embeddable API of the session worker
// supervisor: start at most one background worker per session id, stop it
// with a bounded graceful window, and inspect the lock directory.
package sessionwatch

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sessionwatch/internal/advisory"
	"github.com/loykin/sessionwatch/internal/config"
	"github.com/loykin/sessionwatch/internal/history"
	"github.com/loykin/sessionwatch/internal/history/factory"
	"github.com/loykin/sessionwatch/internal/lockfile"
	"github.com/loykin/sessionwatch/internal/metrics"
	"github.com/loykin/sessionwatch/internal/server"
	"github.com/loykin/sessionwatch/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Options = supervisor.Options

type StartResult = supervisor.StartResult

type StopResult = supervisor.StopResult

type SessionStatus = supervisor.SessionStatus

type Record = lockfile.Record

type Notice = advisory.Notice

type AdvisoryLog = advisory.Log

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StatusStarted        = supervisor.StatusStarted
	StatusAlreadyRunning = supervisor.StatusAlreadyRunning
	StatusStopped        = supervisor.StatusStopped
	StatusNothingToDo    = supervisor.StatusNothingToDo
)

var (
	ErrInvalidSession = supervisor.ErrInvalidSession
	ErrSpawn          = supervisor.ErrSpawn
	ErrNotFound       = lockfile.ErrNotFound
)

// Supervisor is a thin facade over internal/supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(opts Options) *Supervisor { return &Supervisor{inner: supervisor.New(opts)} }

// FromConfig builds a Supervisor from loaded settings.
func FromConfig(c Config) *Supervisor { return New(supervisor.OptionsFromConfig(c)) }

// LoadConfig reads an optional TOML file plus SESSIONWATCH_* variables.
func LoadConfig(path string) (Config, error) { return config.Load(path, nil) }

func DefaultConfig() Config { return config.Defaults() }

func NewAdvisoryLog() *AdvisoryLog { return advisory.NewLog(nil) }

func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func (s *Supervisor) Start(ctx context.Context, session, workDir string) (StartResult, error) {
	return s.inner.Start(ctx, session, workDir)
}
func (s *Supervisor) Stop(ctx context.Context, session string) (StopResult, error) {
	return s.inner.Stop(ctx, session)
}
func (s *Supervisor) Status(ctx context.Context, usage bool) ([]SessionStatus, error) {
	return s.inner.Status(ctx, usage)
}
func (s *Supervisor) Session(session string, usage bool) (SessionStatus, error) {
	return s.inner.Session(session, usage)
}
func (s *Supervisor) Sweep(ctx context.Context) ([]Record, error) { return s.inner.Sweep(ctx) }
func (s *Supervisor) LogPath(session string) string            { return s.inner.LogPath(session) }

// Handler returns the session HTTP API mounted at basePath.
func (s *Supervisor) Handler(basePath string, g prometheus.Gatherer) http.Handler {
	return server.NewRouter(s.inner, basePath, g, nil).Handler()
}

// RegisterMetrics registers supervisor counters and the sessions gauge.
func (s *Supervisor) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return r.Register(metrics.NewSessionCollector(s.inner))
}
