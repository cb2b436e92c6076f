package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sessionwatch/internal/advisory"
	"github.com/loykin/sessionwatch/internal/env"
	"github.com/loykin/sessionwatch/internal/history"
	"github.com/loykin/sessionwatch/internal/lockfile"
	"github.com/loykin/sessionwatch/internal/process"
)

type fixture struct {
	sv    *Supervisor
	fs    afero.Fs
	world *fakeWorld
	log   *advisory.Log
	sink  *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test adjust Options before the supervisor is built.
func newFixtureWith(t *testing.T, adjust func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		fs:    afero.NewMemMapFs(),
		world: newFakeWorld(),
		log:   advisory.NewLog(nil),
		sink:  &recordingSink{},
	}
	opts := Options{
		Name:            "sw",
		Command:         "mgrep watch",
		Env:             env.New([]string{"A=1"}).WithBase(nil),
		LockDir:         "/locks",
		LogDir:          "/logs",
		Fs:              f.fs,
		GracefulTimeout: 300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		KillSettle:      10 * time.Millisecond,
		PendingGrace:    time.Second,
		Prober:          f.world,
		Spawner:         f.world,
		Signaler:        f.world,
		Recorder:        f.log,
		History:         f.sink,
		Getwd:           func() (string, error) { return "/fallback", nil },
	}
	if adjust != nil {
		adjust(&opts)
	}
	f.sv = New(opts)
	return f
}

func (f *fixture) exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, path)
	require.NoError(t, err)
	return ok
}

func TestStart_ThenAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wd := t.TempDir()

	first, err := f.sv.Start(ctx, "abc", wd)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, first.Status)
	assert.Equal(t, wd, first.WorkDir)
	assert.Equal(t, "/logs/sw-command-abc.log", first.LogFile)

	second, err := f.sv.Start(ctx, "abc", wd)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, second.Status)
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, 1, f.world.spawnCount(), "exactly one worker")

	rec, err := f.sv.Locks().Read("abc")
	require.NoError(t, err)
	assert.Equal(t, first.PID, rec.PID)
	assert.Equal(t, "mgrep watch", rec.Meta.Command)
	assert.Equal(t, wd, rec.Meta.WorkDir)

	assert.Equal(t, []history.EventType{history.EventStart, history.EventAlreadyRunning}, f.sink.types())
}

func TestStart_SpawnSpec(t *testing.T) {
	f := newFixture(t)
	_, err := f.sv.Start(context.Background(), "abc", "")
	require.NoError(t, err)

	spec := f.world.spawned[0]
	assert.True(t, spec.Detached)
	assert.Equal(t, "/fallback", spec.WorkDir)
	assert.Equal(t, "mgrep watch", spec.Command)
	assert.Contains(t, spec.Env, "A=1")
	assert.Contains(t, spec.Env, env.SessionVar+"=abc")
	assert.NotNil(t, spec.Stdout)
	assert.False(t, f.log.Has(advisory.KindWorkDirFallback), "no advisory when no cwd was given")
}

func TestStart_WorkDirFallback(t *testing.T) {
	f := newFixture(t)
	res, err := f.sv.Start(context.Background(), "abc", "/definitely/missing/dir")
	require.NoError(t, err)
	assert.Equal(t, "/fallback", res.WorkDir)
	assert.True(t, f.log.Has(advisory.KindWorkDirFallback))
}

func TestStart_ReclaimsStaleRecord(t *testing.T) {
	f := newFixture(t)
	store := f.sv.Locks().Store()
	require.NoError(t, f.fs.MkdirAll("/locks", 0o755))
	require.NoError(t, afero.WriteFile(f.fs, store.Path("abc"), lockfile.Encode(77, lockfile.Meta{}), 0o644))

	res, err := f.sv.Start(context.Background(), "abc", "")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)
	assert.NotEqual(t, 77, res.PID)
	assert.True(t, f.log.Has(advisory.KindStaleLock))
	assert.Contains(t, f.sink.types(), history.EventStaleReclaimed)

	rec, err := f.sv.Locks().Read("abc")
	require.NoError(t, err)
	assert.Equal(t, res.PID, rec.PID)
}

func TestStart_SpawnFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.world.spawnErr = errors.New("exec: \"mgrep\": executable file not found in $PATH")

	_, err := f.sv.Start(context.Background(), "abc", "")
	require.ErrorIs(t, err, ErrSpawn)
	assert.Contains(t, err.Error(), "executable file not found")
	assert.False(t, f.exists(t, f.sv.Locks().Store().Path("abc")), "lock must not be left behind")
	assert.Equal(t, []history.EventType{history.EventSpawnFailed}, f.sink.types())

	// a later start is not blocked
	f.world.spawnErr = nil
	res, err := f.sv.Start(context.Background(), "abc", "")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)
}

// noLogFs refuses to open session logs.
type noLogFs struct{ afero.Fs }

func (f noLogFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if strings.HasSuffix(name, ".log") {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestStart_LogOpenFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	sv := New(Options{
		Name: "sw", LockDir: "/locks", LogDir: "/logs",
		Fs:      noLogFs{f.fs},
		Prober:  f.world,
		Spawner: f.world,
	})
	_, err := sv.Start(context.Background(), "abc", "")
	require.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, 0, f.world.spawnCount())
	assert.False(t, f.exists(t, sv.Locks().Store().Path("abc")))
}

func TestInvalidSession_NoSideEffects(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"", "  ", "a\x00b", strings.Repeat("k", lockfile.MaxKeyLen+1)} {
		_, err := f.sv.Start(context.Background(), key, "")
		assert.ErrorIs(t, err, ErrInvalidSession)
		_, err = f.sv.Stop(context.Background(), key)
		assert.ErrorIs(t, err, ErrInvalidSession)
	}
	assert.False(t, f.exists(t, "/locks"))
	assert.False(t, f.exists(t, "/logs"))
	assert.Equal(t, 0, f.world.spawnCount())
}

func TestStop_NothingToDo(t *testing.T) {
	f := newFixture(t)
	res, err := f.sv.Stop(context.Background(), "never")
	require.NoError(t, err)
	assert.Equal(t, StatusNothingToDo, res.Status)
	assert.False(t, res.WasRunning)
	assert.False(t, f.exists(t, "/locks"), "filesystem unchanged")
	assert.Empty(t, f.world.sent())
}

func TestStop_Graceful(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)
	require.True(t, f.exists(t, started.LogFile))

	res, err := f.sv.Stop(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.True(t, res.WasRunning)
	assert.Equal(t, OutcomeGraceful, res.Outcome)
	assert.Equal(t, started.PID, res.PID)
	assert.False(t, f.log.Has(advisory.KindForcedKill))

	assert.False(t, f.exists(t, f.sv.Locks().Store().Path("abc")))
	assert.False(t, f.exists(t, started.LogFile))

	again, err := f.sv.Stop(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusNothingToDo, again.Status, "stop is idempotent")
}

func TestStop_ForcedStillReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)
	f.world.ignoreTerm[started.PID] = true

	began := time.Now()
	res, err := f.sv.Stop(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, OutcomeForced, res.Outcome)
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.True(t, f.log.Has(advisory.KindForcedKill))
	assert.False(t, f.world.Alive(started.PID, 0))
	assert.False(t, f.exists(t, f.sv.Locks().Store().Path("abc")))
}

func TestStop_KillFailureStillReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)
	f.world.ignoreTerm[started.PID] = true
	f.world.killErr = errors.New("operation not permitted")

	res, err := f.sv.Stop(ctx, "abc")
	require.NoError(t, err, "termination failures are advisory")
	assert.Equal(t, StatusStopped, res.Status)
	assert.Equal(t, OutcomeKillFailed, res.Outcome)
	assert.True(t, f.log.Has(advisory.KindTerminationFailure))
	assert.False(t, f.exists(t, f.sv.Locks().Store().Path("abc")))
}

func TestStop_DeadWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)
	f.world.set(started.PID, false)

	res, err := f.sv.Stop(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.False(t, res.WasRunning)
	assert.Equal(t, OutcomeNotRunning, res.Outcome)
	assert.Empty(t, f.world.sent())
	assert.False(t, f.exists(t, f.sv.Locks().Store().Path("abc")))
}

func TestStop_CorruptRecord(t *testing.T) {
	f := newFixture(t)
	path := f.sv.Locks().Store().Path("abc")
	require.NoError(t, f.fs.MkdirAll("/locks", 0o755))
	require.NoError(t, afero.WriteFile(f.fs, path, []byte("garbage\n"), 0o644))

	res, err := f.sv.Stop(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusNothingToDo, res.Status)
	assert.False(t, f.exists(t, path))
}

func TestStop_WaitsForPendingStart(t *testing.T) {
	f := newFixture(t)
	h, err := f.sv.Locks().Acquire("abc")
	require.NoError(t, err)
	f.world.set(555, true)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = h.WritePID(555, lockfile.Meta{})
	}()

	res, err := f.sv.Stop(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.Equal(t, 555, res.PID)
	assert.True(t, res.WasRunning)
}

func TestSweep_RemovesOnlyStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live, err := f.sv.Start(ctx, "live", "")
	require.NoError(t, err)
	dead, err := f.sv.Start(ctx, "dead", "")
	require.NoError(t, err)
	f.world.set(dead.PID, false)
	_, err = f.sv.Locks().Acquire("pending")
	require.NoError(t, err)

	removed, err := f.sv.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "dead", removed[0].Key)
	assert.False(t, f.exists(t, dead.LogFile))
	assert.True(t, f.exists(t, live.LogFile))

	counts, err := f.sv.CountByState()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alive": 1, "pending": 1}, counts)
}

func TestStatusAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.sv.Start(ctx, "a/b", "")
	require.NoError(t, err)

	all, err := f.sv.Status(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a/b", all[0].Key)
	assert.True(t, all[0].Alive)
	assert.Equal(t, started.PID, all[0].PID)
	assert.Equal(t, "/logs/sw-command-a%2Fb.log", all[0].LogFile)

	one, err := f.sv.Session("a/b", false)
	require.NoError(t, err)
	assert.Equal(t, started.PID, one.PID)

	_, err = f.sv.Session("missing", false)
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
}

func TestHistoryFailureIsAdvisory(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("db down")
	res, err := f.sv.Start(context.Background(), "abc", "")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)
	assert.True(t, f.log.Has(advisory.KindHistoryFailure))
}

func TestRemoveSessionLogFailureIsAdvisory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)

	ro := New(Options{
		Name: "sw", LockDir: "/locks", LogDir: "/logs",
		Fs:       afero.NewReadOnlyFs(f.fs),
		Prober:   f.world,
		Signaler: f.world,
		Recorder: f.log,
	})
	res, err := ro.Stop(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.True(t, f.log.Has(advisory.KindCleanupFailure))
}

func TestNew_Defaults(t *testing.T) {
	sv := New(Options{})
	assert.Equal(t, os.TempDir(), sv.opts.LockDir)
	assert.Equal(t, "sessionwatch", sv.opts.Name)
	assert.Equal(t, DefaultGracefulTimeout, sv.term.GracefulTimeout)
}

// signalHook runs a callback once, right after the first SIGTERM lands.
type signalHook struct {
	*fakeWorld
	once  sync.Once
	after func(pid int)
}

func (s *signalHook) Terminate(pid int) error {
	err := s.fakeWorld.Terminate(pid)
	s.once.Do(func() { s.after(pid) })
	return err
}

func TestStop_KeepsRecordOfConcurrentStart(t *testing.T) {
	ctx := context.Background()
	var (
		f     *fixture
		taken StartResult
	)
	hook := &signalHook{}
	f = newFixtureWith(t, func(o *Options) { o.Signaler = hook })
	hook.fakeWorld = f.world
	hook.after = func(int) {
		// the worker is gone; another invocation reclaims the session
		var err error
		taken, err = f.sv.Start(ctx, "abc", "")
		require.NoError(t, err)
	}

	first, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)

	res, err := f.sv.Stop(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGraceful, res.Outcome)
	assert.Equal(t, first.PID, res.PID)
	require.Equal(t, StatusStarted, taken.Status)

	rec, err := f.sv.Locks().Read("abc")
	require.NoError(t, err)
	assert.Equal(t, taken.PID, rec.PID, "the newer worker stays tracked")
	assert.True(t, f.exists(t, taken.LogFile))

	again, err := f.sv.Start(ctx, "abc", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, again.Status)
	assert.Equal(t, 2, f.world.spawnCount(), "never two live workers")
}

// spawnHook runs a callback once before delegating the first spawn.
type spawnHook struct {
	*fakeWorld
	once   sync.Once
	before func()
}

func (s *spawnHook) Spawn(spec process.Spec) (process.Child, error) {
	s.once.Do(s.before)
	return s.fakeWorld.Spawn(spec)
}

func TestStart_LostRecordRollsBack(t *testing.T) {
	ctx := context.Background()
	var (
		f     *fixture
		other StartResult
	)
	hook := &spawnHook{}
	f = newFixtureWith(t, func(o *Options) { o.Spawner = hook })
	hook.fakeWorld = f.world
	hook.before = func() {
		// an invocation with a short pending grace takes the empty record over
		impatient := New(Options{
			Name:         "sw",
			LockDir:      "/locks",
			LogDir:       "/logs",
			Fs:           f.fs,
			PendingGrace: time.Nanosecond,
			Prober:       f.world,
			Spawner:      f.world,
			Signaler:     f.world,
			Getwd:        func() (string, error) { return "/fallback", nil },
		})
		time.Sleep(time.Millisecond)
		var err error
		other, err = impatient.Start(ctx, "abc", "")
		require.NoError(t, err)
		require.Equal(t, StatusStarted, other.Status)
	}

	_, err := f.sv.Start(ctx, "abc", "")
	require.ErrorIs(t, err, ErrSpawn)
	require.ErrorIs(t, err, lockfile.ErrLost)

	sent := f.world.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, fmt.Sprintf("KILL %d", other.PID+1), sent[0], "the untracked worker is killed")
	assert.True(t, f.world.Alive(other.PID, 0))

	rec, err := f.sv.Locks().Read("abc")
	require.NoError(t, err)
	assert.Equal(t, other.PID, rec.PID)
}
