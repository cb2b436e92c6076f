package process

import (
	"github.com/loykin/sessionwatch/internal/detector"
)

// Child identifies a spawned worker.
type Child struct {
	PID       int
	StartUnix int64 // 0 when the start time could not be read
}

// Spawner launches workers.
type Spawner interface {
	Spawn(spec Spec) (Child, error)
}

// Signaler delivers termination signals.
type Signaler interface {
	// Terminate asks the worker to exit (SIGTERM).
	Terminate(pid int) error
	// Kill forces the worker to exit (SIGKILL).
	Kill(pid int) error
}

// OSSpawner starts real processes.
type OSSpawner struct{}

// Spawn starts spec and returns without waiting for the worker. While the
// calling process lives the child is reaped in the background so it does not
// linger as a zombie; once the caller exits the child is re-parented.
func (OSSpawner) Spawn(spec Spec) (Child, error) {
	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if spec.Detached {
		Detach(cmd)
	} else {
		setGroup(cmd)
	}
	if err := cmd.Start(); err != nil {
		return Child{}, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return Child{PID: pid, StartUnix: detector.OS{}.StartUnix(pid)}, nil
}
