//go:build !windows

package detector

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"runtime"
	"slices"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// PIDAlive sends signal 0 to pid.
// ESRCH means gone. EPERM means the process exists but belongs to someone
// else, unless the pid is not visible in our pid namespace at all. Any other
// outcome is treated as alive so a running worker is never spawned twice.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return !isZombie(pid)
	case errors.Is(err, unix.ESRCH):
		return false
	case errors.Is(err, unix.EPERM):
		return !missingFromNamespace(pid)
	default:
		return true
	}
}

// isZombie reports an exited but unreaped child. Signal 0 still succeeds for
// those, so without this check a worker we spawned ourselves never looks dead.
func isZombie(pid int) bool {
	if runtime.GOOS == "linux" {
		b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
		if err != nil {
			return false
		}
		return bytes.Contains(b, []byte("State:\tZ"))
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

func missingFromNamespace(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	// Without a mounted procfs we cannot tell.
	if _, err := os.Stat("/proc/self"); err != nil {
		return false
	}
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return errors.Is(err, fs.ErrNotExist)
}
