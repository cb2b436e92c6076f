//go:build !windows

package process

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Detach makes cmd start in a new session (setsid). The worker becomes leader
// of its own session and process group, has no controlling terminal and is
// not signalled when the launcher's group is.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	// setpgid on a fresh session leader fails with EPERM.
	cmd.SysProcAttr.Setpgid = false
}

// IsDetached reports whether Detach was applied to cmd.
func IsDetached(cmd *exec.Cmd) bool {
	return cmd.SysProcAttr != nil && cmd.SysProcAttr.Setsid
}

func setGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// OSSignaler signals real processes. When pid leads its own process group the
// whole group is signalled so helpers forked by the worker go with it.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }
func (OSSignaler) Kill(pid int) error      { return signalGroup(pid, unix.SIGKILL) }

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		if err := unix.Kill(-pid, sig); err == nil {
			return nil
		}
	}
	return unix.Kill(pid, sig)
}
