//go:build !windows

package process

import (
	"os/exec"
	"testing"
)

// checkDetached verifies Unix-specific process attributes
func checkDetached(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setsid {
		t.Fatalf("SysProcAttr Setsid not set")
	}
	if cmd.SysProcAttr.Setpgid {
		t.Fatalf("Setpgid must be cleared for a session leader")
	}
}
