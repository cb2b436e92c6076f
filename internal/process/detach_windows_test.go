//go:build windows

package process

import (
	"os/exec"
	"testing"
)

func checkDetached(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if !IsDetached(cmd) {
		t.Fatalf("DETACHED_PROCESS not set")
	}
}
