// Package process launches and signals worker processes.
package process

import (
	"io"
	"os/exec"
	"strings"
)

// Spec describes a worker launch.
type Spec struct {
	Command  string    // command line; shell is used only when metacharacters are present
	WorkDir  string    // working directory, empty for the caller's
	Env      []string  // full environment, nil to inherit
	Detached bool      // start in a new session so the worker outlives its launcher
	Stdout   io.Writer // nil discards
	Stderr   io.Writer // nil discards
}

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand constructs an *exec.Cmd for spec.Command.
// An explicit "sh -c <script>" prefix is honoured without double wrapping;
// otherwise /bin/sh -c is used only when shell metacharacters are present.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if script, ok := explicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		// exec reports the missing name at Start.
		return &exec.Cmd{}
	}
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShell matches "sh -c ARG" and "/bin/sh -c ARG", returning ARG with
// one pair of enclosing quotes removed.
func explicitShell(cmdStr string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(cmdStr, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
