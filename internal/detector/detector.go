// Package detector answers whether a recorded pid still refers to a live
// worker process.
package detector

// Prober is a liveness strategy. It must be safe for concurrent use.
type Prober interface {
	// Alive reports whether pid is running. When startUnix is positive the
	// process must also have started at that time, otherwise the pid is
	// considered reused and not alive.
	Alive(pid int, startUnix int64) bool
	// StartUnix returns the start time of pid in Unix seconds, or 0 when unknown.
	StartUnix(pid int) int64
}

// OS probes the real process table.
type OS struct{}

func (OS) Alive(pid int, startUnix int64) bool { return ProcessAlive(pid, startUnix) }
func (OS) StartUnix(pid int) int64            { return getProcStartUnix(pid) }

// ProcessAlive combines PIDAlive with a start time check against pid reuse.
func ProcessAlive(pid int, startUnix int64) bool {
	if !PIDAlive(pid) {
		return false
	}
	if startUnix > 0 {
		if cur := getProcStartUnix(pid); cur > 0 && cur != startUnix {
			return false
		}
	}
	return true
}
