package client

import "time"

// StartResult mirrors POST /sessions/:id.
type StartResult struct {
	Status  string `json:"status"` // started | already_running
	Session string `json:"session"`
	PID     int    `json:"pid,omitempty"`
	WorkDir string `json:"work_dir,omitempty"`
	LogFile string `json:"log_file,omitempty"`
}

// StopResult mirrors DELETE /sessions/:id.
type StopResult struct {
	Status     string `json:"status"` // stopped | nothing_to_do
	Session    string `json:"session"`
	PID        int    `json:"pid,omitempty"`
	WasRunning bool   `json:"was_running"`
	Outcome    string `json:"outcome,omitempty"`
}

type Meta struct {
	StartUnix int64     `json:"start_unix,omitempty"`
	Command   string    `json:"command,omitempty"`
	WorkDir   string    `json:"work_dir,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
	Cmdline    string  `json:"cmdline,omitempty"`
}

// Session is one entry of GET /sessions.
type Session struct {
	Session string    `json:"session"`
	PID     int       `json:"pid"`
	Meta    Meta      `json:"meta"`
	ModTime time.Time `json:"mod_time"`
	State   string    `json:"state"` // alive | stale | pending
	Alive   bool      `json:"alive"`
	LogFile string    `json:"log_file"`
	Usage   *Usage    `json:"usage,omitempty"`
}

type SweepResult struct {
	Removed []Session `json:"removed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
