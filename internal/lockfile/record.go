package lockfile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Meta is optional information stored after the pid line.
type Meta struct {
	StartUnix int64     `json:"start_unix,omitempty"`
	Command   string    `json:"command,omitempty"`
	WorkDir   string    `json:"work_dir,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// State classifies a record found on disk.
type State string

const (
	StateAlive   State = "alive"
	StateStale   State = "stale"
	StatePending State = "pending"
)

// Record is a decoded lock record.
type Record struct {
	Key     string    `json:"session"`
	PID     int       `json:"pid"`
	Meta    Meta      `json:"meta"`
	ModTime time.Time `json:"mod_time"`
	State   State     `json:"state,omitempty"`
}

// Encode renders a record: the pid on the first line, metadata JSON on the second.
func Encode(pid int, meta Meta) []byte {
	var b strings.Builder
	b.WriteString(strconv.Itoa(pid))
	b.WriteByte('\n')
	if js, err := json.Marshal(meta); err == nil && string(js) != "{}" {
		b.Write(js)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Decode parses a record. An empty record yields ErrEmpty; a first line that is
// not a positive integer yields ErrCorrupt. Unparseable metadata is ignored.
func Decode(data []byte) (int, Meta, error) {
	var meta Meta
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return 0, meta, ErrEmpty
	}
	first, rest, _ := strings.Cut(text, "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, meta, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if pid <= 0 {
		return 0, meta, fmt.Errorf("%w: pid %d is not positive", ErrCorrupt, pid)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		line, _, _ := strings.Cut(rest, "\n")
		_ = json.Unmarshal([]byte(line), &meta)
	}
	return pid, meta, nil
}
