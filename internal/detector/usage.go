package detector

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of a worker process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
	Cmdline    string  `json:"cmdline,omitempty"`
}

// Sample collects Usage for pid. Fields that cannot be read stay zero.
func Sample(pid int) (Usage, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.MemoryRSS = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if cl, err := p.Cmdline(); err == nil {
		u.Cmdline = cl
	}
	return u, nil
}
