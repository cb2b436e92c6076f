package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StateCounter reports how many lock records are in each state.
type StateCounter interface {
	CountByState() (map[string]int, error)
}

// SessionCollector exports lock directory contents, computed on every scrape.
type SessionCollector struct {
	src      StateCounter
	sessions *prometheus.Desc
	up       *prometheus.Desc
}

// knownStates are always exported so absent states read as zero.
var knownStates = []string{"alive", "stale", "pending"}

func NewSessionCollector(src StateCounter) *SessionCollector {
	return &SessionCollector{
		src: src,
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Lock records in the lock directory by state.",
			[]string{"state"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "lock_dir_up"),
			"Whether the lock directory could be scanned.",
			nil, nil,
		),
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.up
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.src.CountByState()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for _, st := range knownStates {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(counts[st]), st)
	}
}
