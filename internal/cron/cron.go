// Package cron runs periodic maintenance tasks such as stale lock sweeps.
package cron

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a task run on a schedule of the form "@every <duration>".
// A tick is skipped while the previous run of the same job is still active.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs reports how many times the job has been started.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped reports ticks dropped because a run was still active.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	durStr, ok := strings.CutPrefix(expr, "@every ")
	if !ok {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(durStr))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return errors.New("cron job requires a run func")
	}
	return nil
}

type Scheduler struct {
	log  *slog.Logger
	jobs []*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{log: log.With("component", "cron")}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. They end when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	periods := make([]time.Duration, len(s.jobs))
	for i, j := range s.jobs {
		d, err := ParseEvery(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		periods[i] = d
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for i, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j, periods[i])
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) {
				j.skipped.Add(1)
				continue
			}
			j.runs.Add(1)
			s.wg.Add(1)
			// run apart from the ticker so a slow job does not queue ticks
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				if err := j.Run(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("cron job failed", "job", j.Name, "error", err)
				}
			}()
		}
	}
}

// Stop cancels all jobs and waits for active runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
