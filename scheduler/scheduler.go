// Package scheduler runs jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a scheduled task
type Job func(ctx context.Context) error

// JobInfo describes a scheduled job
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run"`
}

type entry struct {
	id       cron.EntryID
	schedule string
}

// Scheduler manages periodic jobs. A job still running when its next
// tick comes is not started twice.
type Scheduler struct {
	cron    *cron.Cron
	log     *logrus.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mutex sync.Mutex
	jobs  map[string]entry
}

// New creates a scheduler evaluating schedules in timezone. Each run is
// cancelled after timeout, or when the scheduler stops.
func New(timezone string, timeout time.Duration, log *logrus.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}

	cronLogger := cron.PrintfLogger(log.WithField("source", "cron"))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    c,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]entry),
	}, nil
}

// AddJob adds a job with a standard five field cron schedule, e.g. "0 */6 * * *"
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		s.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.mutex.Lock()
	s.jobs[name] = entry{id: id, schedule: schedule}
	s.mutex.Unlock()

	s.log.WithFields(logrus.Fields{
		"job":      name,
		"schedule": schedule,
	}).Info("Added scheduled job")
	return nil
}

// RemoveJob removes a scheduled job
func (s *Scheduler) RemoveJob(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e, ok := s.jobs[name]; ok {
		s.cron.Remove(e.id)
		delete(s.jobs, name)
		s.log.WithField("job", name).Info("Removed scheduled job")
	}
}

func (s *Scheduler) run(name string, job Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	entry := s.log.WithField("job", name)
	entry.Info("Starting scheduled job")
	start := time.Now()

	if err := job(ctx); err != nil {
		entry.WithError(err).WithField("duration", time.Since(start).String()).Error("Scheduled job failed")
		return
	}
	entry.WithField("duration", time.Since(start).String()).Info("Scheduled job completed")
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.log.Info("Starting scheduler")
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return, or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.log.Info("Stopping scheduler")
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListJobs returns the scheduled jobs with their next and previous runs
func (s *Scheduler) ListJobs() []JobInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		cronEntry := s.cron.Entry(e.id)
		infos = append(infos, JobInfo{
			Name:     name,
			Schedule: e.schedule,
			NextRun:  cronEntry.Next,
			LastRun:  cronEntry.Prev,
		})
	}
	return infos
}
