// Package scheduler runs enabled backup profiles on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/robfig/cron/v3"
)

// ProfileRunner lists profiles and performs a scheduled run of one
type ProfileRunner interface {
	ListProfiles() ([]store.BackupProfile, error)
	RunProfile(ctx context.Context, id string) (*store.BackupHistory, error)
}

type scheduledJob struct {
	name   string
	spec   string
	cronID cron.EntryID
}

// Job describes one scheduled profile
type Job struct {
	ProfileID string    `json:"profile_id"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitempty"`
}

// Scheduler keeps one cron entry per enabled profile. A run that is still
// going when its next tick arrives causes that tick to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner ProfileRunner
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*scheduledJob // profile ID -> job
	ctx     context.Context
	started bool
}

// New creates a stopped scheduler. Schedules are evaluated in loc, or the
// local time zone when loc is nil.
func New(runner ProfileRunner, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(
			cron.Recover(newCronLogger(logger.With("component", "cron"))),
			cron.SkipIfStillRunning(newCronLogger(logger.With("component", "cron-skip-if-running"))),
		),
		cron.WithLogger(newCronLogger(logger.With("component", "cron"))),
	)
	return &Scheduler{
		cron:   c,
		runner: runner,
		logger: logger,
		jobs:   make(map[string]*scheduledJob),
		ctx:    context.Background(),
	}
}

// CronSpec converts a profile's frequency into a cron schedule. DAILY
// profiles fire at TimeOfDay; INTERVAL profiles every IntervalMinutes.
func CronSpec(p store.BackupProfile) (string, error) {
	switch p.Frequency {
	case store.FrequencyDaily:
		hh, mm, ok := strings.Cut(p.TimeOfDay, ":")
		if !ok {
			return "", fmt.Errorf("profile %s: invalid time of day %q", p.ID, p.TimeOfDay)
		}
		hour, herr := strconv.Atoi(hh)
		minute, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return "", fmt.Errorf("profile %s: invalid time of day %q", p.ID, p.TimeOfDay)
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case store.FrequencyInterval:
		if p.IntervalMinutes <= 0 {
			return "", fmt.Errorf("profile %s: interval must be positive, got %d", p.ID, p.IntervalMinutes)
		}
		return fmt.Sprintf("@every %dm", p.IntervalMinutes), nil
	}
	return "", fmt.Errorf("profile %s: unknown frequency %q", p.ID, p.Frequency)
}

// Start schedules every enabled profile and starts the cron loop. Jobs run
// with ctx and stop being scheduled when Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("backup scheduler started", "jobs", len(s.Jobs()))
	return nil
}

// Reload reconciles cron entries with the stored profiles: new and changed
// enabled profiles are (re)scheduled, deleted and disabled ones removed.
func (s *Scheduler) Reload() error {
	profiles, err := s.runner.ListProfiles()
	if err != nil {
		return fmt.Errorf("loading backup profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(profiles))
	var failed []string
	for _, p := range profiles {
		if !p.IsEnabled {
			continue
		}
		wanted[p.ID] = true
		if err := s.addOrUpdateLocked(p); err != nil {
			s.logger.Error("failed to schedule backup profile", "profile", p.Name, "id", p.ID, "error", err)
			failed = append(failed, p.Name)
			delete(wanted, p.ID)
		}
	}

	for id, job := range s.jobs {
		if !wanted[id] {
			s.cron.Remove(job.cronID)
			delete(s.jobs, id)
			s.logger.Info("removed backup schedule", "profile", job.name, "id", id)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("could not schedule %d profiles: %v", len(failed), failed)
	}
	return nil
}

func (s *Scheduler) addOrUpdateLocked(p store.BackupProfile) error {
	spec, err := CronSpec(p)
	if err != nil {
		return err
	}

	existing, exists := s.jobs[p.ID]
	if exists {
		if existing.spec == spec {
			existing.name = p.Name
			return nil
		}
		s.logger.Info("backup schedule changed, rescheduling", "profile", p.Name, "old", existing.spec, "new", spec)
		s.cron.Remove(existing.cronID)
		delete(s.jobs, p.ID)
	}

	id, err := s.cron.AddFunc(spec, s.jobFunc(p.ID, p.Name))
	if err != nil {
		return fmt.Errorf("adding cron entry %q: %w", spec, err)
	}
	s.jobs[p.ID] = &scheduledJob{name: p.Name, spec: spec, cronID: id}

	if !exists {
		s.logger.Info("scheduled backup profile", "profile", p.Name, "id", p.ID, "schedule", spec)
	}
	return nil
}

func (s *Scheduler) jobFunc(profileID, name string) func() {
	return func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		s.logger.Info("starting scheduled backup", "profile", name, "id", profileID)
		h, err := s.runner.RunProfile(ctx, profileID)
		if err != nil {
			s.logger.Error("scheduled backup failed", "profile", name, "id", profileID, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Info("scheduled backup finished", "profile", name, "backup", h.ID, "type", h.BackupType, "duration", time.Since(start))
	}
}

// Jobs lists the scheduled profiles ordered by next run
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		entry := s.cron.Entry(job.cronID)
		out = append(out, Job{
			ProfileID: id,
			Name:      job.name,
			Schedule:  job.spec,
			Next:      entry.Next,
			Prev:      entry.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].Name < out[j].Name
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Stop halts scheduling and waits up to timeout for running jobs
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}

	s.logger.Info("stopping backup scheduler")
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("backup scheduler stopped")
	case <-time.After(timeout):
		s.logger.Warn("backup scheduler stop timed out, a backup may still be running", "timeout", timeout)
	}
}
