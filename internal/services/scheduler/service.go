// Package scheduler submits due profiles to the run queue on a
// periodic clock.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/queue"
)

// Service defines the interface for the background scheduler.
type Service interface {
	Start(ctx context.Context)
	Stop()
	Toggle() (bool, error)
	Enabled() (bool, error)
}

// Submitter accepts scheduled run requests.
type Submitter interface {
	Submit(profileID string, reason models.TriggerReason) (queue.SubmitStatus, error)
}

// ProfileSource lists schedulable profiles and their last runs.
type ProfileSource interface {
	ListEnabled() []*models.Profile
	LastRun(id string) (*models.LastRun, error)
}

// ToggleStore persists the process-wide scheduler flag.
type ToggleStore interface {
	SchedulerEnabled() (bool, error)
	SetSchedulerEnabled(enabled bool) error
}

// Impl implements the scheduler Service interface.
//
// Due comparison uses the deployment's local wall clock; profile
// schedule values carry no timezone of their own.
type Impl struct {
	submitter Submitter
	profiles  ProfileSource
	toggles   ToggleStore
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(logger zerolog.Logger, profiles ProfileSource, toggles ToggleStore, submitter Submitter, interval time.Duration) *Impl {
	return &Impl{
		submitter: submitter,
		profiles:  profiles,
		toggles:   toggles,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// NewWithClock creates a scheduler with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, profiles ProfileSource, toggles ToggleStore, submitter Submitter, interval time.Duration, now func() time.Time) *Impl {
	s := New(logger, profiles, toggles, submitter, interval)
	s.now = now
	return s
}

// Start launches the periodic tick loop.
func (s *Impl) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (s *Impl) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Toggle flips and persists the scheduler flag, returning the new state.
func (s *Impl) Toggle() (bool, error) {
	enabled, err := s.toggles.SchedulerEnabled()
	if err != nil {
		return false, err
	}
	if err := s.toggles.SetSchedulerEnabled(!enabled); err != nil {
		return false, err
	}
	s.logger.Info().Bool("enabled", !enabled).Msg("scheduler toggled")
	return !enabled, nil
}

// Enabled reports the persisted scheduler flag.
func (s *Impl) Enabled() (bool, error) {
	return s.toggles.SchedulerEnabled()
}

// Tick submits every due profile. A profile is due when its schedule is
// enabled, the local wall-clock time has reached the schedule time, and
// its last run (any outcome) did not start today. A profile therefore
// fires at most once per calendar day, and a missed wake window still
// fires on the next tick that day.
func (s *Impl) Tick() {
	enabled, err := s.toggles.SchedulerEnabled()
	if err != nil {
		s.logger.Error().Err(err).Msg("could not read scheduler toggle")
		return
	}
	if !enabled {
		return
	}

	now := s.now()
	currentTime := now.Format("15:04")
	today := now.Format("2006-01-02")

	for _, profile := range s.profiles.ListEnabled() {
		if !profile.Schedule.Enabled || profile.Schedule.Time == "" {
			continue
		}
		if currentTime < profile.Schedule.Time {
			continue
		}

		last, err := s.profiles.LastRun(profile.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("profile", profile.ID).Msg("could not read last run")
			continue
		}
		if last != nil && last.StartedAt.Local().Format("2006-01-02") == today {
			continue
		}

		status, err := s.submitter.Submit(profile.ID, models.TriggerScheduled)
		if err != nil {
			s.logger.Error().Err(err).Str("profile", profile.ID).Msg("scheduled submission rejected")
			continue
		}
		if status == queue.Accepted {
			s.logger.Info().
				Str("profile", profile.ID).
				Str("schedule", profile.Schedule.Time).
				Msg("submitted scheduled run")
		}
	}
}
