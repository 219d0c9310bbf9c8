// Package queue provides the strictly serialized backup run lane.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
)

// SubmitStatus is the queue's answer to a run request.
type SubmitStatus string

const (
	// Accepted means the request was appended to the queue.
	Accepted SubmitStatus = "accepted"
	// AlreadyQueued means the profile is waiting in the queue; the
	// duplicate request was coalesced.
	AlreadyQueued SubmitStatus = "already-queued"
	// AlreadyRunning means the profile's run is in progress.
	AlreadyRunning SubmitStatus = "already-running"
	// Rejected means the request never entered the queue.
	Rejected SubmitStatus = "rejected"
)

// Service defines the interface for the run queue.
type Service interface {
	Submit(profileID string, reason models.TriggerReason) (SubmitStatus, error)
	Cancel(profileID string) bool
	Status() models.QueueStatus
	Start(ctx context.Context)
	Stop()
}

// Executor runs one dequeued request to a terminal record.
type Executor interface {
	Execute(ctx context.Context, req models.RunRequest) *models.RunRecord
}

// ProfileSource validates submissions before they enter the queue.
type ProfileSource interface {
	Get(id string) (*models.Profile, error)
}

// Impl implements the queue Service interface. A single worker
// goroutine pulls requests in FIFO order and runs each to completion
// before pulling the next, so at most one backup executes at any
// instant.
type Impl struct {
	executor Executor
	profiles ProfileSource
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	queued  []models.RunRequest
	running string

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new run queue.
func New(logger zerolog.Logger, profiles ProfileSource, executor Executor) *Impl {
	return &Impl{
		executor: executor,
		profiles: profiles,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Submit asks for a run of the given profile. Configuration errors
// (unknown or disabled profile) are returned synchronously and never
// enter the queue. A profile already queued or running is coalesced.
func (s *Impl) Submit(profileID string, reason models.TriggerReason) (SubmitStatus, error) {
	profile, err := s.profiles.Get(profileID)
	if err != nil {
		return Rejected, err
	}
	if !profile.Enabled {
		return Rejected, models.NewRunError(models.ErrConfiguration, profileID,
			fmt.Errorf("profile %q is disabled", profileID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == profileID {
		return AlreadyRunning, nil
	}
	for _, req := range s.queued {
		if req.ProfileID == profileID {
			return AlreadyQueued, nil
		}
	}

	s.queued = append(s.queued, models.RunRequest{
		ProfileID:   profileID,
		Reason:      reason,
		SubmittedAt: s.now(),
	})

	s.logger.Info().
		Str("profile", profileID).
		Str("trigger", string(reason)).
		Int("queue_depth", len(s.queued)).
		Msg("run request queued")

	// Non-blocking: one pending wakeup is enough for the worker to
	// drain everything.
	select {
	case s.wake <- struct{}{}:
	default:
	}

	return Accepted, nil
}

// Cancel withdraws a queued (not yet started) request. An in-progress
// run is not preemptible and Cancel returns false for it.
func (s *Impl) Cancel(profileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, req := range s.queued {
		if req.ProfileID == profileID {
			s.queued = append(s.queued[:i], s.queued[i+1:]...)
			s.logger.Info().Str("profile", profileID).Msg("queued run withdrawn")
			return true
		}
	}
	return false
}

// Status returns a snapshot of the queue. It never blocks on an
// in-progress run.
func (s *Impl) Status() models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.QueueStatus{
		Running: s.running,
		Queued:  make([]string, 0, len(s.queued)),
	}
	for _, req := range s.queued {
		status.Queued = append(status.Queued, req.ProfileID)
	}
	return status
}

// Start launches the worker goroutine.
func (s *Impl) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.workerLoop(ctx)
}

// Stop signals the worker to exit and waits for it. A run already in
// its transfer phase observes the canceled context through its own
// timeouts.
func (s *Impl) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Impl) workerLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

func (s *Impl) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if len(s.queued) == 0 {
			s.mu.Unlock()
			return
		}
		req := s.queued[0]
		s.queued = s.queued[1:]
		s.running = req.ProfileID
		s.mu.Unlock()

		// Execute never panics a failed run up; the worker proceeds to
		// the next queued item regardless of outcome.
		rec := s.executor.Execute(ctx, req)

		s.mu.Lock()
		s.running = ""
		s.mu.Unlock()

		s.logger.Debug().
			Str("profile", req.ProfileID).
			Str("outcome", string(rec.Outcome)).
			Msg("worker finished run")
	}
}
