// Package runner executes one backup run end to end: transfer,
// verification, retention pruning, and history recording.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/localbackup"
	"github.com/yatb/yatb/internal/services/notify"
	"github.com/yatb/yatb/internal/services/retention"
	"github.com/yatb/yatb/internal/services/sshbackup"
	"github.com/yatb/yatb/internal/services/verify"
)

// Service defines the interface for run execution.
type Service interface {
	Execute(ctx context.Context, req models.RunRequest) *models.RunRecord
}

// ProfileStore is the profile source consumed by the runner.
type ProfileStore interface {
	Get(id string) (*models.Profile, error)
	RecordLastRun(id string, startedAt time.Time, outcome models.Outcome) error
}

// HistoryStore receives the terminal record of every run.
type HistoryStore interface {
	AppendRun(rec *models.RunRecord) error
}

// Impl implements the runner Service interface.
type Impl struct {
	profiles  ProfileStore
	history   HistoryStore
	localSvc  localbackup.Service
	sshSvc    sshbackup.Service
	verifySvc verify.Service
	pruneSvc  retention.Service
	notifySvc notify.Service
	telegram  *models.TelegramConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a new runner service.
func New(logger zerolog.Logger, profiles ProfileStore, history HistoryStore, telegram *models.TelegramConfig) *Impl {
	return &Impl{
		profiles:  profiles,
		history:   history,
		localSvc:  localbackup.New(logger),
		sshSvc:    sshbackup.New(logger),
		verifySvc: verify.New(logger),
		pruneSvc:  retention.New(logger),
		notifySvc: notify.New(logger),
		telegram:  telegram,
		logger:    logger,
		now:       time.Now,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	profiles ProfileStore,
	history HistoryStore,
	localSvc localbackup.Service,
	sshSvc sshbackup.Service,
	verifySvc verify.Service,
	pruneSvc retention.Service,
	notifySvc notify.Service,
	telegram *models.TelegramConfig,
	now func() time.Time,
) *Impl {
	return &Impl{
		profiles:  profiles,
		history:   history,
		localSvc:  localSvc,
		sshSvc:    sshSvc,
		verifySvc: verifySvc,
		pruneSvc:  pruneSvc,
		notifySvc: notifySvc,
		telegram:  telegram,
		logger:    logger,
		now:       now,
	}
}

// Execute runs one dequeued request to a terminal RunRecord. It never
// panics a failed run up to the worker; every outcome is captured in
// the record.
func (s *Impl) Execute(ctx context.Context, req models.RunRequest) *models.RunRecord {
	rec := &models.RunRecord{
		ID:        uuid.NewString(),
		ProfileID: req.ProfileID,
		Reason:    req.Reason,
		StartedAt: s.now(),
	}

	s.logger.Info().
		Str("run_id", rec.ID).
		Str("profile", req.ProfileID).
		Str("trigger", string(req.Reason)).
		Msg("starting run")

	profile, err := s.profiles.Get(req.ProfileID)
	if err != nil {
		s.finish(ctx, rec, nil, err)
		return rec
	}

	timestamp := rec.StartedAt.Format("20060102-150405")

	var result *models.TransferResult
	switch profile.Kind {
	case models.KindSSH:
		result, err = s.sshSvc.Execute(ctx, *profile, timestamp)
	default:
		result, err = s.localSvc.Execute(ctx, *profile, timestamp)
	}

	if result != nil {
		rec.BytesTransferred = result.BytesTransferred
		rec.Log = append(rec.Log, result.Log...)
	}
	if err != nil {
		s.finish(ctx, rec, profile, err)
		return rec
	}

	// Verification only runs after a successful transfer; a mismatch
	// downgrades the outcome but leaves the artifacts on disk.
	rec.Verification = s.verifyRun(profile, result)

	if rec.Verification.Status == models.VerificationFailed {
		rec.Outcome = models.OutcomeVerificationFailed
		rec.ErrorKind = models.ErrVerification
		rec.Error = fmt.Sprintf("%d of %d artifacts mismatched", len(rec.Verification.Mismatches), rec.Verification.Checked)
		s.finish(ctx, rec, profile, nil)
		return rec
	}

	rec.Outcome = models.OutcomeSuccess

	// Retention applies only after a terminal success; a suspect run
	// must never cost good history.
	if profile.Retention.Enabled() {
		pruneResult, pruneErr := s.pruneSvc.Prune(profile.DestinationDir(), profile.Retention)
		if pruneErr != nil {
			rec.Log = append(rec.Log, fmt.Sprintf("retention prune failed: %v", pruneErr))
			s.logger.Warn().Err(pruneErr).Str("profile", profile.ID).Msg("retention prune failed")
		} else {
			rec.PrunedPaths = pruneResult.Deleted
			for _, failed := range pruneResult.Failed {
				rec.Log = append(rec.Log, fmt.Sprintf("could not prune %s", failed))
			}
		}
	}

	s.finish(ctx, rec, profile, nil)
	return rec
}

func (s *Impl) verifyRun(profile *models.Profile, result *models.TransferResult) models.VerificationResult {
	if !profile.Verify {
		return models.VerificationResult{Status: models.VerificationSkipped}
	}

	if profile.Kind == models.KindLocal {
		treeResult, err := s.verifySvc.VerifyTree(profile.SourcePath, result.ArtifactDir, profile.ExcludePatterns)
		if err != nil {
			return models.VerificationResult{
				Status:     models.VerificationFailed,
				Mismatches: []string{result.ArtifactDir},
			}
		}
		return *treeResult
	}

	return *s.verifySvc.VerifyArtifacts(result.Artifacts)
}

// finish stamps the terminal state, appends the history record, writes
// back last-run metadata, and notifies if configured.
func (s *Impl) finish(ctx context.Context, rec *models.RunRecord, profile *models.Profile, runErr error) {
	if runErr != nil {
		rec.Outcome = models.OutcomeFailed
		rec.ErrorKind = models.KindOf(runErr)
		rec.Error = runErr.Error()
		if step := models.StepOf(runErr); step != "" {
			rec.Log = append(rec.Log, fmt.Sprintf("failed at %q: %v", step, runErr))
		}
	}
	rec.FinishedAt = s.now()

	if err := s.history.AppendRun(rec); err != nil {
		s.logger.Error().Err(err).Str("run_id", rec.ID).Msg("failed to append run record")
	}
	if profile != nil {
		if err := s.profiles.RecordLastRun(profile.ID, rec.StartedAt, rec.Outcome); err != nil {
			s.logger.Error().Err(err).Str("profile", profile.ID).Msg("failed to record last run")
		}
	}

	s.logger.Info().
		Str("run_id", rec.ID).
		Str("profile", rec.ProfileID).
		Str("outcome", string(rec.Outcome)).
		Int64("bytes", rec.BytesTransferred).
		Dur("duration", rec.FinishedAt.Sub(rec.StartedAt)).
		Msg("run finished")

	if s.telegram != nil {
		notifyResult, err := s.notifySvc.SendRunNotification(ctx, *s.telegram, rec)
		if err != nil || (notifyResult != nil && notifyResult.Error != nil) {
			if err == nil {
				err = notifyResult.Error
			}
			s.logger.Error().Err(err).Msg("failed to send notification")
		}
	}
}
