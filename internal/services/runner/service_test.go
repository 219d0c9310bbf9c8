package runner

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/retention"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockProfiles struct {
	profile *models.Profile

	lastRunProfile string
	lastRunOutcome models.Outcome
	lastRunCalls   int
}

func (m *mockProfiles) Get(id string) (*models.Profile, error) {
	if m.profile == nil || m.profile.ID != id {
		return nil, models.NewRunError(models.ErrConfiguration, id, fmt.Errorf("unknown profile %q", id))
	}
	return m.profile, nil
}

func (m *mockProfiles) RecordLastRun(id string, _ time.Time, outcome models.Outcome) error {
	m.lastRunProfile = id
	m.lastRunOutcome = outcome
	m.lastRunCalls++
	return nil
}

type mockHistory struct {
	records []*models.RunRecord
}

func (m *mockHistory) AppendRun(rec *models.RunRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type mockBackup struct {
	result *models.TransferResult
	err    error
	calls  int
}

func (m *mockBackup) Execute(_ context.Context, _ models.Profile, _ string) (*models.TransferResult, error) {
	m.calls++
	return m.result, m.err
}

type mockVerify struct {
	artifactsResult *models.VerificationResult
	treeResult      *models.VerificationResult
	treeErr         error
	calls           int
}

func (m *mockVerify) VerifyArtifacts(_ []models.Artifact) *models.VerificationResult {
	m.calls++
	return m.artifactsResult
}

func (m *mockVerify) VerifyTree(_, _ string, _ []string) (*models.VerificationResult, error) {
	m.calls++
	return m.treeResult, m.treeErr
}

func (m *mockVerify) HashFile(_ string) (string, int64, error) { return "", 0, nil }

type mockPrune struct {
	result *retention.Result
	err    error
	calls  int
}

func (m *mockPrune) Prune(_ string, _ models.RetentionPolicy) (*retention.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockNotify struct {
	sent []*models.RunRecord
}

func (m *mockNotify) SendRunNotification(_ context.Context, _ models.TelegramConfig, rec *models.RunRecord) (*models.TelegramResult, error) {
	m.sent = append(m.sent, rec)
	return &models.TelegramResult{MessageSent: true}, nil
}

type fixture struct {
	profiles *mockProfiles
	history  *mockHistory
	local    *mockBackup
	ssh      *mockBackup
	verify   *mockVerify
	prune    *mockPrune
	notify   *mockNotify
}

func localProfile() *models.Profile {
	return &models.Profile{
		ID:         "documents",
		Kind:       models.KindLocal,
		Enabled:    true,
		SourcePath: "/home/user/documents",
		DestPath:   "/srv/backups/documents",
		Verify:     true,
	}
}

func newFixture(profile *models.Profile) *fixture {
	return &fixture{
		profiles: &mockProfiles{profile: profile},
		history:  &mockHistory{},
		local: &mockBackup{result: &models.TransferResult{
			ArtifactDir:      "/srv/backups/documents/20260829-020000",
			BytesTransferred: 1024,
			FilesCopied:      3,
		}},
		ssh: &mockBackup{result: &models.TransferResult{
			ArtifactDir:      "/srv/backups/web01/20260829-020000",
			BytesTransferred: 2048,
			Artifacts:        []models.Artifact{{Path: "/srv/backups/web01/20260829-020000/etc.tar.zst", Size: 2048, SHA256: "abc"}},
		}},
		verify: &mockVerify{
			artifactsResult: &models.VerificationResult{Status: models.VerificationPassed, Checked: 1},
			treeResult:      &models.VerificationResult{Status: models.VerificationPassed, Checked: 3},
		},
		prune:  &mockPrune{result: &retention.Result{}},
		notify: &mockNotify{},
	}
}

func (f *fixture) service(telegram *models.TelegramConfig) *Impl {
	now := time.Date(2026, 8, 29, 2, 0, 0, 0, time.UTC)
	return NewWithServices(testLogger(), f.profiles, f.history,
		f.local, f.ssh, f.verify, f.prune, f.notify, telegram,
		func() time.Time { return now })
}

func TestExecute_LocalSuccess(t *testing.T) {
	f := newFixture(localProfile())
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1024), rec.BytesTransferred)
	assert.Equal(t, models.VerificationPassed, rec.Verification.Status)
	assert.Equal(t, 1, f.local.calls)
	assert.Equal(t, 0, f.ssh.calls)

	// Exactly one terminal record, and last-run metadata written back.
	require.Len(t, f.history.records, 1)
	assert.Same(t, rec, f.history.records[0])
	assert.Equal(t, "documents", f.profiles.lastRunProfile)
	assert.Equal(t, models.OutcomeSuccess, f.profiles.lastRunOutcome)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
}

func TestExecute_SSHDispatch(t *testing.T) {
	profile := &models.Profile{
		ID: "web01", Kind: models.KindSSH, Enabled: true, Verify: true,
		SSH: &models.SSHServerConfig{LandingDir: "/srv/backups"},
	}
	f := newFixture(profile)
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "web01", Reason: models.TriggerManual})

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 0, f.local.calls)
	assert.Equal(t, 1, f.ssh.calls)
	assert.Equal(t, int64(2048), rec.BytesTransferred)
}

func TestExecute_UnknownProfile(t *testing.T) {
	f := newFixture(localProfile())
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "ghost", Reason: models.TriggerManual})

	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Equal(t, models.ErrConfiguration, rec.ErrorKind)
	assert.Equal(t, 0, f.local.calls)
	// Still exactly one record; no last-run write for an unknown profile.
	require.Len(t, f.history.records, 1)
	assert.Equal(t, 0, f.profiles.lastRunCalls)
}

func TestExecute_TransferFailure(t *testing.T) {
	f := newFixture(localProfile())
	f.local.err = models.NewRunError(models.ErrTransfer, "/home/user/documents", fmt.Errorf("read error"))
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Equal(t, models.ErrTransfer, rec.ErrorKind)
	assert.Contains(t, rec.Error, "read error")
	assert.Equal(t, 0, f.verify.calls, "no verification after a failed transfer")
	assert.Equal(t, 0, f.prune.calls, "no pruning after a failed transfer")
	// The failed run still lands in history and last-run metadata.
	require.Len(t, f.history.records, 1)
	assert.Equal(t, models.OutcomeFailed, f.profiles.lastRunOutcome)
}

func TestExecute_VerificationFailure(t *testing.T) {
	profile := localProfile()
	profile.Retention = models.RetentionPolicy{KeepLast: 3}
	f := newFixture(profile)
	f.verify.treeResult = &models.VerificationResult{
		Status:     models.VerificationFailed,
		Checked:    3,
		Mismatches: []string{"/srv/backups/documents/20260829-020000/a.txt"},
	}
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	assert.Equal(t, models.OutcomeVerificationFailed, rec.Outcome)
	assert.Equal(t, models.ErrVerification, rec.ErrorKind)
	assert.Contains(t, rec.Error, "1 of 3")
	assert.Equal(t, 0, f.prune.calls, "a suspect run must never trigger pruning")
	assert.Equal(t, models.OutcomeVerificationFailed, f.profiles.lastRunOutcome)
}

func TestExecute_VerificationSkipped(t *testing.T) {
	profile := localProfile()
	profile.Verify = false
	f := newFixture(profile)
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerManual})

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, models.VerificationSkipped, rec.Verification.Status)
	assert.Equal(t, 0, f.verify.calls)
}

func TestExecute_PruneAfterSuccess(t *testing.T) {
	profile := localProfile()
	profile.Retention = models.RetentionPolicy{KeepLast: 2}
	f := newFixture(profile)
	f.prune.result = &retention.Result{
		Deleted: []string{"/srv/backups/documents/20260801-020000"},
		Failed:  []string{"/srv/backups/documents/20260802-020000"},
	}
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 1, f.prune.calls)
	assert.Equal(t, []string{"/srv/backups/documents/20260801-020000"}, rec.PrunedPaths)
	assert.Contains(t, rec.Log, "could not prune /srv/backups/documents/20260802-020000")
}

func TestExecute_PruneErrorDoesNotFailRun(t *testing.T) {
	profile := localProfile()
	profile.Retention = models.RetentionPolicy{KeepLast: 2}
	f := newFixture(profile)
	f.prune.err = models.NewRunError(models.ErrRetention, profile.DestPath, fmt.Errorf("permission denied"))
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome, "pruning failures never downgrade a successful run")
	assert.NotEmpty(t, rec.Log)
}

func TestExecute_NoPruneWithoutPolicy(t *testing.T) {
	f := newFixture(localProfile())
	svc := f.service(nil)

	svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerManual})
	assert.Equal(t, 0, f.prune.calls)
}

func TestExecute_NotifiesWhenConfigured(t *testing.T) {
	f := newFixture(localProfile())
	svc := f.service(&models.TelegramConfig{BotToken: "token", ChatID: "42"})

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	require.Len(t, f.notify.sent, 1)
	assert.Same(t, rec, f.notify.sent[0])
}

func TestExecute_NoNotifierWithoutConfig(t *testing.T) {
	f := newFixture(localProfile())
	svc := f.service(nil)

	svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerManual})
	assert.Empty(t, f.notify.sent)
}

func TestExecute_TreeVerifyErrorCountsAsFailure(t *testing.T) {
	f := newFixture(localProfile())
	f.verify.treeResult = nil
	f.verify.treeErr = fmt.Errorf("filesystem gone")
	svc := f.service(nil)

	rec := svc.Execute(context.Background(), models.RunRequest{ProfileID: "documents", Reason: models.TriggerScheduled})

	assert.Equal(t, models.OutcomeVerificationFailed, rec.Outcome)
	assert.Equal(t, []string{"/srv/backups/documents/20260829-020000"}, rec.Verification.Mismatches)
}
