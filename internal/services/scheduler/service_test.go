package scheduler

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/queue"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockSubmitter struct {
	submitted []string
	status    queue.SubmitStatus
	err       error
}

func (m *mockSubmitter) Submit(profileID string, _ models.TriggerReason) (queue.SubmitStatus, error) {
	if m.err != nil {
		return queue.Rejected, m.err
	}
	m.submitted = append(m.submitted, profileID)
	if m.status == "" {
		return queue.Accepted, nil
	}
	return m.status, nil
}

type mockProfiles struct {
	profiles []*models.Profile
	lastRuns map[string]*models.LastRun
}

func (m *mockProfiles) ListEnabled() []*models.Profile { return m.profiles }

func (m *mockProfiles) LastRun(id string) (*models.LastRun, error) {
	return m.lastRuns[id], nil
}

type mockToggles struct {
	enabled bool
}

func (m *mockToggles) SchedulerEnabled() (bool, error)  { return m.enabled, nil }
func (m *mockToggles) SetSchedulerEnabled(v bool) error { m.enabled = v; return nil }

func scheduledProfile(id, at string) *models.Profile {
	return &models.Profile{
		ID:       id,
		Kind:     models.KindLocal,
		Enabled:  true,
		Schedule: models.Schedule{Enabled: true, Time: at},
	}
}

func newTestScheduler(profiles *mockProfiles, toggles *mockToggles, submitter *mockSubmitter, now time.Time) *Impl {
	return NewWithClock(testLogger(), profiles, toggles, submitter, time.Second, func() time.Time { return now })
}

func TestTick_SubmitsDueProfile(t *testing.T) {
	now := time.Date(2026, 8, 29, 2, 0, 0, 0, time.Local)
	profiles := &mockProfiles{
		profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
		lastRuns: map[string]*models.LastRun{},
	}
	submitter := &mockSubmitter{}

	s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
	s.Tick()

	assert.Equal(t, []string{"documents"}, submitter.submitted)
}

func TestTick_NotDueBeforeScheduleTime(t *testing.T) {
	now := time.Date(2026, 8, 29, 1, 59, 0, 0, time.Local)
	profiles := &mockProfiles{
		profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
		lastRuns: map[string]*models.LastRun{},
	}
	submitter := &mockSubmitter{}

	s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
	s.Tick()

	assert.Empty(t, submitter.submitted)
}

func TestTick_MissedWindowStillFires(t *testing.T) {
	// Process was asleep at 02:00; the first tick after wake is 09:30.
	now := time.Date(2026, 8, 29, 9, 30, 0, 0, time.Local)
	profiles := &mockProfiles{
		profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
		lastRuns: map[string]*models.LastRun{
			"documents": {StartedAt: now.Add(-24 * time.Hour), Outcome: models.OutcomeSuccess},
		},
	}
	submitter := &mockSubmitter{}

	s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
	s.Tick()

	assert.Equal(t, []string{"documents"}, submitter.submitted)
}

func TestTick_AtMostOncePerDay(t *testing.T) {
	now := time.Date(2026, 8, 29, 14, 0, 0, 0, time.Local)

	for _, outcome := range []models.Outcome{models.OutcomeSuccess, models.OutcomeFailed, models.OutcomeVerificationFailed} {
		profiles := &mockProfiles{
			profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
			lastRuns: map[string]*models.LastRun{
				"documents": {StartedAt: now.Add(-12 * time.Hour), Outcome: outcome},
			},
		}
		submitter := &mockSubmitter{}

		s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
		s.Tick()

		assert.Empty(t, submitter.submitted, "outcome %s already ran today", outcome)
	}
}

func TestTick_FiresNextDayAfterFailure(t *testing.T) {
	now := time.Date(2026, 8, 29, 2, 5, 0, 0, time.Local)
	profiles := &mockProfiles{
		profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
		lastRuns: map[string]*models.LastRun{
			"documents": {StartedAt: now.Add(-24 * time.Hour), Outcome: models.OutcomeFailed},
		},
	}
	submitter := &mockSubmitter{}

	s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
	s.Tick()

	assert.Equal(t, []string{"documents"}, submitter.submitted)
}

func TestTick_SkipsUnscheduledProfiles(t *testing.T) {
	now := time.Date(2026, 8, 29, 14, 0, 0, 0, time.Local)
	manualOnly := &models.Profile{ID: "manual", Kind: models.KindLocal, Enabled: true}
	disabledSchedule := &models.Profile{
		ID: "paused", Kind: models.KindLocal, Enabled: true,
		Schedule: models.Schedule{Enabled: false, Time: "02:00"},
	}
	profiles := &mockProfiles{
		profiles: []*models.Profile{manualOnly, disabledSchedule},
		lastRuns: map[string]*models.LastRun{},
	}
	submitter := &mockSubmitter{}

	s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
	s.Tick()

	assert.Empty(t, submitter.submitted)
}

func TestTick_DisabledSchedulerSubmitsNothing(t *testing.T) {
	now := time.Date(2026, 8, 29, 14, 0, 0, 0, time.Local)
	profiles := &mockProfiles{
		profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
		lastRuns: map[string]*models.LastRun{},
	}
	submitter := &mockSubmitter{}

	s := newTestScheduler(profiles, &mockToggles{enabled: false}, submitter, now)
	s.Tick()

	assert.Empty(t, submitter.submitted)
}

func TestTick_CoalescedSubmissionIsQuiet(t *testing.T) {
	now := time.Date(2026, 8, 29, 2, 0, 0, 0, time.Local)
	profiles := &mockProfiles{
		profiles: []*models.Profile{scheduledProfile("documents", "02:00")},
		lastRuns: map[string]*models.LastRun{},
	}
	submitter := &mockSubmitter{status: queue.AlreadyQueued}

	s := newTestScheduler(profiles, &mockToggles{enabled: true}, submitter, now)
	s.Tick()
	s.Tick()

	// Both ticks reach the queue; coalescing there keeps one run pending.
	assert.Equal(t, []string{"documents", "documents"}, submitter.submitted)
}

func TestToggle(t *testing.T) {
	toggles := &mockToggles{enabled: true}
	s := New(testLogger(), &mockProfiles{}, toggles, &mockSubmitter{}, time.Second)

	enabled, err := s.Toggle()
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = s.Enabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = s.Toggle()
	require.NoError(t, err)
	assert.True(t, enabled)
}
