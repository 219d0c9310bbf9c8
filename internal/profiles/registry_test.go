package profiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yatb/yatb/internal/models"
)

type mockStore struct {
	lastRuns map[string]*models.LastRun
}

func (m *mockStore) RecordLastRun(profileID string, startedAt time.Time, outcome models.Outcome) error {
	if m.lastRuns == nil {
		m.lastRuns = make(map[string]*models.LastRun)
	}
	m.lastRuns[profileID] = &models.LastRun{StartedAt: startedAt, Outcome: outcome}
	return nil
}

func (m *mockStore) LastRun(profileID string) (*models.LastRun, error) {
	return m.lastRuns[profileID], nil
}

func testConfig() *models.Config {
	return &models.Config{
		Profiles: []models.Profile{
			{ID: "documents", Kind: models.KindLocal, Enabled: true},
			{ID: "web01", Kind: models.KindSSH, Enabled: false},
			{ID: "media", Kind: models.KindLocal, Enabled: true},
		},
	}
}

func TestGet(t *testing.T) {
	r := NewRegistry(testConfig(), &mockStore{})

	p, err := r.Get("documents")
	require.NoError(t, err)
	assert.Equal(t, "documents", p.ID)

	_, err = r.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, models.ErrConfiguration, models.KindOf(err))
}

func TestListKeepsConfigurationOrder(t *testing.T) {
	r := NewRegistry(testConfig(), &mockStore{})

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, "documents", all[0].ID)
	assert.Equal(t, "web01", all[1].ID)
	assert.Equal(t, "media", all[2].ID)

	enabled := r.ListEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "documents", enabled[0].ID)
	assert.Equal(t, "media", enabled[1].ID)
}

func TestLastRunRoundTrip(t *testing.T) {
	r := NewRegistry(testConfig(), &mockStore{})

	last, err := r.LastRun("documents")
	require.NoError(t, err)
	assert.Nil(t, last)

	started := time.Date(2026, 8, 29, 2, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordLastRun("documents", started, models.OutcomeSuccess))

	last, err = r.LastRun("documents")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.StartedAt.Equal(started))
	assert.Equal(t, models.OutcomeSuccess, last.Outcome)
}
