// Package profiles exposes the profile store boundary: configured
// profile definitions plus the last-run metadata written back per run.
package profiles

import (
	"fmt"
	"time"

	"github.com/yatb/yatb/internal/models"
)

// LastRunStore persists per-profile last-run metadata.
type LastRunStore interface {
	RecordLastRun(profileID string, startedAt time.Time, outcome models.Outcome) error
	LastRun(profileID string) (*models.LastRun, error)
}

// Registry serves profile definitions. Definitions come from the loaded
// configuration and are read-only; only last-run metadata is written.
type Registry struct {
	byID  map[string]*models.Profile
	order []string
	store LastRunStore
}

// NewRegistry builds a registry over the configured profiles.
func NewRegistry(cfg *models.Config, store LastRunStore) *Registry {
	r := &Registry{
		byID:  make(map[string]*models.Profile, len(cfg.Profiles)),
		store: store,
	}
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	return r
}

// Get returns the profile with the given id.
func (r *Registry) Get(id string) (*models.Profile, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, models.NewRunError(models.ErrConfiguration, id, fmt.Errorf("unknown profile %q", id))
	}
	return p, nil
}

// ListEnabled returns all enabled profiles in configuration order.
func (r *Registry) ListEnabled() []*models.Profile {
	var out []*models.Profile
	for _, id := range r.order {
		if p := r.byID[id]; p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// List returns all profiles in configuration order.
func (r *Registry) List() []*models.Profile {
	out := make([]*models.Profile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// RecordLastRun writes back the last-run timestamp and outcome.
func (r *Registry) RecordLastRun(id string, startedAt time.Time, outcome models.Outcome) error {
	return r.store.RecordLastRun(id, startedAt, outcome)
}

// LastRun returns the profile's last-run metadata, or nil if never run.
func (r *Registry) LastRun(id string) (*models.LastRun, error) {
	return r.store.LastRun(id)
}
