// Package retention prunes backup artifacts that fall outside a
// profile's retention policy.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
)

// Service defines the interface for retention pruning.
type Service interface {
	Prune(destDir string, policy models.RetentionPolicy) (*Result, error)
}

// Result reports what a prune pass deleted and what it could not.
type Result struct {
	Deleted []string
	Failed  []string
}

// Impl implements the retention Service interface.
type Impl struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a new retention service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger, now: time.Now}
}

// NewWithClock creates a retention service with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, now func() time.Time) *Impl {
	return &Impl{logger: logger, now: now}
}

type entry struct {
	path    string
	modTime time.Time
}

// Prune deletes artifacts outside the policy, oldest first. Deletion is
// best-effort: per-artifact failures are logged and the pass continues.
func (s *Impl) Prune(destDir string, policy models.RetentionPolicy) (*Result, error) {
	result := &Result{}
	if !policy.Enabled() {
		return result, nil
	}

	dirEntries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, models.NewRunError(models.ErrRetention, destDir, fmt.Errorf("listing destination: %w", err))
	}

	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, infoErr := de.Info()
		if infoErr != nil {
			continue
		}
		entries = append(entries, entry{
			path:    filepath.Join(destDir, de.Name()),
			modTime: info.ModTime(),
		})
	}

	// Newest first; artifacts are timestamp-named so creation order and
	// mod time agree.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.After(entries[j].modTime)
	})

	var doomed []entry
	switch {
	case policy.KeepLast > 0:
		if len(entries) > policy.KeepLast {
			doomed = entries[policy.KeepLast:]
		}
	case policy.MaxAge > 0:
		cutoff := s.now().Add(-policy.MaxAge)
		for _, e := range entries {
			if e.modTime.Before(cutoff) {
				doomed = append(doomed, e)
			}
		}
	}

	// Oldest first.
	for i := len(doomed) - 1; i >= 0; i-- {
		e := doomed[i]
		if err := os.RemoveAll(e.path); err != nil {
			result.Failed = append(result.Failed, e.path)
			s.logger.Warn().Err(err).Str("artifact", e.path).Msg("failed to prune artifact")
			continue
		}
		result.Deleted = append(result.Deleted, e.path)
		s.logger.Info().Str("artifact", e.path).Msg("pruned old backup")
	}

	return result, nil
}
