// Package store persists run history, last-run metadata, and process
// settings in an embedded badger database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
)

const (
	runPrefix     = "run#"
	lastRunPrefix = "lastrun#"
	settingPrefix = "setting#"

	schedulerEnabledKey = settingPrefix + "scheduler_enabled"
)

// Store wraps a badger database. Run records are append-only; the core
// never mutates or deletes them.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) the store under dir.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state store at %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// runKey embeds the zero-padded start nanos so keys sort
// chronologically; ListRuns iterates in reverse for newest-first.
func runKey(startedAt time.Time, runID string) []byte {
	return []byte(fmt.Sprintf("%s%020d#%s", runPrefix, startedAt.UnixNano(), runID))
}

// AppendRun writes one terminal run record.
func (s *Store) AppendRun(rec *models.RunRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(rec.StartedAt, rec.ID), payload)
	})
	if err != nil {
		return fmt.Errorf("appending run record: %w", err)
	}
	return nil
}

// ListRuns returns run records newest-first, optionally filtered by
// profile id, up to limit (0 means no limit).
func (s *Store) ListRuns(profileID string, limit int) ([]models.RunRecord, error) {
	var records []models.RunRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the highest run key.
		seek := []byte(runPrefix + "~")
		for it.Seek(seek); it.ValidForPrefix([]byte(runPrefix)); it.Next() {
			var rec models.RunRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decoding run record: %w", err)
			}
			if profileID != "" && rec.ProfileID != profileID {
				continue
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RecordLastRun writes back the per-profile last-run metadata.
func (s *Store) RecordLastRun(profileID string, startedAt time.Time, outcome models.Outcome) error {
	payload, err := json.Marshal(models.LastRun{StartedAt: startedAt, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("encoding last run: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(lastRunPrefix+profileID), payload)
	})
	if err != nil {
		return fmt.Errorf("recording last run: %w", err)
	}
	return nil
}

// LastRun returns the profile's last-run metadata, or nil if it never ran.
func (s *Store) LastRun(profileID string) (*models.LastRun, error) {
	var last *models.LastRun

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastRunPrefix + profileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			last = &models.LastRun{}
			return json.Unmarshal(val, last)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading last run: %w", err)
	}
	return last, nil
}

// SchedulerEnabled reports the persisted scheduler toggle. The scheduler
// is enabled until explicitly disabled.
func (s *Store) SchedulerEnabled() (bool, error) {
	enabled := true

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schedulerEnabledKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			enabled = string(val) == "1"
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("reading scheduler toggle: %w", err)
	}
	return enabled, nil
}

// SetSchedulerEnabled persists the scheduler toggle.
func (s *Store) SetSchedulerEnabled(enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schedulerEnabledKey), []byte(val))
	})
	if err != nil {
		return fmt.Errorf("writing scheduler toggle: %w", err)
	}
	return nil
}
