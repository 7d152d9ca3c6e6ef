package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/overwatch/pkg/types"
)

var (
	// Bucket names
	bucketRuns     = []byte("runs")
	bucketOutcomes = []byte("outcomes")
)

// DefaultHistory is how many runs SaveRun keeps
const DefaultHistory = 200

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db      *bolt.DB
	history int
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketOutcomes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, history: DefaultHistory}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// runKey orders runs by start time; the id keeps keys unique
func runKey(run *types.StartupRun) []byte {
	return []byte(fmt.Sprintf("%020d-%s", run.StartedAt.UnixNano(), run.ID))
}

// SaveRun inserts or replaces run and trims history to DefaultHistory
func (s *BoltStore) SaveRun(run *types.StartupRun) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if err := b.Put(runKey(run), data); err != nil {
			return err
		}
		_, err := prune(b, s.history)
		return err
	})
}

// GetRun finds a run by id
func (s *BoltStore) GetRun(id string) (*types.StartupRun, error) {
	var found *types.StartupRun
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run types.StartupRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", k, err)
			}
			if run.ID == id {
				found = &run
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return found, nil
}

// ListRuns returns runs newest first
func (s *BoltStore) ListRuns(limit int) ([]*types.StartupRun, error) {
	var runs []*types.StartupRun
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run types.StartupRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", k, err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	return runs, err
}

// LastRun returns the most recently started run
func (s *BoltStore) LastRun() (*types.StartupRun, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("last run: %w", ErrNotFound)
	}
	return runs[0], nil
}

// PruneRuns deletes all but the newest keep runs and reports how many were
// removed
func (s *BoltStore) PruneRuns(keep int) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = prune(tx.Bucket(bucketRuns), keep)
		return err
	})
	return removed, err
}

func prune(b *bolt.Bucket, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var stale [][]byte
	c := b.Cursor()
	seen := 0
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		seen++
		if seen > keep {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// SaveOutcome records the latest outcome for a service
func (s *BoltStore) SaveOutcome(outcome *types.ServiceOutcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		data, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		return b.Put([]byte(outcome.Service), data)
	})
}

// ListOutcomes returns the last outcome of every service, by service name
func (s *BoltStore) ListOutcomes() ([]*types.ServiceOutcome, error) {
	var outcomes []*types.ServiceOutcome
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		return b.ForEach(func(k, v []byte) error {
			var outcome types.ServiceOutcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				return err
			}
			outcomes = append(outcomes, &outcome)
			return nil
		})
	})
	return outcomes, err
}

var _ Store = (*BoltStore)(nil)
