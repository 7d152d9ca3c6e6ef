package storage

import (
	"errors"

	"github.com/cuemby/overwatch/pkg/types"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Store persists startup run history and the last outcome per service
type Store interface {
	// Runs
	SaveRun(run *types.StartupRun) error
	GetRun(id string) (*types.StartupRun, error)
	// ListRuns returns up to limit runs, newest first; limit <= 0 means all
	ListRuns(limit int) ([]*types.StartupRun, error)
	LastRun() (*types.StartupRun, error)
	PruneRuns(keep int) (int, error)

	// Outcomes
	SaveOutcome(outcome *types.ServiceOutcome) error
	ListOutcomes() ([]*types.ServiceOutcome, error)

	// Utility
	Close() error
}
