package cluster

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/cuemby/overwatch/pkg/storage"
	"github.com/cuemby/overwatch/pkg/types"
)

// Status is the snapshot of startup state served to status readers
type Status struct {
	Mode              types.ClusterMode      `json:"mode"`
	InProgress        bool                   `json:"in_progress"`
	SnapshotTimestamp int64                  `json:"snapshot_timestamp,omitempty"`
	LastRun           *types.StartupRun      `json:"last_run,omitempty"`
	Services          []types.ServiceOutcome `json:"services"`
}

// StatusBoard holds already-computed startup state. The driver writes it;
// readers never wait on a run.
type StatusBoard struct {
	outcomes   cmap.ConcurrentMap[string, types.ServiceOutcome]
	mode       atomic.Value
	inProgress atomic.Bool
	snapshot   atomic.Int64
	lastRun    atomic.Pointer[types.StartupRun]
}

// NewStatusBoard returns a board in ephemeral mode with no outcomes
func NewStatusBoard() *StatusBoard {
	b := &StatusBoard{outcomes: cmap.New[types.ServiceOutcome]()}
	b.mode.Store(types.ModeEphemeral)
	return b
}

// Seed loads the last persisted run and outcomes so status is meaningful
// before the first run of this process finishes
func (b *StatusBoard) Seed(store storage.Store) error {
	run, err := store.LastRun()
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load last run: %w", err)
	default:
		b.mode.Store(run.Mode)
		b.snapshot.Store(run.SnapshotTimestamp)
		b.lastRun.Store(run)
	}

	outcomes, err := store.ListOutcomes()
	if err != nil {
		return fmt.Errorf("failed to load service outcomes: %w", err)
	}
	for _, o := range outcomes {
		b.outcomes.Set(o.Service, *o)
	}
	return nil
}

// Mode implements metrics.StatusSource
func (b *StatusBoard) Mode() types.ClusterMode {
	return b.mode.Load().(types.ClusterMode)
}

// InProgress implements metrics.StatusSource
func (b *StatusBoard) InProgress() bool {
	return b.inProgress.Load()
}

// Outcomes implements metrics.StatusSource. Services are listed in catalog
// order.
func (b *StatusBoard) Outcomes() []types.ServiceOutcome {
	out := make([]types.ServiceOutcome, 0, b.outcomes.Count())
	for _, o := range b.outcomes.Items() {
		out = append(out, o)
	}
	slices.SortFunc(out, func(x, y types.ServiceOutcome) int {
		return serviceRank(x.Service) - serviceRank(y.Service)
	})
	return out
}

// Outcome returns the last outcome of one service
func (b *StatusBoard) Outcome(service string) (types.ServiceOutcome, bool) {
	return b.outcomes.Get(service)
}

// LastRun returns the most recent finished run, or nil
func (b *StatusBoard) LastRun() *types.StartupRun {
	return b.lastRun.Load()
}

// SnapshotTimestamp is the snapshot the last run started from; zero in
// ephemeral mode
func (b *StatusBoard) SnapshotTimestamp() int64 {
	return b.snapshot.Load()
}

// Status assembles the full status value
func (b *StatusBoard) Status() Status {
	return Status{
		Mode:              b.Mode(),
		InProgress:        b.InProgress(),
		SnapshotTimestamp: b.SnapshotTimestamp(),
		LastRun:           b.LastRun(),
		Services:          b.Outcomes(),
	}
}

func (b *StatusBoard) begin() {
	b.inProgress.Store(true)
}

func (b *StatusBoard) setMode(mode types.ClusterMode, snapshot int64) {
	b.mode.Store(mode)
	b.snapshot.Store(snapshot)
}

func (b *StatusBoard) record(o types.ServiceOutcome) {
	b.outcomes.Set(o.Service, o)
}

// finish publishes run and drops outcomes of services the run's mode does
// not start
func (b *StatusBoard) finish(run *types.StartupRun) {
	if run.Mode != "" {
		keep := make(map[string]bool)
		for _, k := range ServicesFor(run.Mode) {
			keep[k.String()] = true
		}
		for _, name := range b.outcomes.Keys() {
			if !keep[name] {
				b.outcomes.Remove(name)
			}
		}
	}
	b.lastRun.Store(run)
	b.inProgress.Store(false)
}

func serviceRank(name string) int {
	kind, err := types.ParseServiceKind(name)
	if err != nil {
		return len(types.AllServiceKinds) + 1
	}
	return int(kind)
}
