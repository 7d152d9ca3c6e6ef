package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/overwatch/pkg/configstore"
	"github.com/cuemby/overwatch/pkg/events"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/membership"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/orchestrator"
	"github.com/cuemby/overwatch/pkg/runtime"
	"github.com/cuemby/overwatch/pkg/security"
	"github.com/cuemby/overwatch/pkg/storage"
	"github.com/cuemby/overwatch/pkg/types"
)

// ErrRunInProgress is returned when a trigger arrives while a run is
// already going
var ErrRunInProgress = errors.New("a startup run is already in progress")

// StartupError is the single attributed failure of a run
type StartupError struct {
	Mode types.ClusterMode
	// Service is zero when the failure is not tied to one service
	Service types.ServiceKind
	Phase   types.Phase
	Elapsed time.Duration
	Err     error
}

func (e *StartupError) Error() string {
	where := string(e.Phase)
	if e.Service != 0 {
		where = e.Service.String() + "/" + where
	}
	return fmt.Sprintf("%s startup failed at %s after %s: %v", e.Mode, where, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// SnapshotSource is the read side of the config store
type SnapshotSource interface {
	LoadCurrent() (*types.Snapshot, error)
}

// Reporter records a node's outcome in cluster mode
type Reporter interface {
	Report(ctx context.Context, report membership.NodeReport) error
}

// MembershipFunc joins the group for a node list and returns its reporter
type MembershipFunc func(ordinal int, nodes []types.Node) (Reporter, error)

// Option customizes a Driver
type Option func(*Driver)

// WithHistory persists runs and outcomes
func WithHistory(s storage.Store) Option {
	return func(d *Driver) { d.history = s }
}

// WithEvents publishes run and service events to p
func WithEvents(p events.Publisher) Option {
	return func(d *Driver) { d.events = p }
}

// WithBoard writes status to b instead of a private board
func WithBoard(b *StatusBoard) Option {
	return func(d *Driver) { d.board = b }
}

// WithHostname sets the name matched against the node list in cluster mode
func WithHostname(name string) Option {
	return func(d *Driver) { d.hostname = name }
}

// WithPrefetch pulls missing images concurrently before the ordered walk
func WithPrefetch(enabled bool) Option {
	return func(d *Driver) { d.prefetch = enabled }
}

// WithMembership joins cluster-mode runs to a raft group through fn
func WithMembership(fn MembershipFunc) Option {
	return func(d *Driver) { d.joinMembership = fn }
}

// WithBootstrapHook calls fn right before the driver bootstraps the CA
func WithBootstrapHook(fn func()) Option {
	return func(d *Driver) { d.bootstrapHook = fn }
}

// Driver runs the cluster startup state machine: load the current snapshot,
// derive the mode, ensure the network and walk the mode's service list in
// order. Runs are serialized.
type Driver struct {
	store        SnapshotSource
	runtime      runtime.Runtime
	orchestrator *orchestrator.Orchestrator
	authority    *security.Authority
	network      string

	history        storage.Store
	events         events.Publisher
	board          *StatusBoard
	hostname       string
	prefetch       bool
	joinMembership MembershipFunc
	bootstrapHook  func()
	logger         zerolog.Logger

	mu sync.Mutex

	// guarded by mu
	reporter    Reporter
	reporterKey string
}

// NewDriver creates a driver
func NewDriver(store SnapshotSource, rt runtime.Runtime, orch *orchestrator.Orchestrator, authority *security.Authority, network string, opts ...Option) *Driver {
	d := &Driver{
		store:        store,
		runtime:      rt,
		orchestrator: orch,
		authority:    authority,
		network:      network,
		events:       events.Discard,
		logger:       log.WithComponent("driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.board == nil {
		d.board = NewStatusBoard()
	}
	if d.hostname == "" {
		d.hostname, _ = os.Hostname()
	}
	return d
}

// Board returns the status board the driver writes
func (d *Driver) Board() *StatusBoard {
	return d.board
}

// Run executes one startup run. A run that is already going makes Run
// return ErrRunInProgress without waiting. Failures are *StartupError.
func (d *Driver) Run(ctx context.Context, trigger string) (*types.StartupRun, error) {
	if !d.mu.TryLock() {
		d.logger.Info().Str("trigger", trigger).Msg("Startup run already in progress, skipping trigger")
		metrics.RunsTotal.WithLabelValues(string(d.board.Mode()), "skipped").Inc()
		d.events.Publish(events.New(events.EventRunSkipped, "run skipped: another run is in progress", "trigger", trigger))
		return nil, ErrRunInProgress
	}
	defer d.mu.Unlock()

	run := &types.StartupRun{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	logger := d.logger.With().Str("run_id", run.ID).Str("trigger", trigger).Logger()

	d.board.begin()
	metrics.RunInProgress.Set(1)
	d.saveRun(run, logger)
	d.events.Publish(events.New(events.EventRunStarted, "startup run started", "run_id", run.ID, "trigger", trigger))
	logger.Info().Msg("Startup run started")

	err := d.run(ctx, run, logger)

	run.FinishedAt = time.Now().UTC()
	run.Succeeded = err == nil
	elapsed := run.FinishedAt.Sub(run.StartedAt)
	result := "success"
	if err != nil {
		run.Error = err.Error()
		result = "failure"
	}

	d.board.finish(run)
	d.saveRun(run, logger)
	metrics.RunInProgress.Set(0)
	metrics.RunsTotal.WithLabelValues(string(run.Mode), result).Inc()
	metrics.RunDuration.WithLabelValues(string(run.Mode)).Observe(elapsed.Seconds())

	if err != nil {
		var se *StartupError
		ev := logger.Error().Err(err).Str("mode", string(run.Mode)).Dur("elapsed", elapsed)
		if errors.As(err, &se) {
			ev = ev.Str("phase", string(se.Phase))
			if se.Service != 0 {
				ev = ev.Str("service", se.Service.String())
			}
		}
		ev.Msg("Node failed to start")
		d.events.Publish(events.New(events.EventRunFailed, err.Error(), "run_id", run.ID, "mode", string(run.Mode)))
		return run, err
	}

	logger.Info().
		Str("mode", string(run.Mode)).
		Int("services", len(run.Services)).
		Dur("elapsed", elapsed).
		Msg("Startup run completed")
	d.events.Publish(events.New(events.EventRunCompleted, "startup run completed", "run_id", run.ID, "mode", string(run.Mode)))
	return run, nil
}

func (d *Driver) run(ctx context.Context, run *types.StartupRun, logger zerolog.Logger) error {
	fail := func(kind types.ServiceKind, phase types.Phase, err error) error {
		return &StartupError{
			Mode:    run.Mode,
			Service: kind,
			Phase:   phase,
			Elapsed: time.Since(run.StartedAt),
			Err:     err,
		}
	}

	snap, err := d.store.LoadCurrent()
	if errors.Is(err, configstore.ErrNotFound) {
		logger.Debug().Msg("No usable configuration snapshot")
		snap = nil
	} else if err != nil {
		return fail(0, types.PhaseLoad, err)
	}

	run.Mode = types.DeriveMode(snap)
	scope := &orchestrator.Scope{Mode: run.Mode}
	if snap != nil {
		run.SnapshotTimestamp = snap.Timestamp
		scope.Deployment = snap.Config
		scope.Keys = snap.Keys
	}
	d.board.setMode(run.Mode, run.SnapshotTimestamp)

	switch run.Mode {
	case types.ModeStandalone:
		scope.NodeOrdinal = 1
		scope.NodeName = scope.Deployment.Hostnames()[0]
	case types.ModeCluster:
		ordinal, err := ResolveOrdinal(scope.Deployment, d.hostname)
		if err != nil {
			return fail(0, types.PhaseMembership, err)
		}
		scope.NodeOrdinal = ordinal
		scope.NodeName = scope.Deployment.Hostnames()[ordinal-1]
	}
	run.NodeOrdinal = scope.NodeOrdinal
	run.NodeName = scope.NodeName
	logger = logger.With().Str("mode", string(run.Mode)).Int("node_ordinal", scope.NodeOrdinal).Logger()
	logger.Info().Int64("snapshot", run.SnapshotTimestamp).Msg("Derived cluster mode")

	if err := d.runtime.EnsureNetwork(ctx, d.network); err != nil {
		return fail(0, types.PhaseNetwork, err)
	}

	if run.Mode == types.ModeCluster && d.joinMembership != nil {
		if err := d.ensureMembership(scope); err != nil {
			return fail(0, types.PhaseMembership, err)
		}
	}

	if scope.HasIdentity() {
		if err := d.bootstrapCA(scope, logger); err != nil {
			return fail(types.ServiceCA, types.PhaseBootstrap, err)
		}
	}

	list := ServicesFor(run.Mode)
	if d.prefetch {
		if err := d.orchestrator.Prefetch(ctx, list, scope); err != nil {
			logger.Warn().Err(err).Msg("Image prefetch failed, continuing with the ordered walk")
		}
	}

	for _, kind := range list {
		outcome := types.ServiceOutcome{Service: kind.String(), StartedAt: time.Now().UTC()}
		handle, err := d.orchestrator.EnsureService(ctx, kind, scope)
		outcome.Duration = time.Since(outcome.StartedAt)

		if err != nil {
			outcome.Phase = types.PhaseStart
			var stepErr *orchestrator.StepError
			if errors.As(err, &stepErr) {
				outcome.Phase = stepErr.Phase
			}
			outcome.Error = err.Error()
			d.recordOutcome(run, outcome, logger)
			d.events.Publish(events.New(events.EventServiceFailed, err.Error(),
				"service", kind.String(), "phase", string(outcome.Phase), "run_id", run.ID))
			d.report(ctx, run, scope, false, logger)
			return fail(kind, outcome.Phase, err)
		}

		outcome.Succeeded = true
		outcome.Phase = types.PhaseStart
		outcome.ContainerID = handle.ContainerID
		d.recordOutcome(run, outcome, logger)
		d.events.Publish(events.New(events.EventServiceStarted, fmt.Sprintf("%s started", kind),
			"service", kind.String(), "container_id", handle.ContainerID, "run_id", run.ID))
	}

	d.report(ctx, run, scope, true, logger)
	return nil
}

// bootstrapCA creates the CA's root material before any service that needs
// a certificate is resolved
func (d *Driver) bootstrapCA(scope *orchestrator.Scope, logger zerolog.Logger) error {
	existed := d.authority.IsBootstrapped()
	if d.bootstrapHook != nil {
		d.bootstrapHook()
	}
	root, err := d.authority.Bootstrap(scope.Deployment, scope.Keys)
	if err != nil {
		return err
	}
	metrics.CABootstrapped.Set(1)
	if !existed {
		logger.Info().Str("fingerprint", root.Fingerprint).Msg("Bootstrapped certificate authority")
		d.events.Publish(events.New(events.EventCABootstrapped, "certificate authority bootstrapped",
			"fingerprint", root.Fingerprint))
	}
	return nil
}

// ensureMembership joins the raft group once per node list
func (d *Driver) ensureMembership(scope *orchestrator.Scope) error {
	key := fmt.Sprintf("%d/%s", scope.NodeOrdinal, strings.Join(scope.Deployment.Hostnames(), ","))
	if d.reporter != nil && d.reporterKey == key {
		return nil
	}
	reporter, err := d.joinMembership(scope.NodeOrdinal, slices.Clone(scope.Deployment.Nodes))
	if err != nil {
		return err
	}
	d.reporter = reporter
	d.reporterKey = key
	return nil
}

// report records the run through the membership group. Bookkeeping never
// fails the run.
func (d *Driver) report(ctx context.Context, run *types.StartupRun, scope *orchestrator.Scope, succeeded bool, logger zerolog.Logger) {
	if run.Mode != types.ModeCluster || d.reporter == nil {
		return
	}
	err := d.reporter.Report(ctx, membership.NodeReport{
		Name:      scope.NodeName,
		RunID:     run.ID,
		Mode:      run.Mode,
		Succeeded: succeeded,
		Services:  slices.Clone(run.Services),
	})
	switch {
	case errors.Is(err, membership.ErrNotLeader):
		logger.Debug().Msg("Not the membership leader, node report kept pending")
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to record node report")
	}
}

func (d *Driver) recordOutcome(run *types.StartupRun, outcome types.ServiceOutcome, logger zerolog.Logger) {
	run.Services = append(run.Services, outcome)
	d.board.record(outcome)
	if d.history == nil {
		return
	}
	if err := d.history.SaveOutcome(&outcome); err != nil {
		logger.Warn().Err(err).Str("service", outcome.Service).Msg("Failed to persist service outcome")
	}
}

func (d *Driver) saveRun(run *types.StartupRun, logger zerolog.Logger) {
	if d.history == nil {
		return
	}
	if err := d.history.SaveRun(run); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist startup run")
	}
}

// LastSnapshot is the snapshot timestamp the last run started from
func (d *Driver) LastSnapshot() int64 {
	return d.board.SnapshotTimestamp()
}

// Store returns the snapshot source the driver loads from
func (d *Driver) Store() SnapshotSource {
	return d.store
}
