package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/overwatch/pkg/configstore"
	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/types"
)

// Triggers recorded on runs
const (
	TriggerStartup = "startup"
	TriggerDeploy  = "deploy"
	TriggerReload  = "reload"
	TriggerRenewal = "renewal"
	TriggerSignal  = "sighup"
)

// BundleInspector reads a service's certificate bundle from disk
type BundleInspector interface {
	Inspect(service string) (*types.CertificateBundle, error)
	Threshold() time.Duration
}

// Scheduler re-runs the driver when the current snapshot changes or a
// started service's certificate enters its renewal window
type Scheduler struct {
	driver *Driver
	certs  BundleInspector
	cron   *cron.Cron
	now    func() time.Time
	logger zerolog.Logger
}

// NewScheduler registers the reload and renewal checks on cron specs. An
// empty spec disables that check.
func NewScheduler(driver *Driver, certs BundleInspector, reloadSpec, renewalSpec string) (*Scheduler, error) {
	s := &Scheduler{
		driver: driver,
		certs:  certs,
		cron:   cron.New(),
		now:    time.Now,
		logger: log.WithComponent("scheduler"),
	}

	if reloadSpec != "" {
		if _, err := s.cron.AddFunc(reloadSpec, func() { s.CheckReload(context.Background()) }); err != nil {
			return nil, fmt.Errorf("invalid reload schedule %q: %w", reloadSpec, err)
		}
	}
	if renewalSpec != "" {
		if _, err := s.cron.AddFunc(renewalSpec, func() { s.CheckRenewal(context.Background()) }); err != nil {
			return nil, fmt.Errorf("invalid renewal schedule %q: %w", renewalSpec, err)
		}
	}
	return s, nil
}

// Start runs the cron jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops scheduling and waits for a running job to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// CheckReload runs the driver when the current snapshot differs from the
// one the last run started from. It reports whether a run was triggered.
func (s *Scheduler) CheckReload(ctx context.Context) bool {
	current := int64(0)
	snap, err := s.driver.Store().LoadCurrent()
	switch {
	case errors.Is(err, configstore.ErrNotFound):
	case err != nil:
		s.logger.Warn().Err(err).Msg("Reload check failed to load the current snapshot")
		return false
	default:
		current = snap.Timestamp
	}

	last := s.driver.LastSnapshot()
	if current == last {
		return false
	}
	s.logger.Info().Int64("from", last).Int64("to", current).Msg("Current snapshot changed")
	s.trigger(ctx, TriggerReload)
	return true
}

// CheckRenewal runs the driver when a started service's certificate is
// missing or inside the renewal threshold. It reports whether a run was
// triggered.
func (s *Scheduler) CheckRenewal(ctx context.Context) bool {
	if s.certs == nil || s.driver.Board().Mode() == types.ModeEphemeral {
		return false
	}
	now := s.now()
	for _, outcome := range s.driver.Board().Outcomes() {
		kind, err := types.ParseServiceKind(outcome.Service)
		if err != nil || !outcome.Succeeded || !kind.TLS().Needed {
			continue
		}
		bundle, err := s.certs.Inspect(outcome.Service)
		if err == nil && !bundle.NeedsRenewal(now, s.certs.Threshold()) {
			continue
		}
		ev := s.logger.Info().Str("service", outcome.Service)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Time("expires_at", bundle.ExpiresAt)
		}
		ev.Msg("Certificate needs renewal")
		s.trigger(ctx, TriggerRenewal)
		return true
	}
	return false
}

func (s *Scheduler) trigger(ctx context.Context, trigger string) {
	if _, err := s.driver.Run(ctx, trigger); err != nil && !errors.Is(err, ErrRunInProgress) {
		s.logger.Error().Err(err).Str("trigger", trigger).Msg("Triggered run failed")
	}
}

// WatchSignals runs the driver on every SIGHUP until ctx is done
func (s *Scheduler) WatchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			s.logger.Info().Msg("Received SIGHUP, reloading")
			go s.trigger(ctx, TriggerSignal)
		case <-ctx.Done():
			return
		}
	}
}
