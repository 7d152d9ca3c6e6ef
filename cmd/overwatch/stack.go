package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/overwatch/pkg/cluster"
	"github.com/cuemby/overwatch/pkg/config"
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
	"github.com/cuemby/overwatch/pkg/volume"
)

func openStore(cfg *config.Config) (*configstore.Store, error) {
	passphrase, err := cfg.KeysPassphrase()
	if err != nil {
		return nil, err
	}
	return configstore.New(cfg.SnapshotDir(), cfg.KeysDir(), configstore.WithPassphrase(passphrase)), nil
}

func newAuthority(cfg *config.Config) *security.Authority {
	return security.NewAuthority(security.AuthorityConfig{
		Dir:       cfg.CADir(),
		SharedDir: cfg.SharedDir(),
		URL:       cfg.CA.URL,
		UID:       cfg.CA.UID,
		GID:       cfg.CA.GID,
	})
}

func newIssuer(cfg *config.Config, authority *security.Authority) *security.Issuer {
	return security.NewIssuer(security.IssuerConfig{
		CertsDir:         cfg.CertsDir(),
		CAURL:            cfg.CA.URL,
		RenewalThreshold: cfg.CA.RenewalThreshold,
		LeafLifetime:     cfg.CA.LeafLifetime,
		RetryInterval:    cfg.CA.RetryInterval,
		RetryTimeout:     cfg.CA.RetryTimeout,
	}, authority)
}

// stack is everything a startup run needs, wired from the daemon config
type stack struct {
	cfg       *config.Config
	store     *configstore.Store
	runtime   runtime.Runtime
	authority *security.Authority
	issuer    *security.Issuer
	history   *storage.BoltStore
	broker    *events.Broker
	board     *cluster.StatusBoard
	driver    *cluster.Driver

	mu      sync.Mutex
	members *membership.Membership
}

func buildStack(cfg *config.Config) (*stack, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	history, err := storage.NewBoltStore(cfg.StateDB())
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	metrics.RegisterComponent("store", true, "")

	rt, err := runtime.New(runtime.Options{
		Backend:   cfg.Runtime.Backend,
		Socket:    cfg.Runtime.Socket,
		Namespace: cfg.Runtime.Namespace,
	})
	if err != nil {
		metrics.RegisterComponent("runtime", false, err.Error())
		history.Close()
		return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	metrics.RegisterComponent("runtime", true, "")
	metrics.RegisterComponent("driver", false, "no startup run has completed")

	volumes, err := volume.NewLocalDriver(cfg.VolumesDir())
	if err != nil {
		rt.Close()
		history.Close()
		return nil, err
	}

	s := &stack{
		cfg:       cfg,
		store:     store,
		runtime:   rt,
		authority: newAuthority(cfg),
		history:   history,
		broker:    events.NewBroker(),
		board:     cluster.NewStatusBoard(),
	}
	s.issuer = newIssuer(cfg, s.authority)

	if err := s.board.Seed(history); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to seed status from run history")
	}

	publisher := readinessPublisher{next: s.broker}
	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), rt, s.authority, s.issuer, volumes,
		orchestrator.WithEvents(publisher))

	opts := []cluster.Option{
		cluster.WithHistory(history),
		cluster.WithEvents(publisher),
		cluster.WithBoard(s.board),
		cluster.WithPrefetch(cfg.Runtime.Prefetch),
		cluster.WithMembership(s.joinMembership),
	}
	if cfg.Membership.Hostname != "" {
		opts = append(opts, cluster.WithHostname(cfg.Membership.Hostname))
	}
	s.driver = cluster.NewDriver(store, rt, orch, s.authority, cfg.Runtime.Network, opts...)
	return s, nil
}

// joinMembership replaces the raft group whenever the node list changes
func (s *stack) joinMembership(ordinal int, nodes []types.Node) (cluster.Reporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members != nil {
		if err := s.members.Shutdown(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to leave previous membership group")
		}
		s.members = nil
	}

	m, err := membership.New(membership.Config{
		Ordinal:  ordinal,
		Nodes:    nodes,
		BindAddr: s.cfg.Membership.BindAddr,
		DataDir:  s.cfg.RaftDir(),
	})
	if err != nil {
		return nil, err
	}
	if err := m.Start(); err != nil {
		return nil, err
	}
	s.members = m
	return m, nil
}

// Reports implements api.MembershipReader
func (s *stack) Reports() []membership.NodeReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		return nil
	}
	return s.members.Reports()
}

// Stats implements api.MembershipReader
func (s *stack) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		return map[string]interface{}{"state": "not joined"}
	}
	return s.members.Stats()
}

func (s *stack) run(ctx context.Context, trigger string) (*types.StartupRun, error) {
	return s.driver.Run(ctx, trigger)
}

func (s *stack) Close() {
	s.mu.Lock()
	if s.members != nil {
		if err := s.members.Shutdown(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to shut down membership")
		}
	}
	s.mu.Unlock()

	if err := s.runtime.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close container runtime")
	}
	if err := s.history.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close state database")
	}
}

// readinessPublisher marks the driver component ready once a run completes
type readinessPublisher struct {
	next events.Publisher
}

func (p readinessPublisher) Publish(e *events.Event) {
	switch e.Type {
	case events.EventRunCompleted:
		metrics.UpdateComponent("driver", true, "")
	case events.EventRunFailed:
		metrics.UpdateComponent("driver", false, e.Message)
	}
	p.next.Publish(e)
}
