package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/overwatch/pkg/log"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/retry"
	"github.com/cuemby/overwatch/pkg/types"
)

// ErrNotLeader is returned by Report on a follower. The report stays
// pending and is recorded if this node becomes leader.
var ErrNotLeader = errors.New("not the membership leader")

const applyTimeout = 5 * time.Second

// Config places this node in the deployment's raft group
type Config struct {
	// Ordinal is this node's 1-based position in Nodes
	Ordinal int
	Nodes   []types.Node

	// BindAddr is the local raft listener; its port is also used for peers
	BindAddr string
	DataDir  string
}

// Option customizes a Membership
type Option func(*Membership)

// WithTransport replaces the TCP transport, addressing peers by ordinal
func WithTransport(t raft.Transport, peers map[int]raft.ServerAddress) Option {
	return func(m *Membership) {
		m.transport = t
		m.peers = peers
	}
}

// WithInmemStorage keeps the raft log and snapshots in memory
func WithInmemStorage() Option {
	return func(m *Membership) { m.inmem = true }
}

// Membership joins this node to the raft group formed from the deployment's
// node list and records each node's run outcome through the replicated log
type Membership struct {
	cfg       Config
	fsm       *FSM
	raft      *raft.Raft
	transport raft.Transport
	peers     map[int]raft.ServerAddress
	inmem     bool
	closers   []io.Closer
	logger    zerolog.Logger

	mu      sync.Mutex
	pending *NodeReport

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServerID is the raft id of the node at ordinal
func ServerID(ordinal int) raft.ServerID {
	return raft.ServerID(fmt.Sprintf("node-%d", ordinal))
}

// New validates cfg; Start joins the group
func New(cfg Config, opts ...Option) (*Membership, error) {
	if cfg.Ordinal < 1 || cfg.Ordinal > len(cfg.Nodes) {
		return nil, fmt.Errorf("node ordinal %d is outside the node list (%d nodes)", cfg.Ordinal, len(cfg.Nodes))
	}
	m := &Membership{
		cfg:    cfg,
		fsm:    NewFSM(),
		logger: log.WithComponent("membership").With().Int("node_ordinal", cfg.Ordinal).Logger(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start creates the raft instance. Ordinal 1 bootstraps the configuration
// with every node of the deployment unless raft state already exists.
func (m *Membership) Start() error {
	config := raft.DefaultConfig()
	config.LocalID = ServerID(m.cfg.Ordinal)
	config.LogLevel = "WARN"

	// LAN timings
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	if m.transport == nil {
		advertise, err := net.ResolveTCPAddr("tcp", string(m.peerAddress(m.cfg.Ordinal)))
		if err != nil {
			return fmt.Errorf("failed to resolve advertise address: %w", err)
		}
		transport, err := raft.NewTCPTransport(m.cfg.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		m.transport = transport
	}

	logStore, stableStore, snapshotStore, err := m.stores()
	if err != nil {
		return err
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, m.transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	if m.cfg.Ordinal == 1 && !hasState {
		future := m.raft.BootstrapCluster(m.configuration())
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		m.logger.Info().Int("nodes", len(m.cfg.Nodes)).Msg("Bootstrapped membership group")
	}

	m.wg.Add(1)
	go m.watchLeadership()
	return nil
}

func (m *Membership) stores() (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if m.inmem {
		store := raft.NewInmemStore()
		return store, store, raft.NewInmemSnapshotStore(), nil
	}

	if err := os.MkdirAll(m.cfg.DataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}
	m.closers = append(m.closers, logStore)

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	m.closers = append(m.closers, stableStore)

	return logStore, stableStore, snapshotStore, nil
}

func (m *Membership) configuration() raft.Configuration {
	var servers []raft.Server
	for i := range m.cfg.Nodes {
		ordinal := i + 1
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       ServerID(ordinal),
			Address:  m.peerAddress(ordinal),
		})
	}
	return raft.Configuration{Servers: servers}
}

// peerAddress is the node's address, or its name, on the local raft port
func (m *Membership) peerAddress(ordinal int) raft.ServerAddress {
	if addr, ok := m.peers[ordinal]; ok {
		return addr
	}
	node := m.cfg.Nodes[ordinal-1]
	host := node.Address
	if host == "" {
		host = node.Name
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return raft.ServerAddress(host)
	}
	_, port, err := net.SplitHostPort(m.cfg.BindAddr)
	if err != nil {
		port = m.cfg.BindAddr
	}
	return raft.ServerAddress(net.JoinHostPort(host, port))
}

// WaitForLeader blocks until the group has elected a leader
func (m *Membership) WaitForLeader(ctx context.Context, timeout time.Duration) error {
	return retry.Until(ctx, 100*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		return m.Leader() != "", nil
	}, retry.WithOperation("membership leader"), retry.WithLogger(m.logger))
}

// IsLeader reports whether this node leads the group
func (m *Membership) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// Leader returns the leader's address, or "" while there is none
func (m *Membership) Leader() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// Report records this node's outcome. Followers return ErrNotLeader and
// keep the report pending.
func (m *Membership) Report(ctx context.Context, report NodeReport) error {
	report.Ordinal = m.cfg.Ordinal
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.pending = &report
	m.mu.Unlock()

	if !m.IsLeader() {
		return ErrNotLeader
	}
	return m.flush()
}

// flush applies the pending report and drops reports of removed nodes
func (m *Membership) flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return nil
	}
	if err := m.apply(opReportNode, m.pending); err != nil {
		return err
	}
	if err := m.apply(opForgetFrom, len(m.cfg.Nodes)+1); err != nil {
		return err
	}
	m.logger.Debug().Str("run_id", m.pending.RunID).Msg("Recorded node report")
	m.pending = nil
	m.refreshMetrics()
	return nil
}

// apply submits a command to the Raft group
func (m *Membership) apply(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal command data: %w", err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(cmd, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return ErrNotLeader
		}
		return fmt.Errorf("failed to apply command: %w", err)
	}

	// Check if apply returned an error
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (m *Membership) watchLeadership() {
	defer m.wg.Done()
	for {
		select {
		case leader := <-m.raft.LeaderCh():
			m.refreshMetrics()
			if !leader {
				continue
			}
			m.logger.Info().Msg("Acquired membership leadership")
			if err := m.flush(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to record pending node report")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Reports returns the latest report of every node
func (m *Membership) Reports() []NodeReport {
	return m.fsm.Reports()
}

// Stats returns raft statistics
func (m *Membership) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	if m.raft == nil {
		return stats
	}
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.Leader()
	stats["nodes"] = len(m.cfg.Nodes)
	return stats
}

func (m *Membership) refreshMetrics() {
	if m.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftPeers.Set(float64(len(m.cfg.Nodes)))
	metrics.RaftAppliedIndex.Set(float64(m.raft.AppliedIndex()))
}

// Shutdown leaves the group and closes the raft stores
func (m *Membership) Shutdown() error {
	close(m.stopCh)
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	m.wg.Wait()
	if c, ok := m.transport.(io.Closer); ok {
		c.Close()
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close raft store: %w", err)
		}
	}
	return nil
}
