package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/overwatch/pkg/retry"
	"github.com/cuemby/overwatch/pkg/types"
)

func command(t *testing.T, op string, v any) *raft.Log {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return &raft.Log{Data: cmd}
}

func TestFSMApply(t *testing.T) {
	f := NewFSM()

	assert.Nil(t, f.Apply(command(t, opReportNode, NodeReport{Ordinal: 2, Name: "b", Succeeded: true})))
	assert.Nil(t, f.Apply(command(t, opReportNode, NodeReport{Ordinal: 1, Name: "a"})))
	assert.Nil(t, f.Apply(command(t, opReportNode, NodeReport{Ordinal: 3, Name: "c"})))

	reports := f.Reports()
	require.Len(t, reports, 3)
	assert.Equal(t, "a", reports[0].Name)
	assert.True(t, reports[1].Succeeded)

	assert.Nil(t, f.Apply(command(t, opForgetFrom, 3)))
	assert.Len(t, f.Reports(), 2)

	resp := f.Apply(command(t, "bogus", nil))
	assert.Error(t, resp.(error))

	resp = f.Apply(&raft.Log{Data: []byte("not json")})
	assert.Error(t, resp.(error))
}

func TestFSMSnapshotRestore(t *testing.T) {
	f := NewFSM()
	f.Apply(command(t, opReportNode, NodeReport{Ordinal: 1, Name: "a", RunID: "r1", Mode: types.ModeCluster}))

	snap, err := f.Snapshot()
	require.NoError(t, err)

	store := raft.NewInmemSnapshotStore()
	sink, err := store.Create(raft.SnapshotVersionMax, 1, 1, raft.Configuration{}, 1, nil)
	require.NoError(t, err)
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	_, rc, err := store.Open(metas[0].ID)
	require.NoError(t, err)

	restored := NewFSM()
	restored.Apply(command(t, opReportNode, NodeReport{Ordinal: 9, Name: "stale"}))
	require.NoError(t, restored.Restore(rc))

	reports := restored.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "r1", reports[0].RunID)
	assert.Equal(t, types.ModeCluster, reports[0].Mode)
}

func nodes(n int) []types.Node {
	var out []types.Node
	for i := 1; i <= n; i++ {
		out = append(out, types.Node{Name: fmt.Sprintf("node%d.example.com", i)})
	}
	return out
}

// startGroup starts n members connected through in-memory transports
func startGroup(t *testing.T, n int) []*Membership {
	t.Helper()

	peers := make(map[int]raft.ServerAddress)
	transports := make(map[int]*raft.InmemTransport)
	for i := 1; i <= n; i++ {
		addr, trans := raft.NewInmemTransport("")
		peers[i] = addr
		transports[i] = trans
	}
	for i, a := range transports {
		for j, b := range transports {
			if i != j {
				a.Connect(peers[j], b)
			}
		}
	}

	var members []*Membership
	for i := 1; i <= n; i++ {
		m, err := New(Config{Ordinal: i, Nodes: nodes(n)}, WithTransport(transports[i], peers), WithInmemStorage())
		require.NoError(t, err)
		require.NoError(t, m.Start())
		members = append(members, m)
	}
	t.Cleanup(func() {
		for _, m := range members {
			m.Shutdown()
		}
	})
	return members
}

func TestNewRejectsOrdinalOutsideNodeList(t *testing.T) {
	_, err := New(Config{Ordinal: 3, Nodes: nodes(2)})
	assert.Error(t, err)

	_, err = New(Config{Ordinal: 0, Nodes: nodes(2)})
	assert.Error(t, err)
}

func TestPeerAddress(t *testing.T) {
	m, err := New(Config{
		Ordinal:  1,
		BindAddr: "0.0.0.0:7946",
		Nodes: []types.Node{
			{Name: "node1.example.com"},
			{Name: "node2.example.com", Address: "10.0.0.2"},
			{Name: "node3.example.com", Address: "10.0.0.3:8000"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, raft.ServerAddress("node1.example.com:7946"), m.peerAddress(1))
	assert.Equal(t, raft.ServerAddress("10.0.0.2:7946"), m.peerAddress(2))
	assert.Equal(t, raft.ServerAddress("10.0.0.3:8000"), m.peerAddress(3))
	assert.Len(t, m.configuration().Servers, 3)
}

func TestSingleNodeReport(t *testing.T) {
	members := startGroup(t, 1)
	m := members[0]
	ctx := context.Background()

	require.NoError(t, m.WaitForLeader(ctx, 5*time.Second))
	require.Eventually(t, m.IsLeader, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Report(ctx, NodeReport{Name: "node1.example.com", RunID: "r1", Succeeded: true}))

	reports := m.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Ordinal)
	assert.Equal(t, "r1", reports[0].RunID)
	assert.False(t, reports[0].ReportedAt.IsZero())
}

func TestReportsReplicate(t *testing.T) {
	members := startGroup(t, 3)
	ctx := context.Background()

	for _, m := range members {
		require.NoError(t, m.WaitForLeader(ctx, 10*time.Second))
	}

	var leader, follower *Membership
	require.Eventually(t, func() bool {
		leader, follower = nil, nil
		for _, m := range members {
			if m.IsLeader() {
				leader = m
			} else {
				follower = m
			}
		}
		return leader != nil && follower != nil
	}, 10*time.Second, 20*time.Millisecond)

	err := follower.Report(ctx, NodeReport{RunID: "follower-run"})
	assert.ErrorIs(t, err, ErrNotLeader)

	require.NoError(t, leader.Report(ctx, NodeReport{RunID: "leader-run", Succeeded: true}))

	for _, m := range members {
		err := retry.Until(ctx, 20*time.Millisecond, 5*time.Second, func(ctx context.Context) (bool, error) {
			reports := m.Reports()
			return len(reports) == 1 && reports[0].RunID == "leader-run", nil
		})
		require.NoError(t, err, "member %d did not replicate the report", m.cfg.Ordinal)
	}
}
