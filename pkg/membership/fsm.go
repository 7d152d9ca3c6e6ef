package membership

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/cuemby/overwatch/pkg/types"
)

// NodeReport is one node's latest startup outcome as recorded in the
// replicated log
type NodeReport struct {
	Ordinal    int                    `json:"ordinal"`
	Name       string                 `json:"name"`
	RunID      string                 `json:"run_id"`
	Mode       types.ClusterMode      `json:"mode"`
	Succeeded  bool                   `json:"succeeded"`
	Error      string                 `json:"error,omitempty"`
	Services   []types.ServiceOutcome `json:"services,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Log operations
const (
	opReportNode = "report_node"
	opForgetFrom = "forget_from"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM holds the latest report of every node. It applies log entries and
// handles snapshots.
type FSM struct {
	mu    sync.RWMutex
	nodes map[int]*NodeReport
}

// NewFSM creates an empty FSM
func NewFSM() *FSM {
	return &FSM{nodes: make(map[int]*NodeReport)}
}

// Apply applies a Raft log entry to the FSM
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opReportNode:
		var report NodeReport
		if err := json.Unmarshal(cmd.Data, &report); err != nil {
			return err
		}
		f.nodes[report.Ordinal] = &report
		return nil

	// Drops reports of nodes removed from the deployment
	case opForgetFrom:
		var ordinal int
		if err := json.Unmarshal(cmd.Data, &ordinal); err != nil {
			return err
		}
		for o := range f.nodes {
			if o >= ordinal {
				delete(f.nodes, o)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Reports returns copies of every node's report ordered by ordinal
func (f *FSM) Reports() []NodeReport {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]NodeReport, 0, len(f.nodes))
	for _, r := range f.nodes {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b NodeReport) int { return a.Ordinal - b.Ordinal })
	return out
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	reports := f.Reports()
	return &fsmSnapshot{Nodes: reports}, nil
}

// Restore replaces the FSM state with a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nodes = make(map[int]*NodeReport, len(snapshot.Nodes))
	for i := range snapshot.Nodes {
		r := snapshot.Nodes[i]
		f.nodes[r.Ordinal] = &r
	}
	return nil
}

type fsmSnapshot struct {
	Nodes []NodeReport `json:"nodes"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op
func (s *fsmSnapshot) Release() {}
