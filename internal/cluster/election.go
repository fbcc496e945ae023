package cluster

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// activeCheckerFSM is a no-op raft.FSM: this Raft group exists purely
// for its single-leader guarantee — at most one active checker per
// checkable during normal operation — not to replicate data, so
// Apply/Snapshot/Restore have nothing to do.
type activeCheckerFSM struct{}

func (activeCheckerFSM) Apply(*raft.Log) any { return nil }

func (activeCheckerFSM) Snapshot() (raft.FSMSnapshot, error) { return emptySnapshot{}, nil }

func (activeCheckerFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}

// election elects, per zone, the single endpoint that owns active
// checking of that zone's checkables. One election is one raft.Raft
// instance; a process running N zones' local member runs N elections.
type election struct {
	zone string
	raft *raft.Raft
}

// newElection starts (or rejoins) the raft group for zoneName, bound
// to bindAddr, persisting its log under dataDir.
func newElection(zoneName, nodeID, bindAddr, dataDir string, bootstrap bool) (*election, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create raft data dir: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve raft bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: raft snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: raft stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, activeCheckerFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: new raft: %w", err)
	}

	if bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("cluster: bootstrap raft: %w", err)
		}
	}

	return &election{zone: zoneName, raft: r}, nil
}

// IsLeader reports whether this node is the active checker for its
// zone right now.
func (e *election) IsLeader() bool { return e.raft.State() == raft.Leader }

// LeaderEndpoint returns the endpoint name raft believes is currently
// leading, or "" if no leader is known.
func (e *election) LeaderEndpoint() string {
	_, id := e.raft.LeaderWithID()
	return string(id)
}

// AddVoter admits a new peer to the election's raft configuration.
func (e *election) AddVoter(id, addr string) error {
	return e.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// Shutdown stops the raft instance.
func (e *election) Shutdown() error {
	return e.raft.Shutdown().Error()
}
