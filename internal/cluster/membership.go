package cluster

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"
)

// membership wraps a memberlist.Memberlist, translating gossip
// join/leave/update events into Endpoint connectivity and capability
// bitmask updates.
type membership struct {
	log  zerolog.Logger
	list *memberlist.Memberlist

	mu        sync.Mutex
	resolve   func(name string) *Endpoint
	localCaps Capability
}

// newMembership configures and starts a memberlist instance bound to
// bindAddr:bindPort, advertising localCaps in its node metadata.
func newMembership(nodeName, bindAddr string, bindPort int, localCaps Capability, resolve func(name string) *Endpoint, log zerolog.Logger) (*membership, error) {
	m := &membership{log: log, resolve: resolve, localCaps: localCaps}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = nodeName
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if bindPort > 0 {
		cfg.BindPort = bindPort
		cfg.AdvertisePort = bindPort
	}
	cfg.Delegate = m
	cfg.Events = m
	cfg.LogOutput = zerologWriter{log}

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	m.list = list
	return m, nil
}

// Join gossips with existing cluster members reachable at addrs.
func (m *membership) Join(addrs []string) (int, error) {
	if len(addrs) == 0 {
		return 0, nil
	}
	return m.list.Join(addrs)
}

// Leave gracefully announces departure from the cluster.
func (m *membership) Leave(timeout time.Duration) error {
	return m.list.Leave(timeout)
}

// Shutdown tears down the memberlist transport.
func (m *membership) Shutdown() error {
	return m.list.Shutdown()
}

// endpointOf returns the Endpoint tracking member n, creating one via
// resolve if it isn't known yet.
func (m *membership) endpointOf(n *memberlist.Node) *Endpoint {
	if m.resolve == nil {
		return nil
	}
	return m.resolve(n.Name)
}

// NodeMeta implements memberlist.Delegate: advertises this node's
// capability bitmask to peers.
func (m *membership) NodeMeta(limit int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(m.localCaps))
	if len(buf) > limit {
		return buf[:limit]
	}
	return buf
}

// NotifyMsg implements memberlist.Delegate for direct user messages;
// the Cluster Messenger uses websockets for its own JSON-RPC traffic,
// so this is unused but required by the interface.
func (m *membership) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate; no broadcast queue is
// needed since capability changes ride NodeMeta on the next gossip
// round, not a push broadcast.
func (m *membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState/MergeRemoteState implement memberlist.Delegate's
// push/pull state exchange; no extra payload rides the TCP push/pull.
// The Endpoint's "syncing" flag is set on NotifyJoin and cleared only
// when the endpoint disconnects; nothing in this package clears it
// when a peer's replay completes.
func (m *membership) LocalState(join bool) []byte            { return nil }
func (m *membership) MergeRemoteState(buf []byte, join bool) {}

// NotifyJoin implements memberlist.EventDelegate.
func (m *membership) NotifyJoin(n *memberlist.Node) {
	e := m.endpointOf(n)
	if e == nil {
		return
	}
	e.setConnected(true)
	e.setSyncing(true)
	if caps, ok := decodeCaps(n.Meta); ok {
		e.setCapabilities(caps)
	}
	m.log.Info().Str("endpoint", n.Name).Msg("cluster endpoint joined")
}

// NotifyLeave implements memberlist.EventDelegate.
func (m *membership) NotifyLeave(n *memberlist.Node) {
	e := m.endpointOf(n)
	if e == nil {
		return
	}
	e.setConnected(false)
	m.log.Info().Str("endpoint", n.Name).Msg("cluster endpoint left")
}

// NotifyUpdate implements memberlist.EventDelegate: a metadata change
// (capability bitmask) from an already-connected peer.
func (m *membership) NotifyUpdate(n *memberlist.Node) {
	e := m.endpointOf(n)
	if e == nil {
		return
	}
	if caps, ok := decodeCaps(n.Meta); ok {
		e.setCapabilities(caps)
	}
}

func decodeCaps(meta []byte) (Capability, bool) {
	if len(meta) < 4 {
		return 0, false
	}
	return Capability(binary.BigEndian.Uint32(meta)), true
}

// zerologWriter adapts zerolog.Logger to the io.Writer memberlist's
// LogOutput expects.
type zerologWriter struct {
	log zerolog.Logger
}

func (w zerologWriter) Write(p []byte) (int, error) {
	w.log.Debug().Msg(string(p))
	return len(p), nil
}
