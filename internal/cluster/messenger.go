package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler processes one decoded inbound envelope (an event::*
// message). Implementations type-switch on method.
type Handler func(origin string, method string, params json.RawMessage)

// Config bundles Messenger's static dependencies.
type Config struct {
	NodeName      string
	Zone          string
	GossipBind    string
	GossipPort    int
	RaftBind      string
	RaftDataDir   string
	Bootstrap     bool
	Capabilities  Capability
	ReplayHorizon time.Duration
	Log           zerolog.Logger
}

// Messenger is the Cluster Messenger: named Endpoints, gossiped
// connectivity/capability state, per-zone leader election, and
// best-effort FIFO-per-endpoint JSON-RPC delivery.
type Messenger struct {
	log  zerolog.Logger
	name string
	zone string

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	zones     map[string]*Zone

	members   *membership
	elections map[string]*election
	transport *transport

	// OnMessage dispatches a decoded inbound envelope; the process
	// entrypoint wires event::ExecutedCommand to
	// runner.Runner.CompleteRemoteExecution and logs and drops every
	// other event::* method.
	OnMessage Handler
}

// NewMessenger constructs and starts gossip membership for this node
// and, when cfg.RaftBind is set, the leader election for cfg.Zone.
// Elections for other zones are not started.
func NewMessenger(cfg Config) (*Messenger, error) {
	m := &Messenger{
		log:       cfg.Log,
		name:      cfg.NodeName,
		zone:      cfg.Zone,
		endpoints: make(map[string]*Endpoint),
		zones:     make(map[string]*Zone),
		elections: make(map[string]*election),
	}
	m.transport = newTransport(cfg.ReplayHorizon, cfg.Log)
	m.transport.onInbound = m.handleInbound

	members, err := newMembership(cfg.NodeName, cfg.GossipBind, cfg.GossipPort, cfg.Capabilities, m.resolveEndpoint, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("cluster: start membership: %w", err)
	}
	m.members = members

	if cfg.RaftBind != "" {
		el, err := newElection(cfg.Zone, cfg.NodeName, cfg.RaftBind, cfg.RaftDataDir, cfg.Bootstrap)
		if err != nil {
			return nil, fmt.Errorf("cluster: start election for zone %s: %w", cfg.Zone, err)
		}
		m.elections[cfg.Zone] = el
	}

	return m, nil
}

// resolveEndpoint returns (creating if needed) the Endpoint tracking
// name.
func (m *Messenger) resolveEndpoint(name string) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[name]
	if !ok {
		e = NewEndpoint(name)
		m.endpoints[name] = e
	}
	return e
}

// Endpoint returns the named Endpoint if known, satisfying
// scheduler.Config.LookupEndpoint's injection point.
func (m *Messenger) Endpoint(name string) *Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints[name]
}

// RegisterZone records zone's membership.
func (m *Messenger) RegisterZone(z *Zone) {
	m.mu.Lock()
	m.zones[z.Name] = z
	m.mu.Unlock()
}

// Join gossips with peer addresses to discover the rest of the
// cluster.
func (m *Messenger) Join(addrs []string) (int, error) {
	return m.members.Join(addrs)
}

// IsActiveChecker reports whether this node is the elected active
// checker for zoneName, enforcing at-most-one active checker per zone.
// A zone with no election configured (single-node deployments) is
// always locally active.
func (m *Messenger) IsActiveChecker(zoneName string) bool {
	m.mu.RLock()
	el, ok := m.elections[zoneName]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return el.IsLeader()
}

func (m *Messenger) handleInbound(origin string, env Envelope) {
	if e := m.resolveEndpoint(origin); e != nil {
		e.touchReceived(time.Now())
	}
	if m.OnMessage != nil {
		m.OnMessage(origin, env.Method, env.Params)
	}
}

// SyncSendMessage implements a best-effort send, and satisfies
// runner.Messenger. Callers (internal/runner) build
// their own `{jsonrpc, method, params}`-shaped value with the
// envelope's field names already matching Envelope's json tags; this
// re-decodes that shape generically and stamps the local Origin,
// rather than forcing every caller to import internal/cluster's
// Envelope type directly.
func (m *Messenger) SyncSendMessage(endpoint string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cluster: marshal envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cluster: decode envelope: %w", err)
	}
	env.Origin = m.name

	e := m.resolveEndpoint(endpoint)
	if err := m.transport.Send(endpoint, env); err != nil {
		m.log.Debug().Err(err).Str("endpoint", endpoint).Str("method", env.Method).Msg("cluster send failed")
		return err
	}
	e.touchSent(time.Now())
	return nil
}

// Dial opens an outbound connection to a peer's websocket URL,
// registering it under remoteName.
func (m *Messenger) Dial(url, remoteName string) error {
	return m.transport.Dial(url, remoteName, m.name)
}

// HandlerFunc returns the http.HandlerFunc incoming peer connections
// hit to establish their websocket.
func (m *Messenger) HandlerFunc() http.HandlerFunc {
	return m.transport.ServeWS
}

// NewMessageID returns a fresh unique id for an outbound envelope a
// caller wants to correlate with its eventual reply.
func NewMessageID() string { return uuid.NewString() }

// Shutdown tears down elections and membership. Open websocket
// connections are not closed here.
func (m *Messenger) Shutdown() error {
	var firstErr error
	for _, el := range m.elections {
		if err := el.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.members.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
