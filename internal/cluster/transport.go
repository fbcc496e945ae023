package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/icinga-go/gogiod/internal/metrics"
	"github.com/rs/zerolog"
)

// Envelope is the wire shape every cluster message uses:
// `{ jsonrpc:"2.0", method:"event::X", params:{…} }`.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Origin  string          `json:"origin"`
	Params  json.RawMessage `json:"params"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type queuedEnvelope struct {
	env     Envelope
	queued  time.Time
}

// outbox is the per-endpoint FIFO delivery queue: ordering guarantees
// are per-endpoint FIFO, with no cross-endpoint ordering. A replay
// buffer retains recently-queued, not-yet-acknowledged envelopes so a
// reconnecting peer can be caught up, subject to ReplayHorizon.
type outbox struct {
	mu      sync.Mutex
	pending []queuedEnvelope
	conn    *websocket.Conn
}

// transport owns every endpoint's websocket connection and outbound
// queue.
type transport struct {
	log           zerolog.Logger
	replayHorizon time.Duration

	mu      sync.Mutex
	outbox  map[string]*outbox
	onInbound func(origin string, env Envelope)
}

func newTransport(replayHorizon time.Duration, log zerolog.Logger) *transport {
	if replayHorizon <= 0 {
		replayHorizon = 5 * time.Minute
	}
	return &transport{
		log:           log,
		replayHorizon: replayHorizon,
		outbox:        make(map[string]*outbox),
	}
}

func (t *transport) boxFor(endpoint string) *outbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.outbox[endpoint]
	if !ok {
		b = &outbox{}
		t.outbox[endpoint] = b
	}
	return b
}

// RegisterConn attaches a live websocket connection for endpoint,
// flushing any envelopes queued during the disconnect that are still
// within ReplayHorizon, and starts the inbound read loop.
func (t *transport) RegisterConn(endpoint string, conn *websocket.Conn) {
	b := t.boxFor(endpoint)

	b.mu.Lock()
	b.conn = conn
	cutoff := time.Now().Add(-t.replayHorizon)
	kept := b.pending[:0]
	for _, qe := range b.pending {
		if qe.queued.Before(cutoff) {
			t.log.Debug().Str("endpoint", endpoint).Msg("dropping stale queued message during replay")
			continue
		}
		if err := conn.WriteJSON(qe.env); err != nil {
			kept = append(kept, qe)
			continue
		}
	}
	b.pending = kept
	b.mu.Unlock()

	go t.readLoop(endpoint, conn)
}

// Unregister marks endpoint's connection gone; queued sends accumulate
// in the replay buffer until a new connection registers.
func (t *transport) Unregister(endpoint string) {
	b := t.boxFor(endpoint)
	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()
}

func (t *transport) readLoop(endpoint string, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Unregister(endpoint)
			return
		}
		metrics.ClusterMessagesTotal.WithLabelValues(env.Method, "inbound").Inc()
		if t.onInbound != nil {
			t.onInbound(endpoint, env)
		}
	}
}

// Send enqueues env for endpoint and writes it immediately if
// connected; otherwise it sits in the replay buffer.
func (t *transport) Send(endpoint string, env Envelope) error {
	b := t.boxFor(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	qe := queuedEnvelope{env: env, queued: time.Now()}
	if b.conn == nil {
		b.pending = append(b.pending, qe)
		metrics.ClusterMessagesTotal.WithLabelValues(env.Method, "queued").Inc()
		return nil
	}

	if err := b.conn.WriteJSON(env); err != nil {
		b.conn = nil
		b.pending = append(b.pending, qe)
		metrics.ClusterSendFailuresTotal.Inc()
		return fmt.Errorf("cluster: write to %s: %w", endpoint, err)
	}
	metrics.ClusterMessagesTotal.WithLabelValues(env.Method, "outbound").Inc()
	return nil
}

// ServeWS is the http.HandlerFunc peers connect to; endpoint identity
// arrives as the "endpoint" query parameter.
func (t *transport) ServeWS(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		http.Error(w, "missing endpoint parameter", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn().Err(err).Str("endpoint", endpoint).Msg("websocket upgrade failed")
		return
	}
	t.RegisterConn(endpoint, conn)
}

// Dial opens an outbound websocket connection to url, identifying
// this node as localName, and registers it under remoteName.
func (t *transport) Dial(url, remoteName, localName string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url+"?endpoint="+localName, nil)
	if err != nil {
		return fmt.Errorf("cluster: dial %s: %w", remoteName, err)
	}
	t.RegisterConn(remoteName, conn)
	return nil
}
