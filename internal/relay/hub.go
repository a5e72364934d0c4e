// Package relay is the chat relay server: it stamps and broadcasts chat
// messages, keeps their history for join snapshots, and forwards call
// signals between peers without looking inside them.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"

	"github.com/petervdpas/relaychat/internal/channel"
	"github.com/petervdpas/relaychat/internal/chat"
	"github.com/petervdpas/relaychat/internal/metrics"
	"github.com/petervdpas/relaychat/internal/util"
)

var log = logging.Logger("relay")

const maxFrameSize = 1 << 20

// Options configures a Hub.
type Options struct {
	History       History
	Metrics       *metrics.Relay
	SnapshotLimit int
}

// Hub tracks connected peers by id.
type Hub struct {
	history       History
	metrics       *metrics.Relay
	snapshotLimit int
	upgrader      websocket.Upgrader
	now           func() time.Time

	mu    sync.RWMutex
	peers map[string]*peer
}

func NewHub(opts Options) *Hub {
	if opts.History == nil {
		opts.History = NewMemoryHistory(0)
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = 100
	}
	return &Hub{
		history:       opts.History,
		metrics:       opts.Metrics,
		snapshotLimit: opts.SnapshotLimit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:   time.Now,
		peers: make(map[string]*peer),
	}
}

// Peers returns the ids of connected peers.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	return out
}

// ServeWS upgrades GET /ws?peer=<id>.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := util.ValidatePeerName(r.URL.Query().Get("peer"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade for %s: %v", id, err)
		return
	}
	p := newPeer(h, id, remoteIP(r), conn)
	go p.writePump()

	h.register(p)
	ctx, cancel := context.WithTimeout(context.Background(), util.WriteTimeout)
	h.sendSnapshot(ctx, p)
	cancel()
	p.readPump()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	old := h.peers[p.id]
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()

	if old != nil {
		log.Infof("peer %s reconnected, closing older connection", p.id)
		old.close()
	}
	h.setPeers(n)
	log.Infof("peer %s joined from %s", p.id, p.ip)
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	if h.peers[p.id] == p {
		delete(h.peers, p.id)
	}
	n := len(h.peers)
	h.mu.Unlock()
	p.close()
	h.setPeers(n)
	log.Infof("peer %s left", p.id)
}

func (h *Hub) setPeers(n int) {
	if h.metrics != nil {
		h.metrics.Peers.Set(float64(n))
	}
}

func (h *Hub) lookup(id string) *peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[id]
}

func (h *Hub) sendSnapshot(ctx context.Context, p *peer) {
	msgs, err := h.recent(ctx, h.snapshotLimit)
	if err != nil {
		log.Errorf("history for %s: %v", p.id, err)
		msgs = nil
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	p.emit("messages", msgs)
}

func (h *Hub) recent(ctx context.Context, limit int) ([]chat.Message, error) {
	start := time.Now()
	defer h.observe(start)
	return h.history.Recent(ctx, limit)
}

func (h *Hub) observe(start time.Time) {
	if h.metrics != nil {
		h.metrics.HistoryLatency.Observe(time.Since(start).Seconds())
	}
}

func (h *Hub) handle(p *peer, f channel.Frame) {
	switch f.Event {
	case "message":
		h.handleMessage(p, f.Data)
	case "signal":
		h.handleSignal(p, f.Data)
	default:
		log.Debugf("peer %s sent unknown event %q", p.id, f.Event)
	}
}

func (h *Hub) handleMessage(p *peer, data json.RawMessage) {
	var out chat.Outgoing
	if err := json.Unmarshal(data, &out); err != nil || out.Validate() != nil {
		if h.metrics != nil {
			h.metrics.MessagesRejected.Inc()
		}
		log.Warnf("peer %s sent an invalid message", p.id)
		return
	}
	m := chat.Message{
		ID:        ulid.Make().String(),
		Origin:    p.ip,
		CreatedAt: h.now().UTC(),
		Text:      out.Text,
		AudioRef:  out.AudioRef,
	}

	start := time.Now()
	err := h.history.Add(context.Background(), m)
	h.observe(start)
	if err != nil {
		log.Errorf("store message %s: %v", m.ID, err)
	}
	if h.metrics != nil {
		h.metrics.MessagesRelayed.Inc()
	}
	h.broadcast("message", m)
}

func (h *Hub) broadcast(event string, data any) {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.RUnlock()
	for _, p := range targets {
		p.emit(event, data)
	}
}

type signalIn struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type signalOut struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

var hangupPayload = json.RawMessage(`{"type":"hangup"}`)

// handleSignal forwards the payload untouched. A signal for a peer that is
// not connected is answered with a hangup from that peer, which ends the
// sender's call.
func (h *Hub) handleSignal(p *peer, data json.RawMessage) {
	var in signalIn
	if err := json.Unmarshal(data, &in); err != nil || in.To == "" || len(in.Signal) == 0 {
		log.Warnf("peer %s sent a malformed signal", p.id)
		return
	}
	target := h.lookup(in.To)
	if target == nil {
		if h.metrics != nil {
			h.metrics.SignalsUndelivered.Inc()
		}
		if signalType(in.Signal) != "hangup" {
			p.emit("signal", signalOut{From: in.To, Signal: hangupPayload})
		}
		return
	}
	if h.metrics != nil {
		h.metrics.SignalsForwarded.WithLabelValues(signalType(in.Signal)).Inc()
	}
	target.emit("signal", signalOut{From: p.id, Signal: in.Signal})
}

// signalType peeks at the payload type for metrics only.
func signalType(raw json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return "unknown"
	}
	switch head.Type {
	case "offer", "answer", "candidate", "hangup", "busy":
		return head.Type
	}
	return "unknown"
}
