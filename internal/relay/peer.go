package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/relaychat/internal/channel"
	"github.com/petervdpas/relaychat/internal/util"
)

const sendBuffer = 64

// peer is one connected client. Writes go through send so a slow client
// never blocks the hub.
type peer struct {
	id   string
	ip   string
	conn *websocket.Conn
	hub  *Hub

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newPeer(h *Hub, id, ip string, conn *websocket.Conn) *peer {
	return &peer{id: id, ip: ip, conn: conn, hub: h, send: make(chan []byte, sendBuffer)}
}

// emit queues a frame. A peer whose buffer is full is disconnected.
func (p *peer) emit(event string, data any) {
	f, err := channel.NewFrame(event, data)
	if err != nil {
		log.Errorf("encode %s for %s: %v", event, p.id, err)
		return
	}
	b, err := json.Marshal(f)
	if err != nil {
		log.Errorf("encode %s for %s: %v", event, p.id, err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- b:
	default:
		log.Warnf("peer %s is not reading, disconnecting", p.id)
		p.closeLocked()
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *peer) closeLocked() {
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(util.PingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case b, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(util.WriteTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(util.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) readPump() {
	defer func() {
		p.hub.unregister(p)
		p.conn.Close()
	}()
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(util.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(util.PongWait))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("peer %s read: %v", p.id, err)
			}
			return
		}
		var f channel.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf("peer %s sent an undecodable frame", p.id)
			continue
		}
		p.hub.handle(p, f)
	}
}
