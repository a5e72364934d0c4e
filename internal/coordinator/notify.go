package coordinator

import (
	"sync"

	"github.com/petervdpas/relaychat/internal/call"
	"github.com/petervdpas/relaychat/internal/chat"
)

// NotificationType names an outward-facing event.
type NotificationType string

const (
	NotifyMessage       NotificationType = "new-message"
	NotifyTimelineReset NotificationType = "timeline-reset"
	NotifyConnection    NotificationType = "connection"
	NotifyIncomingCall  NotificationType = "incoming-call"
	NotifyCallState     NotificationType = "call-state"
	NotifyRemoteStream  NotificationType = "remote-stream"
	NotifyCallEnded     NotificationType = "call-ended"
)

// Notification is delivered to every subscriber.
type Notification struct {
	Type      NotificationType `json:"type"`
	Message   *chat.Message    `json:"message,omitempty"`
	Connected *bool            `json:"connected,omitempty"`
	Call      *call.Status     `json:"call,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// hub fans notifications out to subscriber channels. A subscriber that does
// not keep up misses notifications rather than stalling the loop.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Notification)}
}

func (h *hub) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			log.Debugf("subscriber full, dropping %s", n.Type)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
