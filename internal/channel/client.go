// Package channel is the duplex named-event channel to the relay: a
// websocket that reconnects on its own and queues outbound events while
// the link is down.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/relaychat/internal/util"
)

var log = logging.Logger("channel")

var (
	ErrClosed         = errors.New("channel closed")
	ErrAlreadyStarted = errors.New("channel already connected")
)

// Handler receives the raw data of one event. Handlers run on the read
// goroutine, one at a time, in frame arrival order.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler.
type Subscription struct {
	event string
	id    uint64
}

// Options configures a Client.
type Options struct {
	URL        string // ws:// or wss:// endpoint of the relay
	PeerID     string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	QueueSize  int // outbound frames kept while disconnected
}

type entry struct {
	id uint64
	h  Handler
}

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	target string
	dialer *websocket.Dialer

	mu        sync.Mutex
	handlers  map[string][]entry
	nextID    uint64
	conn      *websocket.Conn
	connected bool
	queue     []Frame
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

// New validates opts and returns an unconnected Client.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if opts.PeerID != "" {
		q := u.Query()
		q.Set("peer", opts.PeerID)
		u.RawQuery = q.Encode()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Client{
		opts:     opts,
		target:   u.String(),
		dialer:   &websocket.Dialer{HandshakeTimeout: util.DialTimeout},
		handlers: make(map[string][]entry),
		done:     make(chan struct{}),
	}, nil
}

// On registers h for event.
func (c *Client) On(event string, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], entry{id: c.nextID, h: h})
	return Subscription{event: event, id: c.nextID}
}

// Off removes one handler. Removing twice is a no-op.
func (c *Client) Off(s Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.handlers[s.event]
	for i, e := range list {
		if e.id == s.id {
			c.handlers[s.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Connected reports the current transport state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Emit sends event to the relay, or queues it until the next connect.
func (c *Client) Emit(event string, data any) error {
	f, err := NewFrame(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.enqueueLocked(f)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, f); err != nil {
		log.Warnf("emit %s failed, queued for reconnect: %v", event, err)
		c.mu.Lock()
		c.enqueueLocked(f)
		c.mu.Unlock()
		conn.Close()
	}
	return nil
}

func (c *Client) enqueueLocked(f Frame) {
	if len(c.queue) >= c.opts.QueueSize {
		log.Warnf("outbound queue full, dropping oldest %s", c.queue[0].Event)
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, f)
}

// Connect starts the connection loop. It returns immediately; the first
// successful dial is reported through the "connect" event.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Close stops reconnecting and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	if started {
		<-c.done
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.opts.MinBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("dial %s: %v (retry in %s)", c.target, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.opts.MaxBackoff)
			continue
		}
		backoff = c.opts.MinBackoff

		if !c.attach(conn) {
			conn.Close()
			return
		}
		err = c.serve(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		log.Infof("relay connection lost: %v", err)
	}
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.dispatch(EventDisconnect, nil)
	}
}

// serve flushes the queue, then reads frames until the socket fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	if err := c.flush(conn); err != nil {
		return err
	}
	log.Infof("connected to %s", c.target)
	c.dispatch(EventConnect, nil)

	conn.SetReadDeadline(time.Now().Add(util.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(util.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.ping(conn, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			log.Warnf("dropping undecodable frame (%d bytes)", len(raw))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.dispatch(f.Event, f.Data)
	}
}

// flush writes queued frames in order and only then marks the client
// connected, so frames emitted meanwhile cannot overtake the backlog.
func (c *Client) flush(conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.connected = true
			c.mu.Unlock()
			return nil
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, f := range batch {
			if err := c.write(conn, f); err != nil {
				c.mu.Lock()
				c.queue = append(batch[i:len(batch):len(batch)], c.queue...)
				c.mu.Unlock()
				return err
			}
		}
	}
}

func (c *Client) ping(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(util.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(util.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(util.WriteTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	list := append([]entry(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, e := range list {
		e.h(data)
	}
}
