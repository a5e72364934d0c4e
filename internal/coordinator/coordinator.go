// Package coordinator glues relay channel events into the message timeline
// and the call manager, and exposes the result to the presentation layer.
//
// All state is owned by a single event loop. Channel handlers only decode
// and post; the public methods hop onto the loop with Do.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/relaychat/internal/call"
	"github.com/petervdpas/relaychat/internal/channel"
	"github.com/petervdpas/relaychat/internal/chat"
	"github.com/petervdpas/relaychat/internal/loop"
	"github.com/petervdpas/relaychat/internal/metrics"
)

var log = logging.Logger("coordinator")

// Relay event names.
const (
	EventSnapshot = "snapshot"
	EventMessages = "messages"
	EventMessage  = "message"
	EventSignal   = "signal"
)

// Channel is the subset of channel.Client the coordinator uses.
type Channel interface {
	On(event string, h channel.Handler) channel.Subscription
	Off(s channel.Subscription)
	Emit(event string, data any) error
}

// Options configures a Coordinator.
type Options struct {
	SelfID  string
	Channel Channel
	Metrics *metrics.Client // nil registers on a private registry

	Media               call.MediaSource
	Peers               call.PeerFactory
	NegotiationTimeout  time.Duration
	Constraints         call.Constraints
	ReceiveOnlyFallback bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	selfID  string
	ch      Channel
	metrics *metrics.Client

	loop      *loop.Loop
	store     *chat.Store
	calls     *call.Manager
	connected atomic.Bool
	hub       *hub

	subs    []channel.Subscription
	runOnce sync.Once
}

func New(opts Options) (*Coordinator, error) {
	if opts.Channel == nil {
		return nil, errors.New("coordinator: channel required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewClient(prometheus.NewRegistry())
	}
	c := &Coordinator{
		selfID:  opts.SelfID,
		ch:      opts.Channel,
		metrics: opts.Metrics,
		loop:    loop.New(),
		store:   chat.NewStore(),
		hub:     newHub(),
	}
	mgr, err := call.New(call.Options{
		SelfID:              opts.SelfID,
		Signaler:            call.SignalerFunc(c.sendSignal),
		Media:               opts.Media,
		Peers:               opts.Peers,
		Post:                c.loop.Post,
		Notify:              c.onCallEvent,
		NegotiationTimeout:  opts.NegotiationTimeout,
		Constraints:         opts.Constraints,
		ReceiveOnlyFallback: opts.ReceiveOnlyFallback,
	})
	if err != nil {
		return nil, err
	}
	c.calls = mgr

	c.subs = []channel.Subscription{
		c.ch.On(channel.EventConnect, func(json.RawMessage) { c.loop.Post(func() { c.setConnected(true) }) }),
		c.ch.On(channel.EventDisconnect, func(json.RawMessage) { c.loop.Post(func() { c.setConnected(false) }) }),
		c.ch.On(EventSnapshot, c.post(c.onSnapshot)),
		c.ch.On(EventMessages, c.post(c.onSnapshot)),
		c.ch.On(EventMessage, c.post(c.onMessage)),
		c.ch.On(EventSignal, c.post(c.onSignal)),
	}
	return c, nil
}

// post wraps a loop-side handler so the channel's read goroutine only
// enqueues. Arrival order is preserved because Post is FIFO.
func (c *Coordinator) post(fn func(json.RawMessage)) channel.Handler {
	return func(data json.RawMessage) {
		if !c.loop.Post(func() { fn(data) }) {
			log.Debugf("loop stopped, dropping event")
		}
	}
}

// Run drives the event loop until ctx is done, then ends any call and
// releases local media.
func (c *Coordinator) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("coordinator: already running")
	}

	loopCtx, stop := context.WithCancel(context.Background())
	go c.loop.Run(loopCtx)

	<-ctx.Done()
	for _, s := range c.subs {
		c.ch.Off(s)
	}
	_ = c.loop.Do(context.Background(), c.calls.Close)
	stop()
	<-c.loop.Done()
	c.hub.close()
	return nil
}

// ── Inbound relay events (loop) ─────────────────────────────────────────────

func (c *Coordinator) setConnected(v bool) {
	c.connected.Store(v)
	if v {
		c.metrics.Connected.Set(1)
	} else {
		c.metrics.Connected.Set(0)
	}
	log.Infof("relay connected=%v", v)
	c.hub.publish(Notification{Type: NotifyConnection, Connected: &v})
}

func (c *Coordinator) onSnapshot(data json.RawMessage) {
	var msgs []chat.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		c.metrics.MessagesRejected.WithLabelValues("snapshot").Inc()
		log.Warnf("undecodable snapshot: %v", err)
		return
	}
	if skipped := c.store.Initialize(msgs); skipped > 0 {
		c.metrics.MessagesRejected.WithLabelValues("snapshot").Add(float64(skipped))
		log.Warnf("snapshot: skipped %d malformed messages", skipped)
	}
	c.metrics.Snapshots.Inc()
	c.hub.publish(Notification{Type: NotifyTimelineReset})
}

func (c *Coordinator) onMessage(data json.RawMessage) {
	var m chat.Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.metrics.MessagesRejected.WithLabelValues("message").Inc()
		log.Warnf("undecodable message: %v", err)
		return
	}
	added, err := c.store.Append(m)
	if err != nil {
		c.metrics.MessagesRejected.WithLabelValues("message").Inc()
		log.Warnf("message rejected: %v", err)
		return
	}
	if !added {
		c.metrics.MessageDuplicates.Inc()
		return
	}
	c.metrics.MessagesAppended.Inc()
	c.hub.publish(Notification{Type: NotifyMessage, Message: &m})
}

func (c *Coordinator) onSignal(data json.RawMessage) {
	sig, err := call.DecodeInbound(data)
	if err != nil {
		c.metrics.MalformedSignals.Inc()
		log.Warnf("%v", err)
		return
	}
	if err := c.calls.HandleInboundSignal(sig); err != nil {
		if errors.Is(err, call.ErrMalformedSignal) {
			c.metrics.MalformedSignals.Inc()
			log.Warnf("%v", err)
			return
		}
		log.Debugf("%s from %s: %v", sig.Kind, sig.From, err)
	}
}

func (c *Coordinator) onCallEvent(ev call.Event) {
	st := ev.Call
	n := Notification{Call: &st}
	if ev.Err != nil {
		n.Error = ev.Err.Error()
	}
	switch ev.Type {
	case call.EventIncoming:
		n.Type = NotifyIncomingCall
		c.metrics.CallsStarted.WithLabelValues(call.RoleCallee.String()).Inc()
	case call.EventState:
		n.Type = NotifyCallState
	case call.EventRemoteStream:
		n.Type = NotifyRemoteStream
	case call.EventEnded:
		n.Type = NotifyCallEnded
		c.metrics.CallsEnded.WithLabelValues(st.EndedBy).Inc()
	default:
		return
	}
	c.hub.publish(n)
}

func (c *Coordinator) sendSignal(sig call.Signal) error {
	return c.ch.Emit(EventSignal, call.EncodeOutbound(sig))
}

// ── Presentation API ────────────────────────────────────────────────────────

// SelfID is the local peer identifier.
func (c *Coordinator) SelfID() string { return c.selfID }

// Timeline returns the current message view. Callers must not modify it.
func (c *Coordinator) Timeline() []chat.Message { return c.store.All() }

// Connected reports the relay connection status.
func (c *Coordinator) Connected() bool { return c.connected.Load() }

// Subscribe returns a notification stream and its cancel function.
func (c *Coordinator) Subscribe(buffer int) (<-chan Notification, func()) {
	return c.hub.subscribe(buffer)
}

// SendMessage validates out and hands it to the channel. The timeline is
// only updated when the relay echoes the message back with its id.
func (c *Coordinator) SendMessage(out chat.Outgoing) error {
	if err := out.Validate(); err != nil {
		c.metrics.MessagesRejected.WithLabelValues("send").Inc()
		return err
	}
	if err := c.ch.Emit(EventMessage, out); err != nil {
		return fmt.Errorf("emit message: %w", err)
	}
	return nil
}

// StartCall begins a call to remote.
func (c *Coordinator) StartCall(ctx context.Context, remote string) (call.Status, error) {
	var (
		st  call.Status
		err error
	)
	if derr := c.loop.Do(ctx, func() { st, err = c.calls.StartCall(remote) }); derr != nil {
		return call.Status{}, derr
	}
	if err == nil {
		c.metrics.CallsStarted.WithLabelValues(call.RoleCaller.String()).Inc()
	}
	return st, err
}

func (c *Coordinator) AcceptCall(ctx context.Context) error {
	return c.do(ctx, c.calls.AcceptIncoming)
}

func (c *Coordinator) RejectCall(ctx context.Context) error {
	return c.do(ctx, c.calls.RejectIncoming)
}

func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, c.calls.Hangup)
}

// CallStatus reports the active call, if any.
func (c *Coordinator) CallStatus(ctx context.Context) (call.Status, bool, error) {
	var (
		st call.Status
		ok bool
	)
	err := c.loop.Do(ctx, func() { st, ok = c.calls.Active() })
	return st, ok, err
}

func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := c.loop.Do(ctx, func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}
