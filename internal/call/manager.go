// Package call negotiates one-to-one WebRTC calls over the chat relay.
// Coupling to the rest of relaychat is via the Signaler interface and the
// Post hook only; the package never touches the websocket itself.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

const DefaultNegotiationTimeout = 30 * time.Second

// Options configures a Manager.
type Options struct {
	SelfID   string
	Signaler Signaler
	Media    MediaSource // nil means no capture devices
	Peers    PeerFactory

	// Post schedules fn on the event loop that owns the Manager. It returns
	// false once the loop has stopped.
	Post func(fn func()) bool
	// Notify receives every call event on the event loop. May be nil.
	Notify func(Event)

	NegotiationTimeout time.Duration
	Constraints        Constraints
	// ReceiveOnlyFallback negotiates without local tracks when capture
	// fails instead of aborting with ErrMediaUnavailable.
	ReceiveOnlyFallback bool
}

// Manager owns at most one active Call plus the shared local media handle.
// It is not safe for concurrent use: every method must run on the loop
// that Options.Post schedules onto.
type Manager struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	active *Call
	closed bool

	media     MediaStream
	acquiring bool
	waiters   []func(MediaStream, error)

	spawn     func(func())
	afterFunc func(time.Duration, func()) func() bool
	now       func() time.Time
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.SelfID) == "" {
		return nil, fmt.Errorf("call: self id required")
	}
	if opts.Signaler == nil || opts.Peers == nil || opts.Post == nil {
		return nil, fmt.Errorf("call: signaler, peer factory and post hook are required")
	}
	if opts.Media == nil {
		opts.Media = unavailableSource{reason: "no capture source configured"}
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if !opts.Constraints.Video && !opts.Constraints.Audio {
		opts.Constraints = Constraints{Video: true, Audio: true}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		spawn:  func(fn func()) { go fn() },
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		now: time.Now,
	}, nil
}

// Active returns the status of the current call, if any.
func (m *Manager) Active() (Status, bool) {
	if m.active == nil {
		return Status{}, false
	}
	return m.active.Status(), true
}

// StartCall begins a call to remote in the caller role. Media capture and
// offer creation continue asynchronously; their outcome arrives as events.
func (m *Manager) StartCall(remote string) (Status, error) {
	if m.closed {
		return Status{}, ErrClosed
	}
	remote = strings.TrimSpace(remote)
	if remote == "" || remote == m.opts.SelfID {
		return Status{}, fmt.Errorf("%w: %q", ErrInvalidPeer, remote)
	}
	if m.active != nil {
		return m.active.Status(), ErrAlreadyInCall
	}
	c := m.newCall(RoleCaller, remote)
	c.state = StateOffering
	c.accepted = true
	log.Infof("[%s] calling %s", c.id, remote)
	m.notify(EventState, c, nil)
	c.startOffer()
	return c.Status(), nil
}

// HandleInboundSignal routes one decoded signal from the relay.
func (m *Manager) HandleInboundSignal(sig Signal) error {
	if m.closed {
		return ErrClosed
	}
	if sig.From == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	c := m.active

	if sig.Kind == KindOffer {
		return m.handleOffer(c, sig)
	}
	if c == nil || c.remote != sig.From {
		log.Debugf("ignoring %s from %s: no call with that peer", sig.Kind, sig.From)
		return nil
	}

	switch sig.Kind {
	case KindAnswer:
		return c.receiveAnswer(sig.SDP)
	case KindCandidate:
		if sig.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate object", ErrMalformedSignal)
		}
		c.receiveCandidate(*sig.Candidate)
	case KindHangup:
		log.Infof("[%s] hangup received from %s", c.id, sig.From)
		c.end(nil, EndedRemote, false)
	case KindBusy:
		return c.receiveBusy()
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, sig.Kind)
	}
	return nil
}

func (m *Manager) handleOffer(c *Call, sig Signal) error {
	switch {
	case c == nil:
		c = m.newCall(RoleCallee, sig.From)
		c.state = StateAnswering
		c.remoteOffer = sig.SDP
		log.Infof("[%s] incoming call from %s", c.id, sig.From)
		m.notify(EventIncoming, c, nil)
		return nil

	case c.remote != sig.From:
		log.Infof("[%s] busy: rejecting offer from %s", c.id, sig.From)
		m.sendTo(sig.From, Signal{Kind: KindBusy})
		return nil

	case c.role == RoleCaller && c.state == StateOffering:
		if m.opts.SelfID < sig.From {
			log.Infof("[%s] glare with %s: keeping our offer", c.id, sig.From)
			return nil
		}
		c.yield(sig.SDP)
		return nil

	default:
		return c.refreshOffer(sig.SDP)
	}
}

// AcceptIncoming answers the pending inbound offer.
func (m *Manager) AcceptIncoming() error {
	if m.active == nil {
		return ErrNoActiveCall
	}
	return m.active.accept()
}

// RejectIncoming declines the pending inbound offer and tells the caller.
func (m *Manager) RejectIncoming() error {
	c := m.active
	if c == nil {
		return ErrNoActiveCall
	}
	if c.role != RoleCallee || c.state != StateAnswering || c.accepted {
		return fmt.Errorf("%w: reject in %s/%s", ErrInvalidTransition, c.role, c.state)
	}
	c.end(nil, EndedRejected, true)
	return nil
}

// Hangup ends the active call from the local side.
func (m *Manager) Hangup() error {
	c := m.active
	if c == nil {
		return ErrNoActiveCall
	}
	c.end(nil, EndedLocal, true)
	return nil
}

// Close ends any active call and releases the shared media handle.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	if m.active != nil {
		m.active.end(ErrClosed, EndedLocal, true)
	}
	m.closed = true
	m.cancel()
	if m.media != nil {
		if err := m.media.Close(); err != nil {
			log.Warnf("close local media: %v", err)
		}
		m.media = nil
	}
}

func (m *Manager) newCall(role Role, remote string) *Call {
	c := &Call{
		m:         m,
		id:        uuid.NewString(),
		role:      role,
		remote:    remote,
		startedAt: m.now(),
	}
	c.stopTimer = m.afterFunc(m.opts.NegotiationTimeout, func() {
		m.post(c.timedOut)
	})
	m.active = c
	return c
}

func (m *Manager) release(c *Call) {
	if m.active == c {
		m.active = nil
	}
}

// withMedia hands the shared capture handle to fn, opening it first if
// needed. fn always runs on the loop.
func (m *Manager) withMedia(fn func(MediaStream, error)) {
	if m.media != nil {
		fn(m.media, nil)
		return
	}
	m.waiters = append(m.waiters, fn)
	if m.acquiring {
		return
	}
	m.acquiring = true
	ctx, cons := m.ctx, m.opts.Constraints
	m.spawn(func() {
		stream, err := m.opts.Media.Acquire(ctx, cons)
		if !m.post(func() { m.mediaAcquired(stream, err) }) && stream != nil {
			stream.Close()
		}
	})
}

func (m *Manager) mediaAcquired(stream MediaStream, err error) {
	m.acquiring = false
	waiters := m.waiters
	m.waiters = nil

	switch {
	case m.closed:
		if stream != nil {
			stream.Close()
		}
		err = ErrClosed
	case err != nil:
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		if m.opts.ReceiveOnlyFallback {
			log.Warnf("local media unavailable, continuing receive-only: %v", err)
			err = nil
		} else {
			log.Warnf("local media unavailable: %v", err)
		}
	default:
		m.media = stream
		log.Infof("local media %s acquired", stream.ID())
	}

	for _, fn := range waiters {
		fn(stream, err)
	}
}

// newPeer builds a peer connection whose events are delivered on the loop
// and dropped once attempt is stale.
func (m *Manager) newPeer(c *Call, attempt uint64, stream MediaStream) (PeerConnection, error) {
	return m.opts.Peers.NewPeer(stream, PeerEvents{
		LocalCandidate: func(cand Candidate) {
			m.post(func() {
				if c.live(attempt) {
					c.localCandidate(cand)
				}
			})
		},
		RemoteStream: func(rs RemoteStream) {
			m.post(func() {
				if c.live(attempt) {
					c.addRemoteStream(rs)
				}
			})
		},
		StateChange: func(st ConnectionState) {
			m.post(func() {
				if c.live(attempt) {
					c.transportState(st)
				}
			})
		},
	})
}

func (m *Manager) post(fn func()) bool { return m.opts.Post(fn) }

func (m *Manager) sendTo(peer string, sig Signal) {
	sig.From = m.opts.SelfID
	sig.To = peer
	if err := m.opts.Signaler.SendSignal(sig); err != nil {
		log.Warnf("send %s to %s: %v", sig.Kind, peer, err)
	}
}

func (m *Manager) notify(t EventType, c *Call, err error) {
	if m.opts.Notify != nil {
		m.opts.Notify(Event{Type: t, Call: c.Status(), Err: err})
	}
}
