package call

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	id     string
	closes int
}

func (s *fakeStream) ID() string   { return s.id }
func (s *fakeStream) Close() error { s.closes++; return nil }

type fakeMedia struct {
	calls  int
	err    error
	stream *fakeStream
}

func (f *fakeMedia) Acquire(context.Context, Constraints) (MediaStream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakePeer struct {
	n          int
	stream     MediaStream
	ev         PeerEvents
	offerErr   error
	answeredTo string
	answer     string
	candidates []Candidate
	closes     int
	stats      PeerStats
}

func (p *fakePeer) CreateOffer() (string, error) {
	if p.offerErr != nil {
		return "", p.offerErr
	}
	return fmt.Sprintf("offer-%d", p.n), nil
}

func (p *fakePeer) CreateAnswer(offer string) (string, error) {
	p.answeredTo = offer
	return fmt.Sprintf("answer-%d", p.n), nil
}

func (p *fakePeer) SetAnswer(sdp string) error { p.answer = sdp; return nil }

func (p *fakePeer) AddICECandidate(c Candidate) error {
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Stats() PeerStats { return p.stats }
func (p *fakePeer) Close() error     { p.closes++; return nil }

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

// harness drives a Manager deterministically: posted closures and spawned
// goroutines are queued and only run when the test settles them.
type harness struct {
	t       *testing.T
	m       *Manager
	queue   []func()
	spawned []func()
	sent    []Signal
	events  []Event
	peers   []*fakePeer
	timers  []*fakeTimer
	media   *fakeMedia
	forward func(Signal)
	stopped bool
}

func newHarness(t *testing.T, self string, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, media: &fakeMedia{stream: &fakeStream{id: "local-" + self}}}
	o := Options{
		SelfID: self,
		Signaler: SignalerFunc(func(sig Signal) error {
			h.sent = append(h.sent, sig)
			if h.forward != nil {
				h.forward(sig)
			}
			return nil
		}),
		Media:  h.media,
		Peers:  h,
		Post:   h.post,
		Notify: func(ev Event) { h.events = append(h.events, ev) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := New(o)
	require.NoError(t, err)
	m.spawn = func(fn func()) { h.spawned = append(h.spawned, fn) }
	m.afterFunc = func(d time.Duration, fn func()) func() bool {
		ft := &fakeTimer{d: d, fn: fn}
		h.timers = append(h.timers, ft)
		return func() bool {
			was := !ft.stopped
			ft.stopped = true
			return was
		}
	}
	h.m = m
	return h
}

func (h *harness) NewPeer(stream MediaStream, ev PeerEvents) (PeerConnection, error) {
	p := &fakePeer{n: len(h.peers) + 1, stream: stream, ev: ev}
	h.peers = append(h.peers, p)
	return p, nil
}

func (h *harness) post(fn func()) bool {
	if h.stopped {
		return false
	}
	h.queue = append(h.queue, fn)
	return true
}

// step runs one round of queued work and reports whether anything ran.
func (h *harness) step() bool {
	if len(h.queue) == 0 && len(h.spawned) == 0 {
		return false
	}
	q := h.queue
	h.queue = nil
	for _, fn := range q {
		fn()
	}
	s := h.spawned
	h.spawned = nil
	for _, fn := range s {
		fn()
	}
	return true
}

func settle(hs ...*harness) {
	for i := 0; i < 1000; i++ {
		progressed := false
		for _, h := range hs {
			if h.step() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	panic("harness did not settle")
}

// link routes each side's outbound signals into the other's inbound path,
// the way the relay does.
func link(a, b *harness) {
	a.forward = func(sig Signal) {
		b.post(func() { _ = b.m.HandleInboundSignal(sig) })
	}
	b.forward = func(sig Signal) {
		a.post(func() { _ = a.m.HandleInboundSignal(sig) })
	}
}

func (h *harness) lastPeer() *fakePeer {
	h.t.Helper()
	require.NotEmpty(h.t, h.peers)
	return h.peers[len(h.peers)-1]
}

func (h *harness) sentKinds() []Kind {
	out := make([]Kind, 0, len(h.sent))
	for _, s := range h.sent {
		out = append(out, s.Kind)
	}
	return out
}

func (h *harness) countSent(k Kind) int {
	n := 0
	for _, s := range h.sent {
		if s.Kind == k {
			n++
		}
	}
	return n
}

func (h *harness) endedEvents() []Event {
	var out []Event
	for _, ev := range h.events {
		if ev.Type == EventEnded {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) fireTimers() {
	for _, ft := range h.timers {
		if !ft.stopped {
			ft.fn()
		}
	}
}

var errNoCamera = errors.New("device busy")
