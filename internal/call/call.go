package call

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Call is the signaling state machine for one conversation with one remote
// peer. Every method runs on the event loop; asynchronous work is tagged with
// the attempt counter and discarded on arrival once it no longer matches.
type Call struct {
	m *Manager

	id       string
	role     Role
	state    State
	remote   string
	attempt  uint64
	accepted bool
	finished bool

	remoteOffer   string
	remoteUfrag   string
	localSDP      string
	localSent     bool
	remoteDescSet bool

	peer   PeerConnection
	inbox  []Candidate // remote candidates waiting for the remote description
	outbox []Candidate // local candidates waiting for our offer/answer to leave

	stopTimer func() bool

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	endedBy     string
	err         error
	streams     []RemoteStream
}

func (c *Call) ID() string         { return c.id }
func (c *Call) Role() Role         { return c.role }
func (c *Call) State() State       { return c.state }
func (c *Call) RemotePeer() string { return c.remote }

// Status returns a snapshot of the call.
func (c *Call) Status() Status {
	st := Status{
		ID:                c.id,
		Role:              c.role,
		State:             c.state,
		RemotePeer:        c.remote,
		Accepted:          c.accepted,
		StartedAt:         c.startedAt,
		ConnectedAt:       c.connectedAt,
		EndedAt:           c.endedAt,
		EndedBy:           c.endedBy,
		PendingCandidates: len(c.inbox),
		RemoteStreams:     append([]RemoteStream(nil), c.streams...),
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	if c.peer != nil {
		st.Stats = c.peer.Stats()
	}
	return st
}

// live reports whether a completion tagged with attempt still applies.
func (c *Call) live(attempt uint64) bool {
	return !c.finished && c.attempt == attempt
}

// ── Offer side ──────────────────────────────────────────────────────────────

func (c *Call) startOffer() {
	attempt := c.attempt
	c.m.withMedia(func(stream MediaStream, err error) {
		if !c.live(attempt) {
			log.Debugf("[%s] stale media completion for offer dropped", c.id)
			return
		}
		if err != nil {
			c.abort(err, false)
			return
		}
		peer, err := c.m.newPeer(c, attempt, stream)
		if err != nil {
			c.end(fmt.Errorf("%w: %v", ErrTransportFailed, err), EndedFailed, false)
			return
		}
		c.peer = peer
		c.m.spawn(func() {
			sdp, err := peer.CreateOffer()
			c.m.post(func() { c.offerCreated(attempt, sdp, err) })
		})
	})
}

func (c *Call) offerCreated(attempt uint64, sdp string, err error) {
	if !c.live(attempt) {
		log.Debugf("[%s] stale offer dropped", c.id)
		return
	}
	if err != nil {
		c.end(fmt.Errorf("%w: create offer: %v", ErrTransportFailed, err), EndedFailed, false)
		return
	}
	c.localSDP = sdp
	c.send(Signal{Kind: KindOffer, SDP: sdp})
	c.localSent = true
	c.flushOutbox()
	log.Infof("[%s] offer sent to %s", c.id, c.remote)
}

func (c *Call) receiveAnswer(sdp string) error {
	if c.role != RoleCaller || c.state != StateOffering || !c.localSent || c.remoteDescSet {
		return fmt.Errorf("%w: answer in %s/%s", ErrInvalidTransition, c.role, c.state)
	}
	if err := c.peer.SetAnswer(sdp); err != nil {
		c.end(fmt.Errorf("%w: set answer: %v", ErrTransportFailed, err), EndedFailed, true)
		return err
	}
	c.remoteDescSet = true
	c.remoteUfrag = iceUfrag(sdp)
	c.flushInbox()
	log.Infof("[%s] answer applied from %s", c.id, c.remote)
	return nil
}

// yield drops our own offer after losing a glare tie-break and answers the
// remote offer instead. The local user already asked to talk to this peer,
// so the answer is sent without a second prompt.
func (c *Call) yield(offer string) {
	c.attempt++
	c.closePeer()
	c.localSDP = ""
	c.localSent = false
	c.remoteDescSet = false
	c.remoteUfrag = ""
	c.outbox = nil

	c.role = RoleCallee
	c.state = StateAnswering
	c.remoteOffer = offer
	c.accepted = true
	log.Infof("[%s] glare with %s: yielding, answering remote offer", c.id, c.remote)
	c.m.notify(EventState, c, nil)
	c.startAnswer()
}

// ── Answer side ─────────────────────────────────────────────────────────────

func (c *Call) accept() error {
	if c.role != RoleCallee || c.state != StateAnswering || c.accepted {
		return fmt.Errorf("%w: accept in %s/%s", ErrInvalidTransition, c.role, c.state)
	}
	c.accepted = true
	c.m.notify(EventState, c, nil)
	c.startAnswer()
	return nil
}

func (c *Call) startAnswer() {
	attempt := c.attempt
	c.m.withMedia(func(stream MediaStream, err error) {
		if !c.live(attempt) {
			log.Debugf("[%s] stale media completion for answer dropped", c.id)
			return
		}
		if err != nil {
			c.abort(err, true)
			return
		}
		peer, err := c.m.newPeer(c, attempt, stream)
		if err != nil {
			c.end(fmt.Errorf("%w: %v", ErrTransportFailed, err), EndedFailed, true)
			return
		}
		c.peer = peer
		offer := c.remoteOffer
		c.m.spawn(func() {
			sdp, err := peer.CreateAnswer(offer)
			c.m.post(func() { c.answerCreated(attempt, sdp, err) })
		})
	})
}

func (c *Call) answerCreated(attempt uint64, sdp string, err error) {
	if !c.live(attempt) {
		log.Debugf("[%s] stale answer dropped", c.id)
		return
	}
	if err != nil {
		c.end(fmt.Errorf("%w: create answer: %v", ErrTransportFailed, err), EndedFailed, true)
		return
	}
	c.remoteDescSet = true
	c.remoteUfrag = iceUfrag(c.remoteOffer)
	c.flushInbox()
	c.localSDP = sdp
	c.send(Signal{Kind: KindAnswer, SDP: sdp})
	c.localSent = true
	c.flushOutbox()
	log.Infof("[%s] answer sent to %s", c.id, c.remote)
}

// refreshOffer replaces a not yet accepted offer with a newer one from the
// same peer.
func (c *Call) refreshOffer(offer string) error {
	if c.role != RoleCallee || c.state != StateAnswering || c.accepted {
		return fmt.Errorf("%w: renegotiation is not supported", ErrInvalidTransition)
	}
	c.remoteOffer = offer
	c.inbox = nil
	return nil
}

// ── Candidates ──────────────────────────────────────────────────────────────

func (c *Call) receiveCandidate(cand Candidate) {
	if c.finished {
		return
	}
	if c.peer == nil || !c.remoteDescSet {
		c.inbox = append(c.inbox, cand)
		return
	}
	if c.foreign(cand) {
		log.Debugf("[%s] dropping candidate for ufrag %s", c.id, candidateUfrag(cand))
		return
	}
	if err := c.peer.AddICECandidate(cand); err != nil {
		log.Warnf("[%s] add candidate: %v", c.id, err)
	}
}

func (c *Call) flushInbox() {
	pending := c.inbox
	c.inbox = nil
	for _, cand := range pending {
		// Candidates trickled for an offer we discarded in glare end up here.
		if c.foreign(cand) {
			log.Debugf("[%s] dropping buffered candidate for ufrag %s", c.id, candidateUfrag(cand))
			continue
		}
		if err := c.peer.AddICECandidate(cand); err != nil {
			log.Warnf("[%s] add buffered candidate: %v", c.id, err)
		}
	}
}

// foreign reports whether cand belongs to an ICE session other than the
// applied remote description. Candidates that carry no ufrag are kept.
func (c *Call) foreign(cand Candidate) bool {
	uf := candidateUfrag(cand)
	return uf != "" && c.remoteUfrag != "" && uf != c.remoteUfrag
}

// candidateUfrag returns the username fragment of cand, falling back to the
// "ufrag" extension of the candidate line.
func candidateUfrag(cand Candidate) string {
	if cand.UsernameFragment != "" {
		return cand.UsernameFragment
	}
	fields := strings.Fields(cand.Candidate)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "ufrag" {
			return fields[i+1]
		}
	}
	return ""
}

// iceUfrag returns the first a=ice-ufrag value of sdp.
func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ice-ufrag:"); ok {
			return v
		}
	}
	return ""
}

func (c *Call) localCandidate(cand Candidate) {
	if !c.localSent {
		c.outbox = append(c.outbox, cand)
		return
	}
	cp := cand
	c.send(Signal{Kind: KindCandidate, Candidate: &cp})
}

func (c *Call) flushOutbox() {
	pending := c.outbox
	c.outbox = nil
	for _, cand := range pending {
		cp := cand
		c.send(Signal{Kind: KindCandidate, Candidate: &cp})
	}
}

// ── Transport ───────────────────────────────────────────────────────────────

func (c *Call) transportState(st ConnectionState) {
	switch st {
	case PeerConnected:
		if !c.state.Negotiating() {
			return
		}
		c.state = StateConnected
		c.connectedAt = c.m.now()
		c.disarm()
		log.Infof("[%s] connected with %s", c.id, c.remote)
		c.m.notify(EventState, c, nil)
	case PeerFailed:
		c.end(ErrTransportFailed, EndedFailed, true)
	case PeerDisconnected:
		log.Warnf("[%s] transport disconnected, waiting for ICE to recover", c.id)
	}
}

func (c *Call) addRemoteStream(rs RemoteStream) {
	c.streams = append(c.streams, rs)
	log.Infof("[%s] remote %s track %s (%s)", c.id, rs.Kind, rs.TrackID, rs.Codec)
	c.m.notify(EventRemoteStream, c, nil)
}

func (c *Call) receiveBusy() error {
	if c.role != RoleCaller || c.state != StateOffering {
		return fmt.Errorf("%w: busy in %s/%s", ErrInvalidTransition, c.role, c.state)
	}
	c.end(ErrBusy, EndedBusy, false)
	return nil
}

func (c *Call) timedOut() {
	if c.finished || !c.state.Negotiating() {
		return
	}
	log.Warnf("[%s] negotiation with %s timed out", c.id, c.remote)
	c.end(ErrNegotiationTimeout, EndedTimeout, true)
}

// ── Termination ─────────────────────────────────────────────────────────────

// end moves the call to Ended exactly once and releases its peer connection.
func (c *Call) end(err error, by string, notifyRemote bool) {
	c.finish(StateEnded, err, by, notifyRemote)
}

// abort returns the call to Idle when local media could not be opened.
func (c *Call) abort(err error, notifyRemote bool) {
	if !errors.Is(err, ErrMediaUnavailable) && !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	c.finish(StateIdle, err, EndedFailed, notifyRemote)
}

func (c *Call) finish(final State, err error, by string, notifyRemote bool) {
	if c.finished {
		return
	}
	c.finished = true
	c.attempt++
	c.disarm()
	if notifyRemote {
		c.send(Signal{Kind: KindHangup})
	}
	c.closePeer()
	c.inbox = nil
	c.outbox = nil
	c.state = final
	c.endedAt = c.m.now()
	c.endedBy = by
	c.err = err
	c.m.release(c)
	if err != nil {
		log.Infof("[%s] ended (%s): %v", c.id, by, err)
	} else {
		log.Infof("[%s] ended (%s)", c.id, by)
	}
	c.m.notify(EventEnded, c, err)
}

func (c *Call) closePeer() {
	if c.peer == nil {
		return
	}
	if err := c.peer.Close(); err != nil {
		log.Warnf("[%s] close peer: %v", c.id, err)
	}
	c.peer = nil
}

func (c *Call) disarm() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

func (c *Call) send(sig Signal) {
	sig.From = c.m.opts.SelfID
	sig.To = c.remote
	if err := c.m.opts.Signaler.SendSignal(sig); err != nil {
		log.Warnf("[%s] send %s to %s: %v", c.id, sig.Kind, c.remote, err)
	}
}
