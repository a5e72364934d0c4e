package call

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionOptions configures the pion-backed peer factory.
type PionOptions struct {
	ICEServers []string
	// ICE timeouts; zero keeps the defaults below. A relay path can have
	// short outages, so the disconnected timeout is generous.
	ICEDisconnected time.Duration
	ICEFailed       time.Duration
	ICEKeepalive    time.Duration
}

// NewPion returns the platform capture source and a peer factory sharing one
// codec configuration.
func NewPion(opts PionOptions) (MediaSource, PeerFactory, error) {
	if opts.ICEDisconnected <= 0 {
		opts.ICEDisconnected = 30 * time.Second
	}
	if opts.ICEFailed <= 0 {
		opts.ICEFailed = 120 * time.Second
	}
	if opts.ICEKeepalive <= 0 {
		opts.ICEKeepalive = 2 * time.Second
	}
	src, register, err := newPlatformMedia()
	if err != nil {
		return nil, nil, fmt.Errorf("media setup: %w", err)
	}
	return src, &pionFactory{opts: opts, register: register}, nil
}

type pionFactory struct {
	opts     PionOptions
	register func(*webrtc.MediaEngine) error
}

func (f *pionFactory) api() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := f.register(me); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(f.opts.ICEDisconnected, f.opts.ICEFailed, f.opts.ICEKeepalive)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *pionFactory) NewPeer(stream MediaStream, ev PeerEvents) (PeerConnection, error) {
	api, err := f.api()
	if err != nil {
		return nil, err
	}
	cfg := webrtc.Configuration{}
	if len(f.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	p := &pionPeer{pc: pc, done: make(chan struct{})}

	sending := map[webrtc.RTPCodecType]bool{}
	if ts, ok := stream.(trackSource); ok {
		for _, t := range ts.LocalTracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			sending[t.Kind()] = true
			go drainRTCP(sender)
		}
	}
	if err := addRecvOnlyTransceivers(pc, sending); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add transceivers: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.LocalCandidate == nil {
			return
		}
		ev.LocalCandidate(fromInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if ev.StateChange != nil {
			ev.StateChange(mapState(s))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if ev.RemoteStream != nil {
			ev.RemoteStream(RemoteStream{
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Kind:     track.Kind().String(),
				Codec:    track.Codec().MimeType,
			})
		}
		go p.observe(track)
	})
	return p, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	packets atomic.Uint64
	bytes   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer(offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeer) AddICECandidate(c Candidate) error {
	return p.pc.AddICECandidate(toInit(c))
}

func (p *pionPeer) Stats() PeerStats {
	return PeerStats{
		PacketsReceived: p.packets.Load(),
		BytesReceived:   p.bytes.Load(),
	}
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

// observe counts inbound RTP on one remote track and asks for a keyframe
// on video so the first frames decode.
func (p *pionPeer) observe(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(uint32(track.SSRC()))
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("remote track %s: %v", track.ID(), err)
			}
			return
		}
		p.count(pkt)
	}
}

func (p *pionPeer) count(pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(pkt.MarshalSize()))
}

func (p *pionPeer) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			return
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

func mapState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	}
	return PeerNew
}

func fromInit(in webrtc.ICECandidateInit) Candidate {
	c := Candidate{Candidate: in.Candidate}
	if in.SDPMid != nil {
		c.SDPMid = *in.SDPMid
	}
	if in.SDPMLineIndex != nil {
		c.SDPMLineIndex = *in.SDPMLineIndex
	}
	if in.UsernameFragment != nil {
		c.UsernameFragment = *in.UsernameFragment
	}
	return c
}

func toInit(c Candidate) webrtc.ICECandidateInit {
	idx := c.SDPMLineIndex
	in := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &idx}
	if c.SDPMid != "" {
		mid := c.SDPMid
		in.SDPMid = &mid
	}
	if c.UsernameFragment != "" {
		uf := c.UsernameFragment
		in.UsernameFragment = &uf
	}
	return in
}
