package call

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Signaler is the only surface the call package needs from the relay layer.
// The coordinator satisfies it by emitting a "signal" event on the channel.
type Signaler interface {
	SendSignal(sig Signal) error
}

// SignalerFunc adapts a plain function to the Signaler interface.
type SignalerFunc func(sig Signal) error

func (f SignalerFunc) SendSignal(sig Signal) error { return f(sig) }

// Kind is the value of the "type" field inside every signal payload.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
	KindBusy      Kind = "busy" // callee is in another call
)

// Candidate is the standard RTCIceCandidateInit shape (W3C WebRTC).
type Candidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid,omitempty"`
	SDPMLineIndex    uint16 `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// Signal is one call-signaling message between this peer and the remote one.
type Signal struct {
	Kind      Kind
	From      string
	To        string
	SDP       string     // KindOffer, KindAnswer
	Candidate *Candidate // KindCandidate
}

// ── Wire format ─────────────────────────────────────────────────────────────
//
// The relay never interprets the inner payload; it only swaps "to" for "from"
// when forwarding:
//
//   out: {"to":"bob","signal":{"type":"offer","sdp":"v=0..."}}
//   in:  {"from":"alice","signal":{"type":"offer","sdp":"v=0..."}}

// Payload is the inner signal object.
type Payload struct {
	Type      Kind       `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Outbound is the data of an outgoing "signal" event.
type Outbound struct {
	To     string  `json:"to"`
	Signal Payload `json:"signal"`
}

// Inbound is the data of an incoming "signal" event.
type Inbound struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// EncodeOutbound builds the relay frame for sig.
func EncodeOutbound(sig Signal) Outbound {
	return Outbound{
		To: sig.To,
		Signal: Payload{
			Type:      sig.Kind,
			SDP:       sig.SDP,
			Candidate: sig.Candidate,
		},
	}
}

// DecodeInbound parses the data of an incoming "signal" event. Every failure
// wraps ErrMalformedSignal.
func DecodeInbound(raw []byte) (Signal, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if strings.TrimSpace(in.From) == "" {
		return Signal{}, fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	if len(in.Signal) == 0 {
		return Signal{}, fmt.Errorf("%w: missing signal payload", ErrMalformedSignal)
	}

	// Some clients double-encode the payload as a JSON string.
	body := []byte(in.Signal)
	var quoted string
	if json.Unmarshal(body, &quoted) == nil {
		body = []byte(quoted)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	sig := Signal{Kind: p.Type, From: in.From, SDP: p.SDP, Candidate: p.Candidate}
	switch p.Type {
	case KindOffer, KindAnswer:
		if strings.TrimSpace(p.SDP) == "" {
			return Signal{}, fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, p.Type)
		}
	case KindCandidate:
		if p.Candidate == nil {
			return Signal{}, fmt.Errorf("%w: candidate without candidate object", ErrMalformedSignal)
		}
	case KindHangup, KindBusy:
	default:
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, p.Type)
	}
	return sig, nil
}
