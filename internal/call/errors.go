package call

import "errors"

var (
	ErrMediaUnavailable   = errors.New("local media unavailable")
	ErrMalformedSignal    = errors.New("malformed signal")
	ErrBusy               = errors.New("remote peer is busy")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrAlreadyInCall      = errors.New("already in a call")
	ErrNoActiveCall       = errors.New("no active call")
	ErrTransportFailed    = errors.New("peer connection failed")
	ErrInvalidTransition  = errors.New("invalid call transition")
	ErrInvalidPeer        = errors.New("invalid remote peer")
	ErrClosed             = errors.New("call manager closed")
)
