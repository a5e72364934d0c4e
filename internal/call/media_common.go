package call

import (
	"github.com/pion/webrtc/v4"
)

// trackSource is implemented by capture handles that can feed a peer
// connection.
type trackSource interface {
	LocalTracks() []webrtc.TrackLocal
}

// addRecvOnlyTransceivers adds a recvonly transceiver for every kind the
// local side does not send, so offers and answers always carry audio and
// video m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, sending map[webrtc.RTPCodecType]bool) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if sending[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}
