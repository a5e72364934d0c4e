//go:build !linux || !cgo

package call

import (
	"github.com/pion/webrtc/v4"
)

// Camera and microphone capture via pion/mediadevices needs the V4L2/malgo
// drivers; elsewhere calls negotiate with the default codecs and capture is
// reported unavailable.
func newPlatformMedia() (MediaSource, func(*webrtc.MediaEngine) error, error) {
	register := func(me *webrtc.MediaEngine) error {
		return me.RegisterDefaultCodecs()
	}
	return unavailableSource{reason: "capture is only supported on linux"}, register, nil
}
