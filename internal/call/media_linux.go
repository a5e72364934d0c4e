//go:build linux && cgo

package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func newPlatformMedia() (MediaSource, func(*webrtc.MediaEngine) error, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	register := func(me *webrtc.MediaEngine) error {
		selector.Populate(me)
		return nil
	}
	return &DeviceSource{selector: selector}, register, nil
}

type captureAttempt struct {
	video bool
	audio bool
	label string
}

func attemptsFor(c Constraints) []captureAttempt {
	var out []captureAttempt
	if c.Video && c.Audio {
		out = append(out, captureAttempt{true, true, "video+audio"})
	}
	if c.Video {
		out = append(out, captureAttempt{true, false, "video-only"})
	}
	if c.Audio {
		out = append(out, captureAttempt{false, true, "audio-only"})
	}
	return out
}

// Acquire opens the devices. GetUserMedia fails as a unit when either track
// cannot be opened, so a missing microphone falls back to video only and
// vice versa.
func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (MediaStream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", ErrMediaUnavailable)
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	var lastErr error
	for _, a := range attemptsFor(c) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames break the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		if broken := probeVideo(tracks); broken != nil {
			log.Warnf("video track broken, skipping attempt (%s): %v", a.label, broken)
			for _, t := range tracks {
				t.Close()
			}
			lastErr = broken
			continue
		}

		ds := &deviceStream{id: uuid.NewString(), tracks: tracks}
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track of %s ended: %v", ds.id, err)
				}
			})
		}
		log.Infof("local media captured (%s): %d tracks", a.label, len(tracks))
		return ds, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no tracks requested")
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}

// probeVideo opens and closes a VP8 reader on each video track to catch an
// encoder that cannot start before it poisons negotiation.
func probeVideo(tracks []mediadevices.Track) error {
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			return err
		}
		r.Close()
	}
	return nil
}

type deviceStream struct {
	id     string
	tracks []mediadevices.Track
}

func (s *deviceStream) ID() string { return s.id }

func (s *deviceStream) LocalTracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() error {
	var first error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
