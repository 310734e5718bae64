//go:build linux

package media

import (
	"context"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

// Device captures camera and microphone via pion/mediadevices (V4L2 and
// malgo on Linux), encoding VP8 and Opus.
type Device struct {
	selector *mediadevices.CodecSelector
}

// NewDevice builds the capture device with its codec selector.
func NewDevice() (*Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to create VP8 encoder params", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to create Opus encoder params", err)
	}

	return &Device{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the capture codecs on a WebRTC media engine so
// the peer connection can carry the captured tracks.
func (d *Device) PopulateEngine(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

// Acquire opens the requested capture tracks. For a video call it falls
// back to audio-only and reports PARTIAL_GRANT when the camera cannot be
// opened but the microphone can.
func (d *Device) Acquire(ctx context.Context, kind domain.CallKind) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if kind == domain.CallKindVideo {
		tracks, err := d.open(true, true)
		if err == nil {
			return tracks, nil
		}
		logger.Warn("video capture failed, retrying audio-only", zap.Error(err))

		tracks, audioErr := d.open(true, false)
		if audioErr != nil {
			return nil, classifyCaptureError(audioErr)
		}
		return tracks, errors.PartialGrantError()
	}

	tracks, err := d.open(true, false)
	if err != nil {
		return nil, classifyCaptureError(err)
	}
	return tracks, nil
}

// AcquireVideo opens the camera alone, used when an audio call upgrades
// to video mid-flight.
func (d *Device) AcquireVideo(ctx context.Context) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tracks, err := d.open(false, true)
	if err != nil {
		return nil, classifyCaptureError(err)
	}
	return tracks, nil
}

func (d *Device) open(withAudio, withVideo bool) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
	}
	if withAudio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG V4L2 nodes on some cameras emit malformed frames that
			// poison the VP8 encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640x480 to bound VP8 encoding latency.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	raw := stream.GetTracks()
	tracks := make([]Track, 0, len(raw))
	for _, t := range raw {
		kind := TrackAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = TrackVideo
		}
		t.OnEnded(func(err error) {
			if err != nil {
				logger.Warn("local capture track ended", zap.Error(err))
			}
		})
		tracks = append(tracks, &localTrack{inner: t, kind: kind, enabled: true})
	}
	return tracks, nil
}

// classifyCaptureError maps raw platform errors onto the media error codes
// surfaced to the UI.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return errors.PermissionDeniedError(err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "resource unavailable"):
		return errors.DeviceBusyError(err)
	default:
		return errors.DeviceNotFoundError(err)
	}
}

// localTrack adapts a mediadevices track to the Track interface, adding the
// enabled flag the underlying library does not carry.
type localTrack struct {
	mu      sync.Mutex
	inner   mediadevices.Track
	kind    TrackKind
	enabled bool
}

func (t *localTrack) ID() string {
	return t.inner.ID()
}

func (t *localTrack) Kind() TrackKind {
	return t.kind
}

func (t *localTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) Local() webrtc.TrackLocal {
	return t.inner
}

func (t *localTrack) Close() error {
	return t.inner.Close()
}
