package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

// TrackKind distinguishes the two local capture tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local capture track attached to a call. SetEnabled toggles
// whether the track contributes media; the device stays acquired either way
// so unmute is instant.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Local() webrtc.TrackLocal
	Close() error
}

// CaptureDevice opens OS capture devices and hands back local tracks.
// Implementations return pkg/errors codes for permission, missing-device
// and busy-device failures. When video is requested but only audio can be
// captured, the audio tracks are returned together with a PARTIAL_GRANT
// error so the caller can choose to downgrade or abort.
type CaptureDevice interface {
	Acquire(ctx context.Context, kind domain.CallKind) ([]Track, error)
	// AcquireVideo opens the camera alone, for upgrading an audio call
	// mid-flight.
	AcquireVideo(ctx context.Context) ([]Track, error)
}

// Handle represents one call's claim on the capture device. All track
// toggles go through the handle; Release is idempotent.
type Handle struct {
	mu        sync.Mutex
	sessionID string
	kind      domain.CallKind
	tracks    []Track
	released  bool
	manager   *Manager
}

// SessionID returns the owning call session's ID.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// Kind returns the granted media kind, which may be audio even for a video
// call when the grant was partial and the caller chose to downgrade.
func (h *Handle) Kind() domain.CallKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kind
}

// Tracks returns the live tracks. The slice is shared; callers must not
// mutate it.
func (h *Handle) Tracks() []Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracks
}

func (h *Handle) trackOf(kind TrackKind) Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// SetMuted toggles the audio track without releasing the device.
func (h *Handle) SetMuted(muted bool) {
	if t := h.trackOf(TrackAudio); t != nil {
		t.SetEnabled(!muted)
	}
}

// SetVideoEnabled toggles the video track without releasing the device.
// No-op on audio-only handles.
func (h *Handle) SetVideoEnabled(enabled bool) {
	if t := h.trackOf(TrackVideo); t != nil {
		t.SetEnabled(enabled)
	}
}

// AddVideo attaches a camera track to an audio handle, upgrading it to
// video. The handle is unchanged on failure. Returns the new tracks, or
// nil when video is already attached.
func (h *Handle) AddVideo(ctx context.Context) ([]Track, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, errors.InternalError("media handle already released")
	}
	for _, t := range h.tracks {
		if t.Kind() == TrackVideo {
			h.mu.Unlock()
			return nil, nil
		}
	}
	device := h.manager.device
	h.mu.Unlock()

	tracks, err := device.AcquireVideo(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		for _, t := range tracks {
			t.Close()
		}
		return nil, errors.InternalError("media handle already released")
	}
	h.tracks = append(h.tracks, tracks...)
	h.kind = domain.CallKindVideo
	h.mu.Unlock()

	logger.Info("capture upgraded to video", zap.String("session_id", h.sessionID))
	return tracks, nil
}

// Release closes all tracks and frees the device claim. Safe to call more
// than once.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	tracks := h.tracks
	h.tracks = nil
	h.mu.Unlock()

	for _, t := range tracks {
		if err := t.Close(); err != nil {
			logger.Warn("failed to close capture track",
				zap.String("session_id", h.sessionID),
				zap.String("track_kind", string(t.Kind())),
				zap.Error(err))
		}
	}
	h.manager.release(h)
}

// Manager owns the single capture device claim. At most one call session
// holds the device at a time; a second acquire fails with DEVICE_BUSY
// rather than queueing.
type Manager struct {
	mu     sync.Mutex
	device CaptureDevice
	owner  *Handle
}

// NewManager creates a media session manager over a capture device.
func NewManager(device CaptureDevice) *Manager {
	return &Manager{device: device}
}

// Acquire claims the capture device for sessionID. On a partial grant the
// returned handle carries the downgraded (audio) tracks alongside a
// PARTIAL_GRANT error; the caller decides whether to keep or release it.
func (m *Manager) Acquire(ctx context.Context, sessionID string, kind domain.CallKind) (*Handle, error) {
	m.mu.Lock()
	if m.owner != nil {
		if m.owner.sessionID == sessionID {
			owner := m.owner
			m.mu.Unlock()
			return owner, nil
		}
		m.mu.Unlock()
		return nil, errors.DeviceBusyError(nil)
	}
	// Reserve before the (slow) device open so a concurrent acquire for
	// another session fails fast instead of double-opening the device.
	placeholder := &Handle{sessionID: sessionID, manager: m}
	m.owner = placeholder
	m.mu.Unlock()

	tracks, err := m.device.Acquire(ctx, kind)
	if err != nil && errors.CodeOf(err) != errors.ErrCodePartialGrant {
		m.mu.Lock()
		if m.owner == placeholder {
			m.owner = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	grantedKind := kind
	if err != nil {
		grantedKind = domain.CallKindAudio
	}

	placeholder.mu.Lock()
	placeholder.kind = grantedKind
	placeholder.tracks = tracks
	placeholder.mu.Unlock()

	logger.Info("capture device acquired",
		zap.String("session_id", sessionID),
		zap.String("requested_kind", string(kind)),
		zap.String("granted_kind", string(grantedKind)))

	// err is nil or the PARTIAL_GRANT marker.
	return placeholder, err
}

// Holder returns the session ID currently holding the device, or "".
func (m *Manager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return ""
	}
	return m.owner.sessionID
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == h {
		m.owner = nil
		logger.Info("capture device released", zap.String("session_id", h.sessionID))
	}
}
