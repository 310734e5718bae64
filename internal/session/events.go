package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
	"peercall-backend/internal/rtc"
)

// EventType labels the events pushed to the local user's UI stream.
type EventType string

const (
	// EventIncomingCall announces a new ringing session on the callee side.
	EventIncomingCall EventType = "incoming_call"
	// EventStateChanged carries every call state transition.
	EventStateChanged EventType = "state_changed"
	// EventRemoteMedia mirrors the remote party's mute/video flags.
	EventRemoteMedia EventType = "remote_media"
	// EventWarning surfaces non-fatal conditions (partial media grant,
	// transient disconnects) without a state change.
	EventWarning EventType = "warning"
)

// Event is one UI notification. Session is a point-in-time copy; the
// receiver must not expect later mutations to show through.
type Event struct {
	Type    EventType          `json:"type"`
	Session domain.CallSession `json:"session"`
	Media   *domain.MediaState `json:"media,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// Config carries the call timing knobs and ICE configuration.
type Config struct {
	RingTimeout     time.Duration
	DialTimeout     time.Duration
	ReconnectWindow time.Duration
	ICEServers      []string
}

// MediaHandle is a call's claim on local capture. Satisfied by
// media.Handle.
type MediaHandle interface {
	Kind() domain.CallKind
	Tracks() []media.Track
	AddVideo(ctx context.Context) ([]media.Track, error)
	SetMuted(muted bool)
	SetVideoEnabled(enabled bool)
	Release()
}

// MediaSource acquires capture handles for call sessions.
type MediaSource interface {
	Acquire(ctx context.Context, sessionID string, kind domain.CallKind) (MediaHandle, error)
}

// ManagerSource adapts media.Manager to MediaSource.
type ManagerSource struct {
	Manager *media.Manager
}

// Acquire forwards to the manager, keeping a nil handle nil across the
// interface boundary.
func (s ManagerSource) Acquire(ctx context.Context, sessionID string, kind domain.CallKind) (MediaHandle, error) {
	h, err := s.Manager.Acquire(ctx, sessionID, kind)
	if h == nil {
		return nil, err
	}
	return h, err
}

// Transport sends signaling messages on behalf of the local user.
// Implemented by signaling.Channel.
type Transport interface {
	Send(ctx context.Context, msg *domain.SignalingMessage) error
}

// PeerConnection is the slice of the transport adapter the call machine
// drives. Implemented by rtc.Adapter.
type PeerConnection interface {
	AddLocalTracks(tracks ...webrtc.TrackLocal) error
	AddRecvOnlyTransceivers(video bool) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddRemoteCandidate(c domain.ICECandidate) error
	Close() error
}

// PeerConnector builds peer connections. Swappable in tests.
type PeerConnector interface {
	NewConnection(cfg rtc.Config) (PeerConnection, error)
}

// AdapterConnector is the production connector backed by rtc.New.
type AdapterConnector struct {
	Populator rtc.EnginePopulator
}

// NewConnection builds an rtc.Adapter with the capture codecs attached.
func (c AdapterConnector) NewConnection(cfg rtc.Config) (PeerConnection, error) {
	if cfg.Populator == nil {
		cfg.Populator = c.Populator
	}
	return rtc.New(cfg)
}

// MetricsRecorder is the slice of the metrics surface the engine and its
// machines touch. A nil recorder disables recording.
type MetricsRecorder interface {
	RecordCall(kind, outcome string)
	IncrementActiveCalls()
	DecrementActiveCalls()
	RecordCallDuration(kind string, duration time.Duration)
	RecordCallFailure(kind, reason string)
	RecordStaleSignal()
}
