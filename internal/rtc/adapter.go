package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

// ConnState is the adapter's condensed view of the transport state. The
// call machine only distinguishes these five.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// EnginePopulator registers capture codecs on the media engine. The media
// device implements this; nil means default codecs only.
type EnginePopulator interface {
	PopulateEngine(*webrtc.MediaEngine)
}

// Config configures one peer connection adapter.
type Config struct {
	ICEServers []string
	Populator  EnginePopulator

	// OnCandidate receives locally gathered candidates for trickle
	// delivery to the remote peer.
	OnCandidate func(domain.ICECandidate)

	// OnStateChange receives condensed transport state transitions.
	OnStateChange func(ConnState)

	// OnRemoteTrack fires once per inbound media track.
	OnRemoteTrack func(kind string)

	// OnRenegotiationNeeded fires when the transport needs a new
	// offer/answer round (e.g. a track was added mid-call).
	OnRenegotiationNeeded func()
}

// Adapter wraps a pion PeerConnection behind the narrow surface the call
// machine needs. Remote candidates arriving before the remote description
// are buffered and flushed in arrival order, so trickle ICE racing the
// answer never loses candidates.
type Adapter struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

// New builds a peer connection from config and wires its callbacks.
func New(cfg Config) (*Adapter, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Populator != nil {
		cfg.Populator.PopulateEngine(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to register codecs", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to register interceptors", err)
	}

	// Generous ICE timeouts: the default 5s disconnectedTimeout declares a
	// brief NAT rebind a disconnect, which would burn the reconnect window
	// on non-events.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}},
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to create peer connection", err)
	}

	a := &Adapter{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		cfg.OnCandidate(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := condense(s)
		logger.Debug("peer connection state changed",
			zap.String("raw", s.String()),
			zap.String("state", string(state)))
		if state != "" && cfg.OnStateChange != nil {
			cfg.OnStateChange(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(track.Kind().String())
		}
	})

	pc.OnNegotiationNeeded(func() {
		if cfg.OnRenegotiationNeeded != nil {
			cfg.OnRenegotiationNeeded()
		}
	})

	return a, nil
}

func condense(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed
	default:
		return ""
	}
}

// AddLocalTracks attaches captured tracks to the connection. Must be
// called before CreateOffer/CreateAnswer.
func (a *Adapter) AddLocalTracks(tracks ...webrtc.TrackLocal) error {
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if _, err := a.pc.AddTrack(t); err != nil {
			return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to add local track", err)
		}
	}
	return nil
}

// AddRecvOnlyTransceivers prepares the connection to receive remote media
// when no local capture is available.
func (a *Adapter) AddRecvOnlyTransceivers(video bool) error {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		_, err := a.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to add transceiver", err)
		}
	}
	return nil
}

// CreateOffer produces the local offer SDP, waiting for ICE gathering to
// complete so the SDP carries all local candidates (trickled candidates
// still flow via OnCandidate for peers that apply them earlier).
func (a *Adapter) CreateOffer(ctx context.Context) (string, error) {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeConnectionFailed, "failed to create offer", err)
	}

	gatherDone := webrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(errors.ErrCodeConnectionFailed, "failed to set local description", err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		return "", errors.NegotiationTimeoutError()
	}
	return a.pc.LocalDescription().SDP, nil
}

// SetRemoteOffer applies the remote offer and flushes buffered candidates.
func (a *Adapter) SetRemoteOffer(sdp string) error {
	return a.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

// SetRemoteAnswer applies the remote answer and flushes buffered candidates.
func (a *Adapter) SetRemoteAnswer(sdp string) error {
	return a.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (a *Adapter) setRemote(desc webrtc.SessionDescription) error {
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to set remote description", err)
	}

	a.mu.Lock()
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, c := range pending {
		if err := a.pc.AddICECandidate(c); err != nil {
			logger.Warn("failed to apply buffered candidate", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		logger.Debug("flushed buffered candidates", zap.Int("count", len(pending)))
	}
	return nil
}

// CreateAnswer produces the local answer SDP after a remote offer was set,
// waiting for ICE gathering like CreateOffer.
func (a *Adapter) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeConnectionFailed, "failed to create answer", err)
	}

	gatherDone := webrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(errors.ErrCodeConnectionFailed, "failed to set local description", err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		return "", errors.NegotiationTimeoutError()
	}
	return a.pc.LocalDescription().SDP, nil
}

// AddRemoteCandidate applies a remote candidate, buffering it when the
// remote description has not arrived yet.
func (a *Adapter) AddRemoteCandidate(c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}

	a.mu.Lock()
	if !a.remoteSet {
		a.pending = append(a.pending, init)
		n := len(a.pending)
		a.mu.Unlock()
		logger.Debug("buffered early candidate", zap.Int("pending", n))
		return nil
	}
	a.mu.Unlock()

	if err := a.pc.AddICECandidate(init); err != nil {
		return errors.Wrap(errors.ErrCodeConnectionFailed, "failed to add candidate", err)
	}
	return nil
}

// Close tears down the peer connection. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
