package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/history"
	"peercall-backend/internal/presence"
	"peercall-backend/internal/rtc"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

type role int

const (
	roleCaller role = iota
	roleCallee
)

const mediaAcquireTimeout = 15 * time.Second

// machine drives one side of one call session. All state lives on a single
// goroutine fed by an ordered op queue; async completions (media acquire,
// SDP generation) re-enter through the queue carrying the epoch they were
// scheduled under, so anything that outlived a transition is discarded.
type machine struct {
	cfg  Config
	deps deps

	localID      string
	localProfile domain.Participant
	who          role
	sess         *domain.CallSession
	transport    Transport
	emit         func(Event)
	onFinish     func(sessionID string)

	ops  chan func()
	done chan struct{}

	// Owned by the loop goroutine.
	epoch       int
	pc          PeerConnection
	handle      MediaHandle
	remoteMedia domain.MediaState

	ringTimer      *time.Timer
	dialTimer      *time.Timer
	reconnectTimer *time.Timer
	upgradeTimer   *time.Timer
	pendingUpgrade bool
	presenceCancel func()
}

type deps struct {
	media     MediaSource
	connector PeerConnector
	history   history.Sink
	metrics   MetricsRecorder
	presence  *presence.Registry
}

type machineParams struct {
	cfg          Config
	deps         deps
	localID      string
	localProfile domain.Participant
	who          role
	sess         *domain.CallSession
	transport    Transport
	emit         func(Event)
	onFinish     func(sessionID string)
}

func newMachine(p machineParams) *machine {
	m := &machine{
		cfg:          p.cfg,
		deps:         p.deps,
		localID:      p.localID,
		localProfile: p.localProfile,
		who:          p.who,
		sess:         p.sess,
		transport:    p.transport,
		emit:         p.emit,
		onFinish:     p.onFinish,
		ops:          make(chan func(), 64),
		done:         make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *machine) loop() {
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.done:
			// Drain so callers blocked in do() get their replies.
			for {
				select {
				case op := <-m.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

// post schedules fn on the loop. Returns false once the machine is done.
func (m *machine) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (m *machine) do(fn func() error) error {
	reply := make(chan error, 1)
	if !m.post(func() { reply <- fn() }) {
		return errors.CallNotFoundError()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return errors.CallNotFoundError()
		}
	}
}

// start kicks off the side-specific opening sequence.
func (m *machine) start() {
	m.post(func() {
		if m.deps.metrics != nil {
			m.deps.metrics.IncrementActiveCalls()
		}
		m.watchRemotePresence()
		if m.who == roleCaller {
			m.startCaller()
		} else {
			m.startCallee()
		}
	})
}

func (m *machine) startCaller() {
	m.setState(domain.CallStateDialing)
	m.dialTimer = time.AfterFunc(m.cfg.DialTimeout, func() {
		m.post(m.onDialTimeout)
	})

	m.acquireMedia(func() {
		m.send(&domain.SignalingMessage{
			Type:   domain.SignalInvite,
			Kind:   m.sess.Kind,
			Caller: &m.localProfile,
		})
	})
}

func (m *machine) startCallee() {
	m.sess.State = domain.CallStateRinging
	m.epoch++
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.post(m.onRingTimeout)
	})
	m.emitEvent(EventIncomingCall, "")
}

// watchRemotePresence tears the call down when the other party drops off
// presence before the transport is carrying the call.
func (m *machine) watchRemotePresence() {
	remoteID := m.sess.RemoteID(m.localID)
	m.presenceCancel = m.deps.presence.Subscribe(remoteID, func(rec domain.PresenceRecord) {
		if rec.IsOnline {
			return
		}
		m.post(func() {
			switch m.sess.State {
			case domain.CallStateDialing:
				m.finish(domain.CallStateEnded, domain.OutcomeUnreachable, errors.UserReason(errors.ErrCodeCalleeUnreachable))
			case domain.CallStateRinging:
				m.finish(domain.CallStateEnded, domain.OutcomeCancelled, "caller went offline")
			case domain.CallStateConnecting:
				m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.ErrCodeConnectionFailed))
			}
			// Active calls ride out presence flaps; the transport state
			// and reconnect window decide their fate.
		})
	})
}

// setState applies a non-terminal transition and notifies the UI.
func (m *machine) setState(s domain.CallState) {
	m.sess.State = s
	m.epoch++
	m.emitEvent(EventStateChanged, "")
}

func (m *machine) emitEvent(t EventType, reason string) {
	m.emit(Event{Type: t, Session: *m.sess, Reason: reason})
}

// send fills in routing fields and publishes. Send failures are logged but
// do not fail the transition; timeouts on the other side cover the loss.
func (m *machine) send(msg *domain.SignalingMessage) {
	msg.SessionID = m.sess.ID
	msg.To = m.sess.RemoteID(m.localID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.transport.Send(ctx, msg); err != nil {
		logger.Warn("signal send failed",
			zap.String("session_id", m.sess.ID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

// acquireMedia opens the capture device off-loop and resumes with onReady
// once tracks are attached to the session. Partial grants downgrade the
// call to audio and warn the UI instead of failing.
func (m *machine) acquireMedia(onReady func()) {
	epoch := m.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mediaAcquireTimeout)
		defer cancel()
		h, err := m.deps.media.Acquire(ctx, m.sess.ID, m.sess.Kind)

		m.post(func() {
			if m.epoch != epoch || m.sess.State.Terminal() {
				if h != nil {
					go h.Release()
				}
				return
			}

			if err != nil {
				if errors.CodeOf(err) == errors.ErrCodePartialGrant {
					m.handle = h
					m.sess.Kind = domain.CallKindAudio
					m.sess.LocalVideoEnabled = false
					m.emitEvent(EventWarning, errors.UserReason(errors.ErrCodePartialGrant))
					onReady()
					return
				}
				m.failMedia(err)
				return
			}

			m.handle = h
			m.sess.LocalVideoEnabled = m.sess.Kind == domain.CallKindVideo
			onReady()
		})
	}()
}

// failMedia aborts the call for a local capture failure, telling the
// remote side when they are already waiting on us.
func (m *machine) failMedia(err error) {
	code := errors.CodeOf(err)
	reason := errors.UserReason(code)
	logger.Error("media acquisition failed",
		zap.String("session_id", m.sess.ID),
		zap.String("code", string(code)),
		zap.Error(err))

	switch m.sess.State {
	case domain.CallStateDialing:
		// Invite not sent yet; nothing to retract.
	case domain.CallStateConnecting:
		if m.who == roleCallee {
			m.send(&domain.SignalingMessage{Type: domain.SignalReject, Reason: string(code)})
		} else {
			m.send(&domain.SignalingMessage{Type: domain.SignalHangup, Reason: string(code)})
		}
	}
	m.finish(domain.CallStateFailed, domain.OutcomeFailed, reason)
}

// createPeerConnection builds the transport and attaches local media, or
// recv-only transceivers when capture is unavailable.
func (m *machine) createPeerConnection() error {
	pc, err := m.deps.connector.NewConnection(rtc.Config{
		ICEServers: m.cfg.ICEServers,
		OnCandidate: func(c domain.ICECandidate) {
			cand := c
			m.post(func() {
				if m.sess.State.Terminal() {
					return
				}
				m.send(&domain.SignalingMessage{Type: domain.SignalICECandidate, Candidate: &cand})
			})
		},
		OnStateChange: func(s rtc.ConnState) {
			m.post(func() { m.onConnState(s) })
		},
		OnRenegotiationNeeded: func() {
			m.post(m.onRenegotiationNeeded)
		},
	})
	if err != nil {
		return err
	}
	m.pc = pc

	if m.handle != nil {
		locals := make([]webrtc.TrackLocal, 0, 2)
		for _, t := range m.handle.Tracks() {
			if l := t.Local(); l != nil {
				locals = append(locals, l)
			}
		}
		if len(locals) > 0 {
			return pc.AddLocalTracks(locals...)
		}
	}
	return pc.AddRecvOnlyTransceivers(m.sess.Kind == domain.CallKindVideo)
}

// negotiateAsOfferer creates and sends an offer off-loop.
func (m *machine) negotiateAsOfferer() {
	epoch := m.epoch
	pc := m.pc
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		sdp, err := pc.CreateOffer(ctx)

		m.post(func() {
			if m.epoch != epoch || m.sess.State.Terminal() {
				return
			}
			if err != nil {
				m.negotiationFailed(err)
				return
			}
			m.send(&domain.SignalingMessage{Type: domain.SignalOffer, SDP: sdp})
		})
	}()
}

/// negotiationFailed routes an SDP failure: fatal while the call is being
// established, a reverted renegotiation once it is active.
func (m *machine) negotiationFailed(err error) {
	if m.sess.State == domain.CallStateActive {
		logger.Warn("renegotiation failed",
			zap.String("session_id", m.sess.ID),
			zap.Error(err))
		if m.pendingUpgrade {
			m.revertUpgrade(errors.UserReason(errors.CodeOf(err)))
		} else {
			m.emitEvent(EventWarning, "renegotiation failed")
		}
		return
	}
	m.send(&domain.SignalingMessage{Type: domain.SignalHangup, Reason: string(errors.CodeOf(err))})
	m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.CodeOf(err)))
}

// answerOffer applies a remote offer and responds off-loop.
func (m *machine) answerOffer(sdp string) {
	if m.pc == nil {
		logger.Warn("offer before peer connection, dropping", zap.String("session_id", m.sess.ID))
		return
	}
	if err := m.pc.SetRemoteOffer(sdp); err != nil {
		m.negotiationFailed(err)
		return
	}

	epoch := m.epoch
	pc := m.pc
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		sdp, err := pc.CreateAnswer(ctx)

		m.post(func() {
			if m.epoch != epoch || m.sess.State.Terminal() {
				return
			}
			if err != nil {
				m.negotiationFailed(err)
				return
			}
			m.send(&domain.SignalingMessage{Type: domain.SignalAnswer, SDP: sdp})
			m.clearUpgrade()
		})
	}()
}

func (m *machine) onConnState(s rtc.ConnState) {
	if m.sess.State.Terminal() {
		return
	}
	switch s {
	case rtc.ConnConnected:
		if m.sess.State == domain.CallStateConnecting {
			m.stopTimer(&m.dialTimer)
			now := time.Now()
			m.sess.StartedAt = &now
			m.setState(domain.CallStateActive)
		} else if m.sess.State == domain.CallStateActive && m.reconnectTimer != nil {
			m.stopTimer(&m.reconnectTimer)
			m.emitEvent(EventWarning, "connection recovered")
		}
	case rtc.ConnDisconnected:
		if m.sess.State == domain.CallStateActive && m.reconnectTimer == nil {
			m.emitEvent(EventWarning, "connection interrupted")
			m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectWindow, func() {
				m.post(func() {
					if m.sess.State == domain.CallStateActive && m.reconnectTimer != nil {
						m.send(&domain.SignalingMessage{Type: domain.SignalHangup, Reason: string(errors.ErrCodeConnectionFailed)})
						m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.ErrCodeConnectionFailed))
					}
				})
			})
		}
	case rtc.ConnFailed:
		m.send(&domain.SignalingMessage{Type: domain.SignalHangup, Reason: string(errors.ErrCodeConnectionFailed)})
		m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.ErrCodeConnectionFailed))
	}
}

// onRenegotiationNeeded restarts SDP exchange mid-call, e.g. after a track
// change. A side that just added a track generates the offer itself (a new
// local track cannot ride in an answer). For anything else the caller owns
// offers and the callee requests one, so two transports wanting
// renegotiation at once cannot collide mid-exchange.
func (m *machine) onRenegotiationNeeded() {
	if m.sess.State != domain.CallStateActive {
		return
	}
	if m.pendingUpgrade || m.who == roleCaller {
		m.negotiateAsOfferer()
		return
	}
	m.send(&domain.SignalingMessage{Type: domain.SignalRenegotiate})
}

func (m *machine) onDialTimeout() {
	switch m.sess.State {
	case domain.CallStateDialing:
		m.send(&domain.SignalingMessage{Type: domain.SignalCancel, Reason: "timeout"})
		m.finish(domain.CallStateEnded, domain.OutcomeMissed, errors.UserReason(errors.ErrCodeNegotiationTimeout))
	case domain.CallStateConnecting:
		m.send(&domain.SignalingMessage{Type: domain.SignalHangup, Reason: string(errors.ErrCodeNegotiationTimeout)})
		m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.ErrCodeNegotiationTimeout))
	}
}

func (m *machine) onRingTimeout() {
	if m.sess.State != domain.CallStateRinging {
		return
	}
	m.send(&domain.SignalingMessage{Type: domain.SignalReject, Reason: "timeout"})
	m.finish(domain.CallStateEnded, domain.OutcomeMissed, "missed call")
}

// handleSignal processes one inbound message. Runs on the loop.
func (m *machine) handleSignal(msg *domain.SignalingMessage) {
	if m.sess.State.Terminal() {
		if m.deps.metrics != nil {
			m.deps.metrics.RecordStaleSignal()
		}
		return
	}

	switch msg.Type {
	case domain.SignalAccept:
		if m.sess.State != domain.CallStateDialing {
			return
		}
		m.setState(domain.CallStateConnecting)
		if err := m.createPeerConnection(); err != nil {
			m.send(&domain.SignalingMessage{Type: domain.SignalHangup, Reason: string(errors.CodeOf(err))})
			m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.CodeOf(err)))
			return
		}
		m.negotiateAsOfferer()

	case domain.SignalReject:
		if m.sess.State != domain.CallStateDialing && m.sess.State != domain.CallStateConnecting {
			return
		}
		outcome := domain.OutcomeRejected
		reason := "call declined"
		if msg.Reason == "timeout" {
			outcome = domain.OutcomeMissed
			reason = errors.UserReason(errors.ErrCodeNegotiationTimeout)
		} else if msg.Reason == "busy" {
			reason = errors.UserReason(errors.ErrCodeAlreadyInCall)
		}
		m.finish(domain.CallStateEnded, outcome, reason)

	case domain.SignalCancel:
		if m.sess.State != domain.CallStateRinging && m.sess.State != domain.CallStateConnecting {
			return
		}
		m.finish(domain.CallStateEnded, domain.OutcomeCancelled, "caller cancelled")

	case domain.SignalOffer:
		if m.sess.State != domain.CallStateConnecting && m.sess.State != domain.CallStateActive {
			return
		}
		m.answerOffer(msg.SDP)

	case domain.SignalAnswer:
		if m.pc == nil {
			return
		}
		if err := m.pc.SetRemoteAnswer(msg.SDP); err != nil {
			m.negotiationFailed(err)
			return
		}
		m.clearUpgrade()

	case domain.SignalICECandidate:
		if m.pc == nil || msg.Candidate == nil {
			return
		}
		if err := m.pc.AddRemoteCandidate(*msg.Candidate); err != nil {
			logger.Warn("failed to add remote candidate",
				zap.String("session_id", m.sess.ID),
				zap.Error(err))
		}

	case domain.SignalHangup:
		if m.sess.StartedAt != nil {
			m.finish(domain.CallStateEnded, domain.OutcomeCompleted, "")
		} else {
			m.finish(domain.CallStateFailed, domain.OutcomeFailed, "the other side could not connect")
		}

	case domain.SignalRenegotiate:
		// The remote side wants a fresh offer from us.
		if m.sess.State == domain.CallStateActive {
			m.negotiateAsOfferer()
		}

	case domain.SignalMediaState:
		if msg.Media == nil {
			return
		}
		m.remoteMedia = *msg.Media
		rm := m.remoteMedia
		m.emit(Event{Type: EventRemoteMedia, Session: *m.sess, Media: &rm})

	case domain.SignalInvite:
		// Duplicate invite for a session we already track; drop.
	}
}

// Commands below run via do() from the HTTP layer.

func (m *machine) accept() error {
	if m.sess.State != domain.CallStateRinging {
		return errors.ValidationError("call is not ringing")
	}
	m.stopTimer(&m.ringTimer)
	m.setState(domain.CallStateConnecting)
	m.dialTimer = time.AfterFunc(m.cfg.DialTimeout, func() {
		m.post(m.onDialTimeout)
	})

	m.acquireMedia(func() {
		if err := m.createPeerConnection(); err != nil {
			m.send(&domain.SignalingMessage{Type: domain.SignalReject, Reason: string(errors.CodeOf(err))})
			m.finish(domain.CallStateFailed, domain.OutcomeFailed, errors.UserReason(errors.CodeOf(err)))
			return
		}
		m.send(&domain.SignalingMessage{Type: domain.SignalAccept})
	})
	return nil
}

func (m *machine) reject() error {
	if m.sess.State != domain.CallStateRinging {
		return errors.ValidationError("call is not ringing")
	}
	m.send(&domain.SignalingMessage{Type: domain.SignalReject})
	m.finish(domain.CallStateEnded, domain.OutcomeRejected, "")
	return nil
}

func (m *machine) cancel() error {
	if m.sess.State != domain.CallStateDialing {
		return errors.ValidationError("call is not dialing")
	}
	m.send(&domain.SignalingMessage{Type: domain.SignalCancel})
	m.finish(domain.CallStateEnded, domain.OutcomeCancelled, "")
	return nil
}

func (m *machine) hangup() error {
	switch m.sess.State {
	case domain.CallStateActive, domain.CallStateConnecting:
	default:
		return errors.ValidationError("no call in progress")
	}
	m.send(&domain.SignalingMessage{Type: domain.SignalHangup})
	if m.sess.StartedAt != nil {
		m.finish(domain.CallStateEnded, domain.OutcomeCompleted, "")
	} else {
		m.finish(domain.CallStateEnded, domain.OutcomeCancelled, "")
	}
	return nil
}

func (m *machine) setMuted(muted bool) error {
	if m.sess.State.Terminal() {
		return errors.CallNotFoundError()
	}
	if m.handle != nil {
		m.handle.SetMuted(muted)
	}
	m.sess.LocalMuted = muted
	m.sendMediaState()
	m.emitEvent(EventStateChanged, "")
	return nil
}

func (m *machine) setVideoEnabled(enabled bool) error {
	if m.sess.State.Terminal() {
		return errors.CallNotFoundError()
	}
	if m.sess.Kind != domain.CallKindVideo {
		if !enabled {
			return errors.ValidationError("not a video call")
		}
		return m.upgradeToVideo()
	}
	if m.handle != nil {
		m.handle.SetVideoEnabled(enabled)
	}
	m.sess.LocalVideoEnabled = enabled
	m.sendMediaState()
	m.emitEvent(EventStateChanged, "")
	return nil
}

// upgradeToVideo turns an active audio call into a video call: the camera
// is opened off-loop, its track attached to the transport, and the normal
// offer/answer exchange re-runs. Any failure along the way leaves the
// audio call running.
func (m *machine) upgradeToVideo() error {
	if m.sess.State != domain.CallStateActive {
		return errors.ValidationError("call is not active")
	}
	if m.handle == nil || m.pc == nil {
		return errors.ValidationError("no local media to upgrade")
	}
	if m.pendingUpgrade {
		return nil
	}
	m.pendingUpgrade = true
	m.upgradeTimer = time.AfterFunc(m.cfg.DialTimeout, func() {
		m.post(func() {
			m.revertUpgrade(errors.UserReason(errors.ErrCodeNegotiationTimeout))
		})
	})

	epoch := m.epoch
	handle := m.handle
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mediaAcquireTimeout)
		defer cancel()
		tracks, err := handle.AddVideo(ctx)

		m.post(func() {
			if m.epoch != epoch || m.sess.State.Terminal() {
				return
			}
			if err != nil {
				m.revertUpgrade(errors.UserReason(errors.CodeOf(err)))
				return
			}

			locals := make([]webrtc.TrackLocal, 0, len(tracks))
			for _, t := range tracks {
				if l := t.Local(); l != nil {
					locals = append(locals, l)
				}
			}
			if len(locals) > 0 {
				if err := m.pc.AddLocalTracks(locals...); err != nil {
					m.revertUpgrade(errors.UserReason(errors.CodeOf(err)))
					return
				}
			}

			m.sess.Kind = domain.CallKindVideo
			m.sess.LocalVideoEnabled = true
			m.sendMediaState()
			m.emitEvent(EventStateChanged, "")
			// Adding the track fires the adapter's negotiation-needed
			// callback, which runs the offer exchange.
		})
	}()
	return nil
}

// revertUpgrade restores the pre-upgrade media configuration after a
// failed mid-call renegotiation. The call itself stays up.
func (m *machine) revertUpgrade(reason string) {
	if !m.pendingUpgrade {
		return
	}
	m.pendingUpgrade = false
	m.stopTimer(&m.upgradeTimer)
	m.sess.Kind = domain.CallKindAudio
	m.sess.LocalVideoEnabled = false
	if m.handle != nil {
		m.handle.SetVideoEnabled(false)
	}
	logger.Warn("video upgrade reverted",
		zap.String("session_id", m.sess.ID),
		zap.String("reason", reason))
	m.sendMediaState()
	m.emitEvent(EventWarning, reason)
}

func (m *machine) clearUpgrade() {
	if m.pendingUpgrade {
		m.pendingUpgrade = false
		m.stopTimer(&m.upgradeTimer)
	}
}

func (m *machine) sendMediaState() {
	m.send(&domain.SignalingMessage{
		Type: domain.SignalMediaState,
		Media: &domain.MediaState{
			Muted:        m.sess.LocalMuted,
			VideoEnabled: m.sess.LocalVideoEnabled,
		},
	})
}

func (m *machine) snapshot() domain.CallSession {
	return *m.sess
}

func (m *machine) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// finish is the single terminal path: it settles the session, releases
// every held resource, records history and metrics, and stops the loop.
// Idempotent via the terminal-state guard.
func (m *machine) finish(state domain.CallState, outcome domain.CallOutcome, reason string) {
	if m.sess.State.Terminal() {
		return
	}
	m.epoch++
	m.stopTimer(&m.ringTimer)
	m.stopTimer(&m.dialTimer)
	m.stopTimer(&m.reconnectTimer)
	m.stopTimer(&m.upgradeTimer)

	if state == domain.CallStateEnded {
		m.sess.State = domain.CallStateEnding
		m.emitEvent(EventStateChanged, "")
	}

	now := time.Now()
	m.sess.EndedAt = &now
	m.sess.State = state
	m.sess.Outcome = outcome
	m.sess.LastError = reason

	if m.pc != nil {
		pc := m.pc
		m.pc = nil
		go pc.Close()
	}
	if m.handle != nil {
		h := m.handle
		m.handle = nil
		go h.Release()
	}
	if m.presenceCancel != nil {
		m.presenceCancel()
		m.presenceCancel = nil
	}
	m.deps.presence.ClearInCall(m.localID, m.sess.ID)

	m.deps.history.Record(&domain.CallRecord{
		SessionID: m.sess.ID,
		CallerID:  m.sess.CallerID,
		CalleeID:  m.sess.CalleeID,
		Kind:      m.sess.Kind,
		StartedAt: m.sess.StartedAt,
		EndedAt:   now,
		Outcome:   outcome,
	})

	if m.deps.metrics != nil {
		m.deps.metrics.DecrementActiveCalls()
		m.deps.metrics.RecordCall(string(m.sess.Kind), string(outcome))
		if outcome == domain.OutcomeCompleted && m.sess.StartedAt != nil {
			m.deps.metrics.RecordCallDuration(string(m.sess.Kind), now.Sub(*m.sess.StartedAt))
		}
		if state == domain.CallStateFailed {
			m.deps.metrics.RecordCallFailure(string(m.sess.Kind), reason)
		}
	}

	logger.Info("call finished",
		zap.String("session_id", m.sess.ID),
		zap.String("state", string(state)),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason))

	m.emitEvent(EventStateChanged, reason)
	m.onFinish(m.sess.ID)
	close(m.done)
}
