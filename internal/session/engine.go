package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/history"
	"peercall-backend/internal/identity"
	"peercall-backend/internal/presence"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

const eventBuffer = 32

// Engine is the service-level entry point for call sessions. It owns one
// signaling channel and one event stream per attached user and one machine
// per live call side, and routes everything between them.
type Engine struct {
	cfg        Config
	bus        signaling.Bus
	presence   *presence.Registry
	media      MediaSource
	connector  PeerConnector
	directory  identity.Directory
	history    history.Sink
	metrics    MetricsRecorder
	sigMetrics signaling.MetricsRecorder

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	channel  *signaling.Channel
	events   chan Event
	machines map[string]*machine
}

// EngineParams bundles the engine's collaborators.
type EngineParams struct {
	Config     Config
	Bus        signaling.Bus
	Presence   *presence.Registry
	Media      MediaSource
	Connector  PeerConnector
	Directory  identity.Directory
	History    history.Sink
	Metrics    MetricsRecorder
	SigMetrics signaling.MetricsRecorder
}

// NewEngine creates a call engine. History defaults to a no-op sink and
// Directory to an empty in-memory one when omitted.
func NewEngine(p EngineParams) *Engine {
	if p.History == nil {
		p.History = history.NopSink{}
	}
	if p.Directory == nil {
		p.Directory = identity.NewStaticDirectory()
	}
	return &Engine{
		cfg:        p.Config,
		bus:        p.Bus,
		presence:   p.Presence,
		media:      p.Media,
		connector:  p.Connector,
		directory:  p.Directory,
		history:    p.History,
		metrics:    p.Metrics,
		sigMetrics: p.SigMetrics,
		users:      make(map[string]*userState),
	}
}

// userStateLocked returns (creating if needed) the state for a user,
// opening their signaling channel. Caller holds e.mu.
func (e *Engine) userStateLocked(ctx context.Context, userID string) (*userState, error) {
	us, ok := e.users[userID]
	if ok {
		return us, nil
	}

	us = &userState{machines: make(map[string]*machine)}
	us.channel = signaling.NewChannel(e.bus, userID, func(msg *domain.SignalingMessage) {
		e.route(userID, msg)
	}, e.sigMetrics)
	if err := us.channel.Open(ctx); err != nil {
		return nil, err
	}
	e.users[userID] = us
	return us, nil
}

// Attach connects a user: opens their signaling channel, marks them
// online, and returns their UI event stream. Re-attaching replaces the
// previous event stream.
func (e *Engine) Attach(ctx context.Context, userID string) (<-chan Event, error) {
	e.mu.Lock()
	us, err := e.userStateLocked(ctx, userID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if us.events != nil {
		close(us.events)
	}
	us.events = make(chan Event, eventBuffer)
	events := us.events
	e.mu.Unlock()

	e.presence.SetOnline(ctx, userID)
	logger.Info("user attached", zap.String("user_id", userID))
	return events, nil
}

// Detach marks the user offline and tears down their streams. Live call
// machines keep running so a quick reconnect resumes an in-flight call;
// their timers bound how long that grace lasts.
func (e *Engine) Detach(ctx context.Context, userID string) {
	e.mu.Lock()
	us, ok := e.users[userID]
	if ok {
		if us.events != nil {
			close(us.events)
			us.events = nil
		}
		if len(us.machines) == 0 {
			delete(e.users, userID)
		}
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	us.channel.Close()
	e.presence.SetOffline(ctx, userID)
	logger.Info("user detached", zap.String("user_id", userID))
}

// Heartbeat refreshes the user's presence liveness.
func (e *Engine) Heartbeat(ctx context.Context, userID string) {
	e.presence.Heartbeat(ctx, userID)
}

// Dial starts an outgoing call and returns the new session in Dialing
// state. Fails fast with ALREADY_IN_CALL or, for an offline callee,
// CALLEE_UNREACHABLE before any device or network work happens. A callee
// who is online but already in a call still gets the Invite: their engine
// auto-rejects it busy (or resolves glare), which keeps the outcome
// consistent whether the conflicting call lives here or on another
// instance.
func (e *Engine) Dial(ctx context.Context, callerID, calleeID string, kind domain.CallKind) (domain.CallSession, error) {
	if !kind.Valid() {
		return domain.CallSession{}, errors.ValidationError("invalid call kind")
	}
	if callerID == calleeID {
		return domain.CallSession{}, errors.ValidationError("cannot call yourself")
	}

	sessionID := uuid.New().String()

	if err := e.presence.MarkInCall(callerID, sessionID); err != nil {
		return domain.CallSession{}, err
	}
	if !e.presence.Get(calleeID).IsOnline {
		e.presence.ClearInCall(callerID, sessionID)
		now := time.Now()
		e.history.Record(&domain.CallRecord{
			SessionID: sessionID,
			CallerID:  callerID,
			CalleeID:  calleeID,
			Kind:      kind,
			EndedAt:   now,
			Outcome:   domain.OutcomeUnreachable,
		})
		if e.metrics != nil {
			e.metrics.RecordCall(string(kind), string(domain.OutcomeUnreachable))
		}
		return domain.CallSession{}, errors.CalleeUnreachableError()
	}

	callerProfile, _ := e.directory.Lookup(ctx, callerID)
	calleeProfile, _ := e.directory.Lookup(ctx, calleeID)

	sess := &domain.CallSession{
		ID:                sessionID,
		CallerID:          callerID,
		CalleeID:          calleeID,
		Kind:              kind,
		State:             domain.CallStateIdle,
		RemoteParticipant: calleeProfile,
	}

	e.mu.Lock()
	us, err := e.userStateLocked(ctx, callerID)
	if err != nil {
		e.mu.Unlock()
		e.presence.ClearInCall(callerID, sessionID)
		return domain.CallSession{}, err
	}
	m := e.newMachineLocked(us, callerID, callerProfile, roleCaller, sess)
	e.mu.Unlock()

	logger.Info("dialing",
		zap.String("session_id", sessionID),
		zap.String("caller_id", callerID),
		zap.String("callee_id", calleeID),
		zap.String("kind", string(kind)))

	m.start()
	return *sess, nil
}

// newMachineLocked registers and builds a machine. Caller holds e.mu.
func (e *Engine) newMachineLocked(us *userState, userID string, profile domain.Participant, who role, sess *domain.CallSession) *machine {
	m := newMachine(machineParams{
		cfg: e.cfg,
		deps: deps{
			media:     e.media,
			connector: e.connector,
			history:   e.history,
			metrics:   e.metrics,
			presence:  e.presence,
		},
		localID:      userID,
		localProfile: profile,
		who:          who,
		sess:         sess,
		transport:    us.channel,
		emit:         func(ev Event) { e.deliver(userID, ev) },
		onFinish:     func(sessionID string) { e.removeMachine(userID, sessionID) },
	})
	us.machines[sess.ID] = m
	return m
}

func (e *Engine) removeMachine(userID, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if us, ok := e.users[userID]; ok {
		delete(us.machines, sessionID)
	}
}

// deliver pushes an event to the user's UI stream, dropping when nobody
// is draining it; the stream is advisory, state lives in the machines.
// The send happens under e.mu (it never blocks) so it cannot race a
// Detach closing the channel.
func (e *Engine) deliver(userID string, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	us, ok := e.users[userID]
	if !ok || us.events == nil {
		return
	}
	select {
	case us.events <- ev:
	default:
		logger.Warn("event stream full, dropping event",
			zap.String("user_id", userID),
			zap.String("type", string(ev.Type)))
	}
}

// route dispatches an inbound signaling message for userID.
func (e *Engine) route(userID string, msg *domain.SignalingMessage) {
	e.mu.Lock()
	us, ok := e.users[userID]
	var m *machine
	if ok {
		m = us.machines[msg.SessionID]
	}
	e.mu.Unlock()

	if m != nil {
		m.post(func() { m.handleSignal(msg) })
		return
	}

	if msg.Type == domain.SignalInvite {
		e.handleInvite(userID, msg)
		return
	}

	if e.metrics != nil {
		e.metrics.RecordStaleSignal()
	}
	logger.Debug("dropping signal for unknown session",
		zap.String("user_id", userID),
		zap.String("session_id", msg.SessionID),
		zap.String("type", string(msg.Type)))
}

// handleInvite admits (or refuses) a new incoming call. When both users
// dial each other at once, glare resolves deterministically on both sides
// without extra signaling: the invite with the lexicographically smaller
// session ID survives, the other is abandoned locally.
func (e *Engine) handleInvite(userID string, msg *domain.SignalingMessage) {
	e.mu.Lock()
	us, ok := e.users[userID]
	if !ok {
		e.mu.Unlock()
		return
	}

	var glareLoser *machine
	for _, m := range us.machines {
		sess := m.sess
		if m.who == roleCaller && sess.CalleeID == msg.From {
			if msg.SessionID < sess.ID {
				glareLoser = m
			} else {
				// Our invite wins; the peer applies the same rule to it
				// and abandons theirs.
				e.mu.Unlock()
				logger.Info("glare: dropping losing invite",
					zap.String("session_id", msg.SessionID),
					zap.String("kept", sess.ID))
				return
			}
			break
		}
	}
	e.mu.Unlock()

	if glareLoser != nil {
		logger.Info("glare: abandoning own invite",
			zap.String("abandoned", glareLoser.sess.ID),
			zap.String("kept", msg.SessionID))
		// Free the reservation now; the loser tears down on its own loop,
		// too late for the MarkInCall below. Its finish re-clears with the
		// abandoned session ID, which is a no-op by then.
		e.presence.ClearInCall(userID, glareLoser.sess.ID)
		glareLoser.post(func() {
			glareLoser.finish(domain.CallStateEnded, domain.OutcomeGlare, "simultaneous call")
		})
	}

	if err := e.presence.MarkInCall(userID, msg.SessionID); err != nil {
		e.sendReject(userID, msg, "busy")
		return
	}

	caller := domain.Participant{ID: msg.From, DisplayName: msg.From}
	if msg.Caller != nil {
		caller = *msg.Caller
	}

	sess := &domain.CallSession{
		ID:                msg.SessionID,
		CallerID:          msg.From,
		CalleeID:          userID,
		Kind:              msg.Kind,
		State:             domain.CallStateIdle,
		RemoteParticipant: caller,
	}

	e.mu.Lock()
	us, ok = e.users[userID]
	if !ok {
		e.mu.Unlock()
		e.presence.ClearInCall(userID, msg.SessionID)
		return
	}
	localProfile, _ := e.directory.Lookup(context.Background(), userID)
	m := e.newMachineLocked(us, userID, localProfile, roleCallee, sess)
	e.mu.Unlock()

	logger.Info("incoming call",
		zap.String("session_id", sess.ID),
		zap.String("caller_id", sess.CallerID),
		zap.String("callee_id", userID),
		zap.String("kind", string(sess.Kind)))

	m.start()
}

func (e *Engine) sendReject(userID string, invite *domain.SignalingMessage, reason string) {
	e.mu.Lock()
	us, ok := e.users[userID]
	e.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	us.channel.Send(ctx, &domain.SignalingMessage{
		Type:      domain.SignalReject,
		SessionID: invite.SessionID,
		To:        invite.From,
		Reason:    reason,
	})
}

func (e *Engine) machine(userID, sessionID string) (*machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	us, ok := e.users[userID]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	m, ok := us.machines[sessionID]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	return m, nil
}

// Accept answers a ringing incoming call.
func (e *Engine) Accept(_ context.Context, userID, sessionID string) error {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return err
	}
	return m.do(m.accept)
}

// Reject declines a ringing incoming call.
func (e *Engine) Reject(_ context.Context, userID, sessionID string) error {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return err
	}
	return m.do(m.reject)
}

// Cancel withdraws an outgoing call that has not been answered.
func (e *Engine) Cancel(_ context.Context, userID, sessionID string) error {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return err
	}
	return m.do(m.cancel)
}

// Hangup ends a connecting or active call.
func (e *Engine) Hangup(_ context.Context, userID, sessionID string) error {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return err
	}
	return m.do(m.hangup)
}

// SetMuted toggles the local microphone and mirrors the flag to the peer.
func (e *Engine) SetMuted(_ context.Context, userID, sessionID string, muted bool) error {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return err
	}
	return m.do(func() error { return m.setMuted(muted) })
}

// SetVideoEnabled toggles the local camera and mirrors the flag to the peer.
func (e *Engine) SetVideoEnabled(_ context.Context, userID, sessionID string, enabled bool) error {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return err
	}
	return m.do(func() error { return m.setVideoEnabled(enabled) })
}

// Session returns a point-in-time copy of one of the user's sessions.
func (e *Engine) Session(userID, sessionID string) (domain.CallSession, error) {
	m, err := e.machine(userID, sessionID)
	if err != nil {
		return domain.CallSession{}, err
	}
	var snap domain.CallSession
	if err := m.do(func() error {
		snap = m.snapshot()
		return nil
	}); err != nil {
		return domain.CallSession{}, err
	}
	return snap, nil
}

// Sessions lists the user's live sessions.
func (e *Engine) Sessions(userID string) []domain.CallSession {
	e.mu.Lock()
	us, ok := e.users[userID]
	var machines []*machine
	if ok {
		machines = make([]*machine, 0, len(us.machines))
		for _, m := range us.machines {
			machines = append(machines, m)
		}
	}
	e.mu.Unlock()

	out := make([]domain.CallSession, 0, len(machines))
	for _, m := range machines {
		var snap domain.CallSession
		if err := m.do(func() error {
			snap = m.snapshot()
			return nil
		}); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Close hangs up every live call and detaches every user. Used on
// shutdown.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	userIDs := make([]string, 0, len(e.users))
	for id := range e.users {
		userIDs = append(userIDs, id)
	}
	e.mu.Unlock()

	for _, userID := range userIDs {
		for _, sess := range e.Sessions(userID) {
			if !sess.State.Terminal() {
				switch sess.State {
				case domain.CallStateDialing:
					e.Cancel(ctx, userID, sess.ID)
				case domain.CallStateRinging:
					e.Reject(ctx, userID, sess.ID)
				default:
					e.Hangup(ctx, userID, sess.ID)
				}
			}
		}
		e.Detach(ctx, userID)
	}
}
