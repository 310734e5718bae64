package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/identity"
	"peercall-backend/internal/media"
	"peercall-backend/internal/presence"
	"peercall-backend/internal/rtc"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/errors"
)

// --- fakes ---------------------------------------------------------------

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    media.TrackKind
	local   webrtc.TrackLocal
	enabled bool
}

func newFakeVideoTrack(t *testing.T) *fakeTrack {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "peercall")
	require.NoError(t, err)
	return &fakeTrack{id: "fake-video", kind: media.TrackVideo, local: local, enabled: true}
}

func (t *fakeTrack) ID() string            { return t.id }
func (t *fakeTrack) Kind() media.TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Local() webrtc.TrackLocal { return t.local }
func (t *fakeTrack) Close() error             { return nil }

type fakeHandle struct {
	mu         sync.Mutex
	kind       domain.CallKind
	muted      bool
	video      bool
	released   bool
	videoErr   error
	videoTrack media.Track
}

func (h *fakeHandle) Kind() domain.CallKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kind
}

func (h *fakeHandle) Tracks() []media.Track { return nil }

func (h *fakeHandle) AddVideo(context.Context) ([]media.Track, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.videoErr != nil {
		return nil, h.videoErr
	}
	h.kind = domain.CallKindVideo
	if h.videoTrack != nil {
		return []media.Track{h.videoTrack}, nil
	}
	return nil, nil
}

func (h *fakeHandle) SetMuted(muted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = muted
}

func (h *fakeHandle) SetVideoEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.video = enabled
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
}

// fakeMedia hands out independent handles per session, unlike the real
// single-device manager, so both parties can run in one test process.
type fakeMedia struct {
	mu         sync.Mutex
	err        error
	partial    bool
	delay      time.Duration
	videoErr   error
	videoTrack media.Track
	handles    map[string]*fakeHandle
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{handles: make(map[string]*fakeHandle)}
}

func (f *fakeMedia) Acquire(_ context.Context, sessionID string, kind domain.CallKind) (MediaHandle, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.partial && kind == domain.CallKindVideo {
		h := &fakeHandle{kind: domain.CallKindAudio}
		f.handles[sessionID] = h
		return h, errors.PartialGrantError()
	}
	h := &fakeHandle{kind: kind, videoErr: f.videoErr, videoTrack: f.videoTrack}
	f.handles[sessionID] = h
	return h, nil
}

type fakeConn struct {
	cfg rtc.Config

	mu           sync.Mutex
	localTracks  []webrtc.TrackLocal
	remoteOffer  string
	remoteAnswer string
	offerCount   int
	candidates   []domain.ICECandidate
	closed       bool
}

// AddLocalTracks raises the negotiation-needed callback the way the real
// adapter does when a track lands on an established connection.
func (c *fakeConn) AddLocalTracks(tracks ...webrtc.TrackLocal) error {
	c.mu.Lock()
	c.localTracks = append(c.localTracks, tracks...)
	renegotiate := c.cfg.OnRenegotiationNeeded
	c.mu.Unlock()
	if renegotiate != nil {
		go renegotiate()
	}
	return nil
}

func (c *fakeConn) stateChange(s rtc.ConnState) { c.cfg.OnStateChange(s) }

func (c *fakeConn) CreateOffer(context.Context) (string, error)  { return "offer-sdp", nil }
func (c *fakeConn) CreateAnswer(context.Context) (string, error) { return "answer-sdp", nil }

func (c *fakeConn) SetRemoteOffer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteOffer = sdp
	c.offerCount++
	return nil
}

func (c *fakeConn) SetRemoteAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAnswer = sdp
	return nil
}

func (c *fakeConn) AddRemoteCandidate(cand domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) AddRecvOnlyTransceivers(bool) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeConnector) NewConnection(cfg rtc.Config) (PeerConnection, error) {
	c := &fakeConn{cfg: cfg}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type captureSink struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func (s *captureSink) Record(rec *domain.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
}

func (s *captureSink) outcomes(sessionID string) []domain.CallOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallOutcome
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r.Outcome)
		}
	}
	return out
}

type fakeEngineMetrics struct {
	mu     sync.Mutex
	calls  map[string]int
	active int
	stale  int
	failed int
}

func newFakeEngineMetrics() *fakeEngineMetrics {
	return &fakeEngineMetrics{calls: make(map[string]int)}
}

func (m *fakeEngineMetrics) RecordCall(kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[kind+"/"+outcome]++
}

func (m *fakeEngineMetrics) IncrementActiveCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
}

func (m *fakeEngineMetrics) DecrementActiveCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

func (m *fakeEngineMetrics) RecordCallDuration(string, time.Duration) {}

func (m *fakeEngineMetrics) RecordCallFailure(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *fakeEngineMetrics) RecordStaleSignal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

func (m *fakeEngineMetrics) staleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// --- fixture -------------------------------------------------------------

type fixture struct {
	engine  *Engine
	bus     *signaling.MemoryBus
	reg     *presence.Registry
	media   *fakeMedia
	conns   *fakeConnector
	sink    *captureSink
	metrics *fakeEngineMetrics

	alice <-chan Event
	bob   <-chan Event
}

func testConfig() Config {
	return Config{
		RingTimeout:     2 * time.Second,
		DialTimeout:     2 * time.Second,
		ReconnectWindow: 200 * time.Millisecond,
		ICEServers:      []string{"stun:stun.l.google.com:19302"},
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		bus:     signaling.NewMemoryBus(),
		reg:     presence.NewRegistry(),
		media:   newFakeMedia(),
		conns:   &fakeConnector{},
		sink:    &captureSink{},
		metrics: newFakeEngineMetrics(),
	}

	dir := identity.NewStaticDirectory()
	dir.Put(domain.Participant{ID: "alice", DisplayName: "Alice"})
	dir.Put(domain.Participant{ID: "bob", DisplayName: "Bob"})

	f.engine = NewEngine(EngineParams{
		Config:    cfg,
		Bus:       f.bus,
		Presence:  f.reg,
		Media:     f.media,
		Connector: f.conns,
		Directory: dir,
		History:   f.sink,
		Metrics:   f.metrics,
	})

	ctx := context.Background()
	var err error
	f.alice, err = f.engine.Attach(ctx, "alice")
	require.NoError(t, err)
	f.bob, err = f.engine.Attach(ctx, "bob")
	require.NoError(t, err)
	t.Cleanup(func() { f.engine.Close(context.Background()) })
	return f
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func waitState(t *testing.T, ch <-chan Event, want domain.CallState) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed waiting for state %s", want)
			}
			if ev.Type == EventStateChanged && ev.Session.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// connect drives a dialed video call all the way to Active on both sides
// and returns the session ID.
func (f *fixture) connect(t *testing.T) string {
	t.Helper()
	return f.connectKind(t, domain.CallKindVideo)
}

func (f *fixture) connectKind(t *testing.T, kind domain.CallKind) string {
	t.Helper()
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", kind)
	require.NoError(t, err)

	incoming := waitEvent(t, f.bob, EventIncomingCall)
	require.Equal(t, sess.ID, incoming.Session.ID)
	require.NoError(t, f.engine.Accept(ctx, "bob", sess.ID))

	require.Eventually(t, func() bool { return f.conns.count() == 2 }, 3*time.Second, 10*time.Millisecond,
		"both sides should build a peer connection")

	// Offer/answer must have crossed before we declare the transport up.
	require.Eventually(t, func() bool {
		calleeConn, callerConn := f.conns.conn(0), f.conns.conn(1)
		calleeConn.mu.Lock()
		gotOffer := calleeConn.remoteOffer != ""
		calleeConn.mu.Unlock()
		callerConn.mu.Lock()
		gotAnswer := callerConn.remoteAnswer != ""
		callerConn.mu.Unlock()
		return gotOffer && gotAnswer
	}, 3*time.Second, 10*time.Millisecond)

	f.conns.conn(0).stateChange(rtc.ConnConnected)
	f.conns.conn(1).stateChange(rtc.ConnConnected)

	waitState(t, f.alice, domain.CallStateActive)
	waitState(t, f.bob, domain.CallStateActive)
	return sess.ID
}

// --- tests ---------------------------------------------------------------

func TestEngine_FullCallFlow(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sid := f.connect(t)

	// Mid-call the device is reserved on both sides.
	assert.False(t, f.reg.IsReachable("alice"))
	assert.False(t, f.reg.IsReachable("bob"))

	require.NoError(t, f.engine.Hangup(ctx, "alice", sid))

	waitState(t, f.alice, domain.CallStateEnded)
	waitState(t, f.bob, domain.CallStateEnded)

	require.Eventually(t, func() bool {
		return len(f.sink.outcomes(sid)) == 2
	}, 3*time.Second, 10*time.Millisecond)
	for _, o := range f.sink.outcomes(sid) {
		assert.Equal(t, domain.OutcomeCompleted, o)
	}

	// Reservations are released on teardown.
	require.Eventually(t, func() bool {
		return f.reg.IsReachable("alice") && f.reg.IsReachable("bob")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_CandidatesCrossDuringNegotiation(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t)

	calleeConn, callerConn := f.conns.conn(0), f.conns.conn(1)

	// A candidate gathered on the caller side lands on the callee's
	// connection, and vice versa.
	mid := "0"
	callerConn.cfg.OnCandidate(domain.ICECandidate{Candidate: "candidate:caller", SDPMid: &mid})
	calleeConn.cfg.OnCandidate(domain.ICECandidate{Candidate: "candidate:callee", SDPMid: &mid})

	require.Eventually(t, func() bool {
		calleeConn.mu.Lock()
		n1 := len(calleeConn.candidates)
		calleeConn.mu.Unlock()
		callerConn.mu.Lock()
		n2 := len(callerConn.candidates)
		callerConn.mu.Unlock()
		return n1 == 1 && n2 == 1
	}, 3*time.Second, 10*time.Millisecond)

	calleeConn.mu.Lock()
	assert.Equal(t, "candidate:caller", calleeConn.candidates[0].Candidate)
	calleeConn.mu.Unlock()
}

func TestEngine_Reject(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	waitEvent(t, f.bob, EventIncomingCall)
	require.NoError(t, f.engine.Reject(ctx, "bob", sess.ID))

	end := waitState(t, f.alice, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeRejected, end.Session.Outcome)

	require.Eventually(t, func() bool {
		return len(f.sink.outcomes(sess.ID)) == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	waitEvent(t, f.bob, EventIncomingCall)

	require.NoError(t, f.engine.Cancel(ctx, "alice", sess.ID))

	end := waitState(t, f.bob, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeCancelled, end.Session.Outcome)
}

func TestEngine_RingTimeoutBecomesMissed(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 150 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	waitEvent(t, f.bob, EventIncomingCall)

	// Nobody answers.
	bobEnd := waitState(t, f.bob, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeMissed, bobEnd.Session.Outcome)

	aliceEnd := waitState(t, f.alice, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeMissed, aliceEnd.Session.Outcome)

	_ = sess
}

func TestEngine_DialTimeoutWhenCalleeIgnoresInvite(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 10 * time.Second // callee timer must not fire first
	cfg.DialTimeout = 150 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	end := waitState(t, f.alice, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeMissed, end.Session.Outcome)

	// The cancel reaches the callee and ends the ring.
	bobEnd := waitState(t, f.bob, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeCancelled, bobEnd.Session.Outcome)
}

func TestEngine_CalleeUnreachable(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.engine.Dial(ctx, "alice", "carol", domain.CallKindAudio)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCalleeUnreachable, errors.CodeOf(err))

	// The attempt is still recorded and the caller is free again.
	f.sink.mu.Lock()
	require.Len(t, f.sink.records, 1)
	assert.Equal(t, domain.OutcomeUnreachable, f.sink.records[0].Outcome)
	f.sink.mu.Unlock()
	assert.True(t, f.reg.IsReachable("alice"))
}

func TestEngine_CallerAlreadyInCall(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.connect(t)

	_, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyInCall, errors.CodeOf(err))
}

func TestEngine_BusyCalleeAutoRejects(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// Bob is reserved by some other call.
	require.NoError(t, f.reg.MarkInCall("bob", "other-call"))

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err, "dial succeeds; busy surfaces via signaling")

	end := waitState(t, f.alice, domain.CallStateEnded)
	assert.Equal(t, domain.OutcomeRejected, end.Session.Outcome)
	assert.Equal(t, errors.UserReason(errors.ErrCodeAlreadyInCall), end.Session.LastError)

	// The caller is free again and bob's existing call was not disturbed.
	require.Eventually(t, func() bool { return f.reg.IsReachable("alice") },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "other-call", f.reg.Get("bob").ActiveCallID)
	_ = sess
}

func TestEngine_GlareResolvesToOneSession(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// Hold invites back until both dials have registered their machines,
	// so the two invites genuinely cross.
	f.media.delay = 100 * time.Millisecond

	s1, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	s2, err := f.engine.Dial(ctx, "bob", "alice", domain.CallKindAudio)
	require.NoError(t, err)

	winner, loser := s1.ID, s2.ID
	if s2.ID < s1.ID {
		winner, loser = s2.ID, s1.ID
	}

	// Exactly one side ends up ringing the surviving session and the
	// losing invite is abandoned with a glare outcome.
	require.Eventually(t, func() bool {
		return len(f.sink.outcomes(loser)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.OutcomeGlare, f.sink.outcomes(loser)[0])

	require.Eventually(t, func() bool {
		alice, bob := f.engine.Sessions("alice"), f.engine.Sessions("bob")
		return len(alice) == 1 && len(bob) == 1 &&
			alice[0].ID == winner && bob[0].ID == winner
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_MediaFailureFailsDial(t *testing.T) {
	f := newFixture(t, testConfig())
	f.media.err = errors.DeviceNotFoundError(nil)
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err, "device failures surface async, after Dial returns")

	end := waitState(t, f.alice, domain.CallStateFailed)
	assert.Equal(t, domain.OutcomeFailed, end.Session.Outcome)
	assert.Equal(t, errors.UserReason(errors.ErrCodeDeviceNotFound), end.Session.LastError)

	require.Eventually(t, func() bool { return f.reg.IsReachable("alice") },
		3*time.Second, 10*time.Millisecond)
	_ = sess
}

func TestEngine_PartialGrantDowngradesToAudio(t *testing.T) {
	f := newFixture(t, testConfig())
	f.media.partial = true
	ctx := context.Background()

	_, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindVideo)
	require.NoError(t, err)

	warn := waitEvent(t, f.alice, EventWarning)
	assert.Equal(t, errors.UserReason(errors.ErrCodePartialGrant), warn.Reason)
	assert.Equal(t, domain.CallKindAudio, warn.Session.Kind)

	// The callee rings with the downgraded kind.
	incoming := waitEvent(t, f.bob, EventIncomingCall)
	assert.Equal(t, domain.CallKindAudio, incoming.Session.Kind)
}

func TestEngine_MuteMirrorsToRemote(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sid := f.connect(t)

	require.NoError(t, f.engine.SetMuted(ctx, "alice", sid, true))

	ev := waitEvent(t, f.bob, EventRemoteMedia)
	require.NotNil(t, ev.Media)
	assert.True(t, ev.Media.Muted)

	// Local flag is visible in the caller's snapshot too.
	snap, err := f.engine.Session("alice", sid)
	require.NoError(t, err)
	assert.True(t, snap.LocalMuted)
}

func TestEngine_VideoUpgradeRequiresActiveCall(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	waitEvent(t, f.bob, EventIncomingCall)

	err = f.engine.SetVideoEnabled(ctx, "alice", sess.ID, true)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestEngine_VideoUpgradeRenegotiatesMidCall(t *testing.T) {
	f := newFixture(t, testConfig())
	f.media.videoTrack = newFakeVideoTrack(t)
	ctx := context.Background()

	sid := f.connectKind(t, domain.CallKindAudio)
	calleeConn := f.conns.conn(0)

	require.NoError(t, f.engine.SetVideoEnabled(ctx, "alice", sid, true))

	ev := waitEvent(t, f.bob, EventRemoteMedia)
	require.NotNil(t, ev.Media)
	assert.True(t, ev.Media.VideoEnabled)

	// The camera track lands on the caller's transport and triggers a
	// fresh offer toward the callee.
	require.Eventually(t, func() bool {
		callerConn := f.conns.conn(1)
		callerConn.mu.Lock()
		added := len(callerConn.localTracks) == 1
		callerConn.mu.Unlock()
		calleeConn.mu.Lock()
		reoffered := calleeConn.offerCount >= 2
		calleeConn.mu.Unlock()
		return added && reoffered
	}, 3*time.Second, 10*time.Millisecond)

	snap, err := f.engine.Session("alice", sid)
	require.NoError(t, err)
	assert.Equal(t, domain.CallKindVideo, snap.Kind)
	assert.True(t, snap.LocalVideoEnabled)
	assert.Equal(t, domain.CallStateActive, snap.State)
}

func TestEngine_VideoUpgradeFailureRevertsToAudio(t *testing.T) {
	f := newFixture(t, testConfig())
	f.media.videoErr = errors.DeviceBusyError(nil)
	ctx := context.Background()

	sid := f.connectKind(t, domain.CallKindAudio)

	require.NoError(t, f.engine.SetVideoEnabled(ctx, "alice", sid, true))

	warn := waitEvent(t, f.alice, EventWarning)
	assert.Equal(t, errors.UserReason(errors.ErrCodeDeviceBusy), warn.Reason)

	// Still an active audio call.
	snap, err := f.engine.Session("alice", sid)
	require.NoError(t, err)
	assert.Equal(t, domain.CallKindAudio, snap.Kind)
	assert.False(t, snap.LocalVideoEnabled)
	assert.Equal(t, domain.CallStateActive, snap.State)
}

func TestEngine_CalleeRenegotiationRequestsCallerOffer(t *testing.T) {
	f := newFixture(t, testConfig())
	sid := f.connect(t)
	calleeConn := f.conns.conn(0)

	// The callee's transport wants renegotiation without a local track
	// change, so it asks the caller for a fresh offer rather than
	// offering itself.
	calleeConn.cfg.OnRenegotiationNeeded()

	require.Eventually(t, func() bool {
		calleeConn.mu.Lock()
		defer calleeConn.mu.Unlock()
		return calleeConn.offerCount >= 2
	}, 3*time.Second, 10*time.Millisecond)

	// The exchange settles with the call still up.
	snap, err := f.engine.Session("bob", sid)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateActive, snap.State)
}

func TestEngine_StaleSignalsAreCountedAndDropped(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	msg := &domain.SignalingMessage{
		Type:      domain.SignalHangup,
		SessionID: "no-such-session",
		From:      "bob",
		To:        "alice",
	}
	require.NoError(t, f.bus.Publish(ctx, signaling.Topic("alice"), msg))

	require.Eventually(t, func() bool { return f.metrics.staleCount() == 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestEngine_TransientDisconnectRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectWindow = 2 * time.Second
	f := newFixture(t, cfg)
	f.connect(t)

	callerConn := f.conns.conn(1)
	callerConn.stateChange(rtc.ConnDisconnected)
	warn := waitEvent(t, f.alice, EventWarning)
	assert.Equal(t, "connection interrupted", warn.Reason)

	callerConn.stateChange(rtc.ConnConnected)
	warn = waitEvent(t, f.alice, EventWarning)
	assert.Equal(t, "connection recovered", warn.Reason)

	// Still active after the flap.
	snap, err := f.engine.Session("alice", warn.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateActive, snap.State)
}

func TestEngine_DisconnectBeyondWindowFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t)

	f.conns.conn(1).stateChange(rtc.ConnDisconnected)

	end := waitState(t, f.alice, domain.CallStateFailed)
	assert.Equal(t, domain.OutcomeFailed, end.Session.Outcome)
	assert.Equal(t, errors.UserReason(errors.ErrCodeConnectionFailed), end.Session.LastError)
}

func TestEngine_AcceptRequiresRinging(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess, err := f.engine.Dial(ctx, "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	// The caller cannot accept their own outgoing call.
	err = f.engine.Accept(ctx, "alice", sess.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))

	// Unknown sessions report CALL_NOT_FOUND.
	err = f.engine.Accept(ctx, "bob", "missing")
	assert.Equal(t, errors.ErrCodeCallNotFound, errors.CodeOf(err))
}
