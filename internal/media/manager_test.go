package media

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/errors"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    TrackKind
	enabled bool
	closed  bool
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

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

func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// fakeDevice scripts the outcome of the next Acquire.
type fakeDevice struct {
	tracks      []Track
	err         error
	calls       int
	videoTracks []Track
	videoErr    error
}

func (d *fakeDevice) Acquire(_ context.Context, _ domain.CallKind) ([]Track, error) {
	d.calls++
	return d.tracks, d.err
}

func (d *fakeDevice) AcquireVideo(context.Context) ([]Track, error) {
	return d.videoTracks, d.videoErr
}

func TestManager_AcquireVideo(t *testing.T) {
	audio := newFakeTrack("a1", TrackAudio)
	video := newFakeTrack("v1", TrackVideo)
	dev := &fakeDevice{tracks: []Track{audio, video}}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallKindVideo, h.Kind())
	assert.Len(t, h.Tracks(), 2)
	assert.Equal(t, "call-1", m.Holder())
}

func TestManager_AcquireBusy(t *testing.T) {
	dev := &fakeDevice{tracks: []Track{newFakeTrack("a1", TrackAudio)}}
	m := NewManager(dev)

	_, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "call-2", domain.CallKindAudio)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDeviceBusy, errors.CodeOf(err))
}

func TestManager_AcquireSameSessionReturnsSameHandle(t *testing.T) {
	dev := &fakeDevice{tracks: []Track{newFakeTrack("a1", TrackAudio)}}
	m := NewManager(dev)

	h1, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)
	h2, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, dev.calls, "device opened once")
}

func TestManager_PartialGrant(t *testing.T) {
	audio := newFakeTrack("a1", TrackAudio)
	dev := &fakeDevice{tracks: []Track{audio}, err: errors.PartialGrantError()}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindVideo)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePartialGrant, errors.CodeOf(err))
	require.NotNil(t, h, "partial grant still yields a usable audio handle")
	assert.Equal(t, domain.CallKindAudio, h.Kind())
	assert.Len(t, h.Tracks(), 1)
	assert.Equal(t, "call-1", m.Holder(), "partial grant keeps the device claim")
}

func TestManager_AcquireFailureReleasesClaim(t *testing.T) {
	dev := &fakeDevice{err: errors.DeviceNotFoundError(nil)}
	m := NewManager(dev)

	_, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDeviceNotFound, errors.CodeOf(err))
	assert.Empty(t, m.Holder(), "failed acquire must not leave the device reserved")

	// A later call can acquire.
	dev.err = nil
	dev.tracks = []Track{newFakeTrack("a1", TrackAudio)}
	_, err = m.Acquire(context.Background(), "call-2", domain.CallKindAudio)
	assert.NoError(t, err)
}

func TestHandle_MuteAndVideoToggles(t *testing.T) {
	audio := newFakeTrack("a1", TrackAudio)
	video := newFakeTrack("v1", TrackVideo)
	dev := &fakeDevice{tracks: []Track{audio, video}}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindVideo)
	require.NoError(t, err)

	h.SetMuted(true)
	assert.False(t, audio.Enabled())
	assert.True(t, video.Enabled(), "mute only touches the audio track")

	h.SetMuted(false)
	assert.True(t, audio.Enabled())

	h.SetVideoEnabled(false)
	assert.False(t, video.Enabled())
	assert.True(t, audio.Enabled())
}

func TestHandle_SetVideoEnabledOnAudioOnlyIsNoop(t *testing.T) {
	dev := &fakeDevice{tracks: []Track{newFakeTrack("a1", TrackAudio)}}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)

	h.SetVideoEnabled(true) // must not panic
}

func TestHandle_AddVideoUpgradesAudioHandle(t *testing.T) {
	audio := newFakeTrack("a1", TrackAudio)
	video := newFakeTrack("v1", TrackVideo)
	dev := &fakeDevice{tracks: []Track{audio}, videoTracks: []Track{video}}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)

	added, err := h.AddVideo(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, domain.CallKindVideo, h.Kind())
	assert.Len(t, h.Tracks(), 2)

	// A second upgrade is a no-op.
	added, err = h.AddVideo(context.Background())
	require.NoError(t, err)
	assert.Nil(t, added)
}

func TestHandle_AddVideoFailureLeavesHandleUntouched(t *testing.T) {
	audio := newFakeTrack("a1", TrackAudio)
	dev := &fakeDevice{tracks: []Track{audio}, videoErr: errors.DeviceBusyError(nil)}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = h.AddVideo(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDeviceBusy, errors.CodeOf(err))
	assert.Equal(t, domain.CallKindAudio, h.Kind())
	assert.Len(t, h.Tracks(), 1)
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	audio := newFakeTrack("a1", TrackAudio)
	dev := &fakeDevice{tracks: []Track{audio}}
	m := NewManager(dev)

	h, err := m.Acquire(context.Background(), "call-1", domain.CallKindAudio)
	require.NoError(t, err)

	h.Release()
	assert.True(t, audio.closed)
	assert.Empty(t, m.Holder())

	h.Release() // second release is a no-op

	// Device is free for the next call.
	dev.tracks = []Track{newFakeTrack("a2", TrackAudio)}
	_, err = m.Acquire(context.Background(), "call-2", domain.CallKindAudio)
	assert.NoError(t, err)
}
