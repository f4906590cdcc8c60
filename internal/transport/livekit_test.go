package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zaptest"

	"github.com/mm-agent/voicecall/internal/media"
	"github.com/mm-agent/voicecall/internal/token"
)

type fakeRoom struct {
	publishErr   error
	published    atomic.Int32
	disconnected atomic.Int32
}

func (r *fakeRoom) Disconnect() { r.disconnected.Add(1) }

func (r *fakeRoom) PublishMic(track webrtc.TrackLocal) (string, error) {
	if r.publishErr != nil {
		return "", r.publishErr
	}
	r.published.Add(1)
	return "TR_mic", nil
}

type fakeLocalTrack struct {
	webrtc.TrackLocal
	closed  atomic.Int32
	onEnded func(error)
}

func (t *fakeLocalTrack) OnEnded(fn func(error)) { t.onEnded = fn }

func (t *fakeLocalTrack) Close() error { t.closed.Add(1); return nil }

type fakeMic struct {
	err   error
	track *fakeLocalTrack
}

func (m *fakeMic) Acquire(ctx context.Context) (media.Stream, error) { return nil, m.err }

func (m *fakeMic) OpenTrack(ctx context.Context) (media.LocalTrack, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.track = &fakeLocalTrack{}
	return m.track, nil
}

type countingEvents struct {
	reconnecting atomic.Int32
	reconnected  atomic.Int32
	disconnected atomic.Int32
	device       atomic.Int32
}

func (e *countingEvents) Reconnecting() { e.reconnecting.Add(1) }
func (e *countingEvents) Reconnected() { e.reconnected.Add(1) }
func (e *countingEvents) Disconnected(error) { e.disconnected.Add(1) }
func (e *countingEvents) DeviceError(error) { e.device.Add(1) }

func newTestLiveKit(t *testing.T, mic *fakeMic) (*LiveKit, *[]*fakeRoom) {
	t.Helper()
	lk := NewLiveKit(mic, "", zaptest.NewLogger(t))
	rooms := &[]*fakeRoom{}
	lk.dial = func(ctx context.Context, cred token.Credential, cb *lksdk.RoomCallback) (room, error) {
		r := &fakeRoom{}
		*rooms = append(*rooms, r)
		return r, nil
	}
	return lk, rooms
}

func TestLiveKitRejectsIncompleteCredential(t *testing.T) {
	lk := NewLiveKit(nil, "", zaptest.NewLogger(t))
	if _, err := lk.Open(context.Background(), token.Credential{}, nopEvents{}); err == nil {
		t.Fatal("expected error for empty credential")
	}
	if lk.Mode() != ModeRealtime {
		t.Errorf("unexpected mode %s", lk.Mode())
	}
}

func TestLiveKitSessionSinks(t *testing.T) {
	mic := &fakeMic{}
	lk, rooms := newTestLiveKit(t, mic)

	handle, err := lk.Open(context.Background(), cred, nopEvents{})
	if err != nil {
		t.Fatal(err)
	}
	h := handle.(*roomHandle)
	if (*rooms)[0].published.Load() != 1 {
		t.Fatal("microphone not published")
	}

	a, b := newFakeTrack("TR_a"), newFakeTrack("TR_b")
	defer a.end()
	defer b.end()

	h.trackSubscribed("TR_a", "agent", webrtc.RTPCodecTypeAudio, a)
	h.trackSubscribed("TR_a", "agent", webrtc.RTPCodecTypeAudio, a)
	h.trackSubscribed("TR_v", "agent", webrtc.RTPCodecTypeVideo, b)
	if n := lk.Sinks().Len(); n != 1 {
		t.Fatalf("expected one sink for one audio track, got %d", n)
	}

	h.trackUnsubscribed("TR_a")
	if n := lk.Sinks().Len(); n != 0 {
		t.Fatalf("expected sink removed on unsubscribe, got %d", n)
	}
	h.trackSubscribed("TR_b", "agent", webrtc.RTPCodecTypeAudio, b)

	if err := handle.Close(); err != nil {
		t.Fatal(err)
	}
	handle.Close()
	if (*rooms)[0].disconnected.Load() != 1 || mic.track.closed.Load() != 1 {
		t.Error("close must disconnect the room and release the microphone exactly once")
	}
	if n := lk.Sinks().Len(); n != 0 {
		t.Errorf("sinks survived close: %d", n)
	}
}

func TestAttachAfterCloseCreatesNoSink(t *testing.T) {
	lk, _ := newTestLiveKit(t, &fakeMic{})
	handle, err := lk.Open(context.Background(), cred, nopEvents{})
	if err != nil {
		t.Fatal(err)
	}
	h := handle.(*roomHandle)
	handle.Close()

	late := newFakeTrack("TR_late")
	defer late.end()
	if h.sinks.Attach("TR_late", late) {
		t.Error("sink set accepted a track after its session closed")
	}
	if h.sinks.Len() != 0 {
		t.Errorf("expected no sinks, got %d", h.sinks.Len())
	}
}

func TestLiveKitPublishFailureCleansUp(t *testing.T) {
	mic := &fakeMic{}
	lk := NewLiveKit(mic, "", zaptest.NewLogger(t))
	r := &fakeRoom{publishErr: errors.New("permission denied by server")}
	lk.dial = func(ctx context.Context, cred token.Credential, cb *lksdk.RoomCallback) (room, error) {
		return r, nil
	}

	if _, err := lk.Open(context.Background(), cred, nopEvents{}); err == nil {
		t.Fatal("expected publish failure")
	}
	if r.disconnected.Load() != 1 {
		t.Error("room left connected after publish failure")
	}
	if mic.track.closed.Load() != 1 {
		t.Error("microphone track left open after publish failure")
	}
	if lk.Sinks().Attach("TR_x", newFakeTrack("TR_x")) {
		t.Error("failed session still accepts tracks")
	}
}

func TestLiveKitMicrophoneFailureDisconnects(t *testing.T) {
	lk, rooms := newTestLiveKit(t, &fakeMic{err: media.ErrNoDevice})
	_, err := lk.Open(context.Background(), cred, nopEvents{})
	if !errors.Is(err, media.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if (*rooms)[0].disconnected.Load() != 1 {
		t.Error("room left connected without a microphone")
	}
}

func TestLiveKitDialFailureClosesSession(t *testing.T) {
	lk := NewLiveKit(&fakeMic{}, "", zaptest.NewLogger(t))
	var cb *lksdk.RoomCallback
	lk.dial = func(ctx context.Context, cred token.Credential, c *lksdk.RoomCallback) (room, error) {
		cb = c
		return nil, errors.New("connect room: signal refused")
	}
	ev := &countingEvents{}
	if _, err := lk.Open(context.Background(), cred, ev); err == nil {
		t.Fatal("expected dial failure")
	}
	cb.OnDisconnected()
	if ev.disconnected.Load() != 0 {
		t.Error("a room that never opened reported a disconnect")
	}
}

func TestLiveKitEventsStopAfterClose(t *testing.T) {
	mic := &fakeMic{}
	lk, _ := newTestLiveKit(t, mic)
	ev := &countingEvents{}
	handle, err := lk.Open(context.Background(), cred, ev)
	if err != nil {
		t.Fatal(err)
	}
	h := handle.(*roomHandle)
	cb := h.callback()

	cb.OnReconnecting()
	cb.OnReconnected()
	mic.track.onEnded(nil)
	mic.track.onEnded(errors.New("device unplugged"))
	cb.OnDisconnected()
	if ev.reconnecting.Load() != 1 || ev.reconnected.Load() != 1 || ev.device.Load() != 1 || ev.disconnected.Load() != 1 {
		t.Fatalf("events not forwarded: %+v", ev)
	}

	handle.Close()
	cb.OnReconnecting()
	cb.OnDisconnected()
	mic.track.onEnded(errors.New("track stopped"))
	if ev.reconnecting.Load() != 1 || ev.disconnected.Load() != 1 || ev.device.Load() != 1 {
		t.Error("events delivered after the session closed")
	}
}

func TestLiveKitNewSessionClosesPreviousSinks(t *testing.T) {
	lk, _ := newTestLiveKit(t, &fakeMic{})
	first, err := lk.Open(context.Background(), cred, nopEvents{})
	if err != nil {
		t.Fatal(err)
	}
	stale := first.(*roomHandle).sinks
	track := newFakeTrack("TR_old")
	defer track.end()
	stale.Attach("TR_old", track)

	if _, err := lk.Open(context.Background(), cred, nopEvents{}); err != nil {
		t.Fatal(err)
	}
	if stale.Len() != 0 {
		t.Errorf("previous session kept %d sinks", stale.Len())
	}
	if lk.Sinks() == stale {
		t.Error("new session reuses the previous sink set")
	}
}
