package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/media"
	"github.com/mm-agent/voicecall/internal/token"
)

// room is the part of a joined LiveKit room a session drives.
type room interface {
	Disconnect()
	PublishMic(track webrtc.TrackLocal) (sid string, err error)
}

type lkRoom struct{ *lksdk.Room }

func (r lkRoom) PublishMic(track webrtc.TrackLocal) (string, error) {
	pub, err := r.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "microphone"})
	if err != nil {
		return "", err
	}
	return pub.SID(), nil
}

type dialFunc func(ctx context.Context, cred token.Credential, cb *lksdk.RoomCallback) (room, error)

func dialLiveKit(ctx context.Context, cred token.Credential, cb *lksdk.RoomCallback) (room, error) {
	r, err := connect(ctx, cred, cb)
	if err != nil {
		return nil, err
	}
	return lkRoom{r}, nil
}

// LiveKit joins a LiveKit room, publishes the microphone and plays back
// subscribed audio.
type LiveKit struct {
	mic       media.Microphone
	recordDir string
	dial      dialFunc
	logger    *zap.Logger

	mu      sync.Mutex
	current *SinkSet
}

// NewLiveKit creates the real-time strategy. Remote tracks are recorded under
// recordDir when it is non-empty.
func NewLiveKit(mic media.Microphone, recordDir string, logger *zap.Logger) *LiveKit {
	return &LiveKit{
		mic:       mic,
		recordDir: recordDir,
		dial:      dialLiveKit,
		logger:    logger,
	}
}

func (l *LiveKit) Mode() Mode { return ModeRealtime }

// Sinks exposes the remote track sinks of the most recent session, or nil.
func (l *LiveKit) Sinks() *SinkSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// begin installs the sink set of a new session and closes the previous one.
func (l *LiveKit) begin(ss *SinkSet) {
	l.mu.Lock()
	prev := l.current
	l.current = ss
	l.mu.Unlock()
	if prev != nil {
		prev.CloseAll()
	}
}

// roomHandle owns one joined room. Its sinks die with it.
type roomHandle struct {
	room   room
	track  media.LocalTrack
	sinks  *SinkSet
	ev     Events
	logger *zap.Logger
	closed atomic.Bool
	once   sync.Once
	err    error
}

func (h *roomHandle) Close() error {
	h.once.Do(func() {
		h.closed.Store(true)
		if h.room != nil {
			h.room.Disconnect()
		}
		var errs []error
		if h.track != nil {
			if err := h.track.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close microphone track: %w", err))
			}
		}
		h.sinks.CloseAll()
		h.err = errors.Join(errs...)
	})
	return h.err
}

func (h *roomHandle) trackSubscribed(sid, participant string, kind webrtc.RTPCodecType, track RemoteTrack) {
	if h.closed.Load() || kind != webrtc.RTPCodecTypeAudio {
		return
	}
	if h.sinks.Attach(sid, track) {
		h.logger.Info("remote audio subscribed",
			zap.String("participant", participant),
			zap.String("track", sid))
	}
}

func (h *roomHandle) trackUnsubscribed(sid string) {
	h.sinks.Detach(sid)
	h.logger.Info("remote track unsubscribed", zap.String("track", sid))
}

func (h *roomHandle) reconnecting() {
	if !h.closed.Load() {
		h.ev.Reconnecting()
	}
}

func (h *roomHandle) reconnected() {
	if !h.closed.Load() {
		h.ev.Reconnected()
	}
}

func (h *roomHandle) disconnected() {
	if !h.closed.Load() {
		h.ev.Disconnected(errors.New("room disconnected"))
	}
}

func (h *roomHandle) trackEnded(err error) {
	if err != nil && !h.closed.Load() {
		h.ev.DeviceError(err)
	}
}

func (h *roomHandle) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				h.trackSubscribed(pub.SID(), rp.Identity(), track.Kind(), track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				h.trackUnsubscribed(pub.SID())
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			h.logger.Info("participant connected", zap.String("participant", rp.Identity()))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			h.logger.Info("participant disconnected", zap.String("participant", rp.Identity()))
		},
		OnReconnecting: h.reconnecting,
		OnReconnected:  h.reconnected,
		OnDisconnected: h.disconnected,
	}
}

func (l *LiveKit) Open(ctx context.Context, cred token.Credential, ev Events) (Handle, error) {
	if cred.Token == "" || cred.TransportURL == "" {
		return nil, errors.New("credential incomplete")
	}

	logger := l.logger.With(zap.String("room", cred.Room), zap.String("identity", cred.Identity))
	h := &roomHandle{
		sinks:  NewSinkSet(l.recordDir, logger),
		ev:     ev,
		logger: logger,
	}
	l.begin(h.sinks)

	r, err := l.dial(ctx, cred, h.callback())
	if err != nil {
		h.Close()
		return nil, err
	}
	h.room = r

	track, err := l.mic.OpenTrack(ctx)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	h.track = track
	track.OnEnded(h.trackEnded)

	sid, err := r.PublishMic(track)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("publish microphone: %w", err)
	}
	logger.Info("microphone published", zap.String("track", sid))
	return h, nil
}

// connect joins the room while honouring ctx; a room that connects after ctx
// is done is disconnected.
func connect(ctx context.Context, cred token.Credential, cb *lksdk.RoomCallback) (*lksdk.Room, error) {
	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(cred.TransportURL, cred.Token, cb)
		done <- result{room, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect room: %w", r.err)
		}
		return r.room, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.room.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connect room: %w", ctx.Err())
	}
}
