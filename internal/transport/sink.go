package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/metrics"
)

// RemoteTrack is the read side of a subscribed remote audio track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PlaybackSink drains one remote track, optionally recording it to Ogg/Opus.
type PlaybackSink struct {
	sid     string
	track   RemoteTrack
	rec     *oggwriter.OggWriter
	logger  *zap.Logger
	packets atomic.Int64
	stopped atomic.Bool
	done    chan struct{}
}

func newPlaybackSink(sid string, track RemoteTrack, recordDir string, logger *zap.Logger) *PlaybackSink {
	s := &PlaybackSink{
		sid:    sid,
		track:  track,
		logger: logger.With(zap.String("track", sid)),
		done:   make(chan struct{}),
	}
	if recordDir != "" {
		name := filepath.Join(recordDir, fmt.Sprintf("%s-%d.ogg", sid, time.Now().UnixMilli()))
		rec, err := oggwriter.New(name, 48000, 2)
		if err != nil {
			s.logger.Warn("recording disabled", zap.String("file", name), zap.Error(err))
		} else {
			s.rec = rec
		}
	}
	go s.run()
	return s
}

// run exits when the track stops delivering or the sink is closed.
func (s *PlaybackSink) run() {
	defer close(s.done)
	s.logger.Info("playback started")
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil || s.stopped.Load() {
			s.logger.Info("playback ended", zap.Int64("packets", s.packets.Load()), zap.Error(err))
			break
		}
		s.packets.Add(1)
		if s.rec != nil {
			if err := s.rec.WriteRTP(pkt); err != nil {
				s.logger.Warn("recording write failed", zap.Error(err))
			}
		}
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.logger.Warn("recording close failed", zap.Error(err))
		}
	}
}

// Packets is the number of RTP packets drained so far.
func (s *PlaybackSink) Packets() int64 { return s.packets.Load() }

// Done is closed once the drain goroutine has exited.
func (s *PlaybackSink) Done() <-chan struct{} { return s.done }

// Close detaches the sink. The drain goroutine exits at the next read.
func (s *PlaybackSink) Close() error {
	s.stopped.Store(true)
	return nil
}

// SinkSet keeps exactly one sink per remote track SID. Once CloseAll has run
// it accepts no further tracks.
type SinkSet struct {
	mu        sync.Mutex
	sinks     map[string]*PlaybackSink
	closed    bool
	recordDir string
	logger    *zap.Logger
}

func NewSinkSet(recordDir string, logger *zap.Logger) *SinkSet {
	return &SinkSet{sinks: make(map[string]*PlaybackSink), recordDir: recordDir, logger: logger}
}

// Attach creates a sink for the track unless one already exists for sid or
// the set is closed. It reports whether a new sink was created.
func (ss *SinkSet) Attach(sid string, track RemoteTrack) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		ss.logger.Debug("track arrived after session close", zap.String("track", sid))
		return false
	}
	if _, ok := ss.sinks[sid]; ok {
		ss.logger.Debug("duplicate track subscription ignored", zap.String("track", sid))
		return false
	}
	ss.sinks[sid] = newPlaybackSink(sid, track, ss.recordDir, ss.logger)
	metrics.ActiveSinks.Inc()
	return true
}

// Detach closes and removes the sink for sid, if any.
func (ss *SinkSet) Detach(sid string) {
	ss.mu.Lock()
	s, ok := ss.sinks[sid]
	delete(ss.sinks, sid)
	ss.mu.Unlock()
	if ok {
		s.Close()
		metrics.ActiveSinks.Dec()
	}
}

// Len is the number of attached sinks.
func (ss *SinkSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sinks)
}

// Get returns the sink attached for sid.
func (ss *SinkSet) Get(sid string) (*PlaybackSink, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.sinks[sid]
	return s, ok
}

// CloseAll releases every sink and closes the set.
func (ss *SinkSet) CloseAll() { ss.drop(true) }

// Reset drops sinks left over from an earlier session. The set stays open.
func (ss *SinkSet) Reset() {
	if n := ss.drop(false); n > 0 {
		ss.logger.Warn("dropped stale sinks", zap.Int("count", n))
	}
}

func (ss *SinkSet) drop(seal bool) int {
	ss.mu.Lock()
	sinks := ss.sinks
	ss.sinks = make(map[string]*PlaybackSink)
	if seal {
		ss.closed = true
	}
	ss.mu.Unlock()
	for _, s := range sinks {
		s.Close()
		metrics.ActiveSinks.Dec()
	}
	return len(sinks)
}
