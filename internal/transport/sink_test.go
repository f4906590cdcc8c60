package transport

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap/zaptest"

	"github.com/mm-agent/voicecall/internal/testutil"
)

// fakeTrack hands out queued packets and returns io.EOF once ended.
type fakeTrack struct {
	id      string
	packets chan *rtp.Packet
	ended   chan struct{}
	once    sync.Once
}

func newFakeTrack(id string) *fakeTrack {
	return &fakeTrack{id: id, packets: make(chan *rtp.Packet, 16), ended: make(chan struct{})}
}

func (f *fakeTrack) ID() string { return f.id }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-f.packets:
		return p, nil, nil
	case <-f.ended:
		return nil, nil, io.EOF
	}
}

func (f *fakeTrack) end() { f.once.Do(func() { close(f.ended) }) }

func opusPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: 1234},
		Payload: []byte{0xfc, 0xff, 0xfe},
	}
}

func TestSinkSetOneSinkPerTrack(t *testing.T) {
	ss := NewSinkSet("", zaptest.NewLogger(t))
	track := newFakeTrack("TR_a")
	defer track.end()

	if !ss.Attach("TR_a", track) {
		t.Fatal("first attach should create a sink")
	}
	if ss.Attach("TR_a", track) {
		t.Error("duplicate attach should be a no-op")
	}
	if ss.Len() != 1 {
		t.Fatalf("expected 1 sink, got %d", ss.Len())
	}

	ss.Detach("TR_a")
	if ss.Len() != 0 {
		t.Fatalf("expected sink removed, got %d", ss.Len())
	}
	ss.Detach("TR_a")
}

func TestSinkDrainsPackets(t *testing.T) {
	ss := NewSinkSet("", zaptest.NewLogger(t))
	track := newFakeTrack("TR_b")
	ss.Attach("TR_b", track)

	for i := uint16(1); i <= 5; i++ {
		track.packets <- opusPacket(i)
	}
	sink, ok := ss.Get("TR_b")
	if !ok {
		t.Fatal("sink missing")
	}
	testutil.Eventually(t, time.Second, func() bool { return sink.Packets() == 5 }, "sink drained all packets")

	track.end()
	select {
	case <-sink.Done():
	case <-time.After(time.Second):
		t.Fatal("sink did not stop after the track ended")
	}
	ss.CloseAll()
}

func TestSinkRecordsToOgg(t *testing.T) {
	dir := t.TempDir()
	ss := NewSinkSet(dir, zaptest.NewLogger(t))
	track := newFakeTrack("TR_rec")
	ss.Attach("TR_rec", track)

	for i := uint16(1); i <= 3; i++ {
		track.packets <- opusPacket(i)
	}
	sink, _ := ss.Get("TR_rec")
	testutil.Eventually(t, time.Second, func() bool { return sink.Packets() == 3 }, "packets drained")
	track.end()
	<-sink.Done()

	files, err := filepath.Glob(filepath.Join(dir, "TR_rec-*.ogg"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one recording, got %v (%v)", files, err)
	}
	info, err := os.Stat(files[0])
	if err != nil || info.Size() == 0 {
		t.Errorf("recording is empty: %v", err)
	}
	ss.CloseAll()
}

func TestResetDropsStaleSinks(t *testing.T) {
	ss := NewSinkSet("", zaptest.NewLogger(t))
	a, b := newFakeTrack("TR_1"), newFakeTrack("TR_2")
	defer a.end()
	defer b.end()

	ss.Attach("TR_1", a)
	ss.Attach("TR_2", b)
	ss.Reset()
	if ss.Len() != 0 {
		t.Fatalf("expected no sinks after reset, got %d", ss.Len())
	}
	if !ss.Attach("TR_1", a) {
		t.Error("attach after reset should create a fresh sink")
	}
}

func TestSinksDoNotLeakGoroutines(t *testing.T) {
	baseline := testutil.Baseline()

	ss := NewSinkSet("", zaptest.NewLogger(t))
	tracks := make([]*fakeTrack, 20)
	for i := range tracks {
		tracks[i] = newFakeTrack(string(rune('A' + i)))
		ss.Attach(tracks[i].id, tracks[i])
	}
	ss.CloseAll()
	for _, tr := range tracks {
		tr.end()
	}

	testutil.AssertNoGoroutineLeaks(t, baseline, 2, 2*time.Second)
}
