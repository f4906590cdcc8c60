// Package media captures the local microphone.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNoDevice is returned when no capture device can be opened.
	ErrNoDevice = errors.New("no audio capture device")
	// ErrNoAudioTrack is returned when capture succeeded but produced no audio.
	ErrNoAudioTrack = errors.New("capture produced no audio track")
)

// Stream is a short-lived capture used to prove the microphone is usable.
type Stream interface {
	Stop()
}

// LocalTrack is a publishable microphone track. OnEnded fires when the
// underlying device stops producing samples.
type LocalTrack interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// Microphone grants access to the local audio input.
type Microphone interface {
	Acquire(ctx context.Context) (Stream, error)
	OpenTrack(ctx context.Context) (LocalTrack, error)
}

// await runs a blocking open call while honouring ctx. A result that
// arrives after ctx is done is released instead of leaked.
func await[T any](ctx context.Context, open func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := open()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				release(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
