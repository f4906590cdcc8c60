//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"go.uber.org/zap"
)

// Device captures the default microphone through pion/mediadevices.
type Device struct {
	logger *zap.Logger
}

// NewDevice returns a Device. Drivers register themselves at init.
func NewDevice(logger *zap.Logger) *Device {
	return &Device{logger: logger}
}

type mediaStream struct {
	stream mediadevices.MediaStream
}

func (s mediaStream) Stop() {
	for _, t := range s.stream.GetTracks() {
		t.Close()
	}
}

// Acquire opens the microphone without an encoder. The caller stops the
// stream as soon as the permission probe is done.
func (d *Device) Acquire(ctx context.Context) (Stream, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrNoDevice
	}
	return await(ctx, func() (Stream, error) {
		s, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		})
		if err != nil {
			return nil, fmt.Errorf("get user media: %w", err)
		}
		return mediaStream{stream: s}, nil
	}, func(s Stream) { s.Stop() })
}

// OpenTrack opens the microphone with an Opus encoder attached.
func (d *Device) OpenTrack(ctx context.Context) (LocalTrack, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return await(ctx, func() (LocalTrack, error) {
		s, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: codecSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("get user media: %w", err)
		}
		tracks := s.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, ErrNoAudioTrack
		}
		for _, extra := range tracks[1:] {
			extra.Close()
		}
		d.logger.Info("microphone track opened", zap.String("track", tracks[0].ID()))
		return tracks[0], nil
	}, func(t LocalTrack) { t.Close() })
}
