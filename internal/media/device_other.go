//go:build !linux || !cgo

package media

import (
	"context"

	"go.uber.org/zap"
)

// Device reports ErrNoDevice: capture drivers are only built on linux with cgo.
type Device struct {
	logger *zap.Logger
}

func NewDevice(logger *zap.Logger) *Device {
	return &Device{logger: logger}
}

func (d *Device) Acquire(ctx context.Context) (Stream, error) {
	d.logger.Warn("microphone capture not supported on this build")
	return nil, ErrNoDevice
}

func (d *Device) OpenTrack(ctx context.Context) (LocalTrack, error) {
	return nil, ErrNoDevice
}
