// Package transport opens the media session for a credential, falling back
// from the real-time transport to an HTTP-reachable one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/metrics"
	"github.com/mm-agent/voicecall/internal/token"
)

// Mode names the transport a session ended up on.
type Mode string

const (
	ModeRealtime     Mode = "realtime-media"
	ModeHTTPFallback Mode = "http-fallback"
)

// Handle is an open session. Close is idempotent.
type Handle interface {
	Close() error
}

// Events receives lifecycle notifications from an open session. Calls may
// arrive on any goroutine.
type Events interface {
	Reconnecting()
	Reconnected()
	Disconnected(err error)
	DeviceError(err error)
}

// Strategy is one way of opening a session.
type Strategy interface {
	Mode() Mode
	Open(ctx context.Context, cred token.Credential, ev Events) (Handle, error)
}

// ErrNoFallback is reported inside FatalError when only a primary strategy is
// configured.
var ErrNoFallback = errors.New("no fallback transport configured")

// FatalError means every strategy failed to open.
type FatalError struct {
	Primary  error
	Fallback error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("all transports failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *FatalError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// Adapter tries the primary strategy and then the fallback.
type Adapter struct {
	primary  Strategy
	fallback Strategy
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAdapter creates an adapter. fallback may be nil. Each open attempt is
// bounded by timeout.
func NewAdapter(primary, fallback Strategy, timeout time.Duration, logger *zap.Logger) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, timeout: timeout, logger: logger}
}

// Open returns the first handle that opens, with its mode. Opening is
// detached from ctx cancellation; the caller decides what to do with a
// handle that arrives after it lost interest.
func (a *Adapter) Open(ctx context.Context, cred token.Credential, ev Events) (Handle, Mode, error) {
	ctx = context.WithoutCancel(ctx)

	h, primaryErr := a.try(ctx, a.primary, cred, ev)
	if primaryErr == nil {
		return h, a.primary.Mode(), nil
	}
	if a.fallback == nil {
		return nil, "", &FatalError{Primary: primaryErr, Fallback: ErrNoFallback}
	}

	a.logger.Warn("primary transport failed, trying fallback",
		zap.String("primary", string(a.primary.Mode())),
		zap.String("fallback", string(a.fallback.Mode())),
		zap.Error(primaryErr),
	)
	h, fallbackErr := a.try(ctx, a.fallback, cred, ev)
	if fallbackErr == nil {
		return h, a.fallback.Mode(), nil
	}
	a.logger.Error("fallback transport failed", zap.Error(fallbackErr))
	return nil, "", &FatalError{Primary: primaryErr, Fallback: fallbackErr}
}

func (a *Adapter) try(ctx context.Context, s Strategy, cred token.Credential, ev Events) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	h, err := s.Open(ctx, cred, ev)
	metrics.StageLatency.WithLabelValues("transport_" + string(s.Mode())).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.TransportOpensTotal.WithLabelValues(string(s.Mode()), "error").Inc()
		return nil, fmt.Errorf("%s: %w", s.Mode(), err)
	}
	metrics.TransportOpensTotal.WithLabelValues(string(s.Mode()), "ok").Inc()
	a.logger.Info("transport open", zap.String("mode", string(s.Mode())), zap.String("room", cred.Room))
	return h, nil
}
