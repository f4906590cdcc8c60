// Package session owns the call lifecycle: permission, endpoint discovery,
// token exchange and transport, and publishes every state change to
// observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/endpoint"
	"github.com/mm-agent/voicecall/internal/media"
	"github.com/mm-agent/voicecall/internal/metrics"
	"github.com/mm-agent/voicecall/internal/restriction"
	"github.com/mm-agent/voicecall/internal/token"
	"github.com/mm-agent/voicecall/internal/transport"
)

// EndpointFinder selects the endpoint to use.
type EndpointFinder interface {
	FindReachable(ctx context.Context, candidates []endpoint.Endpoint) (endpoint.Endpoint, error)
}

// Assessor estimates network restriction.
type Assessor interface {
	Assess(ctx context.Context) restriction.Assessment
}

// CredentialSource exchanges an identity for a session credential.
type CredentialSource interface {
	GetCredential(ctx context.Context, ep endpoint.Endpoint, a restriction.Assessment) (token.Credential, error)
}

// TransportOpener opens the media session.
type TransportOpener interface {
	Open(ctx context.Context, cred token.Credential, ev transport.Events) (transport.Handle, transport.Mode, error)
}

// Options wires a Controller.
type Options struct {
	Endpoints  []endpoint.Endpoint
	Prober     EndpointFinder
	Detector   Assessor
	Tokens     CredentialSource
	Transport  TransportOpener
	Microphone media.Microphone
	Logger     *zap.Logger
}

type subscription struct {
	id int
	o  Observer
}

// Controller runs at most one call at a time.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	handle    transport.Handle
	cred      *token.Credential
	aborting  bool
	destroyed bool
	inflight  chan struct{}
	live      bool
	subs      []subscription
	nextSub   int

	// pending holds a terminal transport event that arrived while the
	// transport was still opening.
	pending *Error

	// emitMu is taken before mu is released so snapshots reach observers in
	// transition order.
	emitMu sync.Mutex
}

// New creates an idle controller.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		opts:   opts,
		logger: opts.Logger,
		state:  initialState(),
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers o and returns a function that removes it.
func (c *Controller) Subscribe(o Observer) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscription{id: id, o: o})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// publishLocked applies fn and delivers the resulting snapshot. c.mu must be
// held and is released before observers run.
func (c *Controller) publishLocked(fn func(*State)) {
	fn(&c.state)
	snap := c.state
	obs := make([]Observer, len(c.subs))
	for i, s := range c.subs {
		obs[i] = s.o
	}

	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, o := range obs {
		o.OnState(snap)
	}
}

func message(err error) *string {
	m := err.Error()
	return &m
}

// StartCall runs the call setup to completion. It returns ErrCallInProgress
// without side effects while another call is active.
func (c *Controller) StartCall(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state.Phase != PhaseIdle && c.state.Phase != PhaseError {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.gen++
	gen := c.gen
	c.aborting = false
	c.pending = nil
	done := make(chan struct{})
	c.inflight = done
	defer func() {
		c.mu.Lock()
		if c.inflight == done {
			c.inflight = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	start := time.Now()
	logger := c.logger.With(zap.Uint64("call", gen))
	logger.Info("starting call")
	c.publishLocked(func(s *State) {
		s.Phase = PhaseRequestingPermission
		s.MicPermission = MicPrompt
		s.ErrorMessage = nil
		s.EndpointName = ""
	})

	// The probe stream never outlives this step.
	stream, err := c.opts.Microphone.Acquire(ctx)
	if stream != nil {
		stream.Stop()
	}
	if err != nil && ctx.Err() != nil {
		return c.abort(logger, nil, ctx.Err())
	}
	if err != nil {
		return c.fail(logger, &Error{Kind: KindPermissionDenied, Err: err}, nil, func(s *State) {
			s.MicPermission = MicDenied
		})
	}
	if cause := c.interrupted(ctx); cause != nil {
		return c.abort(logger, nil, cause)
	}

	c.mu.Lock()
	c.publishLocked(func(s *State) {
		s.Phase = PhaseConnecting
		s.MicPermission = MicGranted
	})

	ep, err := c.opts.Prober.FindReachable(ctx, c.opts.Endpoints)
	if err != nil {
		if !errors.Is(err, endpoint.ErrEndpointUnreachable) {
			return c.fail(logger, &Error{Kind: KindEndpointUnreachable, Err: err}, nil, nil)
		}
		logger.Warn("no endpoint answered, continuing with default", zap.String("endpoint", ep.Name))
	}
	if cause := c.interrupted(ctx); cause != nil {
		return c.abort(logger, nil, cause)
	}
	c.mu.Lock()
	c.publishLocked(func(s *State) { s.EndpointName = ep.Name })

	assessment := c.opts.Detector.Assess(ctx)
	if cause := c.interrupted(ctx); cause != nil {
		return c.abort(logger, nil, cause)
	}

	cred, err := c.opts.Tokens.GetCredential(ctx, ep, assessment)
	if err != nil {
		return c.fail(logger, &Error{Kind: KindTokenError, Err: err}, nil, nil)
	}
	c.mu.Lock()
	c.cred = &cred
	c.mu.Unlock()
	if cause := c.interrupted(ctx); cause != nil {
		return c.abort(logger, nil, cause)
	}

	h, mode, err := c.opts.Transport.Open(ctx, cred, &events{c: c, gen: gen})
	if err != nil {
		return c.fail(logger, &Error{Kind: KindTransportFatal, Err: err}, nil, nil)
	}
	c.mu.Lock()
	if c.aborting || ctx.Err() != nil {
		cause := ctx.Err()
		if c.aborting {
			cause = ErrCallAborted
		}
		c.mu.Unlock()
		return c.abort(logger, h, cause)
	}
	if lost := c.pending; lost != nil {
		c.pending = nil
		c.mu.Unlock()
		return c.fail(logger, lost, h, nil)
	}
	c.handle = h
	c.live = true
	metrics.ActiveCalls.Inc()
	metrics.CallsTotal.WithLabelValues("connected").Inc()
	metrics.StageLatency.WithLabelValues("call_setup").Observe(float64(time.Since(start).Milliseconds()))
	logger.Info("call connected",
		zap.String("endpoint", ep.Name),
		zap.String("mode", string(mode)),
		zap.String("severity", string(assessment.Severity)),
		zap.Duration("setup", time.Since(start)),
	)
	c.publishLocked(func(s *State) {
		s.Phase = PhaseConnected
		s.TransportMode = mode
	})
	return nil
}

// interrupted reports why an in-flight start must stop, if it must.
func (c *Controller) interrupted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborting {
		return ErrCallAborted
	}
	return ctx.Err()
}

// takeLocked detaches the session resources from the controller.
func (c *Controller) takeLocked() transport.Handle {
	h := c.handle
	c.handle = nil
	c.cred = nil
	if c.live {
		c.live = false
		metrics.ActiveCalls.Dec()
	}
	return h
}

// teardown releases a session handle. Every step runs; failures are logged.
func (c *Controller) teardown(logger *zap.Logger, handles ...transport.Handle) {
	var errs []error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("teardown incomplete", zap.Error(err))
	}
}

// fail releases everything acquired so far, including extra, and enters the
// error phase. A start the user already abandoned ends in idle instead.
func (c *Controller) fail(logger *zap.Logger, e *Error, extra transport.Handle, fn func(*State)) error {
	c.mu.Lock()
	if c.aborting {
		c.mu.Unlock()
		logger.Info("setup failed after abort was requested", zap.Error(e))
		return c.abort(logger, extra, ErrCallAborted)
	}
	h := c.takeLocked()
	c.pending = nil
	c.mu.Unlock()
	c.teardown(logger, h, extra)

	metrics.CallsTotal.WithLabelValues("failed").Inc()
	logger.Error("call failed", zap.String("kind", e.Kind.String()), zap.Error(e.Err))

	c.mu.Lock()
	c.publishLocked(func(s *State) {
		if fn != nil {
			fn(s)
		}
		s.Phase = PhaseError
		s.ErrorMessage = message(e)
	})
	return e
}

// abort tears down an interrupted start and returns to idle.
func (c *Controller) abort(logger *zap.Logger, extra transport.Handle, cause error) error {
	c.mu.Lock()
	h := c.takeLocked()
	c.aborting = false
	c.pending = nil
	c.publishLocked(func(s *State) { s.Phase = PhaseDisconnecting })

	c.teardown(logger, h, extra)
	metrics.CallsTotal.WithLabelValues("aborted").Inc()
	logger.Info("call aborted", zap.Error(cause))

	c.mu.Lock()
	c.publishLocked(func(s *State) {
		s.Phase = PhaseIdle
		s.ErrorMessage = nil
	})
	return &Error{Kind: KindAborted, Err: cause}
}

// EndCall hangs up. While a call is still being set up it requests an abort
// which the in-flight StartCall carries out.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.endLocked()
	return nil
}

// endLocked is called with c.mu held and releases it.
func (c *Controller) endLocked() {
	switch c.state.Phase {
	case PhaseRequestingPermission, PhaseConnecting:
		c.aborting = true
		c.mu.Unlock()
		c.logger.Info("abort requested during call setup")
		return
	case PhaseConnected, PhaseReconnecting, PhaseError:
	default:
		c.mu.Unlock()
		return
	}

	logger := c.logger.With(zap.Uint64("call", c.gen))
	c.gen++
	h := c.takeLocked()
	c.publishLocked(func(s *State) { s.Phase = PhaseDisconnecting })

	c.teardown(logger, h)
	logger.Info("call ended")

	c.mu.Lock()
	c.publishLocked(func(s *State) {
		s.Phase = PhaseIdle
		s.ErrorMessage = nil
	})
}

// Destroy ends any call, waits for an in-flight start to unwind and detaches
// all observers. The controller is unusable afterwards.
func (c *Controller) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	inflight := c.inflight
	if inflight != nil {
		c.aborting = true
	}
	c.mu.Unlock()

	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			return fmt.Errorf("destroy: %w", ctx.Err())
		}
	}

	c.mu.Lock()
	c.endLocked()

	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()
	c.logger.Info("controller destroyed")
	return nil
}

// lost handles an unrecoverable event from the session of generation gen.
func (c *Controller) lost(gen uint64, kind Kind, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state.Phase == PhaseConnecting {
		// StartCall picks this up once the transport open returns.
		if c.pending == nil {
			c.pending = &Error{Kind: kind, Err: err}
		}
		c.mu.Unlock()
		c.logger.Warn("transport lost while opening", zap.Uint64("call", gen), zap.Error(err))
		return
	}
	if c.state.Phase != PhaseConnected && c.state.Phase != PhaseReconnecting {
		c.mu.Unlock()
		return
	}
	logger := c.logger.With(zap.Uint64("call", gen))
	c.gen++
	h := c.takeLocked()
	e := &Error{Kind: kind, Err: err}
	metrics.CallsTotal.WithLabelValues("lost").Inc()
	logger.Error("call lost", zap.String("kind", kind.String()), zap.Error(err))
	c.publishLocked(func(s *State) {
		s.Phase = PhaseError
		s.ErrorMessage = message(e)
	})
	c.teardown(logger, h)
}

// events binds transport notifications to the call that opened the handle.
type events struct {
	c   *Controller
	gen uint64
}

func (e *events) Reconnecting() {
	c := e.c
	c.mu.Lock()
	if e.gen != c.gen || c.state.Phase != PhaseConnected {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("transport reconnecting", zap.Uint64("call", e.gen))
	c.publishLocked(func(s *State) { s.Phase = PhaseReconnecting })
}

func (e *events) Reconnected() {
	c := e.c
	c.mu.Lock()
	if e.gen != c.gen || c.state.Phase != PhaseReconnecting {
		c.mu.Unlock()
		return
	}
	c.logger.Info("transport reconnected", zap.Uint64("call", e.gen))
	c.publishLocked(func(s *State) { s.Phase = PhaseConnected })
}

func (e *events) Disconnected(err error) { e.c.lost(e.gen, KindTransportFatal, err) }

func (e *events) DeviceError(err error) { e.c.lost(e.gen, KindMediaDevice, err) }
