package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/token"
)

// HTTPPolling is the degraded transport for networks that block real-time
// media. It confirms the transport host answers over plain HTTP(S) and hands
// back a session without media.
type HTTPPolling struct {
	client     *http.Client
	maxRetries uint64
	initial    time.Duration
	logger     *zap.Logger
}

// NewHTTPPolling creates the fallback strategy. A nil client selects
// http.DefaultClient.
func NewHTTPPolling(client *http.Client, maxRetries int, logger *zap.Logger) *HTTPPolling {
	if client == nil {
		client = http.DefaultClient
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPPolling{
		client:     client,
		maxRetries: uint64(maxRetries),
		initial:    250 * time.Millisecond,
		logger:     logger,
	}
}

func (p *HTTPPolling) Mode() Mode { return ModeHTTPFallback }

type pollingHandle struct{}

func (pollingHandle) Close() error { return nil }

func (p *HTTPPolling) Open(ctx context.Context, cred token.Credential, ev Events) (Handle, error) {
	target, err := httpURL(cred.TransportURL)
	if err != nil {
		return nil, err
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = p.initial
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, p.maxRetries)
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Debug("fallback host not answering", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return nil, fmt.Errorf("fallback host %s unreachable after %d attempts: %w", target, attempt, err)
	}
	p.logger.Info("fallback transport ready", zap.String("url", target), zap.Int("attempts", attempt))
	return pollingHandle{}, nil
}

// httpURL maps a websocket URL onto the HTTP(S) URL of the same host.
func httpURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse transport url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport url %q has no host", raw)
	}
	return u.String(), nil
}
