// Package token exchanges an identity for a short-lived media session token.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/endpoint"
	"github.com/mm-agent/voicecall/internal/metrics"
	"github.com/mm-agent/voicecall/internal/restriction"
)

// DefaultRoom is used when no room is configured.
const DefaultRoom = "voice-assistant-room"

// Credential is what the transport needs to join a room. It lives for one
// call attempt only.
type Credential struct {
	Token        string
	TransportURL string
	Identity     string
	Room         string
}

// TokenError reports a failed exchange. Status is zero when the request never
// produced an HTTP response.
type TokenError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("token request failed: status %d: %s", e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("token request failed: status %d", e.Status)
	default:
		return fmt.Sprintf("token request failed: %v", e.Err)
	}
}

func (e *TokenError) Unwrap() error { return e.Err }

type tokenRequest struct {
	Method   string `json:"method,omitempty"`
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	WsURL    string `json:"wsUrl"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

// Exchanger requests tokens from the selected endpoint.
type Exchanger struct {
	client   *http.Client
	timeout  time.Duration
	identity string
	room     string
	logger   *zap.Logger
	now      func() time.Time
}

// NewExchanger creates an exchanger. Empty identity selects a per-call
// "user-<unix ms>" identity; empty room selects DefaultRoom.
func NewExchanger(client *http.Client, timeout time.Duration, identity, room string, logger *zap.Logger) *Exchanger {
	if client == nil {
		client = http.DefaultClient
	}
	if room == "" {
		room = DefaultRoom
	}
	return &Exchanger{
		client:   client,
		timeout:  timeout,
		identity: identity,
		room:     room,
		logger:   logger,
		now:      time.Now,
	}
}

// GetCredential picks the strategy from the assessment and performs exactly
// one request. High severity uses the polling path; everything else the
// primary path. A failed polling request is not retried on the primary path.
//
// The request is detached from ctx cancellation and bounded by the
// exchanger's own timeout; callers check ctx themselves once it returns.
func (x *Exchanger) GetCredential(ctx context.Context, ep endpoint.Endpoint, a restriction.Assessment) (Credential, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.timeout)
	defer cancel()

	identity := x.identity
	if identity == "" {
		identity = fmt.Sprintf("user-%d", x.now().UnixMilli())
	}

	strategy := "primary"
	url := ep.URL()
	body := tokenRequest{Identity: identity, Room: x.room}
	if a.Severity == restriction.SeverityHigh {
		strategy = "polling"
		url = ep.PollURL()
		body.Method = "polling"
	}

	logger := x.logger.With(
		zap.String("endpoint", ep.Name),
		zap.String("strategy", strategy),
		zap.String("identity", identity),
	)

	start := time.Now()
	cred, err := x.request(ctx, url, body, ep)
	metrics.StageLatency.WithLabelValues("token").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.TokenRequestsTotal.WithLabelValues(strategy, "error").Inc()
		logger.Error("token request failed", zap.String("url", url), zap.Error(err))
		return Credential{}, err
	}

	metrics.TokenRequestsTotal.WithLabelValues(strategy, "ok").Inc()
	logger.Info("token received",
		zap.String("token_prefix", prefix(cred.Token, 20)),
		zap.String("transport_url", cred.TransportURL),
		zap.String("room", cred.Room),
	)
	return cred, nil
}

func (x *Exchanger) request(ctx context.Context, url string, body tokenRequest, ep endpoint.Endpoint) (Credential, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return Credential{}, &TokenError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Credential{}, &TokenError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return Credential{}, &TokenError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Credential{}, &TokenError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, &TokenError{Status: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.Token == "" {
		return Credential{}, &TokenError{Status: resp.StatusCode, Err: fmt.Errorf("response carries no token")}
	}

	cred := Credential{
		Token:        tr.Token,
		TransportURL: tr.WsURL,
		Identity:     tr.Identity,
		Room:         tr.Room,
	}
	if cred.TransportURL == "" {
		cred.TransportURL = ep.TransportURL
	}
	if cred.TransportURL == "" {
		return Credential{}, &TokenError{Status: resp.StatusCode, Err: fmt.Errorf("no transport url for endpoint %s", ep.Name)}
	}
	if cred.Identity == "" {
		cred.Identity = body.Identity
	}
	if cred.Room == "" {
		cred.Room = body.Room
	}
	return cred, nil
}

// prefix never returns more than half of s.
func prefix(s string, n int) string {
	if n > len(s)/2 {
		n = len(s) / 2
	}
	return s[:n] + "..."
}
