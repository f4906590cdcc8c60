package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mm-agent/voicecall/internal/endpoint"
	"github.com/mm-agent/voicecall/internal/restriction"
)

// backend records every request path and body it receives.
type backend struct {
	mu       sync.Mutex
	paths    []string
	bodies   []map[string]string
	status   int
	response string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	b.bodies = append(b.bodies, body)
	b.mu.Unlock()

	if b.status != 0 {
		w.WriteHeader(b.status)
	}
	w.Write([]byte(b.response))
}

func (b *backend) requests() ([]string, []map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...), append([]map[string]string(nil), b.bodies...)
}

func newBackend(t *testing.T, status int, response string) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{status: status, response: response}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func newExchanger(t *testing.T) *Exchanger {
	x := NewExchanger(nil, time.Second, "", "", zaptest.NewLogger(t))
	x.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return x
}

func TestPrimaryStrategy(t *testing.T) {
	b, srv := newBackend(t, 0, `{"token":"abcdefghijklmnopqrstuvwxyz","wsUrl":"wss://media.example","room":"r1","identity":"u1"}`)
	ep := endpoint.Endpoint{Name: "B", BaseURL: srv.URL, TokenPath: "/api/token"}

	cred, err := newExchanger(t).GetCredential(context.Background(), ep, restriction.Classify(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Token != "abcdefghijklmnopqrstuvwxyz" || cred.TransportURL != "wss://media.example" {
		t.Errorf("unexpected credential %+v", cred)
	}
	paths, bodies := b.requests()
	if len(paths) != 1 || paths[0] != "/api/token" {
		t.Fatalf("expected one request to /api/token, got %v", paths)
	}
	if _, ok := bodies[0]["method"]; ok {
		t.Errorf("primary request must not carry a method: %v", bodies[0])
	}
	if bodies[0]["identity"] != "user-1700000000000" || bodies[0]["room"] != DefaultRoom {
		t.Errorf("unexpected request body %v", bodies[0])
	}
}

func TestMediumSeverityUsesPrimary(t *testing.T) {
	b, srv := newBackend(t, 0, `{"token":"tok-medium","wsUrl":"wss://m"}`)
	ep := endpoint.Endpoint{Name: "B", BaseURL: srv.URL, TokenPath: "/api/token"}

	if _, err := newExchanger(t).GetCredential(context.Background(), ep, restriction.Classify(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	paths, _ := b.requests()
	if paths[0] != "/api/token" {
		t.Errorf("expected primary path, got %s", paths[0])
	}
}

func TestHighSeverityUsesPollingWithoutPrimaryFallback(t *testing.T) {
	b, srv := newBackend(t, http.StatusServiceUnavailable, "poll unavailable")
	ep := endpoint.Endpoint{Name: "B", BaseURL: srv.URL, TokenPath: "/api/token"}

	_, err := newExchanger(t).GetCredential(context.Background(), ep, restriction.Classify(0))
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("expected TokenError, got %v", err)
	}
	if te.Status != http.StatusServiceUnavailable || te.Body != "poll unavailable" {
		t.Errorf("unexpected TokenError %+v", te)
	}
	paths, bodies := b.requests()
	if len(paths) != 1 || paths[0] != "/api/token-poll" {
		t.Fatalf("expected exactly one polling request, got %v", paths)
	}
	if bodies[0]["method"] != "polling" {
		t.Errorf("expected method=polling, got %v", bodies[0])
	}
}

func TestMissingFieldsFallBack(t *testing.T) {
	_, srv := newBackend(t, 0, `{"token":"tok-only"}`)
	ep := endpoint.Endpoint{Name: "B", BaseURL: srv.URL, TokenPath: "/api/token", TransportURL: "wss://default.example"}

	x := NewExchanger(nil, time.Second, "alice", "lobby", zaptest.NewLogger(t))
	cred, err := x.GetCredential(context.Background(), ep, restriction.Classify(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Credential{Token: "tok-only", TransportURL: "wss://default.example", Identity: "alice", Room: "lobby"}
	if cred != want {
		t.Errorf("got %+v, want %+v", cred, want)
	}
}

func TestBadResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"malformed json", 0, "{not json"},
		{"empty token", 0, `{"token":"","wsUrl":"wss://x"}`},
		{"no transport url", 0, `{"token":"tok"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newBackend(t, tt.status, tt.response)
			ep := endpoint.Endpoint{Name: "B", BaseURL: srv.URL, TokenPath: "/api/token"}
			_, err := newExchanger(t).GetCredential(context.Background(), ep, restriction.Classify(3))
			var te *TokenError
			if !errors.As(err, &te) {
				t.Fatalf("expected TokenError, got %v", err)
			}
		})
	}
}

func TestCancelledCallerStillCompletes(t *testing.T) {
	_, srv := newBackend(t, 0, `{"token":"tok-detached","wsUrl":"wss://x"}`)
	ep := endpoint.Endpoint{Name: "B", BaseURL: srv.URL, TokenPath: "/api/token"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newExchanger(t).GetCredential(ctx, ep, restriction.Classify(3)); err != nil {
		t.Fatalf("exchange should not observe caller cancellation: %v", err)
	}
}

func TestTransportFailureIsTokenError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ep := endpoint.Endpoint{Name: "gone", BaseURL: url, TokenPath: "/api/token"}
	_, err := newExchanger(t).GetCredential(context.Background(), ep, restriction.Classify(3))
	var te *TokenError
	if !errors.As(err, &te) || te.Status != 0 || te.Err == nil {
		t.Fatalf("expected wrapped transport failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "token request failed") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestPrefixNeverRevealsMostOfToken(t *testing.T) {
	if got := prefix("abcd", 20); got != "ab..." {
		t.Errorf("unexpected prefix %q", got)
	}
	if got := prefix(strings.Repeat("x", 100), 20); got != strings.Repeat("x", 20)+"..." {
		t.Errorf("unexpected prefix %q", got)
	}
}
