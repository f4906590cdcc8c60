// Package endpoint holds the ordered list of candidate token backends and
// probes them for reachability.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mm-agent/voicecall/internal/config"
)

const maxURLLength = 2048

var (
	// ErrNoCandidates is returned when the candidate list is empty.
	ErrNoCandidates = errors.New("no candidate endpoints")
	// ErrEndpointUnreachable is returned together with the first candidate
	// when no candidate answered its probe.
	ErrEndpointUnreachable = errors.New("no candidate endpoint is reachable")
)

// Endpoint is a named backend location exposing a token-issuing path.
type Endpoint struct {
	Name      string
	BaseURL   string
	TokenPath string
	// TransportURL is used when a token response carries no wsUrl.
	TransportURL string
}

// FromConfig converts configured endpoints, keeping their order.
func FromConfig(cfgs []config.Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Endpoint{
			Name:         c.Name,
			BaseURL:      c.BaseURL,
			TokenPath:    c.TokenPath,
			TransportURL: c.TransportURL,
		})
	}
	return out
}

// URL returns the absolute token URL.
func (e Endpoint) URL() string {
	if e.BaseURL == "" {
		return e.TokenPath
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(e.TokenPath, "/")
}

// PollURL returns the token URL of the polling variant: a trailing "/token"
// becomes "/token-poll", any other path gets a "-poll" suffix.
func (e Endpoint) PollURL() string {
	u := e.URL()
	if strings.HasSuffix(u, "/token") {
		return u + "-poll"
	}
	return strings.TrimRight(u, "/") + "-poll"
}

// Validate checks that the endpoint's token URL is safe to request:
//   - max length 2048 characters
//   - scheme must be http or https
//   - no embedded credentials (user:pass@host)
//   - a hostname is present
//
// Private and loopback hosts are allowed; the primary endpoint is usually the
// local proxy.
func Validate(e Endpoint) error {
	rawURL := e.URL()
	if len(rawURL) > maxURLLength {
		return fmt.Errorf("endpoint %s: URL too long (%d chars, max %d)", e.Name, len(rawURL), maxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("endpoint %s: invalid URL: %w", e.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %s: unsupported scheme %q: only http and https are allowed", e.Name, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("endpoint %s: URLs with embedded credentials are not allowed", e.Name)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("endpoint %s: URL has no hostname", e.Name)
	}
	return nil
}

// ValidateAll validates every candidate and rejects an empty list.
func ValidateAll(candidates []Endpoint) error {
	if len(candidates) == 0 {
		return ErrNoCandidates
	}
	var errs []error
	for _, c := range candidates {
		if err := Validate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
