package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/metrics"
)

// ProbeResult is the outcome of one reachability probe.
type ProbeResult struct {
	Endpoint  Endpoint
	Reachable bool
	Status    int
	Latency   time.Duration
	Err       error
}

// Prober checks candidate endpoints in priority order.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewProber creates a prober whose probes are bounded by timeout.
// A nil client selects http.DefaultClient.
func NewProber(client *http.Client, timeout time.Duration, logger *zap.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{client: client, timeout: timeout, logger: logger}
}

// Probe issues a GET against the endpoint's token path. The endpoint is
// reachable on a 2xx or a 405: the latter still proves the process is alive
// and routable, only the verb is wrong.
func (p *Prober) Probe(ctx context.Context, e Endpoint) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := ProbeResult{Endpoint: e}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL(), nil)
	if err != nil {
		res.Err = fmt.Errorf("build probe request: %w", err)
		return res
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.Status = resp.StatusCode
	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusMethodNotAllowed {
		res.Reachable = true
	} else {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return res
}

// FindReachable returns the first candidate, in order, whose probe succeeds.
// When none does, it returns the first candidate together with
// ErrEndpointUnreachable; the endpoint is still usable and the token
// exchange will surface the real failure.
func (p *Prober) FindReachable(ctx context.Context, candidates []Endpoint) (Endpoint, error) {
	if len(candidates) == 0 {
		return Endpoint{}, ErrNoCandidates
	}

	for _, c := range candidates {
		res := p.Probe(ctx, c)
		if res.Reachable {
			metrics.EndpointProbesTotal.WithLabelValues(c.Name, "reachable").Inc()
			p.logger.Info("using endpoint",
				zap.String("endpoint", c.Name),
				zap.String("url", c.URL()),
				zap.Int("status", res.Status),
				zap.Duration("latency", res.Latency),
			)
			return c, nil
		}
		metrics.EndpointProbesTotal.WithLabelValues(c.Name, "unreachable").Inc()
		p.logger.Warn("endpoint not available",
			zap.String("endpoint", c.Name),
			zap.Duration("latency", res.Latency),
			zap.Error(res.Err),
		)
	}

	p.logger.Warn("all endpoints failed, using primary as fallback",
		zap.String("endpoint", candidates[0].Name))
	return candidates[0], ErrEndpointUnreachable
}
