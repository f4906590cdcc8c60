// Package restriction estimates whether the current network blocks real-time
// transports. The estimate only selects which token strategy to try first.
package restriction

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/config"
	"github.com/mm-agent/voicecall/internal/metrics"
)

// Severity classifies how hostile the network is to real-time transports.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Assessment is the outcome of one run of the check battery.
type Assessment struct {
	IsRestricted bool     `json:"isRestricted"`
	Severity     Severity `json:"severity"`
	Successes    int      `json:"successes"`
}

// Classify maps the number of successful checks to an assessment:
// 0 is high, 1 is medium, 2 or more is low.
func Classify(successes int) Assessment {
	switch {
	case successes <= 0:
		return Assessment{IsRestricted: true, Severity: SeverityHigh, Successes: 0}
	case successes == 1:
		return Assessment{IsRestricted: true, Severity: SeverityMedium, Successes: 1}
	default:
		return Assessment{IsRestricted: false, Severity: SeverityLow, Successes: successes}
	}
}

// Detector runs a fixed battery of independent checks concurrently.
type Detector struct {
	checks  []Check
	timeout time.Duration
	logger  *zap.Logger
}

// NewDetector creates a detector; each check is bounded by timeout.
func NewDetector(checks []Check, timeout time.Duration, logger *zap.Logger) *Detector {
	return &Detector{checks: checks, timeout: timeout, logger: logger}
}

// FromConfig builds the check battery in configured order.
func FromConfig(cfgs []config.Check, client *http.Client) []Check {
	checks := make([]Check, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Kind {
		case config.CheckKindSTUN:
			checks = append(checks, STUNCheck{Addr: c.Target})
		default:
			checks = append(checks, HTTPCheck{URL: c.Target, Client: client})
		}
	}
	return checks
}

// Assess runs every check and counts the ones that completed without error.
// A panic escaping the battery is treated as the high severity outcome.
func (d *Detector) Assess(ctx context.Context) Assessment {
	start := time.Now()
	var successes atomic.Int32

	var wg conc.WaitGroup
	for _, c := range d.checks {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := c.Run(cctx); err != nil {
				d.logger.Debug("restriction check failed", zap.String("check", c.Name()), zap.Error(err))
				return
			}
			successes.Add(1)
		})
	}

	var a Assessment
	if r := wg.WaitAndRecover(); r != nil {
		d.logger.Error("restriction battery panicked", zap.Error(r.AsError()))
		a = Classify(0)
	} else {
		a = Classify(int(successes.Load()))
	}

	metrics.AssessmentsTotal.WithLabelValues(string(a.Severity)).Inc()
	metrics.StageLatency.WithLabelValues("assess").Observe(float64(time.Since(start).Milliseconds()))
	d.logger.Info("network assessed",
		zap.String("severity", string(a.Severity)),
		zap.Bool("restricted", a.IsRestricted),
		zap.Int("successes", a.Successes),
		zap.Int("checks", len(d.checks)),
	)
	return a
}
