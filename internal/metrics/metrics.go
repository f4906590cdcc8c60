package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_active_calls",
		Help: "Number of calls currently holding a transport session",
	})
	ActiveSinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_active_playback_sinks",
		Help: "Number of remote audio tracks attached to a playback sink",
	})
	BridgeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_bridge_clients",
		Help: "Number of host pages connected to the bridge",
	})
)

// Counters
var (
	EndpointProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_endpoint_probes_total",
		Help: "Endpoint reachability probes by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	AssessmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_restriction_assessments_total",
		Help: "Network restriction assessments by severity",
	}, []string{"severity"})
	TokenRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_token_requests_total",
		Help: "Token requests by strategy and outcome",
	}, []string{"strategy", "outcome"})
	TransportOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_transport_opens_total",
		Help: "Transport open attempts by mode and outcome",
	}, []string{"mode", "outcome"})
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_calls_total",
		Help: "Call attempts by final outcome",
	}, []string{"outcome"})
	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_phase_transitions_total",
		Help: "Published call state snapshots by phase",
	}, []string{"phase"})
	ProxyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecall_proxy_backend_errors_total",
		Help: "Proxied requests that failed to reach the backend",
	})
)

// Histograms
var (
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicecall_stage_duration_ms",
		Help:    "Call setup stage duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000, 15000},
	}, []string{"stage"})
)
