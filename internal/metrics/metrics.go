// Package metrics exposes the router's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors wired through the pipeline and manager.
type Metrics struct {
	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	RunningServers   prometheus.Gauge
	RateLimitDenials *prometheus.CounterVec
	Approvals        *prometheus.CounterVec
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpr_tool_calls_total",
			Help: "Tool calls by server and outcome.",
		}, []string{"server_id", "outcome"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpr_tool_call_duration_seconds",
			Help:    "End-to-end tool call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server_id"}),
		RunningServers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpr_running_servers",
			Help: "Servers currently in the running state.",
		}),
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpr_ratelimit_denials_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"key_kind"}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpr_approvals_total",
			Help: "Approval requests by final status.",
		}, []string{"status"}),
	}
}
