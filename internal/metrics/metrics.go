// Package metrics holds the Prometheus collectors for the gateway. All
// collectors live on a private registry exposed by Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NinoDja/readwise-mcp-remote3/internal/auth"
	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
)

const namespace = "readwise_mcp"

// Gateway call outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeUnauthorized     = "unauthorized"
	OutcomeMethodNotAllowed = "method_not_allowed"
	OutcomeClientError      = "client_error"
	OutcomeServerError      = "server_error"
	OutcomeCanceled         = "canceled"
	OutcomePanic            = "panic"
)

// Metrics is the set of collectors. The zero value is not usable; call New.
type Metrics struct {
	registry *prometheus.Registry

	calls            *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	toolCalls        *prometheus.CounterVec
	upstream         *prometheus.HistogramVec
	tokensIssued     *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	credentialsSwept *prometheus.CounterVec
}

// New creates and registers every collector, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Requests to /call by outcome.",
		}, []string{"outcome"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently holding a per-call server.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of Readwise API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"surface", "method", "status"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens minted by grant type.",
		}, []string{"grant_type"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authorize and token requests by OAuth error code.",
		}, []string{"reason"}),
		credentialsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_swept_total",
			Help:      "Expired credentials removed by the sweep loop.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls,
		m.activeCalls,
		m.toolCalls,
		m.upstream,
		m.tokensIssued,
		m.authFailures,
		m.credentialsSwept,
	)

	return m
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchStore exports the broker's live credential counts as gauges read at
// scrape time.
func (m *Metrics) WatchStore(counts func() auth.Counts) {
	for kind, get := range map[string]func(auth.Counts) int{
		"codes":          func(c auth.Counts) int { return c.Codes },
		"tokens":         func(c auth.Counts) int { return c.Tokens },
		"refresh_tokens": func(c auth.Counts) int { return c.RefreshTokens },
	} {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "stored_credentials",
			Help:        "Credentials currently held by the broker.",
			ConstLabels: prometheus.Labels{"kind": kind},
		}, func() float64 { return float64(get(counts())) }))
	}
}

// CallStarted increments the active-call gauge.
func (m *Metrics) CallStarted() {
	m.activeCalls.Inc()
}

// CallFinished decrements the active-call gauge.
func (m *Metrics) CallFinished() {
	m.activeCalls.Dec()
}

// CallOutcome counts one /call request.
func (m *Metrics) CallOutcome(outcome string) {
	m.calls.WithLabelValues(outcome).Inc()
}

// ToolCall counts one tool invocation. outcome is "ok", "tool_error" or
// "rpc_error".
func (m *Metrics) ToolCall(tool, outcome string) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObserveUpstream implements readwise.Observer.
func (m *Metrics) ObserveUpstream(surface readwise.Surface, method string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}

	m.upstream.WithLabelValues(string(surface), method, code).Observe(elapsed.Seconds())
}

// TokenIssued implements auth.Recorder.
func (m *Metrics) TokenIssued(grantType string) {
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

// AuthFailure implements auth.Recorder.
func (m *Metrics) AuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// Swept implements auth.Recorder.
func (m *Metrics) Swept(codes, tokens, refreshTokens int) {
	m.credentialsSwept.WithLabelValues("codes").Add(float64(codes))
	m.credentialsSwept.WithLabelValues("tokens").Add(float64(tokens))
	m.credentialsSwept.WithLabelValues("refresh_tokens").Add(float64(refreshTokens))
}

var (
	_ auth.Recorder     = (*Metrics)(nil)
	_ readwise.Observer = (*Metrics)(nil)
)
