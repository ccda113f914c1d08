// Package metrics registers the Prometheus collectors exposed on /metrics,
// grounded on the teacher's promhttp.Handler() wiring in handler.go and
// cmd/api/main.go. Unlike the teacher, which only serves the default
// registry's process/go collectors, this gateway also tracks requests,
// debits, denials, and window rejections so operators can see billing and
// rate-limit behavior without grepping logs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts every billed request the billing stage dispatched
	// to its handler, labeled by endpoint and outcome ("success", "failure").
	// Requests rejected before dispatch (no principal, preflight 402) are not
	// counted here.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total billed requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// TokensConsumedTotal sums tokens actually debited, labeled by endpoint.
	TokensConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_consumed_total",
		Help: "Total tokens debited by endpoint.",
	}, []string{"endpoint"})

	// InsufficientBalanceTotal counts preflight 402s, labeled by endpoint.
	InsufficientBalanceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_insufficient_balance_total",
		Help: "Total requests rejected for insufficient balance, by endpoint.",
	}, []string{"endpoint"})

	// RateLimitRejectionsTotal counts 429s, labeled by the window that
	// tripped (minute/hour/day).
	RateLimitRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_rejections_total",
		Help: "Total requests rejected by the rate limiter, by window.",
	}, []string{"window"})

	// RequestDuration observes end-to-end handler latency in seconds,
	// labeled by endpoint.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Request latency in seconds, by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(RequestsTotal, TokensConsumedTotal, InsufficientBalanceTotal, RateLimitRejectionsTotal, RequestDuration)
}

// Handler exposes the default registry the same way the teacher's
// createHTTPServer mounts /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
