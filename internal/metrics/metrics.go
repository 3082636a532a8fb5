// Package metrics provides Prometheus instrumentation for the match engine.
// It exposes counters for match creation and responses, a histogram of
// computed compatibility scores, and latency/error tracking for the NATS
// gateway and the backing stores.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchesCreated counts match rows created by FindOrCreate.
	MatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cozy_matches_created_total",
		Help: "Total number of match rows created",
	})

	// MatchResponses counts respond calls, labeled by decision and outcome:
	// "ok", "forbidden", "invalid_transition", "not_found" or "error".
	MatchResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cozy_match_responses_total",
		Help: "Total number of match responses processed",
	}, []string{"decision", "outcome"})

	// MatchScore records every freshly computed compatibility score.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cozy_match_score",
		Help:    "Distribution of computed compatibility scores",
		Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	// ScoreRefreshes counts refresh calls, labeled by whether the stored
	// score was rewritten ("true") or left as is ("false").
	ScoreRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cozy_score_refresh_total",
		Help: "Total number of score refreshes",
	}, []string{"updated"})

	// StoreErrors counts upstream store failures by operation.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cozy_store_errors_total",
		Help: "Total number of failed answer/match/profile store calls",
	}, []string{"op"})

	// RequestDuration records gateway request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cozy_request_duration_seconds",
		Help:    "Gateway request handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"subject"})

	// RateLimited counts requests rejected by the rate limiter, by rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cozy_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		MatchesCreated,
		MatchResponses,
		MatchScore,
		ScoreRefreshes,
		StoreErrors,
		RequestDuration,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
