// Package metrics provides Prometheus metrics for panelauth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/panelauth/internal/password"
)

var (
	// AuthDecisions counts guard outcomes by internal reason.
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panelauth",
			Name:      "auth_decisions_total",
			Help:      "Access guard decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	// CSRFRejections counts failed double-submit checks.
	CSRFRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panelauth",
			Name:      "csrf_rejections_total",
			Help:      "Requests rejected by the CSRF guard",
		},
		[]string{"reason"},
	)

	// TokenIssues counts issued token pairs by trigger (login, refresh).
	TokenIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panelauth",
			Name:      "token_pairs_issued_total",
			Help:      "Token pairs issued",
		},
		[]string{"trigger"},
	)

	// Logins counts login attempts by result.
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panelauth",
			Name:      "logins_total",
			Help:      "Login attempts by result",
		},
		[]string{"result"},
	)

	// PasswordDuration measures hash and verify work inside the worker pool.
	PasswordDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "panelauth",
			Name:      "password_duration_seconds",
			Help:      "Duration of password hash operations in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op", "algorithm"},
	)
)

// RecordDecision records a guard outcome.
func RecordDecision(outcome, reason string) {
	AuthDecisions.WithLabelValues(outcome, reason).Inc()
}

// RecordCSRFRejection records a CSRF failure.
func RecordCSRFRejection(reason string) {
	CSRFRejections.WithLabelValues(reason).Inc()
}

// RecordIssue records an issued pair.
func RecordIssue(trigger string) {
	TokenIssues.WithLabelValues(trigger).Inc()
}

// RecordLogin records a login attempt.
func RecordLogin(result string) {
	Logins.WithLabelValues(result).Inc()
}

// ObservePassword matches password.Observer.
func ObservePassword(op string, alg password.Algorithm, d time.Duration) {
	PasswordDuration.WithLabelValues(op, alg.String()).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
