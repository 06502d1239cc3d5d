// Package metrics records session lifecycle metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the interface for recording metrics.
// Implementations are PrometheusRecorder for production and NoopRecorder for
// disabled/testing.
type Recorder interface {
	// RecordRefresh records a provider refresh round-trip for an operation.
	RecordRefresh(operation string, success bool)

	// RecordRetryAttempt records an attempt made by the retry orchestrator.
	RecordRetryAttempt(operation string, attempt int)

	// RecordRecovery records a recovery strategy outcome.
	RecordRecovery(strategy, outcome string)

	// RecordSignIn records a completed or failed sign-in.
	RecordSignIn(success bool)
}

// NoopRecorder is a no-op implementation for when metrics are disabled.
type NoopRecorder struct{}

// NewNoopRecorder creates a new no-op metrics recorder.
func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

// RecordRefresh is a no-op.
func (n *NoopRecorder) RecordRefresh(operation string, success bool) {}

// RecordRetryAttempt is a no-op.
func (n *NoopRecorder) RecordRetryAttempt(operation string, attempt int) {}

// RecordRecovery is a no-op.
func (n *NoopRecorder) RecordRecovery(strategy, outcome string) {}

// RecordSignIn is a no-op.
func (n *NoopRecorder) RecordSignIn(success bool) {}

// PrometheusRecorder records metrics using Prometheus.
type PrometheusRecorder struct {
	refreshTotal       *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	recoveryTotal      *prometheus.CounterVec
	signInTotal        *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered with the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWithRegistry creates a recorder with a custom registry.
// Use this for testing.
func NewPrometheusRecorderWithRegistry(reg prometheus.Registerer) *PrometheusRecorder {
	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_auth_token_refresh_total",
		Help: "Total token refresh round-trips",
	}, []string{"operation", "result"})

	retryAttemptsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_auth_retry_attempts_total",
		Help: "Total attempts made by the retry orchestrator",
	}, []string{"operation", "kind"})

	recoveryTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_auth_recovery_total",
		Help: "Total recovery strategy outcomes",
	}, []string{"strategy", "outcome"})

	signInTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_auth_sign_in_total",
		Help: "Total sign-in attempts",
	}, []string{"result"})

	reg.MustRegister(refreshTotal, retryAttemptsTotal, recoveryTotal, signInTotal)

	return &PrometheusRecorder{
		refreshTotal:       refreshTotal,
		retryAttemptsTotal: retryAttemptsTotal,
		recoveryTotal:      recoveryTotal,
		signInTotal:        signInTotal,
	}
}

// RecordRefresh records a refresh round-trip.
func (p *PrometheusRecorder) RecordRefresh(operation string, success bool) {
	p.refreshTotal.WithLabelValues(operation, resultLabel(success)).Inc()
}

// RecordRetryAttempt records an attempt; first attempts and retries are labelled apart.
func (p *PrometheusRecorder) RecordRetryAttempt(operation string, attempt int) {
	kind := "retry"
	if attempt <= 1 {
		kind = "initial"
	}
	p.retryAttemptsTotal.WithLabelValues(operation, kind).Inc()
}

// RecordRecovery records a recovery outcome.
func (p *PrometheusRecorder) RecordRecovery(strategy, outcome string) {
	p.recoveryTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordSignIn records a sign-in result.
func (p *PrometheusRecorder) RecordSignIn(success bool) {
	p.signInTotal.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
