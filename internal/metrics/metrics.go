// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unlockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigil_unlock_attempts_total",
		Help: "Unlock attempts by outcome",
	}, []string{"outcome"})

	sessionPurges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigil_session_purges_total",
		Help: "Cached DEK purges by reason",
	}, []string{"reason"})

	cipherFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigil_cipher_failures_total",
		Help: "Content encryption or decryption failures",
	}, []string{"op"})

	bridgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigil_bridge_requests_total",
		Help: "Credential bridge requests by message kind and outcome",
	}, []string{"kind", "outcome"})
)

// RecordUnlock counts an unlock attempt. outcome is one of "ok", "failed",
// "invalid", "error", "cancelled".
func RecordUnlock(outcome string) {
	unlockAttempts.WithLabelValues(outcome).Inc()
}

// RecordPurge counts a cached key purge.
func RecordPurge(reason string) {
	sessionPurges.WithLabelValues(reason).Inc()
}

// RecordCipherFailure counts a failed encrypt or decrypt.
func RecordCipherFailure(op string) {
	cipherFailures.WithLabelValues(op).Inc()
}

// RecordBridge counts a bridge message.
func RecordBridge(kind, outcome string) {
	bridgeRequests.WithLabelValues(kind, outcome).Inc()
}
