// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt outcomes for the attempts counter.
const (
	outcomeSuccess          = "success"
	outcomeInvalid          = "invalid_credentials"
	outcomeLocked           = "locked"
	outcomeTimeout          = "timeout"
	outcomeStoreUnavailable = "store_unavailable"
)

// Metrics holds the gate's Prometheus instruments.
type Metrics struct {
	attempts       *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	verifyDuration prometheus.Histogram
	limboActive    prometheus.Gauge
}

// NewMetrics registers the gate's instruments with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexauth_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexauth_gate_transitions_total",
			Help: "State machine transitions by destination state.",
		}, []string{"state"}),
		verifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexauth_verify_duration_seconds",
			Help:    "Credential verification round-trip duration.",
			Buckets: prometheus.DefBuckets,
		}),
		limboActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexauth_limbo_connections",
			Help: "Connections currently held in limbo.",
		}),
	}
}
