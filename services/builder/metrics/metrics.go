// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics exports the builder pipeline's Prometheus metrics and
// the hook adapters that feed them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/flowforge/services/builder/session"
)

var (
	// phaseDuration tracks per-phase latency by outcome
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowforge_phase_duration_seconds",
		Help:    "Pipeline phase duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
	}, []string{"phase", "outcome"})

	// parserRecoveries counts malformed model outputs salvaged by repair
	parserRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_parser_recoveries_total",
		Help: "Model outputs recovered by the repair parser, by phase",
	}, []string{"phase"})

	// storeConflicts counts version-conflict retries on session writes
	storeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_store_conflict_retries_total",
		Help: "Session store writes retried after a version conflict",
	})

	// tokenAlerts counts usage threshold crossings
	tokenAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_token_threshold_alerts_total",
		Help: "Sessions crossing a token usage threshold multiple",
	})

	// sessionsFinished counts pipeline runs by how they ended
	sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_sessions_finished_total",
		Help: "Pipeline runs finished, by status",
	}, []string{"status"})
)

// PhaseHooks implements the phase lifecycle hooks against the
// package metrics. The zero value is usable.
type PhaseHooks struct{}

func (PhaseHooks) PhaseFinished(phase session.Phase, seconds float64, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	phaseDuration.WithLabelValues(string(phase), outcome).Observe(seconds)
}

func (PhaseHooks) ParserRecovered(phase session.Phase) {
	parserRecoveries.WithLabelValues(string(phase)).Inc()
}

func (PhaseHooks) StoreConflictRetries(n int) {
	storeConflicts.Add(float64(n))
}

// TokenAlert is an oplog alert hook that counts threshold crossings.
func TokenAlert(sessionID string, multiple int) {
	tokenAlerts.Inc()
}

// SessionFinished records a pipeline run outcome.
func SessionFinished(status string) {
	sessionsFinished.WithLabelValues(status).Inc()
}
