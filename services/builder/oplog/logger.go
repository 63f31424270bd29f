// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oplog batches session operations between durable flushes.
//
// Phases log operations as they work; the logger accumulates them and
// commits the batch through the session store in one conditional write.
// Critical operations (errors, clarification requests, archival) flush
// immediately so they survive a crash mid-phase. Token usage flows
// through the same path and trips threshold alerts at fixed multiples.
package oplog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

// AlertFunc receives token threshold alerts: the session id and the
// multiple of session.UsageThresholdStep that was crossed.
type AlertFunc func(sessionID string, multiple int)

// Logger accumulates operations for one session.
//
// Thread Safety: safe for concurrent use; configuration-phase worker
// tasks log from multiple goroutines.
type Logger struct {
	st        store.Store
	retryCfg  retry.Config
	sessionID string
	log       *slog.Logger
	onAlert   AlertFunc

	mu             sync.Mutex
	pending        []session.Operation
	lastThresholds int
	onConflict     func(retries int)
}

// New creates a logger for the given session.
//
// Inputs:
//   - st: The session store operations are flushed to.
//   - retryCfg: Backoff configuration for conflict retries.
//   - sessionID: The session the logger is bound to.
//   - log: Structured logger. Must not be nil.
//   - onAlert: Optional token threshold alert hook. May be nil.
func New(st store.Store, retryCfg retry.Config, sessionID string, log *slog.Logger, onAlert AlertFunc) *Logger {
	return &Logger{
		st:        st,
		retryCfg:  retryCfg,
		sessionID: sessionID,
		log:       log,
		onAlert:   onAlert,
	}
}

// SessionID returns the bound session id.
func (l *Logger) SessionID() string { return l.sessionID }

// MarkThresholdsReported records that alerts through usage multiple n
// already fired in an earlier run. A logger built for a resumed
// session seeds this from the persisted usage so crossings are not
// re-reported.
func (l *Logger) MarkThresholdsReported(n int) {
	l.mu.Lock()
	if n > l.lastThresholds {
		l.lastThresholds = n
	}
	l.mu.Unlock()
}

// ObserveConflicts registers a hook receiving the number of version
// conflicts each flush retried through. Used for metrics. May be nil.
func (l *Logger) ObserveConflicts(fn func(retries int)) {
	l.mu.Lock()
	l.onConflict = fn
	l.mu.Unlock()
}

// Log appends operations to the pending batch without flushing.
func (l *Logger) Log(ops ...session.Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, ops...)
}

// LogCritical appends the operations and flushes the whole batch at
// once. Used for errors, clarification requests, and archival, which
// must be durable even if the phase never finishes.
func (l *Logger) LogCritical(ctx context.Context, ops ...session.Operation) (*session.Session, error) {
	l.Log(ops...)
	return l.Flush(ctx)
}

// RecordUsage logs a token usage record into the pending batch.
func (l *Logger) RecordUsage(rec session.UsageRecord) {
	l.Log(session.RecordUsage(rec))
}

// Pending returns the number of unflushed operations.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush commits the pending batch through the store, retrying version
// conflicts with a fresh read. An empty batch is a no-op returning the
// current state.
//
// Outputs:
//   - *session.Session: The committed post-write state.
//   - error: Non-nil if the write could not be committed; the pending
//     batch is retained so a later flush can retry it.
func (l *Logger) Flush(ctx context.Context) (*session.Session, error) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return l.st.Load(ctx, l.sessionID)
	}

	s, retries, err := store.ApplyCounted(ctx, l.st, l.retryCfg, l.sessionID, batch)
	l.reportConflicts(retries)
	if err != nil {
		// Put the batch back in front of anything logged meanwhile.
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return nil, err
	}

	l.checkThresholds(s)
	l.log.Debug("flushed operations",
		"session_id", l.sessionID, "ops", len(batch), "version", s.Version)
	return s, nil
}

func (l *Logger) reportConflicts(retries int) {
	l.mu.Lock()
	fn := l.onConflict
	l.mu.Unlock()
	if retries > 0 && fn != nil {
		fn(retries)
	}
}

// checkThresholds emits one alert per newly crossed usage multiple.
func (l *Logger) checkThresholds(s *session.Session) {
	l.mu.Lock()
	last := l.lastThresholds
	if s.TokenUsage.ThresholdsCrossed > last {
		l.lastThresholds = s.TokenUsage.ThresholdsCrossed
	}
	crossed := s.TokenUsage.ThresholdsCrossed
	l.mu.Unlock()

	for m := last + 1; m <= crossed; m++ {
		l.log.Warn("token usage threshold crossed",
			"session_id", l.sessionID,
			"threshold", m*session.UsageThresholdStep,
			"total", s.TokenUsage.GrandTotal())
		if l.onAlert != nil {
			l.onAlert(l.sessionID, m)
		}
	}
}
