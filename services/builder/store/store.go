// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists builder sessions as versioned rows under
// optimistic concurrency control.
//
// The store is the single source of truth for a session: no in-memory
// copy is authoritative across process boundaries. Every write folds a
// batch of operations over the current state inside one conditional
// transaction keyed on the expected version, and returns the post-write
// state from that same transaction — never a separate re-fetch.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

var (
	// ErrNotFound indicates the session id has no row.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists indicates a Create against an existing id.
	ErrAlreadyExists = errors.New("session already exists")
)

// Store is the session persistence contract.
type Store interface {
	// Create persists a new session at version 1.
	Create(ctx context.Context, s *session.Session) error

	// Load returns the current state of the session.
	Load(ctx context.Context, id string) (*session.Session, error)

	// ApplyOperations folds ops over the current state and commits,
	// conditioned on the stored version equaling expectedVersion. On
	// success the committed post-write state is returned. On a version
	// mismatch the error wraps retry.ErrConflict and the caller should
	// retry with a fresh read.
	ApplyOperations(ctx context.Context, id string, expectedVersion uint64, ops []session.Operation) (*session.Session, error)
}

// Apply is the conflict-retrying convenience wrapper every phase uses:
// read the current version, attempt the conditional write, and on
// conflict re-read and try again through the backoff retrier.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - st: The underlying store.
//   - cfg: Backoff configuration for conflict retries.
//   - id: The session id.
//   - ops: Operations folded in submission order.
//
// Outputs:
//   - *session.Session: The committed post-write state.
//   - error: The last error if attempts are exhausted.
func Apply(ctx context.Context, st Store, cfg retry.Config, id string, ops []session.Operation) (*session.Session, error) {
	s, _, err := ApplyCounted(ctx, st, cfg, id, ops)
	return s, err
}

// ApplyCounted is Apply reporting how many retries the write needed
// (0 when the first attempt committed). Callers feed the count into
// conflict metrics.
func ApplyCounted(ctx context.Context, st Store, cfg retry.Config, id string, ops []session.Operation) (*session.Session, int, error) {
	var out *session.Session
	res, err := retry.Retry(ctx, cfg, func(ctx context.Context, _ int) error {
		cur, err := st.Load(ctx, id)
		if err != nil {
			return err
		}
		s, err := st.ApplyOperations(ctx, id, cur.Version, ops)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, res.Attempts - 1, err
	}
	return out, res.Attempts - 1, nil
}

// fold clones the session, applies the operations in submission order,
// and bumps the version. Shared by every Store implementation so fold
// semantics cannot drift between backends.
func fold(s *session.Session, ops []session.Operation, now time.Time) *session.Session {
	next := s.Clone()
	for _, op := range ops {
		next.Apply(op, now)
	}
	next.Version = s.Version + 1
	return next
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// Memory is an in-memory Store for tests and single-process tooling.
// It honors the same conditional-write semantics as the durable store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*session.Session)}
}

// Create persists a new session at version 1.
func (m *Memory) Create(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, s.ID)
	}
	cp := s.Clone()
	cp.Version = 1
	m.sessions[s.ID] = cp
	s.Version = 1
	return nil
}

// Load returns a copy of the current session state.
func (m *Memory) Load(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// ApplyOperations implements the conditional write.
func (m *Memory) ApplyOperations(_ context.Context, id string, expectedVersion uint64, ops []session.Operation) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("%w: session %s at version %d, expected %d",
			retry.ErrConflict, id, cur.Version, expectedVersion)
	}

	next := fold(cur, ops, time.Now().UTC())
	m.sessions[id] = next
	return next.Clone(), nil
}
