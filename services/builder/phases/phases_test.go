// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phases

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/oplog"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDeps wires a Deps over in-memory fakes and persists the session.
func testDeps(t *testing.T, s *session.Session, provider llm.Provider, nodes nodesvc.Service) *Deps {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Create(context.Background(), s))
	return &Deps{
		Store:    st,
		Log:      oplog.New(st, fastRetry(), s.ID, quietLogger(), nil),
		Provider: provider,
		Nodes:    nodes,
		Logger:   quietLogger(),
		RetryCfg: fastRetry(),
		Patches:  DefaultPatches(),
	}
}

// seed folds operations into the stored session before a phase runs.
func seed(t *testing.T, deps *Deps, ops ...session.Operation) *session.Session {
	t.Helper()
	s, err := store.Apply(context.Background(), deps.Store, fastRetry(), deps.sessionID(), ops)
	require.NoError(t, err)
	return s
}

// loadSession reads the current stored state.
func loadSession(t *testing.T, deps *Deps) *session.Session {
	t.Helper()
	s, err := deps.Store.Load(context.Background(), deps.sessionID())
	require.NoError(t, err)
	return s
}
