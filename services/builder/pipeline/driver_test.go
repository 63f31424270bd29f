// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/phases"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

func newDriver(t *testing.T, mock *llm.Mock) (*Driver, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	fake := nodesvc.NewFake().
		AddType(&nodesvc.Essentials{Type: "webhook.trigger", DisplayName: "Webhook"}).
		AddType(&nodesvc.Essentials{Type: "sheets.append", DisplayName: "Sheets"})

	d, err := New(Options{
		Store:    st,
		Provider: mock,
		Nodes:    fake,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		RetryCfg: retry.Config{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
			BackoffFactor:  2,
		},
	})
	require.NoError(t, err)
	return d, st
}

// queueFullRun scripts every generation the five phases need for a
// two-node workflow.
func queueFullRun(mock *llm.Mock) {
	// Discovery.
	mock.Queue(`{"id":"n1","type":"webhook.trigger","displayName":"Webhook","purpose":"receive invoices"},` +
		`{"id":"n2","type":"sheets.append","displayName":"Sheets","purpose":"archive rows"}]}`)
	// Configuration: one call per node; identical bodies keep the
	// worker-pool completion order irrelevant.
	mock.Queue(`"key":"value"}}`)
	mock.Queue(`"key":"value"}}`)
	// Building.
	mock.Queue(`Invoice Archiver","nodes":[` +
		`{"id":"n1","name":"Webhook","type":"webhook.trigger","position":[0,0]},` +
		`{"id":"n2","name":"Sheets","type":"sheets.append","position":[250,0]}],` +
		`"connections":{"Webhook":[[{"node":"Sheets"}]]}}`)
	// Validation passes first try and documentation is pure, so no
	// further generations are needed.
}

func TestDriverRunsPipelineToCompletion(t *testing.T) {
	mock := llm.NewMock()
	queueFullRun(mock)
	d, st := newDriver(t, mock)

	res, err := d.Run(context.Background(), "archive incoming invoices to a spreadsheet")
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, session.PhaseComplete, res.Phase)
	require.NotNil(t, res.Workflow)
	assert.Equal(t, "Invoice Archiver", res.Workflow.Name)
	assert.True(t, res.Workflow.Valid)
	require.NotNil(t, res.Report)
	assert.True(t, res.Report.Valid)
	// 4 generations at 150 tokens each.
	assert.Equal(t, 600, res.Usage.GrandTotal())

	// Both real nodes survived plus the layout annotations.
	real := 0
	for _, n := range res.Workflow.Nodes {
		if n.Type != phases.AnnotationNodeType {
			real++
		}
	}
	assert.Equal(t, 2, real)

	s, err := st.Load(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, s.Archived)
	assert.Equal(t, "completed", s.ArchiveReason)
}

func TestDriverClarificationPauseAndResume(t *testing.T) {
	mock := llm.NewMock().Queue(`],"clarification":"Which spreadsheet should the rows go to?"}`)
	d, st := newDriver(t, mock)

	res, err := d.Run(context.Background(), "put stuff somewhere")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingClarification, res.Status)
	require.NotNil(t, res.Clarification)
	assert.Nil(t, res.Workflow)

	// Resuming without an answer stays paused and burns no generations.
	again, err := d.Resume(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingClarification, again.Status)
	assert.Equal(t, res.Clarification.ID, again.Clarification.ID)

	queueFullRun(mock)
	final, err := d.Clarify(context.Background(), res.SessionID, res.Clarification.ID, "the Invoices 2026 sheet")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, final.Status)
	require.NotNil(t, final.Workflow)

	// The re-run discovery prompt carried the answer.
	require.GreaterOrEqual(t, len(mock.Requests), 2)
	assert.Contains(t, mock.Requests[1].User, "the Invoices 2026 sheet")

	s, err := st.Load(context.Background(), final.SessionID)
	require.NoError(t, err)
	require.Len(t, s.PendingClarifications, 1)
	assert.True(t, s.PendingClarifications[0].Answered)
	assert.Equal(t, "the Invoices 2026 sheet", s.PendingClarifications[0].Answer)
}

func TestDriverTransientFailureIsResumable(t *testing.T) {
	mock := llm.NewMock()
	// Every retry attempt consumes one scripted error.
	for i := 0; i < 3; i++ {
		mock.QueueError(fmt.Errorf("upstream: %w", retry.ErrRateLimited))
	}
	d, st := newDriver(t, mock)

	res, err := d.Run(context.Background(), "archive invoices")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.True(t, res.Err.Retryable())
	assert.Equal(t, session.PhaseDiscovery, res.Phase)

	// The session survives un-archived at the failed phase.
	s, err := st.Load(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.False(t, s.Archived)
	assert.Equal(t, session.PhaseDiscovery, s.Phase)

	queueFullRun(mock)
	final, err := d.Resume(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, final.Status)
}

func TestDriverFatalFailureArchives(t *testing.T) {
	mock := llm.NewMock().QueueError(fmt.Errorf("bad key: %w", retry.ErrAuth))
	d, st := newDriver(t, mock)

	res, err := d.Run(context.Background(), "archive invoices")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.False(t, res.Err.Retryable())

	s, err := st.Load(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, s.Archived)
	assert.Contains(t, s.ArchiveReason, "failed in discovery")
}

func TestDriverResetClearsProgress(t *testing.T) {
	mock := llm.NewMock().Queue(`],"clarification":"What exactly?"}`)
	d, st := newDriver(t, mock)

	res, err := d.Run(context.Background(), "do something")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingClarification, res.Status)

	require.NoError(t, d.Reset(context.Background(), res.SessionID))

	s, err := st.Load(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseDiscovery, s.Phase)
	assert.Empty(t, s.PendingClarifications)
	assert.Empty(t, s.Discovered)
	// History is append-only; the reset itself is on the record.
	assert.NotEmpty(t, s.OperationHistory)
}

func TestDriverRequiresCoreDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
