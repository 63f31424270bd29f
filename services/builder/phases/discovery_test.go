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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

func TestRunDiscoverySelectsNodes(t *testing.T) {
	mock := llm.NewMock().Queue(
		`{"id":"n1","type":"webhook.trigger","displayName":"Webhook","purpose":"receive invoices"},` +
			`{"id":"n2","type":"sheets.append","displayName":"Sheets","purpose":"archive rows","selected":true},` +
			`{"id":"n3","type":"slack.post","displayName":"Slack","purpose":"optional ping","selected":false}]}`)
	deps := testDeps(t, session.New("archive invoices to a spreadsheet"), mock, nodesvc.NewFake())

	result, perr := RunDiscovery(context.Background(), deps)
	require.Nil(t, perr)

	assert.Len(t, result.Discovered, 3)
	assert.Equal(t, []string{"n1", "n2"}, result.Selected)
	assert.Nil(t, result.Clarification)

	// Discoveries, selections, and the phase completion were flushed.
	s := loadSession(t, deps)
	assert.Equal(t, session.PhaseConfiguration, s.Phase)
	assert.Len(t, s.Discovered, 3)
	assert.True(t, s.IsSelected("n1"))
	assert.False(t, s.IsSelected("n3"))
	// Unselected nodes still need configuration metadata if re-selected
	// later, so discovery keeps them in the candidate set.
	_, ok := s.DiscoveredByID("n3")
	assert.True(t, ok)
}

func TestRunDiscoveryDefaultsMissingIDs(t *testing.T) {
	mock := llm.NewMock().Queue(
		`{"type":"webhook.trigger","displayName":"Webhook","purpose":"receive"}]}`)
	deps := testDeps(t, session.New("p"), mock, nodesvc.NewFake())

	result, perr := RunDiscovery(context.Background(), deps)
	require.Nil(t, perr)
	require.Len(t, result.Discovered, 1)
	assert.Equal(t, "node_1", result.Discovered[0].ID)
	assert.Equal(t, []string{"node_1"}, result.Selected)
}

func TestRunDiscoveryClarificationPausesPhase(t *testing.T) {
	mock := llm.NewMock().Queue(`],"clarification":"Which spreadsheet should receive the rows?"}`)
	deps := testDeps(t, session.New("do the thing"), mock, nodesvc.NewFake())

	result, perr := RunDiscovery(context.Background(), deps)
	require.Nil(t, perr)
	require.NotNil(t, result.Clarification)
	assert.Equal(t, "Which spreadsheet should receive the rows?", result.Clarification.Question)
	assert.Empty(t, result.Discovered)

	// The question is durable and the phase did not advance.
	s := loadSession(t, deps)
	assert.Equal(t, session.PhaseDiscovery, s.Phase)
	require.Len(t, s.PendingClarifications, 1)
	assert.False(t, s.PendingClarifications[0].Answered)
	assert.Equal(t, session.PhaseDiscovery, s.PendingClarifications[0].Phase)
}

func TestRunDiscoveryEmptyAnswerFails(t *testing.T) {
	mock := llm.NewMock().Queue(`]}`)
	deps := testDeps(t, session.New("p"), mock, nodesvc.NewFake())

	_, perr := RunDiscovery(context.Background(), deps)
	require.NotNil(t, perr)
	assert.Equal(t, KindValidation, perr.Kind)
	assert.Equal(t, session.PhaseDiscovery, perr.Phase)

	// Failures still leave the session at discovery for a retry.
	s := loadSession(t, deps)
	assert.Equal(t, session.PhaseDiscovery, s.Phase)
}

func TestRunSearchTool(t *testing.T) {
	fake := nodesvc.NewFake().
		AddType(&nodesvc.Essentials{Type: "webhook.trigger", DisplayName: "Webhook"}).
		AddType(&nodesvc.Essentials{Type: "sheets.append", DisplayName: "Google Sheets"})
	deps := testDeps(t, session.New("p"), llm.NewMock(), fake)

	out, err := deps.runSearchTool(context.Background(), "search_nodes", []byte(`{"query":"sheets"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "sheets.append")
	assert.NotContains(t, out, "webhook.trigger")

	_, err = deps.runSearchTool(context.Background(), "unknown_tool", []byte(`{}`))
	assert.Error(t, err)
}
