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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

func seedConfigured(t *testing.T, deps *Deps, nodes ...session.ConfiguredNode) {
	t.Helper()
	var ops []session.Operation
	for _, cn := range nodes {
		ops = append(ops,
			session.DiscoverNode(session.DiscoveredNode{ID: cn.ID, Type: cn.Type, Purpose: cn.Purpose}),
			session.SelectNode(cn.ID),
		)
	}
	ops = append(ops, session.CompletePhase(session.PhaseDiscovery))
	for _, cn := range nodes {
		ops = append(ops, session.ConfigureNode(cn))
	}
	ops = append(ops, session.CompletePhase(session.PhaseConfiguration))
	seed(t, deps, ops...)
}

func TestRunBuildAssemblesWorkflow(t *testing.T) {
	mock := llm.NewMock().Queue(
		`Invoice Archiver","nodes":[` +
			`{"id":"n1","name":"Webhook","type":"webhook.trigger","position":[0,0],"parameters":{"invented":"x"}},` +
			`{"id":"n2","name":"Sheets","type":"sheets.append","position":[250,0]}],` +
			`"connections":{"Webhook":[[{"node":"Sheets"}]]}}`)
	deps := testDeps(t, session.New("archive invoices"), mock, nodesvc.NewFake())
	seedConfigured(t, deps,
		session.ConfiguredNode{ID: "n1", Type: "webhook.trigger", Purpose: "receive", Validated: true,
			Config: map[string]any{"path": "invoices"}},
		session.ConfiguredNode{ID: "n2", Type: "sheets.append", Purpose: "archive", Validated: true,
			Config: map[string]any{"sheetId": "abc"}},
	)

	result, perr := RunBuild(context.Background(), deps)
	require.Nil(t, perr)
	wf := result.Workflow
	require.NotNil(t, wf)

	assert.Equal(t, "Invoice Archiver", wf.Name)
	require.Len(t, wf.Nodes, 2)
	// Validated configurations are authoritative over generated params.
	assert.Equal(t, map[string]any{"path": "invoices"}, wf.Nodes[0].Params)
	assert.Equal(t, map[string]any{"sheetId": "abc"}, wf.Nodes[1].Params)
	assert.Equal(t, []session.ConnectionTarget{{Node: "Sheets"}}, wf.Connections["Webhook"][0])

	s := loadSession(t, deps)
	assert.Equal(t, session.PhaseValidation, s.Phase)
	require.NotNil(t, s.Workflow)
	assert.Len(t, s.Workflow.Nodes, 2)
}

func TestReconcileDropsInventedNodes(t *testing.T) {
	answer := &buildAnswer{
		Name: "Flow",
		Nodes: []session.WorkflowNode{
			{ID: "n1", Name: "Webhook", Type: "webhook.trigger"},
			{ID: "ghost", Name: "Ghost", Type: "made.up"},
		},
		Connections: session.Connections{
			"Webhook": {{{Node: "Ghost"}, {Node: "Webhook"}}},
			"Ghost":   {{{Node: "Webhook"}}},
		},
	}
	configured := []session.ConfiguredNode{
		{ID: "n1", Type: "webhook.trigger", Config: map[string]any{"path": "x"}},
	}

	wf := reconcile(answer, configured, "prompt")
	require.Len(t, wf.Nodes, 1)
	assert.Equal(t, "n1", wf.Nodes[0].ID)

	// The invented node vanished from both sides of the connection map.
	_, ok := wf.Connections["Ghost"]
	assert.False(t, ok)
	assert.Equal(t, []session.ConnectionTarget{{Node: "Webhook"}}, wf.Connections["Webhook"][0])
}

func TestReconcileAppendsOmittedNodes(t *testing.T) {
	answer := &buildAnswer{
		Name: "Flow",
		Nodes: []session.WorkflowNode{
			{ID: "n1", Name: "Webhook", Type: "webhook.trigger", Position: [2]float64{0, 0}},
		},
	}
	configured := []session.ConfiguredNode{
		{ID: "n1", Type: "webhook.trigger", Config: map[string]any{}},
		{ID: "n2", Type: "sheets.append", Purpose: "archive rows", Config: map[string]any{}},
	}

	wf := reconcile(answer, configured, "prompt")
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, "n2", wf.Nodes[1].ID)
	assert.Equal(t, "archive rows", wf.Nodes[1].Name)
	assert.Equal(t, 250.0, wf.Nodes[1].Position[0])
}

func TestReconcileMarksFallbacksDisabled(t *testing.T) {
	answer := &buildAnswer{
		Name: "Flow",
		Nodes: []session.WorkflowNode{
			{ID: "n1", Name: "Placeholder", Type: NoOpNodeType},
		},
	}
	configured := []session.ConfiguredNode{
		{ID: "n1", Type: NoOpNodeType, Fallback: true, FallbackNote: "substituted for exotic.node",
			Config: map[string]any{}},
	}

	wf := reconcile(answer, configured, "prompt")
	require.Len(t, wf.Nodes, 1)
	assert.True(t, wf.Nodes[0].Disabled)
	assert.Equal(t, "substituted for exotic.node", wf.Nodes[0].Notes)
}

func TestReconcileNamesWorkflowFromPrompt(t *testing.T) {
	answer := &buildAnswer{
		Nodes: []session.WorkflowNode{{ID: "n1", Name: "A", Type: "t"}},
	}
	configured := []session.ConfiguredNode{{ID: "n1", Type: "t", Config: map[string]any{}}}

	wf := reconcile(answer, configured, "send a daily summary email to the whole team every single morning")
	assert.NotEmpty(t, wf.Name)
	assert.LessOrEqual(t, len(wf.Name), 60)
}

func TestReconcileWorkflowNameKeepsRuneBoundaries(t *testing.T) {
	answer := &buildAnswer{
		Nodes: []session.WorkflowNode{{ID: "n1", Name: "A", Type: "t"}},
	}
	configured := []session.ConfiguredNode{{ID: "n1", Type: "t", Config: map[string]any{}}}

	// 70 two-byte runes: a byte-indexed cut at 60 would land mid-rune.
	prompt := strings.Repeat("é", 70)
	wf := reconcile(answer, configured, prompt)

	assert.True(t, utf8.ValidString(wf.Name), "name contains a split rune: %q", wf.Name)
	assert.Equal(t, strings.Repeat("é", 60), wf.Name)
}

func TestRunBuildExcludesFailedNodes(t *testing.T) {
	mock := llm.NewMock().Queue(
		`Flow","nodes":[{"id":"n1","name":"Webhook","type":"webhook.trigger","position":[0,0]}],"connections":{}}`)
	deps := testDeps(t, session.New("p"), mock, nodesvc.NewFake())
	seedConfigured(t, deps,
		session.ConfiguredNode{ID: "n1", Type: "webhook.trigger", Validated: true, Config: map[string]any{}},
		session.ConfiguredNode{ID: "n2", Type: "broken.node", Failed: true, FailReason: "task panic"},
	)

	result, perr := RunBuild(context.Background(), deps)
	require.Nil(t, perr)
	require.Len(t, result.Workflow.Nodes, 1)
	assert.Equal(t, "n1", result.Workflow.Nodes[0].ID)
}

func TestRunBuildEmptyWorkflowFails(t *testing.T) {
	mock := llm.NewMock().Queue(`Flow","nodes":[],"connections":{}}`)
	deps := testDeps(t, session.New("p"), mock, nodesvc.NewFake())
	seedConfigured(t, deps,
		session.ConfiguredNode{ID: "n1", Type: "broken.node", Failed: true, FailReason: "x"},
	)

	_, perr := RunBuild(context.Background(), deps)
	require.NotNil(t, perr)
	assert.Equal(t, KindValidation, perr.Kind)
}
