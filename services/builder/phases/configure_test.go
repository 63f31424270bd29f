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
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

// slowProvider tracks in-flight calls to assert the worker ceiling. It
// can fail or panic for nodes whose type appears in the request.
type slowProvider struct {
	delay     time.Duration
	failType  string
	panicType string
	suffix    string

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (p *slowProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxSeen.Load()
		if cur <= max || p.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	p.calls.Add(1)

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failType != "" && strings.Contains(req.User, "Node type: "+p.failType) {
		return nil, errors.New("generation rejected")
	}
	if p.panicType != "" && strings.Contains(req.User, "Node type: "+p.panicType) {
		panic("provider blew up")
	}
	suffix := p.suffix
	if suffix == "" {
		suffix = `"url":"https://example.com"}}`
	}
	return &llm.Response{
		Suffix:     suffix,
		Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5},
		StopReason: "end_turn",
	}, nil
}

// seedSelected stores n discovered-and-selected nodes of the given types.
func seedSelected(t *testing.T, deps *Deps, types ...string) {
	t.Helper()
	var ops []session.Operation
	for i, typ := range types {
		id := fmt.Sprintf("n%d", i+1)
		ops = append(ops,
			session.DiscoverNode(session.DiscoveredNode{
				ID: id, Type: typ, Purpose: "purpose " + id, NeedsConfig: true,
			}),
			session.SelectNode(id),
		)
	}
	ops = append(ops, session.CompletePhase(session.PhaseDiscovery))
	seed(t, deps, ops...)
}

func TestRunConfigureBoundedParallelism(t *testing.T) {
	provider := &slowProvider{delay: 10 * time.Millisecond}
	fake := nodesvc.NewFake().AddType(&nodesvc.Essentials{Type: "set.values"})
	deps := testDeps(t, session.New("p"), provider, fake)

	types := make([]string, 7)
	for i := range types {
		types[i] = "set.values"
	}
	seedSelected(t, deps, types...)

	result, perr := RunConfigure(context.Background(), deps)
	require.Nil(t, perr)

	require.Len(t, result.Configured, 7)
	// Discovery order survives out-of-order completion.
	for i, cn := range result.Configured {
		assert.Equal(t, fmt.Sprintf("n%d", i+1), cn.ID)
		assert.True(t, cn.Validated)
	}
	assert.LessOrEqual(t, provider.maxSeen.Load(), int32(DefaultConcurrency))
	assert.EqualValues(t, 7, provider.calls.Load())
}

func TestRunConfigureFetchesEssentialsOncePerType(t *testing.T) {
	fake := nodesvc.NewFake().
		AddType(&nodesvc.Essentials{Type: "set.values"}).
		AddType(&nodesvc.Essentials{Type: "sheets.append"})
	deps := testDeps(t, session.New("p"), &slowProvider{}, fake)
	seedSelected(t, deps, "set.values", "set.values", "sheets.append")

	_, perr := RunConfigure(context.Background(), deps)
	require.Nil(t, perr)

	assert.Equal(t, 1, fake.EssentialsFetches["set.values"])
	assert.Equal(t, 1, fake.EssentialsFetches["sheets.append"])
}

func TestRunConfigureAutoFillFromDefaults(t *testing.T) {
	fake := nodesvc.NewFake().AddType(&nodesvc.Essentials{
		Type: "sheets.append",
		Properties: []nodesvc.PropertySpec{
			{Name: "sheetId", Type: "string", Required: true, Default: "default-sheet"},
			{Name: "rows", Type: "array", Required: true},
		},
	})
	fake.ConfigVerdicts["sheets.append"] = []*nodesvc.ConfigValidation{
		{IsValid: false, MissingRequiredFields: []string{"sheetId", "rows"}},
		{IsValid: true},
	}
	deps := testDeps(t, session.New("p"), &slowProvider{suffix: `"mode":"append"}}`}, fake)
	seedSelected(t, deps, "sheets.append")

	result, perr := RunConfigure(context.Background(), deps)
	require.Nil(t, perr)
	require.Len(t, result.Configured, 1)

	cn := result.Configured[0]
	assert.True(t, cn.Validated)
	assert.False(t, cn.Fallback)
	assert.Equal(t, "default-sheet", cn.Config["sheetId"])
	// No default declared: typed zero value.
	assert.Equal(t, []any{}, cn.Config["rows"])
	assert.Equal(t, "append", cn.Config["mode"])
}

func TestRunConfigureFallbackSubstitution(t *testing.T) {
	fake := nodesvc.NewFake().AddType(&nodesvc.Essentials{Type: "exotic.node"})
	fake.ConfigVerdicts["exotic.node"] = []*nodesvc.ConfigValidation{
		{IsValid: false, Errors: []string{"unsupported operation"}},
	}
	deps := testDeps(t, session.New("p"), &slowProvider{}, fake)
	seedSelected(t, deps, "exotic.node")

	result, perr := RunConfigure(context.Background(), deps)
	require.Nil(t, perr)
	require.Len(t, result.Configured, 1)
	assert.Equal(t, 1, result.Fallbacks)

	cn := result.Configured[0]
	assert.Equal(t, NoOpNodeType, cn.Type)
	assert.True(t, cn.Fallback)
	// Placeholders pass validation so downstream phases never stall.
	assert.True(t, cn.Validated)
	assert.Contains(t, cn.FallbackNote, "exotic.node")
	assert.Contains(t, cn.FallbackNote, "unsupported operation")
}

func TestRunConfigureTaskIsolation(t *testing.T) {
	fake := nodesvc.NewFake().
		AddType(&nodesvc.Essentials{Type: "set.values"}).
		AddType(&nodesvc.Essentials{Type: "bad.node"}).
		AddType(&nodesvc.Essentials{Type: "worse.node"})
	provider := &slowProvider{failType: "bad.node", panicType: "worse.node"}
	deps := testDeps(t, session.New("p"), provider, fake)
	seedSelected(t, deps, "set.values", "bad.node", "worse.node")

	result, perr := RunConfigure(context.Background(), deps)
	require.Nil(t, perr)
	require.Len(t, result.Configured, 3)
	assert.Equal(t, 2, result.Failed)

	assert.True(t, result.Configured[0].Validated)

	assert.True(t, result.Configured[1].Failed)
	assert.Contains(t, result.Configured[1].FailReason, "generation rejected")

	assert.True(t, result.Configured[2].Failed)
	assert.Contains(t, result.Configured[2].FailReason, "task panic")

	// The phase still completed with every slot filled.
	s := loadSession(t, deps)
	assert.Equal(t, session.PhaseBuilding, s.Phase)
	assert.Len(t, s.Configured, 3)
}

func TestRunConfigurePreConfiguredSkipsGeneration(t *testing.T) {
	fake := nodesvc.NewFake().AddType(&nodesvc.Essentials{Type: "http.request"})
	provider := &slowProvider{}
	deps := testDeps(t, session.New("p"), provider, fake)

	seed(t, deps,
		session.DiscoverNode(session.DiscoveredNode{
			ID:              "n1",
			Type:            "http.request",
			Purpose:         "call the API",
			IsPreConfigured: true,
			Config:          map[string]any{"endpoint": "https://api.example.com", "method": "post"},
		}),
		session.SelectNode("n1"),
		session.CompletePhase(session.PhaseDiscovery),
	)

	result, perr := RunConfigure(context.Background(), deps)
	require.Nil(t, perr)
	require.Len(t, result.Configured, 1)

	assert.EqualValues(t, 0, provider.calls.Load())

	// Preconfiguration patches rewrote the known schema mismatches.
	cfg := result.Configured[0].Config
	assert.Equal(t, "https://api.example.com", cfg["url"])
	assert.NotContains(t, cfg, "endpoint")
	assert.Equal(t, "POST", cfg["method"])
}

func TestRunConfigureNoSelectedNodes(t *testing.T) {
	deps := testDeps(t, session.New("p"), &slowProvider{}, nodesvc.NewFake())
	seed(t, deps, session.CompletePhase(session.PhaseDiscovery))

	_, perr := RunConfigure(context.Background(), deps)
	require.NotNil(t, perr)
	assert.Equal(t, KindValidation, perr.Kind)
}
