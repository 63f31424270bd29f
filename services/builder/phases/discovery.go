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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

const discoverySystemPrompt = `You translate automation requests into node selections.
Use the search_nodes tool to look up available node types, then answer
with the nodes the workflow needs. Ask a clarifying question instead
when the request is too ambiguous to act on.`

const discoveryPrefix = `{"nodes":[`

// discoveryAnswer is the structure the model completes.
type discoveryAnswer struct {
	Nodes []struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		DisplayName string `json:"displayName"`
		Purpose     string `json:"purpose"`
		Category    string `json:"category,omitempty"`
		Selected    *bool  `json:"selected,omitempty"`
		NeedsConfig *bool  `json:"needsConfiguration,omitempty"`
	} `json:"nodes"`
	Clarification string `json:"clarification,omitempty"`
}

// RunDiscovery finds candidate nodes for the user's request.
//
// Description:
//
//	The model is given a search tool backed by the node catalog and
//	asked for the node set via prefix completion. Every returned node
//	is logged as a discoverNode operation; nodes the model marks
//	selected (default: all) get selectNode operations. A returned
//	clarifying question pauses the phase: the question is persisted
//	critically and the phase does not complete.
func RunDiscovery(ctx context.Context, deps *Deps) (DiscoveryResult, *Error) {
	return run(ctx, deps, session.PhaseDiscovery, func(ctx context.Context) (DiscoveryResult, error) {
		s, err := deps.Store.Load(ctx, deps.sessionID())
		if err != nil {
			return DiscoveryResult{}, err
		}

		searchTool := llm.ToolDefinition{
			Name:        "search_nodes",
			Description: "Search the node catalog. Input: {\"query\": string}. Returns matching node types.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		}

		// Answered clarifications ride along so a resumed discovery sees
		// what the user already told us.
		user := s.UserPrompt
		for _, c := range s.PendingClarifications {
			if c.Answered {
				user += fmt.Sprintf("\n\nClarification: %s\nAnswer: %s", c.Question, c.Answer)
			}
		}

		var answer discoveryAnswer
		_, err = deps.generate(ctx, session.PhaseDiscovery, "discover-nodes", llm.Request{
			System:    discoverySystemPrompt,
			User:      user,
			Prefix:    discoveryPrefix,
			MaxTokens: 2048,
			Tools:     []llm.ToolDefinition{searchTool},
			RunTool:   deps.runSearchTool,
		}, nil, &answer)
		if err != nil {
			return DiscoveryResult{}, err
		}

		if answer.Clarification != "" {
			c := session.Clarification{
				ID:       uuid.NewString(),
				Phase:    session.PhaseDiscovery,
				Question: answer.Clarification,
				AskedAt:  time.Now().UTC(),
			}
			if _, err := deps.Log.LogCritical(ctx, session.RequestClarification(c)); err != nil {
				return DiscoveryResult{}, err
			}
			return DiscoveryResult{Clarification: &c}, nil
		}

		result := DiscoveryResult{Meta: map[string]any{}}
		var ops []session.Operation
		for i, n := range answer.Nodes {
			id := n.ID
			if id == "" {
				id = fmt.Sprintf("node_%d", i+1)
			}
			dn := session.DiscoveredNode{
				ID:          id,
				Type:        n.Type,
				DisplayName: n.DisplayName,
				Purpose:     n.Purpose,
				Category:    n.Category,
				NeedsConfig: n.NeedsConfig == nil || *n.NeedsConfig,
			}
			result.Discovered = append(result.Discovered, dn)
			ops = append(ops, session.DiscoverNode(dn))

			if n.Selected == nil || *n.Selected {
				result.Selected = append(result.Selected, id)
				ops = append(ops, session.SelectNode(id))
			}
		}

		if len(result.Discovered) == 0 {
			return DiscoveryResult{}, validationError("discovery produced no nodes for prompt")
		}

		ops = append(ops, session.CompletePhase(session.PhaseDiscovery))
		deps.Log.Log(ops...)
		result.Meta["node_count"] = len(result.Discovered)
		return result, nil
	})
}

// runSearchTool executes the discovery search tool against the node
// catalog.
func (d *Deps) runSearchTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if name != "search_nodes" {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("decode tool input: %w", err)
	}

	candidates, err := d.Nodes.Search(ctx, args.Query)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(data), nil
}
