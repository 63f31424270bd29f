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
	"strings"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

const buildSystemPrompt = `You assemble automation workflows. Given a user request and a list
of configured nodes, produce the workflow graph: place every node,
wire the connections, and name the workflow after its purpose. Use
only the nodes provided. Node positions are [x, y] pairs; lay the
main path out left to right.`

const buildPrefix = `{"name":"`

// buildAnswer is the shape the builder model completes.
type buildAnswer struct {
	Name        string                 `json:"name"`
	Nodes       []session.WorkflowNode `json:"nodes"`
	Connections session.Connections    `json:"connections"`
	Settings    map[string]any         `json:"settings,omitempty"`
}

// RunBuild assembles the workflow graph from the configured nodes.
//
// Description:
//
//	The model receives the user's request and the configured node set
//	and completes the graph from a forced opening. The result is
//	reconciled against the configured set: configurations are
//	authoritative over whatever the model emitted, and nodes the model
//	invented are dropped along with their connections.
func RunBuild(ctx context.Context, deps *Deps) (BuildResult, *Error) {
	return run(ctx, deps, session.PhaseBuilding, func(ctx context.Context) (BuildResult, error) {
		s, err := deps.Store.Load(ctx, deps.sessionID())
		if err != nil {
			return BuildResult{}, err
		}
		if len(s.Configured) == 0 {
			return BuildResult{}, validationError("no configured nodes to build from")
		}

		nodes := orderedConfigured(s)
		nodesJSON, _ := json.Marshal(nodes)
		user := fmt.Sprintf("Request: %s\n\nConfigured nodes:\n%s", s.UserPrompt, nodesJSON)

		var answer buildAnswer
		_, err = deps.generate(ctx, session.PhaseBuilding, "build-workflow", llm.Request{
			System:    buildSystemPrompt,
			User:      user,
			Prefix:    buildPrefix,
			MaxTokens: 4096,
		}, nil, &answer)
		if err != nil {
			return BuildResult{}, err
		}

		wf := reconcile(&answer, nodes, s.UserPrompt)
		if len(wf.Nodes) == 0 {
			return BuildResult{}, validationError("builder produced an empty workflow")
		}

		deps.Log.Log(session.SetWorkflow(wf), session.CompletePhase(session.PhaseBuilding))

		return BuildResult{
			Workflow: wf,
			Meta:     map[string]any{"nodes": len(wf.Nodes)},
		}, nil
	})
}

// orderedConfigured returns the configured nodes in discovery order so
// the prompt (and the resulting layout) is deterministic.
func orderedConfigured(s *session.Session) []session.ConfiguredNode {
	out := make([]session.ConfiguredNode, 0, len(s.Configured))
	for _, dn := range s.SelectedNodes() {
		if cn, ok := s.Configured[dn.ID]; ok && !cn.Failed {
			out = append(out, cn)
		}
	}
	// Configured nodes with no surviving discovery entry (e.g. after a
	// reset and partial re-run) still belong in the graph.
	for id, cn := range s.Configured {
		if cn.Failed {
			continue
		}
		found := false
		for _, have := range out {
			if have.ID == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, cn)
		}
	}
	return out
}

// reconcile forces the generated graph back onto the configured node
// set. Generated params are replaced by the validated configurations;
// invented nodes and their connections are dropped.
func reconcile(answer *buildAnswer, configured []session.ConfiguredNode, prompt string) *session.Workflow {
	byID := make(map[string]session.ConfiguredNode, len(configured))
	for _, cn := range configured {
		byID[cn.ID] = cn
	}

	wf := &session.Workflow{
		Name:        answer.Name,
		Connections: session.Connections{},
		Settings:    answer.Settings,
	}
	if wf.Name == "" {
		wf.Name = workflowNameFromPrompt(prompt)
	}

	kept := make(map[string]bool)
	seen := make(map[string]bool)
	for _, n := range answer.Nodes {
		cn, ok := byID[n.ID]
		if !ok || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		kept[n.Name] = true
		wf.Nodes = append(wf.Nodes, session.WorkflowNode{
			ID:       n.ID,
			Name:     n.Name,
			Type:     cn.Type,
			Position: n.Position,
			Params:   cn.Config,
			Disabled: cn.Fallback,
			Notes:    cn.FallbackNote,
		})
	}

	// Configured nodes the model omitted are appended at the tail of
	// the main row; documentation will re-lay them out anyway.
	x := 250.0 * float64(len(wf.Nodes))
	for _, cn := range configured {
		if seen[cn.ID] {
			continue
		}
		name := uniqueNodeName(kept, cn.Purpose, cn.ID)
		kept[name] = true
		wf.Nodes = append(wf.Nodes, session.WorkflowNode{
			ID:       cn.ID,
			Name:     name,
			Type:     cn.Type,
			Position: [2]float64{x, 0},
			Params:   cn.Config,
			Disabled: cn.Fallback,
			Notes:    cn.FallbackNote,
		})
		x += 250
	}

	for source, groups := range answer.Connections {
		if !kept[source] {
			continue
		}
		var outGroups [][]session.ConnectionTarget
		for _, group := range groups {
			var outGroup []session.ConnectionTarget
			for _, tgt := range group {
				if kept[tgt.Node] {
					outGroup = append(outGroup, tgt)
				}
			}
			outGroups = append(outGroups, outGroup)
		}
		wf.Connections[source] = outGroups
	}

	return wf
}

func workflowNameFromPrompt(prompt string) string {
	name := strings.TrimSpace(prompt)
	if r := []rune(name); len(r) > 60 {
		name = strings.TrimSpace(string(r[:60]))
	}
	if name == "" {
		return "Untitled Workflow"
	}
	return name
}

func uniqueNodeName(taken map[string]bool, purpose, id string) string {
	base := strings.TrimSpace(purpose)
	if base == "" {
		base = id
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s %d", base, i)
		if !taken[cand] {
			return cand
		}
	}
}
