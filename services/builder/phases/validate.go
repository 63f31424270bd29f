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

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

// outdatedVersionCode marks a warning that must be promoted to an
// error: stale node versions break silently at execution time.
const outdatedVersionCode = "outdated_version"

const validateSystemPrompt = `You repair automation workflows. Given a workflow fragment and the
validation errors attributed to it, return corrected replacements.
Each replacement is the complete corrected entity, not a diff. Fix
only what the errors name.`

// fixAnswer is the shape the fixer model completes. Replacements are
// whole entities keyed by kind.
type fixAnswer struct {
	Nodes       []session.WorkflowNode `json:"nodes,omitempty"`
	Connections session.Connections    `json:"connections,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
}

// RunValidate runs the iterative validate-and-repair loop.
//
// Description:
//
//	The workflow is validated, warnings that indicate stale node
//	versions are promoted to errors, and the fixer model is asked for
//	whole-entity replacements for the affected nodes or connection
//	map. The loop ends when validation passes or after
//	MaxValidationAttempts passes; exhausting the ceiling yields a
//	partial result with the remaining errors in the report, never a
//	phase failure.
func RunValidate(ctx context.Context, deps *Deps) (ValidateResult, *Error) {
	return run(ctx, deps, session.PhaseValidation, func(ctx context.Context) (ValidateResult, error) {
		s, err := deps.Store.Load(ctx, deps.sessionID())
		if err != nil {
			return ValidateResult{}, err
		}
		if s.Workflow == nil {
			return ValidateResult{}, validationError("no workflow to validate")
		}

		wf := s.Workflow.Clone()
		report := &ValidationReport{}

		errs, err := deps.validateOnce(ctx, wf)
		if err != nil {
			return ValidateResult{}, err
		}
		report.InitialErrors = errs

		for attempt := 1; len(errs) > 0 && attempt <= MaxValidationAttempts; attempt++ {
			fix := FixAttempt{Attempt: attempt, Errors: errs}

			applied, summary, fixErr := deps.repairOnce(ctx, wf, errs)
			if fixErr != nil {
				return ValidateResult{}, fixErr
			}
			if summary != "" {
				fix.FixDescriptions = append(fix.FixDescriptions, summary)
			}
			fix.FixDescriptions = append(fix.FixDescriptions, applied...)
			report.Attempts = append(report.Attempts, fix)

			errs, err = deps.validateOnce(ctx, wf)
			if err != nil {
				return ValidateResult{}, err
			}
		}

		report.FinalErrors = errs
		report.Valid = len(errs) == 0
		wf.Valid = report.Valid

		if !report.Valid {
			deps.Logger.Warn("workflow still invalid after repair ceiling",
				"session_id", deps.sessionID(),
				"attempts", len(report.Attempts),
				"remaining_errors", len(errs))
		}

		deps.Log.Log(session.SetWorkflow(wf), session.CompletePhase(session.PhaseValidation))

		return ValidateResult{
			Workflow: wf,
			Report:   report,
			Meta: map[string]any{
				"attempts": len(report.Attempts),
				"valid":    report.Valid,
			},
		}, nil
	})
}

// validateOnce runs one validation pass and returns the effective error
// set with stale-version warnings promoted.
func (d *Deps) validateOnce(ctx context.Context, wf *session.Workflow) ([]nodesvc.Issue, error) {
	verdict, err := d.Nodes.ValidateWorkflow(ctx, wf, nodesvc.ValidateWorkflowOptions{
		CheckConnections: true,
		CheckExpressions: true,
	})
	if err != nil {
		return nil, err
	}
	errs := append([]nodesvc.Issue(nil), verdict.Errors...)
	for _, w := range verdict.Warnings {
		if w.Code == outdatedVersionCode {
			errs = append(errs, w)
		}
	}
	return errs, nil
}

// repairOnce asks the fixer for replacements covering the affected
// entities and applies them to wf in place. Returns the list of
// applied replacement descriptions.
func (d *Deps) repairOnce(ctx context.Context, wf *session.Workflow, errs []nodesvc.Issue) ([]string, string, error) {
	nodeNames, wholeConnections := affectedEntities(wf, errs)

	fragment := buildFragment(wf, nodeNames, wholeConnections)
	fragJSON, _ := json.Marshal(fragment)
	errsJSON, _ := json.Marshal(errs)
	user := fmt.Sprintf("Workflow fragment:\n%s\n\nValidation errors:\n%s", fragJSON, errsJSON)

	var answer fixAnswer
	_, err := d.generate(ctx, session.PhaseValidation, "fix-workflow", llm.Request{
		System:    validateSystemPrompt,
		User:      user,
		Prefix:    `{"nodes":[`,
		MaxTokens: 4096,
	}, nil, &answer)
	if err != nil {
		return nil, "", err
	}

	var applied []string
	for _, n := range answer.Nodes {
		wf.ReplaceNode(n)
		applied = append(applied, "replaced node "+n.Name)
	}
	if answer.Connections != nil {
		wf.Connections = answer.Connections
		applied = append(applied, "replaced connection map")
	}
	return applied, answer.Summary, nil
}

// affectedEntities maps the error set onto the entities the fixer must
// see. Node-attributed errors select those nodes; anything structural
// selects the whole connection map. With no attribution at all, every
// node is affected (coarse, but never under-scopes the repair).
func affectedEntities(wf *session.Workflow, errs []nodesvc.Issue) (nodeNames []string, wholeConnections bool) {
	seen := make(map[string]bool)
	attributed := 0
	for _, e := range errs {
		if e.NodeName == "" {
			wholeConnections = true
			continue
		}
		attributed++
		if !seen[e.NodeName] {
			seen[e.NodeName] = true
			nodeNames = append(nodeNames, e.NodeName)
		}
	}
	if attributed == 0 {
		nodeNames = nodeNames[:0]
		for _, n := range wf.Nodes {
			nodeNames = append(nodeNames, n.Name)
		}
	}
	return nodeNames, wholeConnections
}

// buildFragment assembles the minimal workflow view the fixer needs:
// the affected nodes (plus their immediate connections for context) and
// the full connection map when structural errors are present.
func buildFragment(wf *session.Workflow, nodeNames []string, wholeConnections bool) map[string]any {
	want := make(map[string]bool, len(nodeNames))
	for _, n := range nodeNames {
		want[n] = true
	}

	var nodes []session.WorkflowNode
	for _, n := range wf.Nodes {
		if want[n.Name] {
			nodes = append(nodes, n)
		}
	}

	fragment := map[string]any{
		"name":  wf.Name,
		"nodes": nodes,
	}
	if wholeConnections {
		fragment["connections"] = wf.Connections
	} else {
		ctxConns := session.Connections{}
		for _, name := range nodeNames {
			if groups, ok := wf.Connections[name]; ok {
				ctxConns[name] = groups
			}
		}
		fragment["connections"] = ctxConns
	}
	return fragment
}
