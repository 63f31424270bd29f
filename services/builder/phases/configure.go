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
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

// NoOpNodeType is the placeholder type substituted for nodes whose
// configuration could not be repaired.
const NoOpNodeType = "flowforge.noop"

const configureSystemPrompt = `You configure automation nodes. Given a node's purpose and
its property schema, produce the configuration object. Emit only
properties the schema defines.`

// configCache is the per-phase metadata cache: unique node types are
// fetched once no matter how many nodes share the type. Read-only once
// populated; never shared across sessions.
type configCache struct {
	byType map[string]*nodesvc.Essentials
}

// RunConfigure configures every selected node through a bounded worker
// pool.
//
// Description:
//
//	Tasks are fully isolated: a panic or error in one records a failed
//	node and never cancels siblings. Results are reassembled in
//	discovery order regardless of completion order. Invalid generated
//	configs go through deterministic auto-fix and, failing that, no-op
//	placeholder substitution, so the phase always finishes with
//	exactly one configured node per selected node.
func RunConfigure(ctx context.Context, deps *Deps) (ConfigureResult, *Error) {
	return run(ctx, deps, session.PhaseConfiguration, func(ctx context.Context) (ConfigureResult, error) {
		s, err := deps.Store.Load(ctx, deps.sessionID())
		if err != nil {
			return ConfigureResult{}, err
		}
		nodes := s.SelectedNodes()
		if len(nodes) == 0 {
			return ConfigureResult{}, validationError("no selected nodes to configure")
		}

		cache, err := deps.prefetchEssentials(ctx, nodes)
		if err != nil {
			return ConfigureResult{}, err
		}

		results := make([]session.ConfiguredNode, len(nodes))
		sem := semaphore.NewWeighted(int64(deps.concurrency()))
		var wg sync.WaitGroup

		for i, node := range nodes {
			wg.Add(1)
			go func(i int, node session.DiscoveredNode) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = failedNode(node, fmt.Errorf("task panic: %v", r))
					}
				}()

				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = failedNode(node, err)
					return
				}
				defer sem.Release(1)

				results[i] = deps.configureOne(ctx, cache, node)
			}(i, node)
		}
		wg.Wait()

		result := ConfigureResult{Configured: results, Meta: map[string]any{}}
		ops := make([]session.Operation, 0, len(results)+1)
		for _, cn := range results {
			if cn.Fallback {
				result.Fallbacks++
			}
			if cn.Failed {
				result.Failed++
			}
			ops = append(ops, session.ConfigureNode(cn))
		}
		ops = append(ops, session.CompletePhase(session.PhaseConfiguration))
		deps.Log.Log(ops...)

		result.Meta["fallbacks"] = result.Fallbacks
		result.Meta["failed"] = result.Failed
		return result, nil
	})
}

// prefetchEssentials fetches each unique node type once.
func (d *Deps) prefetchEssentials(ctx context.Context, nodes []session.DiscoveredNode) (*configCache, error) {
	cache := &configCache{byType: make(map[string]*nodesvc.Essentials)}
	for _, n := range nodes {
		if _, ok := cache.byType[n.Type]; ok {
			continue
		}
		ess, err := retry.Do(ctx, d.RetryCfg, func(ctx context.Context, _ int) (*nodesvc.Essentials, error) {
			return d.Nodes.GetEssentials(ctx, n.Type)
		})
		if err != nil {
			return nil, fmt.Errorf("prefetch essentials for %s: %w", n.Type, err)
		}
		cache.byType[n.Type] = ess
	}
	return cache, nil
}

// configureOne produces the configured node for one discovery entry.
// All errors are absorbed into a failed or fallback node; this
// function never fails the phase.
func (d *Deps) configureOne(ctx context.Context, cache *configCache, node session.DiscoveredNode) session.ConfiguredNode {
	ess := cache.byType[node.Type]

	// Start from any pre-existing partial configuration, patched into
	// the target schema shape.
	config := cloneConfig(node.Config)
	if config == nil {
		config = make(map[string]any)
	}
	d.Patches.ApplyAll(node.Type, config)

	// Generative customization, unless the node arrived pre-configured
	// and needs none.
	if node.NeedsConfig || !node.IsPreConfigured {
		generated, err := d.generateConfig(ctx, node, ess, config)
		if err != nil {
			return failedNode(node, err)
		}
		config = generated
		// Customization can reintroduce a patched-away defect.
		d.Patches.ApplyAll(node.Type, config)
	}

	verdict, err := d.Nodes.ValidateConfig(ctx, node.Type, config)
	if err != nil {
		return failedNode(node, err)
	}

	if !verdict.IsValid && len(verdict.MissingRequiredFields) > 0 {
		// Deterministic auto-fix: fill named missing fields from the
		// cached metadata defaults, then re-validate once.
		autoFill(config, verdict.MissingRequiredFields, ess)
		verdict, err = d.Nodes.ValidateConfig(ctx, node.Type, config)
		if err != nil {
			return failedNode(node, err)
		}
	}

	if !verdict.IsValid {
		return fallbackNode(node, verdict.Errors)
	}

	return session.ConfiguredNode{
		ID:        node.ID,
		Type:      node.Type,
		Purpose:   node.Purpose,
		Config:    config,
		Validated: true,
	}
}

// generateConfig asks the provider for the node's configuration using
// the essentials schema as grounding.
func (d *Deps) generateConfig(ctx context.Context, node session.DiscoveredNode, ess *nodesvc.Essentials, seed map[string]any) (map[string]any, error) {
	schemaJSON, _ := json.Marshal(ess)
	seedJSON, _ := json.Marshal(seed)

	user := fmt.Sprintf("Node type: %s\nPurpose: %s\nSchema: %s\nExisting partial config: %s",
		node.Type, node.Purpose, schemaJSON, seedJSON)

	var out struct {
		Config map[string]any `json:"config"`
	}
	_, err := d.generate(ctx, session.PhaseConfiguration, "configure-"+node.ID, llm.Request{
		System:    configureSystemPrompt,
		User:      user,
		Prefix:    `{"config":{`,
		MaxTokens: 1024,
	}, nil, &out)
	if err != nil {
		return nil, err
	}
	if out.Config == nil {
		out.Config = make(map[string]any)
	}
	return out.Config, nil
}

// autoFill fills missing required fields from metadata defaults, with
// a type-based zero value when no default exists.
func autoFill(config map[string]any, missing []string, ess *nodesvc.Essentials) {
	for _, name := range missing {
		if _, present := config[name]; present {
			continue
		}
		if ess != nil {
			if def, ok := ess.DefaultFor(name); ok {
				config[name] = def
				continue
			}
			config[name] = zeroForProperty(ess, name)
			continue
		}
		config[name] = ""
	}
}

func zeroForProperty(ess *nodesvc.Essentials, name string) any {
	for _, p := range ess.Properties {
		if p.Name != name {
			continue
		}
		switch p.Type {
		case "number":
			return 0
		case "boolean":
			return false
		case "array":
			return []any{}
		case "object":
			return map[string]any{}
		}
	}
	return ""
}

// fallbackNode substitutes a no-op placeholder carrying the diagnostic
// note. The placeholder is marked valid so downstream phases never
// block on a single bad generation.
func fallbackNode(node session.DiscoveredNode, errs []string) session.ConfiguredNode {
	return session.ConfiguredNode{
		ID:      node.ID,
		Type:    NoOpNodeType,
		Purpose: node.Purpose,
		Config:  map[string]any{},
		FallbackNote: fmt.Sprintf("substituted for %s (%s, category %q); unresolved: %v",
			node.Type, node.Purpose, node.Category, errs),
		Fallback:         true,
		Validated:        true,
		ValidationErrors: errs,
	}
}

// failedNode records a rejected task: the exception reason is kept and
// the node still occupies its slot in the results.
func failedNode(node session.DiscoveredNode, err error) session.ConfiguredNode {
	return session.ConfiguredNode{
		ID:         node.ID,
		Type:       node.Type,
		Purpose:    node.Purpose,
		Config:     map[string]any{},
		Failed:     true,
		FailReason: err.Error(),
	}
}

func cloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
