// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phases implements the five stages of the builder pipeline.
//
// Each stage consumes the previous stage's output through the session
// store and logs its deltas through the operation logger:
//   - Discovery: find candidate nodes for the user's request
//   - Configuration: configure each node (bounded-parallel)
//   - Building: assemble the workflow graph
//   - Validation: iterative validate-and-repair loop
//   - Documentation: layout and phase annotations
//
// Every runner goes through the run wrapper (wrapper.go) for uniform
// timing, error normalization, and durable flushing.
package phases

import (
	"log/slog"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/oplog"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

// DefaultConcurrency is the configuration-phase worker ceiling.
const DefaultConcurrency = 5

// MaxValidationAttempts bounds the validate-and-repair loop.
const MaxValidationAttempts = 5

// Deps bundles everything a phase runner needs. One Deps value serves
// one session for the lifetime of a pipeline run.
type Deps struct {
	// Store is the session store (single source of truth).
	Store store.Store

	// Log is the operation logger bound to the session.
	Log *oplog.Logger

	// Provider is the generation service.
	Provider llm.Provider

	// Nodes is the node-metadata/tool service.
	Nodes nodesvc.Service

	// Logger is the structured logger.
	Logger *slog.Logger

	// RetryCfg is the backoff configuration for outbound calls.
	RetryCfg retry.Config

	// Patches is the preconfiguration patch registry. Constructed once
	// at process start and passed in; never a global.
	Patches *PatchRegistry

	// Concurrency is the configuration worker ceiling; 0 means
	// DefaultConcurrency.
	Concurrency int

	// Hooks receives phase lifecycle notifications (metrics). May be
	// nil.
	Hooks Hooks
}

// Hooks observes phase execution. All methods must be cheap and must
// not block.
type Hooks interface {
	PhaseFinished(phase session.Phase, seconds float64, failed bool)
	ParserRecovered(phase session.Phase)
	StoreConflictRetries(n int)
}

func (d *Deps) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return DefaultConcurrency
}

func (d *Deps) sessionID() string { return d.Log.SessionID() }

// DiscoveryResult is the discovery phase output.
type DiscoveryResult struct {
	Discovered []session.DiscoveredNode
	Selected   []string

	// Clarification is non-nil when the pipeline must pause for user
	// input before discovery can complete.
	Clarification *session.Clarification

	Meta map[string]any
}

// ConfigureResult is the configuration phase output. Configured always
// has exactly one entry per selected node, in discovery order.
type ConfigureResult struct {
	Configured []session.ConfiguredNode

	// Fallbacks counts no-op placeholder substitutions.
	Fallbacks int

	// Failed counts tasks that errored outright (distinct from
	// invalid configs, which fall back instead).
	Failed int

	Meta map[string]any
}

// BuildResult is the building phase output.
type BuildResult struct {
	Workflow *session.Workflow
	Meta     map[string]any
}

// FixAttempt records one pass of the validation repair loop.
type FixAttempt struct {
	Attempt         int            `json:"attempt"`
	Errors          []nodesvc.Issue `json:"errors"`
	FixDescriptions []string       `json:"fixDescriptions,omitempty"`
}

// ValidationReport is produced for downstream consumers: the initial
// and final error sets plus per-attempt fix descriptions.
type ValidationReport struct {
	InitialErrors []nodesvc.Issue `json:"initialErrors"`
	FinalErrors   []nodesvc.Issue `json:"finalErrors"`
	Attempts      []FixAttempt    `json:"attempts"`
	Valid         bool            `json:"valid"`
}

// ValidateResult is the validation phase output. A workflow that is
// still invalid after the attempt ceiling is a partial result, not a
// phase failure.
type ValidateResult struct {
	Workflow *session.Workflow
	Report   *ValidationReport
	Meta     map[string]any
}

// DocumentResult is the documentation phase output.
type DocumentResult struct {
	Workflow    *session.Workflow
	Annotations int
	Meta        map[string]any
}
