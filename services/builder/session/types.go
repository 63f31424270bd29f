// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session defines the builder session data model.
//
// A Session is the unit of work for the workflow-builder pipeline. It is
// owned exclusively by the session store and mutated only through
// Operations (see operations.go); replaying the operation log over an
// empty session deterministically reconstructs its state (see fold.go).
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase identifies a pipeline stage.
type Phase string

const (
	PhaseDiscovery     Phase = "discovery"
	PhaseConfiguration Phase = "configuration"
	PhaseBuilding      Phase = "building"
	PhaseValidation    Phase = "validation"
	PhaseDocumentation Phase = "documentation"
	PhaseComplete      Phase = "complete"
)

// phaseOrder gives the forward ordering used by the regression check.
var phaseOrder = map[Phase]int{
	PhaseDiscovery:     0,
	PhaseConfiguration: 1,
	PhaseBuilding:      2,
	PhaseValidation:    3,
	PhaseDocumentation: 4,
	PhaseComplete:      5,
}

// Before reports whether p comes strictly before other in pipeline order.
func (p Phase) Before(other Phase) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// NewSessionID returns a time-ordered session id with a random suffix.
//
// The millisecond prefix keeps ids sortable by creation time; the UUID
// fragment prevents collisions between sessions created in the same
// millisecond.
func NewSessionID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// DiscoveredNode is a candidate node produced by the discovery phase.
type DiscoveredNode struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	DisplayName     string         `json:"displayName"`
	Purpose         string         `json:"purpose"`
	Category        string         `json:"category,omitempty"`
	IsPreConfigured bool           `json:"isPreConfigured,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	NeedsConfig     bool           `json:"needsConfiguration,omitempty"`
}

// ConfiguredNode is a node with a generated (or substituted) configuration,
// produced by the configuration phase.
type ConfiguredNode struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Purpose          string         `json:"purpose"`
	Config           map[string]any `json:"config"`
	Validated        bool           `json:"validated"`
	ValidationErrors []string       `json:"validationErrors,omitempty"`

	// Fallback is true when the node is a no-op placeholder substituted
	// for an unrepairable configuration. FallbackNote carries the
	// diagnostic (original type, purpose, unresolved errors).
	Fallback     bool   `json:"fallback,omitempty"`
	FallbackNote string `json:"fallbackNote,omitempty"`

	// Failed is true when the configuration task itself panicked or
	// returned an error (distinct from an invalid generated config).
	Failed     bool   `json:"failed,omitempty"`
	FailReason string `json:"failReason,omitempty"`
}

// Clarification is a question the pipeline needs answered before it can
// continue, plus the eventual answer.
type Clarification struct {
	ID       string    `json:"id"`
	Phase    Phase     `json:"phase"`
	Question string    `json:"question"`
	Answer   string    `json:"answer,omitempty"`
	Answered bool      `json:"answered"`
	AskedAt  time.Time `json:"askedAt"`
}

// Session is the unit of pipeline work. All fields are managed by the
// session store; callers must not write them directly.
type Session struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
	Phase   Phase  `json:"phase"`

	UserPrompt string `json:"userPrompt"`

	Discovered []DiscoveredNode          `json:"discovered"`
	Selected   []string                  `json:"selected"`
	Configured map[string]ConfiguredNode `json:"configured"`
	Workflow   *Workflow                 `json:"workflow,omitempty"`

	OperationHistory      []LoggedOperation `json:"operationHistory"`
	PendingClarifications []Clarification   `json:"pendingClarifications,omitempty"`

	TokenUsage TokenUsage `json:"tokenUsage"`

	// Archived marks the session soft-closed. Archived sessions are kept
	// for inspection; the pipeline never hard-deletes.
	Archived      bool   `json:"archived,omitempty"`
	ArchiveReason string `json:"archiveReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates an empty session at the discovery phase.
func New(userPrompt string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         NewSessionID(),
		Version:    0,
		Phase:      PhaseDiscovery,
		UserPrompt: userPrompt,
		Configured: make(map[string]ConfiguredNode),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsSelected reports whether the node id is in the selected set.
func (s *Session) IsSelected(id string) bool {
	for _, sel := range s.Selected {
		if sel == id {
			return true
		}
	}
	return false
}

// DiscoveredByID returns the discovered node with the given id, if any.
func (s *Session) DiscoveredByID(id string) (DiscoveredNode, bool) {
	for _, n := range s.Discovered {
		if n.ID == id {
			return n, true
		}
	}
	return DiscoveredNode{}, false
}

// SelectedNodes returns the discovered nodes that are also selected, in
// discovery order.
func (s *Session) SelectedNodes() []DiscoveredNode {
	out := make([]DiscoveredNode, 0, len(s.Selected))
	for _, n := range s.Discovered {
		if s.IsSelected(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy of the session. The store folds operations
// over a clone so a failed conditional write never leaves a half-mutated
// session visible to the caller.
func (s *Session) Clone() *Session {
	cp := *s

	cp.Discovered = append([]DiscoveredNode(nil), s.Discovered...)
	cp.Selected = append([]string(nil), s.Selected...)
	cp.OperationHistory = append([]LoggedOperation(nil), s.OperationHistory...)
	cp.PendingClarifications = append([]Clarification(nil), s.PendingClarifications...)

	cp.Configured = make(map[string]ConfiguredNode, len(s.Configured))
	for k, v := range s.Configured {
		cp.Configured[k] = v
	}

	if s.Workflow != nil {
		cp.Workflow = s.Workflow.Clone()
	}

	cp.TokenUsage = s.TokenUsage.clone()
	return &cp
}
