// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodesvc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/flowforge/services/builder/session"
)

// Fake is an in-memory Service for tests. Essentials are static per
// type; config and workflow verdicts can be scripted per call.
type Fake struct {
	mu sync.Mutex

	EssentialsByType map[string]*Essentials
	Catalog          []Candidate

	// ConfigVerdicts scripts ValidateConfig per node type; the slice
	// is consumed call by call and the last element repeats. Empty
	// means always valid.
	ConfigVerdicts map[string][]*ConfigValidation

	// WorkflowVerdicts scripts ValidateWorkflow; consumed call by
	// call, last element repeats. Empty means always valid.
	WorkflowVerdicts []*WorkflowValidation

	// Calls counts invocations per method name.
	Calls map[string]int

	// EssentialsFetches counts GetEssentials calls per node type, for
	// asserting the per-phase metadata cache.
	EssentialsFetches map[string]int
}

// NewFake creates an empty fake.
func NewFake() *Fake {
	return &Fake{
		EssentialsByType:  make(map[string]*Essentials),
		ConfigVerdicts:    make(map[string][]*ConfigValidation),
		Calls:             make(map[string]int),
		EssentialsFetches: make(map[string]int),
	}
}

// AddType registers a node type with its essentials and catalog entry.
func (f *Fake) AddType(e *Essentials) *Fake {
	f.EssentialsByType[e.Type] = e
	f.Catalog = append(f.Catalog, Candidate{
		Type:        e.Type,
		DisplayName: e.DisplayName,
		Category:    e.Category,
	})
	return f
}

// GetEssentials implements Service.
func (f *Fake) GetEssentials(_ context.Context, nodeType string) (*Essentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls["GetEssentials"]++
	f.EssentialsFetches[nodeType]++
	e, ok := f.EssentialsByType[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	return e, nil
}

// ValidateConfig implements Service.
func (f *Fake) ValidateConfig(_ context.Context, nodeType string, _ map[string]any) (*ConfigValidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls["ValidateConfig"]++
	verdicts := f.ConfigVerdicts[nodeType]
	if len(verdicts) == 0 {
		return &ConfigValidation{IsValid: true}, nil
	}
	v := verdicts[0]
	if len(verdicts) > 1 {
		f.ConfigVerdicts[nodeType] = verdicts[1:]
	}
	return v, nil
}

// ValidateWorkflow implements Service.
func (f *Fake) ValidateWorkflow(_ context.Context, _ *session.Workflow, _ ValidateWorkflowOptions) (*WorkflowValidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls["ValidateWorkflow"]++
	if len(f.WorkflowVerdicts) == 0 {
		return &WorkflowValidation{Valid: true}, nil
	}
	v := f.WorkflowVerdicts[0]
	if len(f.WorkflowVerdicts) > 1 {
		f.WorkflowVerdicts = f.WorkflowVerdicts[1:]
	}
	return v, nil
}

// Search implements Service.
func (f *Fake) Search(_ context.Context, query string) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls["Search"]++
	q := strings.ToLower(query)
	var out []Candidate
	for _, c := range f.Catalog {
		if strings.Contains(strings.ToLower(c.Type), q) ||
			strings.Contains(strings.ToLower(c.DisplayName), q) {
			out = append(out, c)
		}
	}
	return out, nil
}
