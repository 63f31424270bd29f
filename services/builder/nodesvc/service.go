// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodesvc is the boundary to the external node-metadata/tool
// service: node schemas, config validation, whole-workflow validation,
// and catalog search. The pipeline consumes only this contract; the
// HTTP client and the in-memory fake both implement it.
package nodesvc

import (
	"context"

	"github.com/AleutianAI/flowforge/services/builder/session"
)

// PropertySpec describes one configurable property of a node type.
type PropertySpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Essentials is the reduced schema for a node type: enough to
// configure and validate it without the full catalog document.
type Essentials struct {
	Type        string         `json:"type"`
	DisplayName string         `json:"displayName"`
	Category    string         `json:"category,omitempty"`
	Properties  []PropertySpec `json:"properties"`
}

// DefaultFor returns the default value for a property name.
func (e *Essentials) DefaultFor(name string) (any, bool) {
	for _, p := range e.Properties {
		if p.Name == name && p.Default != nil {
			return p.Default, true
		}
	}
	return nil, false
}

// ConfigValidation is the per-node validation verdict.
type ConfigValidation struct {
	IsValid               bool     `json:"isValid"`
	Errors                []string `json:"errors,omitempty"`
	MissingRequiredFields []string `json:"missingRequiredFields,omitempty"`
}

// Issue is one error or warning from whole-workflow validation.
type Issue struct {
	// Code identifies the issue class ("outdated_version",
	// "missing_connection", ...). Empty for free-form messages.
	Code string `json:"code,omitempty"`

	Message string `json:"message"`

	// NodeName attributes the issue to a specific node when the
	// checker can; empty means the issue is structural/topological.
	NodeName string `json:"nodeName,omitempty"`
}

// WorkflowValidation is the whole-graph validation verdict.
type WorkflowValidation struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// ValidateWorkflowOptions tunes the whole-graph checks.
type ValidateWorkflowOptions struct {
	CheckConnections bool `json:"checkConnections"`
	CheckExpressions bool `json:"checkExpressions"`
}

// Candidate is one catalog search hit.
type Candidate struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Service is the node-metadata/tool service contract.
type Service interface {
	// GetEssentials returns the reduced schema for a node type.
	GetEssentials(ctx context.Context, nodeType string) (*Essentials, error)

	// ValidateConfig validates one node's configuration.
	ValidateConfig(ctx context.Context, nodeType string, config map[string]any) (*ConfigValidation, error)

	// ValidateWorkflow validates the whole graph.
	ValidateWorkflow(ctx context.Context, wf *session.Workflow, opts ValidateWorkflowOptions) (*WorkflowValidation, error)

	// Search queries the node catalog.
	Search(ctx context.Context, query string) ([]Candidate, error)
}
