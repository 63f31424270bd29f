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
	"fmt"
	"strings"
)

// Patch is a named, idempotent, node-type-keyed rewrite rule fixing a
// known schema mismatch in node configurations. Patches run both
// before and after generative customization, since customization can
// reintroduce a patched-away defect.
type Patch struct {
	// Name uniquely identifies the patch in diagnostics.
	Name string

	// NodeType is the node type the patch applies to. "*" applies to
	// every type.
	NodeType string

	// Apply rewrites the config in place. Must be idempotent.
	Apply func(config map[string]any)
}

// PatchRegistry holds the preconfiguration patches. It is constructed
// once at process start and passed into Deps by reference; there is no
// package-level registry.
type PatchRegistry struct {
	patches []Patch
	names   map[string]bool
}

// NewPatchRegistry creates an empty registry.
func NewPatchRegistry() *PatchRegistry {
	return &PatchRegistry{names: make(map[string]bool)}
}

// Register adds a patch. Duplicate names are rejected.
func (r *PatchRegistry) Register(p Patch) error {
	if p.Name == "" || p.Apply == nil {
		return fmt.Errorf("patch requires a name and an apply function")
	}
	if r.names[p.Name] {
		return fmt.Errorf("duplicate patch %q", p.Name)
	}
	r.names[p.Name] = true
	r.patches = append(r.patches, p)
	return nil
}

// ApplyAll runs every matching patch over the config in registration
// order and returns the names of the patches that ran.
func (r *PatchRegistry) ApplyAll(nodeType string, config map[string]any) []string {
	if r == nil || config == nil {
		return nil
	}
	var applied []string
	for _, p := range r.patches {
		if p.NodeType == "*" || p.NodeType == nodeType {
			p.Apply(config)
			applied = append(applied, p.Name)
		}
	}
	return applied
}

// DefaultPatches returns the registry of known schema-mismatch fixes.
func DefaultPatches() *PatchRegistry {
	r := NewPatchRegistry()

	// Generators habitually emit "endpoint" where the schema wants
	// "url".
	_ = r.Register(Patch{
		Name:     "http-endpoint-to-url",
		NodeType: "http.request",
		Apply: func(cfg map[string]any) {
			if v, ok := cfg["endpoint"]; ok {
				if _, has := cfg["url"]; !has {
					cfg["url"] = v
				}
				delete(cfg, "endpoint")
			}
		},
	})

	_ = r.Register(Patch{
		Name:     "http-method-uppercase",
		NodeType: "http.request",
		Apply: func(cfg map[string]any) {
			if m, ok := cfg["method"].(string); ok {
				cfg["method"] = strings.ToUpper(m)
			}
		},
	})

	// Webhook paths must not carry a leading slash.
	_ = r.Register(Patch{
		Name:     "webhook-path-no-slash",
		NodeType: "webhook.trigger",
		Apply: func(cfg map[string]any) {
			if p, ok := cfg["path"].(string); ok {
				cfg["path"] = strings.TrimPrefix(p, "/")
			}
		},
	})

	// The set node's values field is an array in the target schema;
	// single assignments often arrive as a bare object.
	_ = r.Register(Patch{
		Name:     "set-values-array",
		NodeType: "set.values",
		Apply: func(cfg map[string]any) {
			if v, ok := cfg["values"]; ok {
				if _, isSlice := v.([]any); !isSlice {
					cfg["values"] = []any{v}
				}
			}
		},
	})

	// Nested "parameters" wrappers leak in from exported workflow
	// JSON; the config itself is the parameter map.
	_ = r.Register(Patch{
		Name:     "unwrap-parameters",
		NodeType: "*",
		Apply: func(cfg map[string]any) {
			inner, ok := cfg["parameters"].(map[string]any)
			if !ok || len(cfg) != 1 {
				return
			}
			delete(cfg, "parameters")
			for k, v := range inner {
				cfg[k] = v
			}
		},
	})

	return r
}
