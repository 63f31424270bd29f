// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

// WorkflowNode is a node in the final automation graph.
type WorkflowNode struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Position [2]float64     `json:"position"`
	Params   map[string]any `json:"parameters,omitempty"`

	// Disabled marks a no-op placeholder substituted during
	// configuration. Notes carries its diagnostic text.
	Disabled bool   `json:"disabled,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ConnectionTarget identifies one input of a downstream node.
type ConnectionTarget struct {
	Node  string `json:"node"`
	Input string `json:"input,omitempty"`
	Index int    `json:"index,omitempty"`
}

// Connections is the adjacency map of the graph, keyed by source node
// name. Each source fans out to zero or more ordered target groups.
type Connections map[string][][]ConnectionTarget

// Workflow is the automation graph produced by the building phase and
// mutated in place by validation (error repair) and documentation
// (layout annotations).
type Workflow struct {
	Name        string         `json:"name"`
	Nodes       []WorkflowNode `json:"nodes"`
	Connections Connections    `json:"connections"`
	Settings    map[string]any `json:"settings,omitempty"`
	Valid       bool           `json:"valid,omitempty"`
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Nodes = append([]WorkflowNode(nil), w.Nodes...)
	for i := range cp.Nodes {
		cp.Nodes[i].Params = cloneMap(w.Nodes[i].Params)
	}

	cp.Connections = make(Connections, len(w.Connections))
	for src, groups := range w.Connections {
		cg := make([][]ConnectionTarget, len(groups))
		for i, g := range groups {
			cg[i] = append([]ConnectionTarget(nil), g...)
		}
		cp.Connections[src] = cg
	}

	cp.Settings = cloneMap(w.Settings)
	return &cp
}

// NodeByName returns the index of the node with the given name, or -1.
func (w *Workflow) NodeByName(name string) int {
	for i, n := range w.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// ReplaceNode replaces the node with the same name outright, appending
// if no node with that name exists. Replacement is whole-entity: no
// field-level merging with the prior node.
func (w *Workflow) ReplaceNode(node WorkflowNode) {
	if i := w.NodeByName(node.Name); i >= 0 {
		w.Nodes[i] = node
		return
	}
	w.Nodes = append(w.Nodes, node)
}

// Targets returns the distinct immediate downstream node names of src.
func (w *Workflow) Targets(src string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range w.Connections[src] {
		for _, t := range group {
			if !seen[t.Node] {
				seen[t.Node] = true
				out = append(out, t.Node)
			}
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
