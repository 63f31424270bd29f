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
	"fmt"
	"strings"

	"github.com/AleutianAI/flowforge/services/builder/session"
)

// AnnotationNodeType is the decorator node type emitted for the phase
// annotations. Decorator nodes carry no parameters the executor acts
// on; they exist purely for the canvas.
const AnnotationNodeType = "flowforge.annotation"

// Layout geometry. Positions are canvas units; the annotation padding
// keeps the boxes from touching the nodes they frame.
const (
	columnSpacing    = 250.0
	rowSpacing       = 150.0
	annotationPadX   = 60.0
	annotationPadY   = 80.0
	leadingAnnoWidth = 200.0
	leadingAnnoGap   = 40.0
)

// layoutBuckets is the canonical left-to-right bucket ordering.
var layoutBuckets = []string{
	"trigger", "input", "transform", "decision", "aggregation",
	"storage", "integration", "output", "finalization", "error",
}

// typePatterns maps substrings of a node type to its bucket, checked
// in layoutBuckets order. First match wins.
var typePatterns = map[string][]string{
	"trigger":      {"trigger", "webhook", "cron", "schedule", "poll"},
	"input":        {"read", "fetch", "get", "receive", "import", "form"},
	"transform":    {"set", "code", "function", "transform", "edit", "convert", "filter", "split"},
	"decision":     {"if", "switch", "router", "branch", "compare"},
	"aggregation":  {"merge", "aggregate", "join", "combine", "batch"},
	"storage":      {"postgres", "mysql", "mongo", "redis", "sheet", "database", "store", "file", "s3"},
	"integration":  {"slack", "email", "discord", "telegram", "jira", "github", "api", "notify"},
	"output":       {"respond", "write", "send", "export", "output", "reply"},
	"finalization": {"noop", "end", "finish", "complete"},
	"error":        {"error", "catch", "fail"},
}

// RunDocument applies the layout pass: bucket grouping, fan-out
// stacking, and phase annotations.
//
// Description:
//
//	Pure positioning over the validated workflow. Nodes are grouped
//	into ordered phase buckets, fan-out targets of a common source are
//	stacked vertically instead of spreading horizontally, and one
//	annotation decorator per occupied bucket frames its members at a
//	uniform height derived from the global vertical extent. A leading
//	annotation is placed before the first bucket unless there is no
//	horizontal clearance for it.
func RunDocument(ctx context.Context, deps *Deps) (DocumentResult, *Error) {
	return run(ctx, deps, session.PhaseDocumentation, func(ctx context.Context) (DocumentResult, error) {
		s, err := deps.Store.Load(ctx, deps.sessionID())
		if err != nil {
			return DocumentResult{}, err
		}
		if s.Workflow == nil {
			return DocumentResult{}, validationError("no workflow to document")
		}

		wf := s.Workflow.Clone()
		annotations := Layout(wf, categoriesByNodeID(s))

		deps.Log.Log(session.SetWorkflow(wf), session.CompletePhase(session.PhaseDocumentation))

		return DocumentResult{
			Workflow:    wf,
			Annotations: annotations,
			Meta:        map[string]any{"annotations": annotations},
		}, nil
	})
}

// categoriesByNodeID collects the discovery-phase category hints, the
// preferred bucket signal when a node carries one.
func categoriesByNodeID(s *session.Session) map[string]string {
	out := make(map[string]string, len(s.Discovered))
	for _, n := range s.Discovered {
		if n.Category != "" {
			out[n.ID] = strings.ToLower(n.Category)
		}
	}
	return out
}

// Layout positions wf's nodes in place and appends annotation
// decorator nodes. Returns the number of annotations emitted.
//
// Exported separately from the runner so it can be applied to any
// workflow object; it touches nothing but the graph it is given.
func Layout(wf *session.Workflow, categories map[string]string) int {
	if len(wf.Nodes) == 0 {
		return 0
	}

	buckets := groupByBucket(wf, categories)
	position(wf, buckets)
	return annotate(wf, buckets)
}

// bucketOf resolves a node's bucket: the upstream category hint when it
// names a known bucket, else type-pattern detection, else transform.
func bucketOf(n session.WorkflowNode, categories map[string]string) string {
	if hint, ok := categories[n.ID]; ok {
		for _, b := range layoutBuckets {
			if hint == b {
				return b
			}
		}
	}
	lower := strings.ToLower(n.Type)
	for _, b := range layoutBuckets {
		for _, pat := range typePatterns[b] {
			if strings.Contains(lower, pat) {
				return b
			}
		}
	}
	return "transform"
}

// groupByBucket returns node indices per bucket, preserving node order
// within each bucket.
func groupByBucket(wf *session.Workflow, categories map[string]string) map[string][]int {
	out := make(map[string][]int)
	for i, n := range wf.Nodes {
		b := bucketOf(n, categories)
		out[b] = append(out[b], i)
	}
	return out
}

// position assigns coordinates: buckets advance left to right, nodes
// within a bucket advance left to right, and fan-out targets of a
// shared source stack vertically under the first target's column.
func position(wf *session.Workflow, buckets map[string][]int) {
	fanGroups := fanOutGroups(wf)

	// row assignment from fan-out analysis: the first target of a
	// fan-out stays on row 0, siblings descend.
	row := make(map[string]int, len(wf.Nodes))
	stacked := make(map[string]bool)
	for _, targets := range fanGroups {
		for r, name := range targets {
			if r == 0 {
				continue
			}
			row[name] = r
			stacked[name] = true
		}
	}

	col := 0
	for _, b := range layoutBuckets {
		for _, i := range buckets[b] {
			n := &wf.Nodes[i]
			if stacked[n.Name] {
				// Stacked nodes share the previous column instead of
				// consuming one of their own.
				if col > 0 {
					n.Position = [2]float64{float64(col-1) * columnSpacing, float64(row[n.Name]) * rowSpacing}
					continue
				}
			}
			n.Position = [2]float64{float64(col) * columnSpacing, float64(row[n.Name]) * rowSpacing}
			col++
		}
	}
}

// fanOutGroups finds every source feeding more than one distinct
// immediate target.
func fanOutGroups(wf *session.Workflow) map[string][]string {
	out := make(map[string][]string)
	for src := range wf.Connections {
		targets := wf.Targets(src)
		if len(targets) > 1 {
			out[src] = targets
		}
	}
	return out
}

// annotate appends one decorator node per occupied bucket plus the
// leading annotation. All annotations share one height computed from
// the global vertical extent.
func annotate(wf *session.Workflow, buckets map[string][]int) int {
	minY, maxY := verticalExtent(wf)
	height := (maxY - minY) + 2*annotationPadY

	count := 0
	firstLeft := 0.0
	haveFirst := false

	for _, b := range layoutBuckets {
		members := buckets[b]
		if len(members) == 0 {
			continue
		}
		minX, maxX := horizontalExtent(wf, members)
		left := minX - annotationPadX
		width := (maxX - minX) + 2*annotationPadX

		if !haveFirst {
			firstLeft = left
			haveFirst = true
		}

		wf.Nodes = append(wf.Nodes, annotationNode(
			fmt.Sprintf("Phase: %s", b),
			[2]float64{left, minY - annotationPadY},
			width, height,
		))
		count++
	}

	// Leading annotation sits left of the first bucket, suppressed if
	// any node already occupies that span.
	if haveFirst {
		leadLeft := firstLeft - leadingAnnoWidth - leadingAnnoGap
		clear := true
		for _, n := range wf.Nodes {
			if n.Position[0] < firstLeft && n.Position[0] >= leadLeft {
				clear = false
				break
			}
		}
		if clear {
			wf.Nodes = append(wf.Nodes, annotationNode(
				"Workflow: "+wf.Name,
				[2]float64{leadLeft, minY - annotationPadY},
				leadingAnnoWidth, height,
			))
			count++
		}
	}
	return count
}

func annotationNode(content string, pos [2]float64, width, height float64) session.WorkflowNode {
	return session.WorkflowNode{
		ID:       "anno_" + sanitizeID(content),
		Name:     content,
		Type:     AnnotationNodeType,
		Position: pos,
		Params: map[string]any{
			"content": content,
			"width":   width,
			"height":  height,
		},
		Disabled: true,
	}
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == ':', r == '-':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// verticalExtent spans the real nodes only (annotations are appended
// after this is computed).
func verticalExtent(wf *session.Workflow) (minY, maxY float64) {
	minY, maxY = wf.Nodes[0].Position[1], wf.Nodes[0].Position[1]
	for _, n := range wf.Nodes[1:] {
		if n.Position[1] < minY {
			minY = n.Position[1]
		}
		if n.Position[1] > maxY {
			maxY = n.Position[1]
		}
	}
	return minY, maxY
}

func horizontalExtent(wf *session.Workflow, idx []int) (minX, maxX float64) {
	minX, maxX = wf.Nodes[idx[0]].Position[0], wf.Nodes[idx[0]].Position[0]
	for _, i := range idx[1:] {
		x := wf.Nodes[i].Position[0]
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
	}
	return minX, maxX
}
