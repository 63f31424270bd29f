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

import (
	"testing"
	"time"
)

func TestApplyPhaseTransitions(t *testing.T) {
	now := time.Now()

	t.Run("complete phase advances", func(t *testing.T) {
		s := New("build a thing")
		s.Apply(CompletePhase(PhaseDiscovery), now)
		if s.Phase != PhaseConfiguration {
			t.Errorf("Phase = %v, want %v", s.Phase, PhaseConfiguration)
		}
	})

	t.Run("phase never regresses", func(t *testing.T) {
		s := New("build a thing")
		s.Phase = PhaseValidation
		s.Apply(SetPhase(PhaseDiscovery), now)
		if s.Phase != PhaseValidation {
			t.Errorf("Phase regressed to %v", s.Phase)
		}
		s.Apply(CompletePhase(PhaseDiscovery), now)
		if s.Phase != PhaseValidation {
			t.Errorf("stale completePhase regressed phase to %v", s.Phase)
		}
	})

	t.Run("invalid phase is ignored", func(t *testing.T) {
		s := New("build a thing")
		s.Apply(SetPhase(Phase("bogus")), now)
		if s.Phase != PhaseDiscovery {
			t.Errorf("Phase = %v, want discovery", s.Phase)
		}
	})

	t.Run("reset returns to discovery", func(t *testing.T) {
		s := New("build a thing")
		s.Apply(DiscoverNode(DiscoveredNode{ID: "n1", Type: "t"}), now)
		s.Apply(SelectNode("n1"), now)
		s.Apply(CompletePhase(PhaseDiscovery), now)
		s.Apply(Reset(), now)

		if s.Phase != PhaseDiscovery {
			t.Errorf("Phase = %v after reset", s.Phase)
		}
		if len(s.Discovered) != 0 || len(s.Selected) != 0 {
			t.Error("reset did not clear derived state")
		}
		// History survives reset: the log is append-only.
		if len(s.OperationHistory) != 4 {
			t.Errorf("history length = %d, want 4", len(s.OperationHistory))
		}
	})
}

func TestApplyNodeOperations(t *testing.T) {
	now := time.Now()

	t.Run("select requires prior discovery", func(t *testing.T) {
		s := New("p")
		s.Apply(SelectNode("ghost"), now)
		if len(s.Selected) != 0 {
			t.Errorf("selected unknown node: %v", s.Selected)
		}
	})

	t.Run("duplicate discovery is idempotent", func(t *testing.T) {
		s := New("p")
		n := DiscoveredNode{ID: "n1", Type: "http"}
		s.Apply(DiscoverNode(n), now)
		s.Apply(DiscoverNode(n), now)
		if len(s.Discovered) != 1 {
			t.Errorf("Discovered length = %d, want 1", len(s.Discovered))
		}
	})

	t.Run("configure upserts by id", func(t *testing.T) {
		s := New("p")
		s.Apply(ConfigureNode(ConfiguredNode{ID: "n1", Type: "http"}), now)
		s.Apply(ConfigureNode(ConfiguredNode{ID: "n1", Type: "http", Validated: true}), now)
		if len(s.Configured) != 1 {
			t.Fatalf("Configured length = %d, want 1", len(s.Configured))
		}
		if !s.Configured["n1"].Validated {
			t.Error("second configure did not replace the first")
		}
	})

	t.Run("validate updates configured node", func(t *testing.T) {
		s := New("p")
		s.Apply(ConfigureNode(ConfiguredNode{ID: "n1", Validated: true}), now)
		s.Apply(ValidateNode("n1", []string{"missing url"}), now)
		cn := s.Configured["n1"]
		if cn.Validated {
			t.Error("node still valid after error report")
		}
		if len(cn.ValidationErrors) != 1 {
			t.Errorf("ValidationErrors = %v", cn.ValidationErrors)
		}
	})
}

func TestApplyUnknownOperation(t *testing.T) {
	s := New("p")
	before := *s
	s.Apply(Operation{Type: OpType("futureOp")}, time.Now())

	if s.Phase != before.Phase || len(s.Discovered) != 0 || s.Workflow != nil {
		t.Error("unknown operation mutated named state")
	}
	if len(s.OperationHistory) != 1 {
		t.Errorf("history length = %d, want 1 (unknown ops are still logged)", len(s.OperationHistory))
	}
}

func TestApplyDeterminism(t *testing.T) {
	// Replaying the same operations over a fresh session must
	// reproduce the same state.
	ops := []Operation{
		DiscoverNode(DiscoveredNode{ID: "n1", Type: "webhook"}),
		DiscoverNode(DiscoveredNode{ID: "n2", Type: "http"}),
		SelectNode("n1"),
		SelectNode("n2"),
		CompletePhase(PhaseDiscovery),
		ConfigureNode(ConfiguredNode{ID: "n1", Validated: true}),
		ConfigureNode(ConfiguredNode{ID: "n2", Validated: true}),
		CompletePhase(PhaseConfiguration),
	}
	at := time.Unix(1700000000, 0)

	a := New("same prompt")
	b := New("same prompt")
	for _, op := range ops {
		a.Apply(op, at)
		b.Apply(op, at)
	}

	if a.Phase != b.Phase || len(a.Discovered) != len(b.Discovered) ||
		len(a.Selected) != len(b.Selected) || len(a.Configured) != len(b.Configured) {
		t.Error("replay diverged between two fresh sessions")
	}
	if a.Phase != PhaseBuilding {
		t.Errorf("Phase = %v, want building", a.Phase)
	}
}

func TestApplyClarifications(t *testing.T) {
	now := time.Now()
	s := New("p")
	c := Clarification{ID: "c1", Phase: PhaseDiscovery, Question: "which channel?", AskedAt: now}

	s.Apply(RequestClarification(c), now)
	if len(s.PendingClarifications) != 1 || s.PendingClarifications[0].Answered {
		t.Fatal("clarification not recorded as pending")
	}

	s.Apply(ClarificationResponse("c1", "#alerts"), now)
	got := s.PendingClarifications[0]
	if !got.Answered || got.Answer != "#alerts" {
		t.Errorf("clarification = %+v, want answered with #alerts", got)
	}

	// Responses to unknown ids are no-ops.
	s.Apply(ClarificationResponse("nope", "x"), now)
	if len(s.PendingClarifications) != 1 {
		t.Error("unknown clarification id changed state")
	}
}

func TestApplyArchive(t *testing.T) {
	now := time.Now()
	s := New("p")
	s.Apply(Archive("completed"), now)
	if !s.Archived || s.ArchiveReason != "completed" {
		t.Errorf("archive not applied: archived=%v reason=%q", s.Archived, s.ArchiveReason)
	}
}

func TestTokenUsageThresholds(t *testing.T) {
	now := time.Now()
	s := New("p")

	s.Apply(RecordUsage(UsageRecord{Phase: PhaseDiscovery, Purpose: "discover", PromptTokens: 6_000, CompletionTokens: 1_000}), now)
	if s.TokenUsage.ThresholdsCrossed != 0 {
		t.Errorf("ThresholdsCrossed = %d before 10k", s.TokenUsage.ThresholdsCrossed)
	}

	s.Apply(RecordUsage(UsageRecord{Phase: PhaseBuilding, Purpose: "build", PromptTokens: 20_000, CompletionTokens: 4_000}), now)
	if s.TokenUsage.ThresholdsCrossed != 3 {
		t.Errorf("ThresholdsCrossed = %d, want 3 (31k total)", s.TokenUsage.ThresholdsCrossed)
	}
	if s.TokenUsage.GrandTotal() != 31_000 {
		t.Errorf("GrandTotal = %d, want 31000", s.TokenUsage.GrandTotal())
	}
	if len(s.TokenUsage.Calls) != 2 {
		t.Errorf("Calls = %d, want 2", len(s.TokenUsage.Calls))
	}
}

func TestCloneIsolation(t *testing.T) {
	now := time.Now()
	s := New("p")
	s.Apply(DiscoverNode(DiscoveredNode{ID: "n1", Type: "http", Config: map[string]any{"url": "a"}}), now)
	s.Apply(SelectNode("n1"), now)
	s.Apply(SetWorkflow(&Workflow{
		Name:  "wf",
		Nodes: []WorkflowNode{{ID: "n1", Name: "A", Params: map[string]any{"k": "v"}}},
		Connections: Connections{
			"A": {{{Node: "B"}}},
		},
	}), now)

	cp := s.Clone()
	cp.Apply(SelectNode("n1"), now)
	cp.Workflow.Nodes[0].Name = "mutated"
	cp.Workflow.Connections["A"][0][0].Node = "C"

	if s.Workflow.Nodes[0].Name != "A" {
		t.Error("clone shares node slice with original")
	}
	if s.Workflow.Connections["A"][0][0].Node != "B" {
		t.Error("clone shares connection groups with original")
	}
	if len(s.OperationHistory) == len(cp.OperationHistory) {
		t.Error("clone shares history with original")
	}
}
