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

import "time"

// Apply folds one operation into the session in place.
//
// Description:
//
//	Fold semantics are pure per operation type: the same (state, op)
//	pair always produces the same state. Unknown operation types mutate
//	no named field, which keeps old binaries forward compatible with
//	logs written by newer ones. The operation history always receives
//	the raw operation plus the timestamp, whether or not the op touched
//	a named field.
//
// Inputs:
//   - op: The operation to fold.
//   - at: The timestamp recorded in the history entry.
//
// Phase regression is refused for every operation except OpReset; a
// setPhase to an earlier phase holds the current phase and still logs
// the operation.
func (s *Session) Apply(op Operation, at time.Time) {
	switch op.Type {
	case OpSetPhase:
		if op.Phase.Valid() && !op.Phase.Before(s.Phase) {
			s.Phase = op.Phase
		}

	case OpDiscoverNode:
		if op.Node != nil {
			if _, ok := s.DiscoveredByID(op.Node.ID); !ok {
				s.Discovered = append(s.Discovered, *op.Node)
			}
		}

	case OpSelectNode:
		// A node must be discovered before it can be selected.
		if _, ok := s.DiscoveredByID(op.NodeID); ok && !s.IsSelected(op.NodeID) {
			s.Selected = append(s.Selected, op.NodeID)
		}

	case OpConfigureNode:
		if op.Configured != nil {
			if s.Configured == nil {
				s.Configured = make(map[string]ConfiguredNode)
			}
			s.Configured[op.Configured.ID] = *op.Configured
		}

	case OpValidateNode:
		if n, ok := s.Configured[op.NodeID]; ok {
			n.Validated = len(op.Errors) == 0
			n.ValidationErrors = op.Errors
			s.Configured[op.NodeID] = n
		}

	case OpSetWorkflow:
		if op.Workflow != nil {
			s.Workflow = op.Workflow.Clone()
		}

	case OpRequestClarification:
		if op.Clarification != nil {
			s.PendingClarifications = append(s.PendingClarifications, *op.Clarification)
		}

	case OpClarificationResponse:
		for i := range s.PendingClarifications {
			if s.PendingClarifications[i].ID == op.ClarificationID {
				s.PendingClarifications[i].Answer = op.Answer
				s.PendingClarifications[i].Answered = true
				break
			}
		}

	case OpCompletePhase:
		if next, ok := nextPhase(op.Phase); ok && !next.Before(s.Phase) {
			s.Phase = next
		}

	case OpRecordUsage:
		if op.Usage != nil {
			s.TokenUsage.record(*op.Usage)
		}

	case OpArchive:
		s.Archived = true
		s.ArchiveReason = op.Message

	case OpReset:
		s.Phase = PhaseDiscovery
		s.Discovered = nil
		s.Selected = nil
		s.Configured = make(map[string]ConfiguredNode)
		s.Workflow = nil
		s.PendingClarifications = nil
		s.Archived = false
		s.ArchiveReason = ""

	case OpError:
		// Recorded in history only.

	default:
		// Unknown operation types are no-ops.
	}

	s.OperationHistory = append(s.OperationHistory, LoggedOperation{
		Operation:   op,
		LoggedPhase: s.Phase,
		Timestamp:   at,
	})
	s.UpdatedAt = at
}

// nextPhase returns the phase following p in pipeline order.
func nextPhase(p Phase) (Phase, bool) {
	switch p {
	case PhaseDiscovery:
		return PhaseConfiguration, true
	case PhaseConfiguration:
		return PhaseBuilding, true
	case PhaseBuilding:
		return PhaseValidation, true
	case PhaseValidation:
		return PhaseDocumentation, true
	case PhaseDocumentation:
		return PhaseComplete, true
	}
	return "", false
}
