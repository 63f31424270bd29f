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

// OpType discriminates operation kinds.
type OpType string

const (
	OpSetPhase              OpType = "setPhase"
	OpDiscoverNode          OpType = "discoverNode"
	OpSelectNode            OpType = "selectNode"
	OpConfigureNode         OpType = "configureNode"
	OpValidateNode          OpType = "validateNode"
	OpSetWorkflow           OpType = "setWorkflow"
	OpRequestClarification  OpType = "requestClarification"
	OpClarificationResponse OpType = "clarificationResponse"
	OpCompletePhase         OpType = "completePhase"
	OpRecordUsage           OpType = "recordUsage"
	OpError                 OpType = "error"
	OpArchive               OpType = "archive"
	OpReset                 OpType = "reset"
)

// Operation is an immutable typed delta appended to a session's log.
//
// Exactly the payload fields for the operation's Type are set; all others
// stay zero. Operations are appended, never mutated, and replaying the
// ordered log reconstructs session state (see Apply).
type Operation struct {
	Type OpType `json:"type"`

	// OpSetPhase, OpCompletePhase, OpReset.
	Phase Phase `json:"phase,omitempty"`

	// OpDiscoverNode.
	Node *DiscoveredNode `json:"node,omitempty"`

	// OpSelectNode, OpValidateNode.
	NodeID string `json:"nodeId,omitempty"`

	// OpValidateNode.
	Errors []string `json:"errors,omitempty"`

	// OpConfigureNode.
	Configured *ConfiguredNode `json:"configured,omitempty"`

	// OpSetWorkflow.
	Workflow *Workflow `json:"workflow,omitempty"`

	// OpRequestClarification.
	Clarification *Clarification `json:"clarification,omitempty"`

	// OpClarificationResponse.
	ClarificationID string `json:"clarificationId,omitempty"`
	Answer          string `json:"answer,omitempty"`

	// OpRecordUsage.
	Usage *UsageRecord `json:"usage,omitempty"`

	// OpError, OpArchive.
	Message string `json:"message,omitempty"`
}

// LoggedOperation is an operation as recorded in the session history:
// the raw operation plus the phase it was logged under and a timestamp.
type LoggedOperation struct {
	Operation
	LoggedPhase Phase     `json:"loggedPhase"`
	Timestamp   time.Time `json:"timestamp"`
}

// SetPhase returns a setPhase operation.
func SetPhase(p Phase) Operation { return Operation{Type: OpSetPhase, Phase: p} }

// DiscoverNode returns a discoverNode operation.
func DiscoverNode(n DiscoveredNode) Operation { return Operation{Type: OpDiscoverNode, Node: &n} }

// SelectNode returns a selectNode operation.
func SelectNode(id string) Operation { return Operation{Type: OpSelectNode, NodeID: id} }

// ConfigureNode returns a configureNode operation.
func ConfigureNode(n ConfiguredNode) Operation {
	return Operation{Type: OpConfigureNode, Configured: &n}
}

// ValidateNode returns a validateNode operation recording the outcome of
// a per-node validation pass.
func ValidateNode(id string, errs []string) Operation {
	return Operation{Type: OpValidateNode, NodeID: id, Errors: errs}
}

// SetWorkflow returns a setWorkflow operation.
func SetWorkflow(w *Workflow) Operation { return Operation{Type: OpSetWorkflow, Workflow: w} }

// RequestClarification returns a requestClarification operation.
func RequestClarification(c Clarification) Operation {
	return Operation{Type: OpRequestClarification, Clarification: &c}
}

// ClarificationResponse returns a clarificationResponse operation.
func ClarificationResponse(id, answer string) Operation {
	return Operation{Type: OpClarificationResponse, ClarificationID: id, Answer: answer}
}

// CompletePhase returns a completePhase operation for the given phase.
func CompletePhase(p Phase) Operation { return Operation{Type: OpCompletePhase, Phase: p} }

// RecordUsage returns a recordUsage operation.
func RecordUsage(u UsageRecord) Operation { return Operation{Type: OpRecordUsage, Usage: &u} }

// ErrorOp returns an error operation carrying a diagnostic message.
func ErrorOp(msg string) Operation { return Operation{Type: OpError, Message: msg} }

// Archive returns an archive operation soft-closing the session.
func Archive(reason string) Operation { return Operation{Type: OpArchive, Message: reason} }

// Reset returns a reset operation. Reset is the only operation allowed
// to move the phase backwards.
func Reset() Operation { return Operation{Type: OpReset, Phase: PhaseDiscovery} }
