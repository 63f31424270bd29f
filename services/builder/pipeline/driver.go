// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline drives the five phases of the builder end to end:
// discover, configure, build, validate, document. The driver owns
// session creation, clarification pauses, resumption from a persisted
// phase, and archival.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/nodesvc"
	"github.com/AleutianAI/flowforge/services/builder/oplog"
	"github.com/AleutianAI/flowforge/services/builder/phases"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

// Status classifies how a pipeline run ended for this invocation.
type Status string

const (
	// StatusComplete means the pipeline ran to the end and the session
	// is archived with its workflow.
	StatusComplete Status = "complete"

	// StatusAwaitingClarification means the pipeline paused on a
	// question; call Clarify with the answer and the run resumes.
	StatusAwaitingClarification Status = "awaiting_clarification"

	// StatusFailed means a phase failed unrecoverably and the session
	// was archived with the failure reason.
	StatusFailed Status = "failed"
)

// Result is the outcome of a Run/Resume/Clarify invocation. Workflow
// and Report are set on StatusComplete; Clarification on
// StatusAwaitingClarification; Err on StatusFailed.
type Result struct {
	SessionID string
	Status    Status
	Phase     session.Phase

	Workflow *session.Workflow
	Report   *phases.ValidationReport

	Clarification *session.Clarification
	Usage         session.TokenUsage

	Err *phases.Error
}

// Driver runs the builder pipeline. One Driver serves many sessions;
// per-session state lives entirely in the store.
type Driver struct {
	store       store.Store
	provider    llm.Provider
	nodes       nodesvc.Service
	log         *slog.Logger
	retryCfg    retry.Config
	patches     *phases.PatchRegistry
	concurrency int
	hooks       phases.Hooks
	onAlert     oplog.AlertFunc
}

// Options configures a Driver. Store, Provider, and Nodes are
// required; the rest default sensibly.
type Options struct {
	Store    store.Store
	Provider llm.Provider
	Nodes    nodesvc.Service
	Logger   *slog.Logger
	RetryCfg retry.Config
	Patches  *phases.PatchRegistry

	// Concurrency is the configuration phase worker ceiling; 0 means
	// phases.DefaultConcurrency.
	Concurrency int

	Hooks   phases.Hooks
	OnAlert oplog.AlertFunc
}

// New constructs a Driver.
func New(opts Options) (*Driver, error) {
	if opts.Store == nil || opts.Provider == nil || opts.Nodes == nil {
		return nil, fmt.Errorf("pipeline: Store, Provider, and Nodes are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryCfg == (retry.Config{}) {
		opts.RetryCfg = retry.DefaultConfig()
	}
	if opts.Patches == nil {
		opts.Patches = phases.DefaultPatches()
	}
	return &Driver{
		store:       opts.Store,
		provider:    opts.Provider,
		nodes:       opts.Nodes,
		log:         opts.Logger,
		retryCfg:    opts.RetryCfg,
		patches:     opts.Patches,
		concurrency: opts.Concurrency,
		hooks:       opts.Hooks,
		onAlert:     opts.OnAlert,
	}, nil
}

// Run creates a new session for the prompt and executes the pipeline
// from the start.
func (d *Driver) Run(ctx context.Context, userPrompt string) (*Result, error) {
	s := session.New(userPrompt)
	if err := d.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	d.log.Info("session created", "session_id", s.ID)
	return d.advance(ctx, s.ID)
}

// Resume continues a session from its persisted phase. A session that
// is waiting on an unanswered clarification stays paused.
func (d *Driver) Resume(ctx context.Context, sessionID string) (*Result, error) {
	return d.advance(ctx, sessionID)
}

// Clarify records the answer to a pending clarification and resumes
// the pipeline. The phase the question came from is re-run with the
// answer folded into the session.
func (d *Driver) Clarify(ctx context.Context, sessionID, clarificationID, answer string) (*Result, error) {
	if _, err := store.Apply(ctx, d.store, d.retryCfg, sessionID,
		[]session.Operation{session.ClarificationResponse(clarificationID, answer)}); err != nil {
		return nil, fmt.Errorf("record clarification answer: %w", err)
	}
	return d.advance(ctx, sessionID)
}

// Reset clears a session's pipeline progress back to discovery. The
// operation history survives; only the derived state is cleared.
func (d *Driver) Reset(ctx context.Context, sessionID string) error {
	_, err := store.Apply(ctx, d.store, d.retryCfg, sessionID,
		[]session.Operation{session.Reset()})
	return err
}

// advance runs phases from the session's current position until the
// pipeline completes, pauses, or fails.
func (d *Driver) advance(ctx context.Context, sessionID string) (*Result, error) {
	// The validation report is an invocation-scoped artifact: it is
	// carried to the final result when validation ran in this call, and
	// absent when resuming a session that validated in an earlier one.
	var report *phases.ValidationReport

	for {
		s, err := d.store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if s.Archived {
			res := d.finished(s)
			res.Report = report
			return res, nil
		}
		if c := pendingClarification(s); c != nil {
			return &Result{
				SessionID:     sessionID,
				Status:        StatusAwaitingClarification,
				Phase:         s.Phase,
				Clarification: c,
				Usage:         s.TokenUsage,
			}, nil
		}

		deps := d.depsFor(s)

		var perr *phases.Error
		switch s.Phase {
		case session.PhaseDiscovery:
			var res phases.DiscoveryResult
			res, perr = phases.RunDiscovery(ctx, deps)
			if perr == nil && res.Clarification != nil {
				return &Result{
					SessionID:     sessionID,
					Status:        StatusAwaitingClarification,
					Phase:         session.PhaseDiscovery,
					Clarification: res.Clarification,
				}, nil
			}

		case session.PhaseConfiguration:
			_, perr = phases.RunConfigure(ctx, deps)

		case session.PhaseBuilding:
			_, perr = phases.RunBuild(ctx, deps)

		case session.PhaseValidation:
			var res phases.ValidateResult
			res, perr = phases.RunValidate(ctx, deps)
			if perr == nil {
				report = res.Report
			}

		case session.PhaseDocumentation:
			_, perr = phases.RunDocument(ctx, deps)

		case session.PhaseComplete:
			res, err := d.archive(ctx, sessionID, "completed")
			if res != nil {
				res.Report = report
			}
			return res, err

		default:
			return nil, fmt.Errorf("session %s in unknown phase %q", sessionID, s.Phase)
		}

		if perr != nil {
			if perr.Retryable() {
				// Transient failure: leave the session un-archived so a
				// later Resume picks up from the same phase.
				return &Result{
					SessionID: sessionID,
					Status:    StatusFailed,
					Phase:     s.Phase,
					Err:       perr,
				}, nil
			}
			return d.fail(ctx, sessionID, s.Phase, perr)
		}
	}
}

// archive soft-closes a completed session and builds its final result.
func (d *Driver) archive(ctx context.Context, sessionID, reason string) (*Result, error) {
	s, err := store.Apply(ctx, d.store, d.retryCfg, sessionID,
		[]session.Operation{session.Archive(reason)})
	if err != nil {
		return nil, fmt.Errorf("archive session: %w", err)
	}
	d.log.Info("session archived", "session_id", sessionID, "reason", reason)
	return d.finished(s), nil
}

// fail archives the session with the failure reason and reports it.
func (d *Driver) fail(ctx context.Context, sessionID string, phase session.Phase, perr *phases.Error) (*Result, error) {
	reason := fmt.Sprintf("failed in %s: %s", phase, perr.Error())
	if _, err := store.Apply(ctx, d.store, d.retryCfg, sessionID,
		[]session.Operation{session.Archive(reason)}); err != nil {
		d.log.Error("failed to archive failed session",
			"session_id", sessionID, "error", err)
	}
	return &Result{
		SessionID: sessionID,
		Status:    StatusFailed,
		Phase:     phase,
		Err:       perr,
	}, nil
}

func (d *Driver) finished(s *session.Session) *Result {
	status := StatusComplete
	if s.Phase != session.PhaseComplete {
		status = StatusFailed
	}
	return &Result{
		SessionID: s.ID,
		Status:    status,
		Phase:     s.Phase,
		Workflow:  s.Workflow,
		Usage:     s.TokenUsage,
	}
}

// depsFor builds the per-session phase dependencies. The operation
// logger is seeded from the loaded state so usage alerts already
// reported in earlier runs do not fire again, and conflict retries on
// its flushes feed the metrics hooks.
func (d *Driver) depsFor(s *session.Session) *phases.Deps {
	log := oplog.New(d.store, d.retryCfg, s.ID, d.log, d.onAlert)
	log.MarkThresholdsReported(s.TokenUsage.ThresholdsCrossed)
	if d.hooks != nil {
		log.ObserveConflicts(d.hooks.StoreConflictRetries)
	}
	return &phases.Deps{
		Store:       d.store,
		Log:         log,
		Provider:    d.provider,
		Nodes:       d.nodes,
		Logger:      d.log,
		RetryCfg:    d.retryCfg,
		Patches:     d.patches,
		Concurrency: d.concurrency,
		Hooks:       d.hooks,
	}
}

func pendingClarification(s *session.Session) *session.Clarification {
	for i := range s.PendingClarifications {
		if !s.PendingClarifications[i].Answered {
			c := s.PendingClarifications[i]
			return &c
		}
	}
	return nil
}
