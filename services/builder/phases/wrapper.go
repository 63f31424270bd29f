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
	"time"

	"github.com/AleutianAI/flowforge/services/builder/session"
)

// run wraps a phase body with the uniform lifecycle: timing, error
// normalization, and durable flushing.
//
// Description:
//
//	On success, pending operations are flushed before returning so a
//	later phase can never start while this phase's deltas are still
//	in memory. On failure the error is normalized into a typed phase
//	error, persisted against the session (critically, so it survives
//	even if the process dies next), and the phase's zero-value result
//	shape is returned — callers never branch on missing fields.
func run[T any](ctx context.Context, deps *Deps, phase session.Phase, body func(ctx context.Context) (T, error)) (T, *Error) {
	start := time.Now()
	deps.Logger.Info("phase started", "phase", phase, "session_id", deps.sessionID())

	result, err := body(ctx)

	elapsed := time.Since(start)
	if err != nil {
		perr := normalize(phase, err)
		deps.Logger.Error("phase failed",
			"phase", phase,
			"session_id", deps.sessionID(),
			"kind", perr.Kind,
			"duration", elapsed,
			"error", perr.Err)

		// Persist the failure against the session; flushing errors at
		// this point are logged but do not mask the phase error.
		if _, ferr := deps.Log.LogCritical(ctx, session.ErrorOp(perr.Error())); ferr != nil {
			deps.Logger.Error("failed to persist phase error",
				"phase", phase, "session_id", deps.sessionID(), "error", ferr)
		}

		if deps.Hooks != nil {
			deps.Hooks.PhaseFinished(phase, elapsed.Seconds(), true)
		}
		var zero T
		return zero, perr
	}

	if _, ferr := deps.Log.Flush(ctx); ferr != nil {
		perr := normalize(phase, ferr)
		deps.Logger.Error("phase flush failed",
			"phase", phase, "session_id", deps.sessionID(), "error", ferr)
		if deps.Hooks != nil {
			deps.Hooks.PhaseFinished(phase, elapsed.Seconds(), true)
		}
		var zero T
		return zero, perr
	}

	deps.Logger.Info("phase finished",
		"phase", phase, "session_id", deps.sessionID(), "duration", elapsed)
	if deps.Hooks != nil {
		deps.Hooks.PhaseFinished(phase, elapsed.Seconds(), false)
	}
	return result, nil
}
