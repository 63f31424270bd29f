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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/flowforge/services/builder/jsonrepair"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

// ErrorKind discriminates phase error classes. Call sites switch
// exhaustively on the kind; there is no duck typing on optional fields.
type ErrorKind string

const (
	// KindTransient covers network resets, timeouts, rate limits, and
	// store version conflicts. Retryable.
	KindTransient ErrorKind = "transient"

	// KindValidation covers node or graph correctness failures that
	// escaped the per-entity fallbacks. Not retryable as-is.
	KindValidation ErrorKind = "validation"

	// KindParse covers generator output that could not be coerced into
	// valid structure even after recovery.
	KindParse ErrorKind = "parse"

	// KindFatal covers session-not-found, invalid input, and auth
	// failures. Never retried.
	KindFatal ErrorKind = "fatal"
)

// Error is the typed phase error. The internal diagnostic (Err) and
// the user-facing message are always distinct.
type Error struct {
	Phase session.Phase
	Kind  ErrorKind

	// Err is the underlying diagnostic error.
	Err error

	// UserMessage is the human-readable message from the static
	// classification table.
	UserMessage string
}

func (e *Error) Error() string {
	return fmt.Sprintf("phase %s (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the driver may re-invoke the phase.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// userMessages is the static classification table keyed by error
// signature. The fallthrough message suggests a retry without leaking
// internals.
var userMessages = []struct {
	match   func(error) bool
	message string
}{
	{matchSentinel(retry.ErrRateLimited), "The AI service is busy right now. Please try again in a moment."},
	{matchSentinel(retry.ErrTimeout), "The request timed out. Please try again."},
	{matchSentinel(retry.ErrUnavailable), "A required service is temporarily unavailable. Please try again shortly."},
	{matchSentinel(retry.ErrConflict), "Your session was updated concurrently. Please retry."},
	{matchSentinel(retry.ErrAuth), "Authentication with an upstream service failed. Check the service credentials."},
	{matchSentinel(retry.ErrMalformedRequest), "The request could not be processed. Please rephrase and try again."},
	{matchSentinel(store.ErrNotFound), "This build session could not be found. It may have expired."},
	{matchParseError, "The AI produced an unreadable response. Please try again."},
	{matchConnRefused, "Could not reach a required service. Please try again shortly."},
}

const defaultUserMessage = "Something went wrong while building your workflow. Please try again."

func matchSentinel(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func matchParseError(err error) bool {
	var pe *jsonrepair.ParseError
	return errors.As(err, &pe)
}

func matchConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

// normalize turns any error from a phase body into a typed *Error.
// An *Error passes through with its phase stamped.
func normalize(phase session.Phase, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		pe.Phase = phase
		return pe
	}

	e := &Error{Phase: phase, Err: err, Kind: classifyKind(err)}
	for _, entry := range userMessages {
		if entry.match(err) {
			e.UserMessage = entry.message
			break
		}
	}
	if e.UserMessage == "" {
		e.UserMessage = defaultUserMessage
	}
	return e
}

func classifyKind(err error) ErrorKind {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, retry.ErrAuth),
		errors.Is(err, retry.ErrMalformedRequest):
		return KindFatal
	case matchParseError(err):
		return KindParse
	case retry.IsRetryable(err), matchConnRefused(err):
		return KindTransient
	}
	// Unclassified errors are treated as fatal so non-idempotent work
	// is not blindly re-run.
	return KindFatal
}

// validationError builds a KindValidation error for correctness
// failures that escaped the per-entity fallbacks.
func validationError(format string, args ...any) *Error {
	return &Error{
		Kind:        KindValidation,
		Err:         fmt.Errorf(format, args...),
		UserMessage: "The generated workflow did not pass validation. Please try again.",
	}
}
