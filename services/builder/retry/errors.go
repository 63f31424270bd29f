// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for the retryability classifier. Producers wrap these
// with fmt.Errorf("%w: ...") so IsRetryable can classify through the
// wrap chain.
var (
	// ErrInvalidConfig indicates a malformed retry configuration.
	ErrInvalidConfig = errors.New("retry: invalid config")

	// ErrConflict indicates an optimistic-concurrency version conflict
	// on the session store. Always retryable with a fresh read.
	ErrConflict = errors.New("version conflict")

	// ErrRateLimited indicates the upstream rejected for rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates an upstream timeout.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable indicates an upstream 5xx or connection failure.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrAuth indicates an authentication or authorization failure.
	// Never retried.
	ErrAuth = errors.New("authentication failed")

	// ErrMalformedRequest indicates the request itself is invalid.
	// Never retried.
	ErrMalformedRequest = errors.New("malformed request")
)

// Retryabler lets error types carry their own classification.
type Retryabler interface {
	Retryable() bool
}

// IsRetryable reports whether the error represents a transient
// condition worth another attempt.
//
// Description:
//
//	Classification order: explicit Retryabler implementations win,
//	then the fatal sentinels, then the transient sentinels, then
//	net.Error timeouts. Context cancellation is never retryable.
//	Unclassified errors default to non-retryable so non-idempotent
//	operations fail fast.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r Retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrMalformedRequest) {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// ClassifyHTTPStatus maps an upstream HTTP status to the matching
// sentinel, or nil for success codes.
func ClassifyHTTPStatus(status int) error {
	switch {
	case status == 0:
		return ErrUnavailable
	case status == 401 || status == 403:
		return ErrAuth
	case status == 408:
		return ErrTimeout
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrUnavailable
	case status >= 400:
		return ErrMalformedRequest
	}
	return nil
}
