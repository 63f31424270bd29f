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

// UsageThresholdStep is the token interval at which threshold alerts
// fire. Crossing each multiple of this value records one alert.
const UsageThresholdStep = 10_000

// UsageRecord is one generation call's token accounting.
type UsageRecord struct {
	Phase            Phase     `json:"phase"`
	Purpose          string    `json:"purpose,omitempty"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	At               time.Time `json:"at"`
}

// Total returns prompt + completion tokens.
func (r UsageRecord) Total() int { return r.PromptTokens + r.CompletionTokens }

// PhaseUsage is the aggregate for one phase.
type PhaseUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	Calls            int `json:"calls"`
}

// TokenUsage is the per-session ledger: by-phase totals plus the
// per-call detail, with threshold-crossing alerts at fixed multiples.
type TokenUsage struct {
	TotalPromptTokens     int                  `json:"totalPromptTokens"`
	TotalCompletionTokens int                  `json:"totalCompletionTokens"`
	ByPhase               map[Phase]PhaseUsage `json:"byPhase,omitempty"`
	Calls                 []UsageRecord        `json:"calls,omitempty"`

	// ThresholdsCrossed counts UsageThresholdStep multiples the grand
	// total has passed. The delta between the value before and after a
	// record determines how many alerts to emit.
	ThresholdsCrossed int `json:"thresholdsCrossed,omitempty"`
}

// GrandTotal returns all tokens consumed by the session.
func (u *TokenUsage) GrandTotal() int {
	return u.TotalPromptTokens + u.TotalCompletionTokens
}

// record folds one usage record into the ledger and returns the number
// of new threshold multiples crossed.
func (u *TokenUsage) record(r UsageRecord) int {
	u.TotalPromptTokens += r.PromptTokens
	u.TotalCompletionTokens += r.CompletionTokens

	if u.ByPhase == nil {
		u.ByPhase = make(map[Phase]PhaseUsage)
	}
	p := u.ByPhase[r.Phase]
	p.PromptTokens += r.PromptTokens
	p.CompletionTokens += r.CompletionTokens
	p.Calls++
	u.ByPhase[r.Phase] = p

	u.Calls = append(u.Calls, r)

	crossed := u.GrandTotal() / UsageThresholdStep
	newAlerts := crossed - u.ThresholdsCrossed
	if newAlerts < 0 {
		newAlerts = 0
	}
	u.ThresholdsCrossed = crossed
	return newAlerts
}

func (u TokenUsage) clone() TokenUsage {
	cp := u
	cp.Calls = append([]UsageRecord(nil), u.Calls...)
	if u.ByPhase != nil {
		cp.ByPhase = make(map[Phase]PhaseUsage, len(u.ByPhase))
		for k, v := range u.ByPhase {
			cp.ByPhase[k] = v
		}
	}
	return cp
}
