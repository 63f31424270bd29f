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

	"github.com/AleutianAI/flowforge/services/builder/jsonrepair"
	"github.com/AleutianAI/flowforge/services/builder/llm"
	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

// generate is the one path every phase uses for a structured
// generation call: retry the provider, account the tokens, then run
// the recovery parser over prefix + suffix into out.
func (d *Deps) generate(ctx context.Context, phase session.Phase, purpose string, req llm.Request, schema jsonrepair.SchemaFunc, out any) (*jsonrepair.Result, error) {
	resp, err := retry.Do(ctx, d.RetryCfg, func(ctx context.Context, _ int) (*llm.Response, error) {
		return d.Provider.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	d.Log.RecordUsage(session.UsageRecord{
		Phase:            phase,
		Purpose:          purpose,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		At:               time.Now().UTC(),
	})

	res, err := jsonrepair.ParseInto(req.Prefix, resp.Suffix, schema, out)
	if err != nil {
		return nil, err
	}
	if res.Recovered {
		d.Logger.Warn("recovered malformed generator output",
			"phase", phase, "purpose", purpose,
			"session_id", d.sessionID(), "repairs", res.Repairs)
		if d.Hooks != nil {
			d.Hooks.ParserRecovered(phase)
		}
	}
	return res, nil
}
