// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrepair recovers well-formed JSON from generator output.
//
// The generation provider is driven with prefix completion: the caller
// supplies the fixed opening fragment of the target structure and the
// model generates only the remainder. The full candidate is
// prefix + suffix, and the suffix may be truncated mid-token, carry
// stray prose, or use sloppy syntax (comments, single quotes, bare
// keys, trailing commas).
//
// Recovery is pure, deterministic text transformation. No network, no
// state. Strategies are applied in a fixed order and each application
// is recorded so callers can see what was repaired.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// contextWindow bounds the diagnostic excerpt around a parse error.
const contextWindow = 40

// Result is a successful parse.
type Result struct {
	// Value is the decoded object.
	Value any

	// Raw is the text that actually parsed (post-repair if Recovered).
	Raw string

	// Recovered is true when the direct parse failed and one or more
	// repair strategies produced the parsed text.
	Recovered bool

	// Repairs names the strategies that changed the text, in order.
	Repairs []string
}

// ParseError is a structured parse failure.
type ParseError struct {
	// Msg is the underlying decoder message.
	Msg string

	// Offset is the byte offset of the failure in the repaired text,
	// or -1 when not derivable.
	Offset int64

	// Context is a bounded excerpt around Offset for diagnostics.
	Context string
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("jsonrepair: %s at offset %d near %q", e.Msg, e.Offset, e.Context)
	}
	return fmt.Sprintf("jsonrepair: %s", e.Msg)
}

// SchemaFunc validates a decoded value. A nil SchemaFunc skips
// validation.
type SchemaFunc func(v any) error

// Parse parses prefix + suffix, repairing if the direct parse fails.
//
// Description:
//
//	First attempts a direct parse of the concatenation. On failure the
//	repair strategies run in order (strip comments, normalize quotes,
//	quote bare keys, close an unterminated string, truncate trailing
//	garbage, balance open delimiters, strip trailing commas) and the
//	result is parsed again. If schema is non-nil the decoded value
//	must pass it, on the direct path as well as the repaired one.
//
// Inputs:
//   - prefix: The fixed structural opening supplied to the model.
//   - suffix: The generated remainder.
//   - schema: Optional validation of the decoded value. May be nil.
//
// Outputs:
//   - *Result: The decoded value with repair metadata. Nil on error.
//   - error: A *ParseError on parse failure, or the schema error.
func Parse(prefix, suffix string, schema SchemaFunc) (*Result, error) {
	text := prefix + suffix

	if v, ok := tryDecode(text); ok {
		if schema != nil {
			if err := schema(v); err != nil {
				return nil, err
			}
		}
		return &Result{Value: v, Raw: text}, nil
	}

	repaired, repairs := Repair(text)

	v, derr := decode(repaired)
	if derr != nil {
		return nil, toParseError(derr, repaired)
	}
	if schema != nil {
		if err := schema(v); err != nil {
			return nil, err
		}
	}
	return &Result{Value: v, Raw: repaired, Recovered: true, Repairs: repairs}, nil
}

// ParseInto is Parse followed by a decode of the recovered text into
// out. The schema check runs against the generic decoding first.
func ParseInto(prefix, suffix string, schema SchemaFunc, out any) (*Result, error) {
	res, err := Parse(prefix, suffix, schema)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(res.Raw), out); err != nil {
		return nil, toParseError(err, res.Raw)
	}
	return res, nil
}

// Repair applies every repair strategy in order and returns the
// transformed text plus the names of the strategies that changed it.
func Repair(text string) (string, []string) {
	var repairs []string
	for _, st := range strategies {
		out, changed := st.fn(text)
		if changed {
			repairs = append(repairs, st.name)
			text = out
		}
	}
	return text, repairs
}

type strategy struct {
	name string
	fn   func(string) (string, bool)
}

// Order matters: string closure must precede delimiter balancing, and
// trailing-comma stripping must run after balancing so commas exposed
// by appended closers are caught.
var strategies = []strategy{
	{"strip-comments", stripComments},
	{"normalize-quotes", normalizeQuotes},
	{"quote-bare-keys", quoteBareKeys},
	{"close-open-string", closeOpenString},
	{"truncate-trailing-garbage", truncateTrailingGarbage},
	{"balance-delimiters", balanceDelimiters},
	{"strip-trailing-commas", stripTrailingCommas},
}

func tryDecode(text string) (any, bool) {
	v, err := decode(text)
	return v, err == nil
}

func decode(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty input")
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Reject trailing tokens after the first value.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after value at offset %d", dec.InputOffset())
	}
	return v, nil
}

func toParseError(err error, text string) *ParseError {
	pe := &ParseError{Msg: err.Error(), Offset: -1}

	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syn):
		pe.Offset = syn.Offset
	case errors.As(err, &typ):
		pe.Offset = typ.Offset
	}

	if pe.Offset >= 0 {
		lo := int(pe.Offset) - contextWindow
		if lo < 0 {
			lo = 0
		}
		hi := int(pe.Offset) + contextWindow
		if hi > len(text) {
			hi = len(text)
		}
		pe.Context = text[lo:hi]
	}
	return pe
}
