// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirect(t *testing.T) {
	res, err := Parse(`{"nodes":[`, `{"id":"n1"}]}`, nil)
	require.NoError(t, err)
	assert.False(t, res.Recovered)
	assert.Empty(t, res.Repairs)

	m, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Len(t, m["nodes"], 1)
}

func TestParseRepairs(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		suffix string
		check  func(t *testing.T, v any)
	}{
		{
			name:   "unterminated string",
			prefix: `{"operations":[`,
			suffix: `{"type":"selectNode","nodeId":"n1`,
			check: func(t *testing.T, v any) {
				ops := v.(map[string]any)["operations"].([]any)
				require.Len(t, ops, 1)
				op := ops[0].(map[string]any)
				assert.Equal(t, "selectNode", op["type"])
				assert.Equal(t, "n1", op["nodeId"])
			},
		},
		{
			name:   "single quotes and bare keys",
			prefix: `{`,
			suffix: `name: 'My Flow', nodes: []}`,
			check: func(t *testing.T, v any) {
				assert.Equal(t, "My Flow", v.(map[string]any)["name"])
			},
		},
		{
			name:   "line comments",
			prefix: `{"a":`,
			suffix: "1, // the answer\n\"b\": 2}",
			check: func(t *testing.T, v any) {
				m := v.(map[string]any)
				assert.Len(t, m, 2)
			},
		},
		{
			name:   "trailing prose after close",
			prefix: `{"ok":`,
			suffix: `true} Hope this helps!`,
			check: func(t *testing.T, v any) {
				assert.Equal(t, true, v.(map[string]any)["ok"])
			},
		},
		{
			name:   "trailing comma",
			prefix: `{"xs":[`,
			suffix: `1,2,]}`,
			check: func(t *testing.T, v any) {
				assert.Len(t, v.(map[string]any)["xs"], 2)
			},
		},
		{
			name:   "dangling colon gets null",
			prefix: `{"config":{`,
			suffix: `"url":"http://x","retries":`,
			check: func(t *testing.T, v any) {
				cfg := v.(map[string]any)["config"].(map[string]any)
				assert.Nil(t, cfg["retries"])
				assert.Equal(t, "http://x", cfg["url"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.prefix, tt.suffix, nil)
			require.NoError(t, err)
			assert.True(t, res.Recovered, "expected recovery path")
			assert.NotEmpty(t, res.Repairs)
			tt.check(t, res.Value)
		})
	}
}

// TestParseTruncationSweep serializes a representative object, then
// truncates it at every byte offset. Each truncation must either parse
// to a structural prefix of the original or fail with a structured
// diagnostic. Panics and silent garbage are both failures.
func TestParseTruncationSweep(t *testing.T) {
	full := `{"operations":[{"type":"discoverNode","node":{"id":"n1","type":"webhook"}},` +
		`{"type":"selectNode","nodeId":"n1"},{"type":"completePhase","phase":"discovery"}],` +
		`"meta":{"count":3,"valid":true}}`

	var original map[string]any
	require.NoError(t, json.Unmarshal([]byte(full), &original))

	for cut := 1; cut <= len(full); cut++ {
		truncated := full[:cut]
		t.Run(fmt.Sprintf("cut=%d", cut), func(t *testing.T) {
			res, err := Parse("", truncated, nil)
			if err != nil {
				var perr *ParseError
				require.ErrorAs(t, err, &perr, "failure must be structured")
				assert.NotEmpty(t, perr.Msg)
				return
			}
			m, ok := res.Value.(map[string]any)
			require.True(t, ok, "recovered value must be an object")
			// Every top-level key present must exist in the original.
			for k := range m {
				_, exists := original[k]
				assert.True(t, exists, "invented key %q", k)
			}
		})
	}
}

func TestParseSchemaRejection(t *testing.T) {
	schema := func(v any) error {
		m, ok := v.(map[string]any)
		if !ok {
			return errors.New("not an object")
		}
		if _, ok := m["nodes"]; !ok {
			return errors.New("missing nodes")
		}
		return nil
	}

	_, err := Parse(`{"wrong":`, `true}`, schema)
	require.Error(t, err)

	res, err := Parse(`{"nodes":[`, `]}`, schema)
	require.NoError(t, err)
	assert.NotNil(t, res.Value)
}

func TestParseInto(t *testing.T) {
	var out struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	}
	res, err := ParseInto(`{"nodes":[`, `{"id":"n1"},{"id":"n2"`, nil, &out)
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, "n2", out.Nodes[1].ID)
}

func TestParseEmptyInput(t *testing.T) {
	_, err := Parse("", "", nil)
	require.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}
