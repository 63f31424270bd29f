// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/flowforge/services/builder/retry"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

// HTTPClient implements Service against the node service's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetEssentials implements Service.
func (c *HTTPClient) GetEssentials(ctx context.Context, nodeType string) (*Essentials, error) {
	var out Essentials
	path := "/v1/nodes/" + url.PathEscape(nodeType) + "/essentials"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get essentials for %s: %w", nodeType, err)
	}
	return &out, nil
}

// ValidateConfig implements Service.
func (c *HTTPClient) ValidateConfig(ctx context.Context, nodeType string, config map[string]any) (*ConfigValidation, error) {
	body := map[string]any{"type": nodeType, "config": config}
	var out ConfigValidation
	if err := c.do(ctx, http.MethodPost, "/v1/validate/config", body, &out); err != nil {
		return nil, fmt.Errorf("validate config for %s: %w", nodeType, err)
	}
	return &out, nil
}

// ValidateWorkflow implements Service.
func (c *HTTPClient) ValidateWorkflow(ctx context.Context, wf *session.Workflow, opts ValidateWorkflowOptions) (*WorkflowValidation, error) {
	body := map[string]any{"workflow": wf, "options": opts}
	var out WorkflowValidation
	if err := c.do(ctx, http.MethodPost, "/v1/validate/workflow", body, &out); err != nil {
		return nil, fmt.Errorf("validate workflow: %w", err)
	}
	return &out, nil
}

// Search implements Service.
func (c *HTTPClient) Search(ctx context.Context, query string) ([]Candidate, error) {
	var out struct {
		Results []Candidate `json:"results"`
	}
	path := "/v1/nodes/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return out.Results, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", retry.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if sentinel := retry.ClassifyHTTPStatus(resp.StatusCode); sentinel != nil {
			return fmt.Errorf("%w: node service status %d", sentinel, resp.StatusCode)
		}
		return fmt.Errorf("node service status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
