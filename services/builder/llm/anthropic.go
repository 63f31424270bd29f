package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/flowforge/services/builder/retry"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"

	// maxToolTurns bounds the tool round-trip loop so a provider that
	// keeps requesting tools cannot spin forever.
	maxToolTurns = 8
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []ToolDefinition   `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicClient talks to the Anthropic messages API. Prefix
// completion is implemented with assistant prefill: the prefix is sent
// as a partial assistant message and the model continues it.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewAnthropicClient builds a client from the environment
// (ANTHROPIC_API_KEY, optional FLOWFORGE_MODEL), falling back to the
// container secret path for the key.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/anthropic_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API Key from secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is missing", retry.ErrAuth)
	}

	model := os.Getenv("FLOWFORGE_MODEL")
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("FLOWFORGE_MODEL not set, defaulting to", "model", model)
	}

	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    anthropicBaseURL,
	}, nil
}

// Complete implements Provider.
//
// The conversation starts as [user, assistant(prefix)]. When the model
// stops for tool use, the requested tools are executed through
// req.RunTool, their results appended, and the conversation resubmitted
// until a final text answer arrives or the turn bound trips. Usage is
// summed across all round trips.
func (a *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := []anthropicMessage{
		{Role: "user", Content: []anthropicContent{{Type: "text", Text: req.User}}},
	}
	if req.Prefix != "" {
		messages = append(messages, anthropicMessage{
			Role:    "assistant",
			Content: []anthropicContent{{Type: "text", Text: req.Prefix}},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var total Usage
	var suffix strings.Builder

	for turn := 0; turn < maxToolTurns; turn++ {
		apiResp, err := a.roundTrip(ctx, anthropicRequest{
			Model:     a.model,
			Messages:  messages,
			System:    req.System,
			MaxTokens: maxTokens,
			Tools:     req.Tools,
		})
		if err != nil {
			return nil, err
		}

		total.PromptTokens += apiResp.Usage.InputTokens
		total.CompletionTokens += apiResp.Usage.OutputTokens

		var toolUses []anthropicContent
		for _, block := range apiResp.Content {
			switch block.Type {
			case "text":
				suffix.WriteString(block.Text)
			case "tool_use":
				toolUses = append(toolUses, block)
			}
		}

		if apiResp.StopReason != "tool_use" || len(toolUses) == 0 {
			return &Response{
				Suffix:     suffix.String(),
				Usage:      total,
				StopReason: apiResp.StopReason,
			}, nil
		}

		if req.RunTool == nil {
			return nil, fmt.Errorf("%w: provider requested tool %q but no executor is configured",
				retry.ErrMalformedRequest, toolUses[0].Name)
		}

		// Execute the requested tools and resubmit with results.
		messages = append(messages, anthropicMessage{Role: "assistant", Content: apiResp.Content})
		var results []anthropicContent
		for _, tu := range toolUses {
			out, err := req.RunTool(ctx, tu.Name, tu.Input)
			if err != nil {
				out = fmt.Sprintf("tool error: %v", err)
			}
			results = append(results, anthropicContent{
				Type:      "tool_result",
				ToolUseID: tu.ID,
				Content:   out,
			})
		}
		messages = append(messages, anthropicMessage{Role: "user", Content: results})
	}

	return nil, fmt.Errorf("tool loop exceeded %d turns", maxToolTurns)
}

func (a *AnthropicClient) roundTrip(ctx context.Context, payload anthropicRequest) (*anthropicResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	slog.Debug("Sending request to Anthropic", "model", a.model)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", retry.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		if sentinel := retry.ClassifyHTTPStatus(resp.StatusCode); sentinel != nil {
			return nil, fmt.Errorf("%w: anthropic status %d: %s", sentinel, resp.StatusCode, truncateBody(respBody))
		}
		return nil, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return &apiResp, nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
