// Package llm defines the generation-provider contract for the builder
// pipeline and its concrete clients.
//
// Every call uses prefix completion: the caller supplies a fixed
// structural opening of the target object and the provider generates
// only the remainder. The returned suffix is parsed with the jsonrepair
// package so truncated or malformed output can still be recovered.
package llm

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a tool the provider may invoke
// mid-generation.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// ToolExecutor runs a tool requested by the provider and returns the
// result text that is appended to the conversation before resubmission.
type ToolExecutor func(ctx context.Context, name string, input json.RawMessage) (string, error)

// Request is one prefix-completion call.
type Request struct {
	// System is the system prompt.
	System string

	// User is the user message.
	User string

	// Prefix is the fixed opening fragment of the target structure.
	// The provider generates only what follows it.
	Prefix string

	// MaxTokens bounds the generated remainder.
	MaxTokens int

	// Tools, when non-empty, are offered to the provider. RunTool must
	// be set when Tools is; the client executes requested tools and
	// resubmits the conversation until a final answer is produced.
	Tools   []ToolDefinition
	RunTool ToolExecutor
}

// Usage is one call's token accounting.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Response is the provider's final answer for one request.
type Response struct {
	// Suffix is the generated remainder. The full candidate object is
	// Request.Prefix + Suffix.
	Suffix string

	// Usage aggregates tokens across every round trip the request
	// needed, tool turns included.
	Usage Usage

	// StopReason is the provider's termination reason for the final
	// turn ("end_turn", "max_tokens", ...).
	StopReason string
}

// Provider is the generation service the pipeline talks to.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
