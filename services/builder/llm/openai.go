package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/flowforge/services/builder/retry"
)

// OpenAIClient is the alternate provider. The chat API has no native
// assistant prefill, so the prefix rides in as a trailing assistant
// message and any echo of it is stripped from the reply. Tool round
// trips are not wired for this provider.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from OPENAI_API_KEY and
// OPENAI_MODEL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read the OpenAI API Key from secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is missing", retry.ErrAuth)
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}, nil
}

// Complete implements Provider.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Tools) > 0 {
		return nil, fmt.Errorf("%w: tool use is not supported by the openai provider", retry.ErrMalformedRequest)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{Role: openai.ChatMessageRoleUser, Content: req.User},
	}
	if req.Prefix != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: req.Prefix,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	suffix := resp.Choices[0].Message.Content
	if req.Prefix != "" {
		suffix = strings.TrimPrefix(suffix, req.Prefix)
	}

	return &Response{
		Suffix: suffix,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		StopReason: string(resp.Choices[0].FinishReason),
	}, nil
}
