// Package openai adapts OpenAI's Chat Completions API to model.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	oa "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/dshills/mediagraph-go/graph/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI.
//
// Transient failures (network errors, 5xx, rate limits) are retried a
// few times before surfacing; rate limits back off progressively.
// Fallback across providers belongs to the router, not here.
//
// Example:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
type ChatModel struct {
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// openaiClient is the seam between the retry loop and the SDK; tests
// substitute a scripted implementation.
type openaiClient interface {
	createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// Option configures a ChatModel.
type Option func(*ChatModel, *defaultClient)

// WithTemperature sets the sampling temperature sent on every request.
func WithTemperature(t float64) Option {
	return func(_ *ChatModel, c *defaultClient) {
		c.temperature = t
		c.hasTemp = true
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(_ *ChatModel, c *defaultClient) { c.maxTokens = n }
}

// WithRetry overrides the retry budget and base delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(m *ChatModel, _ *defaultClient) {
		m.maxRetries = maxRetries
		m.retryDelay = delay
	}
}

// NewChatModel builds an OpenAI-backed ChatModel. An empty modelName
// selects DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	dc := &defaultClient{
		api:       oa.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
	m := &ChatModel{
		client:     dc,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(m, dc)
	}
	return m
}

// Chat implements model.ChatModel with retry on transient errors.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isTransientError(err) {
			return model.ChatOut{}, err
		}
		if attempt >= m.maxRetries {
			break
		}

		delay := m.retryDelay
		if isRateLimitError(err) {
			// Rate limits back off harder than plain network blips.
			delay = m.retryDelay * time.Duration(attempt+1)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, fmt.Errorf("openai: failed after %d retries: %w", m.maxRetries, lastErr)
}

// isTransientError reports whether the call is worth retrying.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *oa.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "503", "502", "500"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	var apiErr *oa.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// defaultClient wraps the official openai-go SDK.
type defaultClient struct {
	api         oa.Client
	modelName   string
	temperature float64
	hasTemp     bool
	maxTokens   int
}

func (c *defaultClient) createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params := oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
	if c.hasTemp {
		params.Temperature = oa.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = oa.Int(int64(c.maxTokens))
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: empty response")
	}
	return convertResponse(completion), nil
}

func convertMessages(messages []model.Message) []oa.ChatCompletionMessageParamUnion {
	out := make([]oa.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, oa.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, oa.AssistantMessage(m.Content))
		case model.RoleTool:
			out = append(out, oa.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, oa.UserMessage(m.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []oa.ChatCompletionToolUnionParam {
	out := make([]oa.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{Name: t.Name}
		if t.Description != "" {
			fn.Description = oa.String(t.Description)
		}
		if t.Schema != nil {
			fn.Parameters = shared.FunctionParameters(t.Schema)
		}
		out = append(out, oa.ChatCompletionFunctionTool(fn))
	}
	return out
}

func convertResponse(completion *oa.ChatCompletion) model.ChatOut {
	msg := completion.Choices[0].Message
	out := model.ChatOut{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		input := map[string]interface{}{}
		if raw := call.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				input = map[string]interface{}{"raw": raw}
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return out
}
