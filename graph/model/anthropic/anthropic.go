// Package anthropic adapts Anthropic's Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/mediagraph-go/graph/model"
)

// Defaults applied when the caller leaves fields unset. Anthropic
// requires an explicit positive max_tokens on every request.
const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

// ChatModel implements model.ChatModel for Claude.
//
// Anthropic keeps the system prompt out of the conversation array, so
// Chat extracts system-role messages into the dedicated parameter
// before converting the rest.
//
// Example:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
type ChatModel struct {
	client anthropicClient
}

// anthropicClient is the seam between ChatModel and the SDK; tests
// substitute a scripted implementation.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// Option configures a ChatModel.
type Option func(*defaultClient)

// WithTemperature sets the sampling temperature sent on every request.
func WithTemperature(t float64) Option {
	return func(c *defaultClient) {
		c.temperature = t
		c.hasTemp = true
	}
}

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) Option {
	return func(c *defaultClient) { c.maxTokens = int64(n) }
}

// NewChatModel builds a Claude-backed ChatModel. An empty modelName
// selects DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	dc := &defaultClient{
		api:       sdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(dc)
	}
	return &ChatModel{client: dc}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversation := extractSystemPrompt(messages)
	return m.client.createMessage(ctx, systemPrompt, conversation, tools)
}

// extractSystemPrompt separates system-role turns from the
// conversation; multiple system turns are concatenated.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversation []model.Message

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return systemPrompt, conversation
}

// APIError carries the Anthropic error class (authentication_error,
// rate_limit_error, overloaded_error, ...) so callers can branch with
// errors.As.
type APIError struct {
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return e.Type + ": " + e.Message
}

// Retryable reports whether the error class is worth retrying.
func (e *APIError) Retryable() bool {
	switch e.Type {
	case "rate_limit_error", "overloaded_error", "api_error":
		return true
	}
	return false
}

// defaultClient wraps the official anthropic-sdk-go client.
type defaultClient struct {
	api         sdk.Client
	modelName   string
	maxTokens   int64
	temperature float64
	hasTemp     bool
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if c.hasTemp {
		params.Temperature = sdk.Float(c.temperature)
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return model.ChatOut{}, &APIError{Type: errorClass(apiErr.StatusCode), Message: err.Error()}
		}
		return model.ChatOut{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return convertResponse(msg), nil
}

func errorClass(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 404:
		return "not_found_error"
	case status == 429:
		return "rate_limit_error"
	case status == 529:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func convertMessages(messages []model.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleTool:
			// Tool results travel as user turns carrying a tool_result
			// block linked to the originating call.
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := sdk.ToolInputSchemaParam{}
		if t.Schema != nil {
			schema.ExtraFields = t.Schema
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func convertResponse(msg *sdk.Message) model.ChatOut {
	out := model.ChatOut{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			input := map[string]interface{}{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					input = map[string]interface{}{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return out
}
