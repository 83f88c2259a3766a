// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/mediagraph-go/graph/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// Gemini applies server-side safety filters; a blocked generation
// surfaces as *SafetyFilterError so callers can distinguish policy
// blocks from transport failures:
//
//	out, err := m.Chat(ctx, messages, nil)
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("blocked: %s", safetyErr.Category())
//	}
type ChatModel struct {
	client googleClient
}

// googleClient is the seam between ChatModel and the SDK; tests
// substitute a scripted implementation.
type googleClient interface {
	generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel builds a Gemini-backed ChatModel. An empty modelName
// selects DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		client: &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	return m.client.generateContent(ctx, messages, tools)
}

// defaultClient wraps the official Gemini SDK. The SDK client needs a
// context at construction, so it is created per call and closed on
// return.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	system, parts := convertMessages(messages)
	if system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: generate content: %w", err)
	}
	if blocked := safetyBlock(resp); blocked != nil {
		return model.ChatOut{}, blocked
	}
	return convertResponse(resp), nil
}

// convertMessages flattens the conversation into Gemini parts. System
// turns move to the model's SystemInstruction.
func convertMessages(messages []model.Message) (string, []genai.Part) {
	var system string
	var parts []genai.Part

	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return system, parts
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON-schema shaped map onto genai.Schema.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}

	if typeStr, ok := schema["type"].(string); ok {
		result.Type = convertType(typeStr)
	}
	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]interface{}); ok {
				properties[key] = convertSchema(propMap)
			}
		}
		result.Properties = properties
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		result.Items = convertSchema(items)
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	} else if required, ok := schema["required"].([]string); ok {
		result.Required = required
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				result.Enum = append(result.Enum, s)
			}
		}
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// safetyBlock inspects the response for safety terminations.
func safetyBlock(resp *genai.GenerateContentResponse) error {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return &SafetyFilterError{reason: resp.PromptFeedback.BlockReason.String()}
	}
	for _, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonSafety {
			continue
		}
		e := &SafetyFilterError{reason: cand.FinishReason.String()}
		for _, rating := range cand.SafetyRatings {
			if rating.Blocked {
				e.category = rating.Category.String()
				break
			}
		}
		return e
	}
	return nil
}

func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
	return out
}

// SafetyFilterError reports a generation blocked by Gemini's safety
// filters.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	if e.category != "" {
		return "content blocked by safety filter: " + e.category
	}
	return "content blocked by safety filter: " + e.reason
}

// Category returns the harm category that triggered the block, when
// the API reported one.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason returns the block reason string.
func (e *SafetyFilterError) Reason() string { return e.reason }
