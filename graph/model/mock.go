package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests: it returns queued
// responses in order (repeating the last), optionally fails with a
// fixed error, and records every call. Safe for concurrent use.
type MockChatModel struct {
	// Responses is the ordered script. Once exhausted, the final entry
	// repeats.
	Responses []ChatOut

	// Err, when set, is returned by every Chat call.
	Err error

	// Calls records each invocation's inputs.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat returns the next scripted response, or Err when configured. The
// call is recorded either way.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears recorded calls and rewinds the response script.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount reports how many times Chat has been invoked.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
