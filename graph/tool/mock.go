package tool

import (
	"context"
	"sync"
)

// MockTool is a scripted backend for tests: it returns queued outputs
// in order (repeating the last), optionally fails with a fixed error,
// and records every invocation. Safe for concurrent use.
//
// Example:
//
//	mock := &MockTool{
//	    ToolName:  "sd_backend",
//	    Responses: []map[string]interface{}{{"image_path": "/tmp/cat.png"}},
//	}
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// Responses is the ordered output script. Once exhausted, the final
	// entry repeats.
	Responses []map[string]interface{}

	// Err, when set, is returned by every Call.
	Err error

	// Calls records each invocation's input.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records one Call invocation.
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Call implements Tool: returns the next scripted output, or Err when
// configured. The call is recorded either way.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
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
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount reports how many times Call has been invoked.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
