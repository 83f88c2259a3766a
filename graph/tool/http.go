package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPBackend invokes a remote media service over HTTP: the step input
// is POSTed as a JSON object and the response body is decoded as the
// structured output map. This covers the common self-hosted backends
// (Stable Diffusion servers, whisper transcription services, TTS
// daemons) that expose one JSON endpoint per operation.
//
// Timeouts come from the caller's context; the bridge applies the
// per-tool timeout before calling.
type HTTPBackend struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPBackend creates a backend named name that POSTs to endpoint.
// A nil client uses http.DefaultClient.
func NewHTTPBackend(name, endpoint string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{name: name, endpoint: endpoint, client: client}
}

// Name implements Tool.
func (h *HTTPBackend) Name() string { return h.name }

// Call implements Tool: POST input as JSON, decode the JSON response.
// Non-2xx statuses surface as errors carrying the response body.
func (h *HTTPBackend) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode input: %w", h.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tool %s: build request: %w", h.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: request failed: %w", h.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tool %s: read response: %w", h.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tool %s: backend returned %d: %s", h.name, resp.StatusCode, truncate(body, 256))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("tool %s: decode response: %w", h.name, err)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
