// Package tool defines the backend invocation contract: each media
// backend is addressed by name, declares the capabilities it serves,
// and answers structured output maps.
package tool

import (
	"context"
	"fmt"
	"sync"
)

// Capability names one kind of media operation a backend can serve.
type Capability string

const (
	CapTxt2Img    Capability = "txt2img"
	CapUpscale    Capability = "upscale"
	CapAnimate    Capability = "animate"
	CapTranscribe Capability = "transcribe"
	CapSynthesize Capability = "synthesize"
	CapUpload     Capability = "upload"
)

// Tool is one executable backend. Arguments conform to the schema
// registered for the invoking action; the response is a structured
// output map (keys like "image_path", "text", "segments") or an error
// with a human-readable message. Long-running backends must honour the
// caller's context deadline.
type Tool interface {
	// Name returns the backend's unique identifier, lowercase with
	// underscores.
	Name() string

	// Call executes the backend with the given input. Implementations
	// check ctx before expensive work and return descriptive errors.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry maps backend names and capabilities to Tools. A capability
// may be served by several backends; the first registered wins
// resolution. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	byCap  map[Capability][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Tool),
		byCap:  make(map[Capability][]string),
	}
}

// Register adds a backend with the capabilities it declares. A reused
// name is an error.
func (r *Registry) Register(t Tool, caps ...Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool: backend has no name")
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("tool: backend %q already registered", name)
	}
	r.byName[name] = t
	for _, c := range caps {
		r.byCap[c] = append(r.byCap[c], name)
	}
	return nil
}

// Get resolves a backend by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// ForCapability resolves the first backend registered for cap.
func (r *Registry) ForCapability(cap Capability) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byCap[cap]
	if len(names) == 0 {
		return nil, false
	}
	return r.byName[names[0]], true
}

// Capabilities lists the capabilities a named backend declared.
func (r *Registry) Capabilities(name string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps []Capability
	for c, names := range r.byCap {
		for _, n := range names {
			if n == name {
				caps = append(caps, c)
				break
			}
		}
	}
	return caps
}
