// Package bridge converts logical tool calls into executable step
// sequences and funnels every step through the cross-cutting pipeline:
// schema validation, run-key idempotency, rate limiting, GPU locking,
// and a per-tool timeout around the backend call.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/mediagraph-go/graph/gpu"
	"github.com/dshills/mediagraph-go/graph/model"
	"github.com/dshills/mediagraph-go/graph/ratelimit"
	"github.com/dshills/mediagraph-go/graph/schema"
	"github.com/dshills/mediagraph-go/graph/store"
	"github.com/dshills/mediagraph-go/graph/tool"
)

// DefaultTimeout bounds a single backend call when no per-tool
// override is configured.
const DefaultTimeout = 300 * time.Second

// ErrTimeout marks a backend call that exceeded its per-tool deadline.
// The decider treats it as retryable.
var ErrTimeout = errors.New("bridge: backend call timed out")

// artifactMIME maps well-known output keys to the artifact type
// annotation.
var artifactMIME = map[string]string{
	"image_path": "image/png",
	"video_path": "video/mp4",
	"audio_path": "audio/wav",
}

// Artifact is a produced output annotated with its media type.
type Artifact struct {
	Path string
	MIME string
	Step string
}

// Result is the outcome of one bridged tool call: the merged outputs of
// all steps, the artifacts found in them, and the correlation id the
// workflow was keyed under.
type Result struct {
	CorrelationID string
	Outputs       map[string]interface{}
	Artifacts     []Artifact
	Steps         []StepSpec
}

// Bridge wires the cross-cutting stores and locks around backend
// invocation. Construct with New; the zero value is not usable.
type Bridge struct {
	schemas  *schema.Registry
	runKeys  store.RunKeyStore
	limiter  *ratelimit.Limiter
	gpuLock  *gpu.FairLock
	tools    *tool.Registry
	timeouts map[string]time.Duration
	timeout  time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout overrides the deadline for one step type.
func WithTimeout(stepType string, d time.Duration) Option {
	return func(b *Bridge) { b.timeouts[stepType] = d }
}

// WithDefaultTimeout overrides DefaultTimeout for all steps without a
// per-type override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// New builds a Bridge. All collaborators are required; schemas without
// an entry for a tool skip validation for that tool.
func New(schemas *schema.Registry, runKeys store.RunKeyStore, limiter *ratelimit.Limiter, gpuLock *gpu.FairLock, tools *tool.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		schemas:  schemas,
		runKeys:  runKeys,
		limiter:  limiter,
		gpuLock:  gpuLock,
		tools:    tools,
		timeouts: make(map[string]time.Duration),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Invoke validates the call, expands it into steps, and executes them
// in order. Validation failures return before any backend call and are
// not retryable. Step outputs flow forward: a later step sees earlier
// outputs merged under its own params.
func (b *Bridge) Invoke(ctx context.Context, call model.ToolCall, sessionID string, stepIndex int) (Result, error) {
	if err := b.validate(call); err != nil {
		return Result{}, err
	}

	steps := StepsFor(call)
	workflow := map[string]interface{}{
		"tool":  call.Name,
		"args":  call.Input,
		"steps": steps,
	}
	corrID, err := CorrelationID(workflow)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		CorrelationID: corrID,
		Outputs:       make(map[string]interface{}),
		Steps:         steps,
	}
	for _, step := range steps {
		out, err := b.runStep(ctx, sessionID, stepIndex, step, res.Outputs)
		if err != nil {
			return Result{}, fmt.Errorf("step %s: %w", step.Name, err)
		}
		for k, v := range out {
			res.Outputs[k] = v
		}
		res.Artifacts = append(res.Artifacts, extractArtifacts(step.Name, out)...)
	}
	return res, nil
}

// validate checks the call args against the registered schema. Tools
// without a schema entry pass through unvalidated.
func (b *Bridge) validate(call model.ToolCall) error {
	if b.schemas == nil {
		return nil
	}
	if _, err := b.schemas.Get(call.Name); err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return nil
		}
		return err
	}
	return b.schemas.Validate(call.Name, call.Input)
}

// runStep executes one step behind the full pipeline. Lock order is
// fixed: run-key check, rate limit, GPU lock, then the timed backend
// call; the run-key insert happens after success so a crash mid-call
// re-executes on resume.
func (b *Bridge) runStep(ctx context.Context, sessionID string, stepIndex int, step StepSpec, prior map[string]interface{}) (map[string]interface{}, error) {
	key := fmt.Sprintf("%s:%s:%d", sessionID, step.Name, stepIndex)

	if payload, ok, err := b.runKeys.GetRun(ctx, key); err != nil {
		return nil, fmt.Errorf("run-key get: %w", err)
	} else if ok {
		return decodePayload(payload)
	}

	if err := b.limiter.Acquire(ctx, step.Type); err != nil {
		return nil, err
	}

	if family := gpuFamily(step.Type); family != "" {
		if err := b.gpuLock.Acquire(ctx, family, sessionID); err != nil {
			return nil, err
		}
		defer b.gpuLock.Release(family)
	}

	backend, ok := b.resolveBackend(step.Type)
	if !ok {
		return nil, fmt.Errorf("no backend registered for %s", step.Type)
	}

	input := make(map[string]interface{}, len(step.Params)+len(prior))
	for k, v := range prior {
		input[k] = v
	}
	for k, v := range step.Params {
		input[k] = v
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeoutFor(step.Type))
	defer cancel()

	out, err := backend.Call(callCtx, input)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, b.timeoutFor(step.Type))
		}
		return nil, err
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	canonical, err := b.runKeys.PutRun(ctx, key, payload)
	if err != nil {
		return nil, fmt.Errorf("run-key put: %w", err)
	}
	return decodePayload(canonical)
}

func (b *Bridge) resolveBackend(stepType string) (tool.Tool, bool) {
	if cap := stepCapability(stepType); cap != "" {
		if t, ok := b.tools.ForCapability(cap); ok {
			return t, true
		}
	}
	return b.tools.Get(stepType)
}

func (b *Bridge) timeoutFor(stepType string) time.Duration {
	if d, ok := b.timeouts[stepType]; ok {
		return d
	}
	return b.timeout
}

func decodePayload(payload json.RawMessage) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return out, nil
}

// extractArtifacts scans a step's output for well-known artifact keys.
func extractArtifacts(stepName string, out map[string]interface{}) []Artifact {
	var artifacts []Artifact
	for _, key := range []string{"image_path", "video_path", "audio_path"} {
		path, ok := out[key].(string)
		if !ok || path == "" {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path: path,
			MIME: artifactMIME[key],
			Step: stepName,
		})
	}
	return artifacts
}
