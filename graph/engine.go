package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/mediagraph-go/graph/checkpoint"
	"github.com/dshills/mediagraph-go/graph/emit"
)

// maxConsecutiveWaits bounds how long the engine will spin on a Wait
// route before declaring the session stuck.
const maxConsecutiveWaits = 100

// RunResult is what Start and Resume hand back once a session reaches
// a terminal state.
type RunResult struct {
	SessionID string
	Status    Status
	Summary   string
	Artifacts []Artifact
}

// Engine drives sessions through the node graph, checkpointing after
// every node so a crash at any point resumes cleanly. One engine can
// drive many sessions, but each session runs on one goroutine at a
// time.
type Engine struct {
	cfg     Config
	journal checkpoint.Journal
	emitter emit.Emitter
	metrics *Metrics
	nodes   map[string]Node
	edges   []Edge

	mu        sync.Mutex
	active    map[string]bool
	cancelled map[string]bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEmitter sets the progress event sink.
func WithEmitter(em emit.Emitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics sets the Prometheus instrumentation.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEdges appends fallback edges, evaluated in order when a node
// returns no explicit route.
func WithEdges(edges ...Edge) EngineOption {
	return func(e *Engine) { e.edges = append(e.edges, edges...) }
}

// New builds an engine over a checkpoint journal and the given nodes.
// Nodes are indexed by their ID; later registrations with the same ID
// win, so callers can swap in custom stages.
func New(cfg Config, journal checkpoint.Journal, nodes []Node, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if journal == nil {
		return nil, NewError(CodeConfig, "checkpoint journal is required", nil)
	}
	e := &Engine{
		cfg:       cfg,
		journal:   journal,
		emitter:   emit.NewNullEmitter(),
		nodes:     make(map[string]Node, len(nodes)),
		active:    make(map[string]bool),
		cancelled: make(map[string]bool),
	}
	for _, n := range nodes {
		e.nodes[n.ID()] = n
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, id := range []string{NodePlanner, NodeDecider, NodeExecutor, NodeReporter} {
		if _, ok := e.nodes[id]; !ok {
			return nil, NewError(CodeConfig, fmt.Sprintf("node %s is not registered", id), nil)
		}
	}
	return e, nil
}

// Start begins a new session, or resumes when the id already has a
// checkpoint. An empty id gets a generated one.
func (e *Engine) Start(ctx context.Context, sessionID, goal string, user User) (RunResult, error) {
	if sessionID != "" {
		if _, ok, err := e.journal.Read(ctx, sessionID); err != nil {
			return RunResult{}, fmt.Errorf("read checkpoint: %w", err)
		} else if ok {
			return e.Resume(ctx, sessionID, nil)
		}
	}
	s := NewSession(sessionID, goal, user, e.cfg.RetryBudget)
	return e.run(ctx, s, NodePlanner)
}

// Resume reloads a checkpointed session and continues from its saved
// position. Items left running by a crash rewind to pending so they
// re-execute; the run-key store keeps already-finished backend calls
// from repeating. extra merges into the session context before any
// node runs.
func (e *Engine) Resume(ctx context.Context, sessionID string, extra map[string]interface{}) (RunResult, error) {
	state, ok, err := e.journal.Read(ctx, sessionID)
	if err != nil {
		return RunResult{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok {
		return RunResult{}, NewError(CodeNotFound, fmt.Sprintf("no checkpoint for session %s", sessionID), nil)
	}
	s, err := sessionFromMap(state)
	if err != nil {
		return RunResult{}, err
	}

	if s.Status.Terminal() && s.Summary != "" {
		return resultOf(s), nil
	}

	for i := range s.Plan {
		if s.Plan[i].Status == ItemRunning {
			s.Plan[i].Status = ItemPending
			s.Plan[i].StartedAt = nil
		}
	}
	if len(extra) > 0 {
		if s.Context == nil {
			s.Context = make(map[string]interface{}, len(extra))
		}
		for k, v := range extra {
			s.Context[k] = v
		}
	}

	start := s.NextNode
	switch {
	case start == "":
		if s.Status == StatusPlanning {
			start = NodePlanner
		} else {
			start = NodeDecider
		}
	case start == NodeExecutor && s.NextItem == "":
		// The selection did not survive the crash; decide again.
		start = NodeDecider
	}
	return e.run(ctx, s, start)
}

// Cancel requests cooperative cancellation. The session observes it at
// its next decider tick and finishes through the reporter. Returns
// false when the session is not currently running.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active[sessionID] {
		return false
	}
	e.cancelled[sessionID] = true
	return true
}

// State loads the latest checkpointed view of a session.
func (e *Engine) State(ctx context.Context, sessionID string) (*Session, bool, error) {
	state, ok, err := e.journal.Read(ctx, sessionID)
	if err != nil || !ok {
		return nil, false, err
	}
	s, err := sessionFromMap(state)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Sessions lists every session id with a checkpoint.
func (e *Engine) Sessions(ctx context.Context) ([]string, error) {
	return e.journal.Sessions(ctx)
}

func (e *Engine) run(ctx context.Context, s *Session, startNode string) (RunResult, error) {
	if err := e.acquire(s.ID); err != nil {
		return RunResult{}, err
	}
	defer e.release(s.ID)

	e.metrics.sessionStarted()
	defer e.metrics.sessionStopped()

	node := startNode
	lastSig := make(map[string]string)
	waits := 0
	for {
		if err := ctx.Err(); err != nil {
			e.persist(context.WithoutCancel(ctx), s, node)
			return resultOf(s), err
		}

		if node == NodeDecider && e.takeCancel(s.ID) && !s.Status.Terminal() {
			s.Status = StatusCancelled
			s.AddError("", SeverityWarning, "cancelled by request", nil)
		}

		n, ok := e.nodes[node]
		if !ok {
			return resultOf(s), NewError(CodeNotFound, fmt.Sprintf("unknown node %s", node), nil)
		}

		started := time.Now()
		res := n.Run(ctx, s)
		e.metrics.nodeRan(node, time.Since(started), res.Err)
		s.UpdatedAt = time.Now().UTC()

		if res.Route.Wait {
			waits++
			if waits > maxConsecutiveWaits {
				s.AddError("", SeverityCritical, "session stalled waiting for a gpu slot", nil)
				res.Route = Goto(NodeDecider)
			} else {
				s.NextNode = node
				if err := e.persist(ctx, s, node); err != nil {
					return resultOf(s), err
				}
				if err := sleepCtx(ctx, e.cfg.WaitTick); err != nil {
					return resultOf(s), err
				}
				continue
			}
		}
		waits = 0

		next := ""
		terminal := res.Route.Terminal
		if !terminal {
			next = res.Route.To
			if next == "" {
				next = evaluateEdges(e.edges, node, s)
			}
			if next == "" {
				terminal = true
			}
		}

		s.NextNode = next
		if err := e.persist(ctx, s, node); err != nil {
			return resultOf(s), err
		}

		if res.Err != nil {
			return resultOf(s), &NodeError{NodeID: node, Code: Classify(res.Err), Message: "node run failed", Cause: res.Err}
		}
		if terminal {
			return resultOf(s), nil
		}

		// Re-entering a node with an unchanged progress signature means
		// the graph is looping without doing work.
		sig := progressSignature(s)
		if prev, seen := lastSig[next]; seen && prev == sig {
			s.AddError("", SeverityCritical, fmt.Sprintf("no progress between visits to %s", next), nil)
			next = NodeDecider
			sig = progressSignature(s)
		}
		lastSig[next] = sig
		node = next
	}
}

func (e *Engine) persist(ctx context.Context, s *Session, node string) error {
	state, err := s.toMap()
	if err != nil {
		return err
	}
	if err := e.journal.Write(ctx, s.ID, state); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	e.emitter.Emit(emit.Event{
		SessionID: s.ID,
		Step:      s.CurrentStep,
		Node:      node,
		Msg:       "checkpoint_write",
		Meta:      map[string]interface{}{"status": string(s.Status)},
	})
	return nil
}

func (e *Engine) acquire(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[sessionID] {
		return NewError(CodeConfig, fmt.Sprintf("session %s is already running", sessionID), nil)
	}
	e.active[sessionID] = true
	return nil
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, sessionID)
	delete(e.cancelled, sessionID)
}

func (e *Engine) takeCancel(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled[sessionID] {
		delete(e.cancelled, sessionID)
		return true
	}
	return false
}

// progressSignature captures the counters that must move between
// repeat visits to the same node.
func progressSignature(s *Session) string {
	return fmt.Sprintf("%s|%d|%d|%d|%d|%s",
		s.Status, s.CurrentStep,
		s.CountByStatus(ItemCompleted), s.failedTerminally(),
		s.UsedRetries, s.NextItem)
}

func resultOf(s *Session) RunResult {
	return RunResult{
		SessionID: s.ID,
		Status:    s.Status,
		Summary:   s.Summary,
		Artifacts: s.Artifacts,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
