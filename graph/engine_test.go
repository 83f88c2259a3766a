package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/mediagraph-go/graph/bridge"
	"github.com/dshills/mediagraph-go/graph/checkpoint"
	"github.com/dshills/mediagraph-go/graph/emit"
	"github.com/dshills/mediagraph-go/graph/gpu"
	"github.com/dshills/mediagraph-go/graph/ratelimit"
	"github.com/dshills/mediagraph-go/graph/schema"
	"github.com/dshills/mediagraph-go/graph/store"
	"github.com/dshills/mediagraph-go/graph/tool"
)

type engineHarness struct {
	*harness
	engine  *Engine
	journal *checkpoint.MemJournal
	root    string
	cfg     Config
}

func newEngineHarness(t *testing.T, extra ...Node) *engineHarness {
	t.Helper()
	h := newHarness(t)
	eh := &engineHarness{
		harness: h,
		journal: checkpoint.NewMemJournal(),
		root:    t.TempDir(),
	}
	eh.cfg = DefaultConfig()
	eh.cfg.Root = eh.root
	eh.cfg.WaitTick = time.Millisecond
	eh.engine = buildEngine(t, eh.cfg, eh.journal, h.bridge, eh.root, extra...)
	return eh
}

// buildEngine assembles the standard four-node graph; extra nodes
// override by id.
func buildEngine(t *testing.T, cfg Config, journal checkpoint.Journal, b *bridge.Bridge, root string, extra ...Node) *Engine {
	t.Helper()
	nodes := []Node{
		NewPlanner(),
		NewDecider(cfg),
		NewExecutor(b, nil),
		NewReporter(root, nil, nil),
	}
	nodes = append(nodes, extra...)
	e, err := New(cfg, journal, nodes)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func mustMap(t *testing.T, s *Session) map[string]interface{} {
	t.Helper()
	m, err := s.toMap()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEngineImagePipeline(t *testing.T) {
	eh := newEngineHarness(t)

	res, err := eh.engine.Start(context.Background(), "sess-img", "/img a red cat", User{ID: "u1", Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s: %s", res.Status, res.Summary)
	}
	if res.SessionID != "sess-img" {
		t.Errorf("session id lost: %q", res.SessionID)
	}

	s, ok, err := eh.engine.State(context.Background(), "sess-img")
	if err != nil || !ok {
		t.Fatalf("state not available: %v", err)
	}
	if len(s.Plan) != 2 {
		t.Fatalf("expected render + upscale, got %d items", len(s.Plan))
	}
	for _, item := range s.Plan {
		if item.Status != ItemCompleted {
			t.Errorf("item %s not completed: %s", item.ID, item.Status)
		}
	}

	paths := map[string]bool{}
	for _, a := range res.Artifacts {
		paths[a.Path] = true
	}
	if !paths["/tmp/out.png"] || !paths["/tmp/out_2x.png"] {
		t.Errorf("expected both image artifacts, got %+v", res.Artifacts)
	}

	if got := eh.tools[tool.CapTxt2Img].CallCount(); got != 1 {
		t.Errorf("render backend calls = %d, want 1", got)
	}
	// Upscale expands to load, upscale, save.
	if got := eh.tools[tool.CapUpscale].CallCount(); got != 3 {
		t.Errorf("upscale backend calls = %d, want 3", got)
	}

	rep, err := ReadReport(eh.root, "sess-img")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != StatusCompleted || rep.StepsCompleted != 2 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestEngineCreatePipeline(t *testing.T) {
	eh := newEngineHarness(t)

	res, err := eh.engine.Start(context.Background(), "sess-create", "/create a cat story", User{ID: "u1", Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s: %s", res.Status, res.Summary)
	}

	s, ok, err := eh.engine.State(context.Background(), "sess-create")
	if err != nil || !ok {
		t.Fatalf("state not available: %v", err)
	}
	if len(s.Plan) != 4 {
		t.Fatalf("expected render, animate, narrate, upload; got %d items", len(s.Plan))
	}
	for _, item := range s.Plan {
		if item.Status != ItemCompleted {
			t.Errorf("item %s (%s) not completed: %s", item.ID, item.Action, item.Status)
		}
	}

	// Each stage sees the accumulated context, extra upstream keys
	// included. The animation call must tolerate the render's
	// image_path and seed riding along.
	animCalls := eh.tools[tool.CapAnimate].Calls
	if len(animCalls) == 0 {
		t.Fatal("animation backend never called")
	}
	if animCalls[0].Input["image_path"] != "/tmp/out.png" {
		t.Errorf("render output should flow into the animation call: %+v", animCalls[0].Input)
	}

	// The upload names no file itself; the richest upstream deliverable
	// fills it in.
	uploadCalls := eh.tools[tool.CapUpload].Calls
	if len(uploadCalls) == 0 {
		t.Fatal("upload backend never called")
	}
	if uploadCalls[0].Input["file_path"] != "/tmp/out.mp4" {
		t.Errorf("upload should target the rendered video: %+v", uploadCalls[0].Input)
	}
	if uploadCalls[0].Input["destination"] != "local" {
		t.Errorf("upload destination lost: %+v", uploadCalls[0].Input)
	}

	paths := map[string]bool{}
	for _, a := range res.Artifacts {
		paths[a.Path] = true
	}
	for _, want := range []string{"/tmp/out.png", "/tmp/out.mp4", "/tmp/voice.wav"} {
		if !paths[want] {
			t.Errorf("missing artifact %s: %+v", want, res.Artifacts)
		}
	}
}

func TestEngineStartResumesExistingSession(t *testing.T) {
	eh := newEngineHarness(t)
	ctx := context.Background()

	if _, err := eh.engine.Start(ctx, "sess-twice", "/img a cat", User{Role: "user"}); err != nil {
		t.Fatal(err)
	}
	before := eh.tools[tool.CapTxt2Img].CallCount()

	res, err := eh.engine.Start(ctx, "sess-twice", "ignored goal", User{Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("second start should return the finished result, got %s", res.Status)
	}
	if got := eh.tools[tool.CapTxt2Img].CallCount(); got != before {
		t.Errorf("finished session must not re-run backends: %d -> %d", before, got)
	}
}

func TestEngineResumeSkipsFinishedBackendCalls(t *testing.T) {
	eh := newEngineHarness(t)
	ctx := context.Background()

	// Drive the first item by hand, then rewind the checkpoint to look
	// like a crash after the backend finished but before the item was
	// marked done. The run-key store still holds the result.
	s := NewSession("sess-crash", "/img a cat", User{Role: "user"}, eh.cfg.RetryBudget)
	if res := NewPlanner().Run(ctx, s); res.Err != nil {
		t.Fatal(res.Err)
	}
	s.NextItem = "step-1"
	if res := NewExecutor(eh.bridge, nil).Run(ctx, s); res.Err != nil {
		t.Fatal(res.Err)
	}
	if eh.tools[tool.CapTxt2Img].CallCount() != 1 {
		t.Fatalf("setup: expected one backend call, got %d", eh.tools[tool.CapTxt2Img].CallCount())
	}

	item := s.ItemByID("step-1")
	item.Status = ItemPending
	item.StartedAt = nil
	s.CurrentStep = 0
	s.Artifacts = nil
	s.Context = nil
	s.NextItem = ""
	s.NextNode = NodeDecider
	if err := eh.journal.Write(ctx, s.ID, mustMap(t, s)); err != nil {
		t.Fatal(err)
	}

	res, err := eh.engine.Resume(ctx, "sess-crash", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s: %s", res.Status, res.Summary)
	}
	// The replayed item must come from the run-key store, not the
	// backend.
	if got := eh.tools[tool.CapTxt2Img].CallCount(); got != 1 {
		t.Errorf("render backend calls = %d, want 1", got)
	}
	paths := map[string]bool{}
	for _, a := range res.Artifacts {
		paths[a.Path] = true
	}
	if !paths["/tmp/out.png"] {
		t.Errorf("replayed artifact missing: %+v", res.Artifacts)
	}
}

func TestEngineResumeUnknownSession(t *testing.T) {
	eh := newEngineHarness(t)

	_, err := eh.engine.Resume(context.Background(), "no-such-session", nil)
	var cErr *Error
	if !errors.As(err, &cErr) || cErr.Code != CodeNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestEngineEmptyGoalFails(t *testing.T) {
	eh := newEngineHarness(t)

	res, err := eh.engine.Start(context.Background(), "sess-empty", "   ", User{Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFailed {
		t.Errorf("empty goal must fail, got %s", res.Status)
	}
	rep, err := ReadReport(eh.root, "sess-empty")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Error == "" {
		t.Error("failed report should carry the error")
	}
}

func TestEngineCancelDuringRun(t *testing.T) {
	schemas := schema.NewRegistry()
	if err := schema.RegisterBuiltins(schemas); err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemStore()
	t.Cleanup(func() { mem.Close() })

	started := make(chan struct{})
	release := make(chan struct{})
	upscale := &tool.MockTool{ToolName: "upscale_backend", Responses: []map[string]interface{}{{"image_path": "/tmp/out_2x.png"}}}

	registry := tool.NewRegistry()
	if err := registry.Register(funcTool{
		name: "sd_backend",
		fn: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]interface{}{"image_path": "/tmp/out.png"}, nil
		},
	}, tool.CapTxt2Img); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(upscale, tool.CapUpscale); err != nil {
		t.Fatal(err)
	}

	rates := map[string]float64{"generate_image": 1000, "load_image": 1000, "upscale_image": 1000, "save_upscaled": 1000}
	b := bridge.New(schemas, mem, ratelimit.NewLimiter(mem, rates), gpu.NewFairLock(time.Millisecond), registry)

	cfg := DefaultConfig()
	root := t.TempDir()
	cfg.Root = root
	cfg.WaitTick = time.Millisecond
	e := buildEngine(t, cfg, checkpoint.NewMemJournal(), b, root)

	type outcome struct {
		res RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Start(context.Background(), "sess-cancel", "/img a cat", User{Role: "user"})
		done <- outcome{res, err}
	}()

	<-started
	if !e.Cancel("sess-cancel") {
		t.Error("cancel should find the running session")
	}
	close(release)

	got := <-done
	if got.err != nil {
		t.Fatal(got.err)
	}
	if got.res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s: %s", got.res.Status, got.res.Summary)
	}
	// The in-flight render finishes; the upscale never starts.
	if upscale.CallCount() != 0 {
		t.Errorf("cancel must stop before the next item, upscale calls = %d", upscale.CallCount())
	}
}

func TestEngineCancelUnknownSession(t *testing.T) {
	eh := newEngineHarness(t)
	if eh.engine.Cancel("idle-session") {
		t.Error("cancel of a non-running session reports false")
	}
}

func TestEngineNoProgressGuard(t *testing.T) {
	noop := NodeFunc{NodeID: NodeExecutor, Fn: func(ctx context.Context, s *Session) NodeResult {
		return NodeResult{Route: Goto(NodeDecider)}
	}}
	eh := newEngineHarness(t, noop)

	res, err := eh.engine.Start(context.Background(), "sess-stuck", "/anim waves", User{Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("looping graph must fail, got %s", res.Status)
	}
	found := false
	for _, line := range strings.Split(res.Summary, "\n") {
		if strings.Contains(line, "no progress") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a no-progress error in the summary:\n%s", res.Summary)
	}
}

func TestEngineSessions(t *testing.T) {
	eh := newEngineHarness(t)
	ctx := context.Background()

	for _, id := range []string{"sess-b", "sess-a"} {
		if _, err := eh.engine.Start(ctx, id, "/tts hello", User{Role: "user"}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := eh.engine.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Errorf("expected sorted session ids, got %v", ids)
	}
}

func TestEngineEmitsEvents(t *testing.T) {
	h := newHarness(t)
	buf := emit.NewBufferedEmitter()
	cfg := DefaultConfig()
	root := t.TempDir()
	cfg.Root = root
	cfg.WaitTick = time.Millisecond

	nodes := []Node{NewPlanner(), NewDecider(cfg), NewExecutor(h.bridge, nil), NewReporter(root, nil, nil)}
	e, err := New(cfg, checkpoint.NewMemJournal(), nodes, WithEmitter(buf))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Start(context.Background(), "sess-events", "/tts hello", User{Role: "user"}); err != nil {
		t.Fatal(err)
	}

	events := buf.History("sess-events")
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Node] = true
	}
	for _, node := range []string{NodePlanner, NodeDecider, NodeExecutor, NodeReporter} {
		if !seen[node] {
			t.Errorf("no event from %s", node)
		}
	}
}

type funcTool struct {
	name string
	fn   func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

func (f funcTool) Name() string { return f.name }

func (f funcTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f.fn(ctx, input)
}
