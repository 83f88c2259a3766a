package graph

import (
	"context"
	"testing"

	"github.com/dshills/mediagraph-go/graph/breaker"
	"github.com/dshills/mediagraph-go/graph/model"
	"github.com/dshills/mediagraph-go/graph/router"
	"github.com/dshills/mediagraph-go/graph/schema"
)

func planGoal(t *testing.T, goal string, user User) *Session {
	t.Helper()
	s := NewSession("plan-test", goal, user, 10)
	res := NewPlanner().Run(context.Background(), s)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	return s
}

func TestPlannerImageCommand(t *testing.T) {
	s := planGoal(t, "/img a red cat", User{Role: "user"})

	if s.Status != StatusExecuting {
		t.Fatalf("expected executing, got %s", s.Status)
	}
	if len(s.Plan) != 2 {
		t.Fatalf("expected render + upscale, got %d items", len(s.Plan))
	}
	gen := s.Plan[0]
	if gen.ID != "step-1" || gen.Action != "sd_generate" {
		t.Errorf("unexpected first item: %+v", gen)
	}
	if gen.Params["prompt"] != "a red cat" || gen.Params["model"] != "sd15" {
		t.Errorf("image defaults not applied: %+v", gen.Params)
	}
	if gen.Params["width"] != 512 || gen.Params["steps"] != 20 {
		t.Errorf("image defaults not applied: %+v", gen.Params)
	}
	if !gen.RequiresGPU || gen.MaxRetries != 2 || gen.Priority != 1 {
		t.Errorf("scheduling defaults not applied: %+v", gen)
	}

	up := s.Plan[1]
	if up.Action != "upscale_image" {
		t.Errorf("unexpected second item: %+v", up)
	}
	if len(up.DependsOn) != 1 || up.DependsOn[0] != "step-1" {
		t.Errorf("upscale must depend on the render: %v", up.DependsOn)
	}
	if up.Params["scale_factor"] != 2 || up.Params["model"] != "RealESRGAN_x2plus" {
		t.Errorf("upscale defaults not applied: %+v", up.Params)
	}
}

func TestPlannerImageCommandGuest(t *testing.T) {
	s := planGoal(t, "/img a red cat", User{Role: "guest"})
	if len(s.Plan) != 1 || s.Plan[0].Action != "sd_generate" {
		t.Errorf("guests should get the base render only: %+v", s.Plan)
	}
}

func TestPlannerRoleGateOverride(t *testing.T) {
	denyUploads := func(_ User, action string) bool { return action != "upload_file" }
	s := NewSession("gated", "/create a cat story", User{Role: "guest"}, 10)
	res := NewPlanner(WithRoleGate(denyUploads)).Run(context.Background(), s)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	for _, item := range s.Plan {
		if item.Action == "upload_file" {
			t.Errorf("gated action should be dropped: %+v", s.Plan)
		}
	}
	if len(s.Plan) != 3 {
		t.Errorf("expected 3 items after gating, got %d", len(s.Plan))
	}
}

func TestPlannerAnimationCommand(t *testing.T) {
	s := planGoal(t, "/anim waves on a beach", User{Role: "user"})
	if len(s.Plan) != 1 {
		t.Fatalf("expected 1 item, got %d", len(s.Plan))
	}
	item := s.Plan[0]
	if item.Action != "generate_animation" {
		t.Errorf("unexpected action %s", item.Action)
	}
	if item.Params["num_frames"] != 24 || item.Params["fps"] != 12 {
		t.Errorf("animation defaults not applied: %+v", item.Params)
	}
	if !item.RequiresGPU || item.MaxRetries != 1 {
		t.Errorf("scheduling defaults not applied: %+v", item)
	}
}

func TestPlannerTranscribeAndSpeech(t *testing.T) {
	s := planGoal(t, "/asr /tmp/talk.wav", User{Role: "user"})
	if s.Plan[0].Action != "transcribe_audio" || s.Plan[0].Params["audio_path"] != "/tmp/talk.wav" {
		t.Errorf("unexpected plan: %+v", s.Plan)
	}

	s = planGoal(t, "/tts hello there", User{Role: "user"})
	if s.Plan[0].Action != "synthesize_speech" || s.Plan[0].Params["text"] != "hello there" {
		t.Errorf("unexpected plan: %+v", s.Plan)
	}
}

func TestPlannerUploadCommand(t *testing.T) {
	s := planGoal(t, "/upload /tmp/cat.png youtube", User{Role: "user"})
	item := s.Plan[0]
	if item.Action != "upload_file" || item.Params["destination"] != "youtube" {
		t.Errorf("unexpected plan: %+v", item)
	}
	if item.EstimatedSeconds != 45 {
		t.Errorf("youtube upload estimate not applied: %d", item.EstimatedSeconds)
	}

	s = planGoal(t, "/upload /tmp/cat.png", User{Role: "user"})
	if s.Plan[0].Params["destination"] != "local" {
		t.Errorf("destination should default to local: %+v", s.Plan[0].Params)
	}
}

func TestPlannerCreateChain(t *testing.T) {
	s := planGoal(t, "/create a cat story", User{Role: "user"})
	want := []string{"sd_generate", "generate_animation", "synthesize_speech", "upload_file"}
	if len(s.Plan) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(s.Plan))
	}
	for i, action := range want {
		if s.Plan[i].Action != action {
			t.Errorf("item %d = %s, want %s", i, s.Plan[i].Action, action)
		}
	}
	// Each stage depends on its predecessor so the chain runs in order.
	for i := 1; i < len(s.Plan); i++ {
		if len(s.Plan[i].DependsOn) != 1 || s.Plan[i].DependsOn[0] != s.Plan[i-1].ID {
			t.Errorf("item %d deps = %v, want [%s]", i, s.Plan[i].DependsOn, s.Plan[i-1].ID)
		}
	}
}

func TestPlannerHeuristics(t *testing.T) {
	cases := map[string]string{
		"animate a sunset over the sea": "generate_animation",
		"please transcribe the meeting": "transcribe_audio",
		"read this in a calm voice":     "synthesize_speech",
		"upload the result somewhere":   "upload_file",
		"draw a castle at night":        "sd_generate",
		"make something nice":           "sd_generate",
	}
	for goal, action := range cases {
		s := planGoal(t, goal, User{Role: "user"})
		if s.Plan[0].Action != action {
			t.Errorf("goal %q planned %s, want %s", goal, s.Plan[0].Action, action)
		}
	}
}

func TestPlannerEmptyGoalFails(t *testing.T) {
	s := NewSession("empty", "   ", User{Role: "user"}, 10)
	res := NewPlanner().Run(context.Background(), s)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if s.Status != StatusFailed {
		t.Errorf("empty goal must fail the session, got %s", s.Status)
	}
	if len(s.Errors) == 0 || s.Errors[0].Severity != SeverityCritical {
		t.Errorf("expected a critical error record: %+v", s.Errors)
	}
	if res.Route.To != NodeDecider {
		t.Errorf("failure still routes through the decider, got %+v", res.Route)
	}
}

func TestPlannerModelAssisted(t *testing.T) {
	schemas := schema.NewRegistry()
	if err := schema.RegisterBuiltins(schemas); err != nil {
		t.Fatal(err)
	}
	chat := &model.MockChatModel{Responses: []model.ChatOut{{
		ToolCalls: []model.ToolCall{
			{ID: "1", Name: "sd_generate", Input: map[string]interface{}{"prompt": "a fox"}},
			{ID: "2", Name: "upload_file", Input: map[string]interface{}{"destination": "local"}},
			{ID: "3", Name: "not_a_tool", Input: map[string]interface{}{}},
		},
	}}}
	r := router.New(router.Config{
		Roles: map[string]router.RoleRoute{
			"planner": {Primary: router.ModelSpec{Provider: "mock", Model: "m1"}},
		},
	}, map[string]model.ChatModel{"mock": chat}, breaker.NewRegistry())

	s := NewSession("assisted", "a fox exploring a forest", User{Role: "user"}, 10)
	res := NewPlanner(WithRouter(r, schemas)).Run(context.Background(), s)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if len(s.Plan) != 2 {
		t.Fatalf("unknown actions must be dropped, got %d items", len(s.Plan))
	}
	if s.Plan[0].Action != "sd_generate" || s.Plan[1].Action != "upload_file" {
		t.Errorf("unexpected plan: %+v", s.Plan)
	}
	if len(s.Plan[1].DependsOn) != 1 || s.Plan[1].DependsOn[0] != "step-1" {
		t.Errorf("model plan items must chain: %v", s.Plan[1].DependsOn)
	}
	if chat.CallCount() != 1 {
		t.Errorf("expected one model call, got %d", chat.CallCount())
	}
}

func TestPlannerModelFailureFallsBack(t *testing.T) {
	chat := &model.MockChatModel{Err: context.DeadlineExceeded}
	r := router.New(router.Config{
		Roles: map[string]router.RoleRoute{
			"planner": {Primary: router.ModelSpec{Provider: "mock", Model: "m1"}},
		},
		Retry: router.Retry{MaxAttempts: 1, InitialDelay: 1},
	}, map[string]model.ChatModel{"mock": chat}, breaker.NewRegistry())

	s := NewSession("fallback", "draw a castle", User{Role: "user"}, 10)
	res := NewPlanner(WithRouter(r, nil)).Run(context.Background(), s)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if len(s.Plan) == 0 || s.Plan[0].Action != "sd_generate" {
		t.Errorf("heuristics should take over on model failure: %+v", s.Plan)
	}
}
