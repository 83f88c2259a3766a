package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/mediagraph-go/graph/model"
	"github.com/dshills/mediagraph-go/graph/router"
	"github.com/dshills/mediagraph-go/graph/schema"
)

// actionInfo carries the per-action scheduling defaults applied to
// every plan item the planner emits.
type actionInfo struct {
	estimatedSeconds int
	maxRetries       int
	requiresGPU      bool
	priority         int
}

var actionTable = map[string]actionInfo{
	"sd_generate":        {estimatedSeconds: 15, maxRetries: 2, requiresGPU: true, priority: 1},
	"upscale_image":      {estimatedSeconds: 30, maxRetries: 1, requiresGPU: true, priority: 2},
	"generate_animation": {estimatedSeconds: 60, maxRetries: 1, requiresGPU: true, priority: 3},
	"transcribe_audio":   {estimatedSeconds: 10, maxRetries: 2, priority: 1},
	"synthesize_speech":  {estimatedSeconds: 5, maxRetries: 2, priority: 1},
	"upload_file":        {estimatedSeconds: 20, maxRetries: 3, priority: 4},
}

// uploadEstimates overrides the upload duration hint per destination.
var uploadEstimates = map[string]int{
	"youtube": 45,
	"tiktok":  30,
}

// upscaleRoles gates the automatic upscale step appended to image
// goals. Guests get the base render only.
var upscaleRoles = map[string]bool{
	"user":  true,
	"admin": true,
}

// RoleGate decides whether a user may receive a planned action.
type RoleGate func(user User, action string) bool

// DefaultRoleGate allows every action except the upscale enhancement,
// which requires the user or admin role.
func DefaultRoleGate(user User, action string) bool {
	if action == "upscale_image" {
		return upscaleRoles[user.Role]
	}
	return true
}

// Planner turns a goal into an ordered plan. Slash commands expand
// through fixed templates; free-form goals go through the routing
// cascade when a router is configured, with keyword heuristics as the
// fallback.
type Planner struct {
	router  *router.Router
	schemas *schema.Registry
	gate    RoleGate
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithRouter enables model-assisted planning for free-form goals.
func WithRouter(r *router.Router, schemas *schema.Registry) PlannerOption {
	return func(p *Planner) {
		p.router = r
		p.schemas = schemas
	}
}

// WithRoleGate replaces DefaultRoleGate.
func WithRoleGate(gate RoleGate) PlannerOption {
	return func(p *Planner) { p.gate = gate }
}

// NewPlanner builds a planner. Without options it plans from templates
// and heuristics only.
func NewPlanner(opts ...PlannerOption) *Planner {
	p := &Planner{gate: DefaultRoleGate}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) ID() string { return NodePlanner }

// Run produces the plan and moves the session to executing. An empty
// plan is a hard failure: there is nothing to drive.
func (p *Planner) Run(ctx context.Context, s *Session) NodeResult {
	items := p.allowed(s.User, p.plan(ctx, s))
	if len(items) == 0 {
		s.AddError("", SeverityCritical, "no plan could be derived from goal", map[string]interface{}{
			"goal": s.Goal,
		})
		return NodeResult{Route: Goto(NodeDecider)}
	}

	for i := range items {
		items[i].ID = fmt.Sprintf("step-%d", i+1)
		items[i].Status = ItemPending
		if info, ok := actionTable[items[i].Action]; ok {
			items[i].MaxRetries = info.maxRetries
			items[i].RequiresGPU = info.requiresGPU
			items[i].Priority = info.priority
			items[i].EstimatedSeconds = info.estimatedSeconds
		}
		if items[i].Action == "upload_file" {
			if dest, _ := items[i].Params["destination"].(string); dest != "" {
				if est, ok := uploadEstimates[dest]; ok {
					items[i].EstimatedSeconds = est
				}
			}
		}
	}
	// Templates emit dependencies by position; resolve them to the
	// assigned ids. A placeholder on the first item has no predecessor
	// and drops.
	for i := range items {
		resolved := items[i].DependsOn[:0]
		for _, dep := range items[i].DependsOn {
			if dep == "" {
				if i == 0 {
					continue
				}
				dep = items[i-1].ID
			}
			resolved = append(resolved, dep)
		}
		if len(resolved) == 0 {
			resolved = nil
		}
		items[i].DependsOn = resolved
	}

	s.Plan = items
	s.Status = StatusExecuting
	return NodeResult{Route: Goto(NodeDecider)}
}

func (p *Planner) plan(ctx context.Context, s *Session) []PlanItem {
	goal := strings.TrimSpace(s.Goal)
	if goal == "" {
		return nil
	}
	if strings.HasPrefix(goal, "/") {
		return p.planCommand(goal, s.User)
	}
	if p.router != nil {
		if items := p.planWithModel(ctx, goal); len(items) > 0 {
			return items
		}
	}
	return p.planHeuristic(goal, s.User)
}

// planCommand expands the fixed slash-command templates.
func (p *Planner) planCommand(goal string, user User) []PlanItem {
	cmd, rest := splitCommand(goal)
	switch cmd {
	case "/img":
		return imagePlan(rest)

	case "/anim":
		return []PlanItem{{
			Action: "generate_animation",
			Params: map[string]interface{}{
				"prompt":     rest,
				"num_frames": 24,
				"fps":        12,
			},
		}}

	case "/asr":
		return []PlanItem{{
			Action: "transcribe_audio",
			Params: map[string]interface{}{"audio_path": rest},
		}}

	case "/tts":
		return []PlanItem{{
			Action: "synthesize_speech",
			Params: map[string]interface{}{"text": rest},
		}}

	case "/upload":
		path, dest := splitCommand(rest)
		if dest == "" {
			dest = "local"
		}
		return []PlanItem{{
			Action: "upload_file",
			Params: map[string]interface{}{"file_path": path, "destination": dest},
		}}

	case "/create":
		// Full pipeline: render, animate, narrate, publish.
		return []PlanItem{
			{
				Action: "sd_generate",
				Params: defaultImageParams(rest),
			},
			{
				Action: "generate_animation",
				Params: map[string]interface{}{
					"prompt":     rest,
					"num_frames": 24,
					"fps":        12,
				},
				DependsOn: []string{""},
			},
			{
				Action:    "synthesize_speech",
				Params:    map[string]interface{}{"text": rest},
				DependsOn: []string{""},
			},
			{
				Action:    "upload_file",
				Params:    map[string]interface{}{"destination": "local"},
				DependsOn: []string{""},
			},
		}
	}
	return nil
}

// planHeuristic maps keywords in free-form goals to the closest
// template.
func (p *Planner) planHeuristic(goal string, user User) []PlanItem {
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "animate", "animation", "video"):
		return p.planCommand("/anim "+goal, user)
	case containsAny(lower, "transcribe", "transcription"):
		return p.planCommand("/asr "+goal, user)
	case containsAny(lower, "speech", "voice", "say "):
		return p.planCommand("/tts "+goal, user)
	case containsAny(lower, "upload", "publish"):
		return []PlanItem{{
			Action: "upload_file",
			Params: map[string]interface{}{"file_path": goal, "destination": "local"},
		}}
	case containsAny(lower, "image", "picture", "draw"):
		return imagePlan(goal)
	}
	// No keyword match: a single render is the safest interpretation.
	return []PlanItem{{
		Action: "sd_generate",
		Params: defaultImageParams(goal),
	}}
}

// planWithModel asks the routing cascade to decompose the goal into
// tool calls. Any failure falls back to heuristics.
func (p *Planner) planWithModel(ctx context.Context, goal string) []PlanItem {
	var tools []model.ToolSpec
	if p.schemas != nil {
		tools = p.schemas.ToolSpecs()
	}
	out, err := p.router.Invoke(ctx, "planner", []model.Message{
		{Role: model.RoleUser, Content: goal},
	}, tools)
	if err != nil {
		return nil
	}
	items := make([]PlanItem, 0, len(out.ToolCalls))
	for i, call := range out.ToolCalls {
		if _, ok := actionTable[call.Name]; !ok {
			continue
		}
		item := PlanItem{Action: call.Name, Params: call.Input}
		if i > 0 {
			item.DependsOn = []string{""}
		}
		items = append(items, item)
	}
	return items
}

// allowed filters out actions the gate denies; positional dependency
// placeholders re-chain onto the surviving predecessor.
func (p *Planner) allowed(user User, items []PlanItem) []PlanItem {
	kept := items[:0]
	for _, item := range items {
		if p.gate == nil || p.gate(user, item.Action) {
			kept = append(kept, item)
		}
	}
	return kept
}

func imagePlan(prompt string) []PlanItem {
	return []PlanItem{
		{
			Action: "sd_generate",
			Params: defaultImageParams(prompt),
		},
		{
			Action: "upscale_image",
			Params: map[string]interface{}{
				"scale_factor": 2,
				"model":        "RealESRGAN_x2plus",
			},
			DependsOn: []string{""},
		},
	}
}

func defaultImageParams(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"prompt":    prompt,
		"model":     "sd15",
		"width":     512,
		"height":    512,
		"steps":     20,
		"cfg_scale": 7.0,
	}
}

func splitCommand(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
