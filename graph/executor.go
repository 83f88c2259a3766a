package graph

import (
	"context"
	"time"

	"github.com/dshills/mediagraph-go/graph/bridge"
	"github.com/dshills/mediagraph-go/graph/model"
)

// Executor runs the item the decider selected through the bridge and
// folds the outcome back into the session. It never decides what runs
// next; control always returns to the decider.
type Executor struct {
	bridge  *bridge.Bridge
	metrics *Metrics
}

// NewExecutor builds an executor. metrics may be nil.
func NewExecutor(b *bridge.Bridge, metrics *Metrics) *Executor {
	return &Executor{bridge: b, metrics: metrics}
}

func (e *Executor) ID() string { return NodeExecutor }

func (e *Executor) Run(ctx context.Context, s *Session) NodeResult {
	item := s.ItemByID(s.NextItem)
	if item == nil {
		s.AddError("", SeverityCritical, "executor invoked without a selected item", map[string]interface{}{
			"next_item": s.NextItem,
		})
		return NodeResult{Route: Goto(NodeDecider)}
	}
	planIndex := e.planIndex(s, item.ID)

	now := time.Now().UTC()
	item.Status = ItemRunning
	item.StartedAt = &now

	// Earlier outputs in the session context fill in params the item
	// does not set itself, so chained items see upstream paths.
	input := make(map[string]interface{}, len(item.Params)+len(s.Context))
	for k, v := range s.Context {
		input[k] = v
	}
	for k, v := range item.Params {
		input[k] = v
	}
	if item.Action == "upload_file" {
		fillUploadPath(input)
	}

	res, err := e.bridge.Invoke(ctx, model.ToolCall{Name: item.Action, Input: input}, s.ID, planIndex)
	if err != nil {
		return e.fail(ctx, s, item, err)
	}

	done := time.Now().UTC()
	item.Status = ItemCompleted
	item.CompletedAt = &done
	s.CurrentStep++
	s.NextItem = ""

	if s.Context == nil {
		s.Context = make(map[string]interface{})
	}
	for k, v := range res.Outputs {
		s.Context[k] = v
	}
	for _, a := range res.Artifacts {
		kind := KindFromPath(a.Path)
		s.AddArtifact(a.Path, item.ID, kind)
		e.metrics.artifactProduced(kind)
	}
	return NodeResult{Route: Goto(NodeDecider)}
}

// fail records the failure and updates retry bookkeeping. Retryable
// faults leave the item eligible for another pass and do not advance
// the step counter; permanent faults burn the item's remaining
// retries. Caller cancellation rewinds the item so resume re-runs it.
func (e *Executor) fail(ctx context.Context, s *Session, item *PlanItem, err error) NodeResult {
	if ctx.Err() != nil {
		item.Status = ItemPending
		item.StartedAt = nil
		return NodeResult{Err: ctx.Err(), Route: Goto(NodeDecider)}
	}

	code := Classify(err)
	item.Status = ItemFailed
	s.AddError(item.ID, SeverityError, err.Error(), map[string]interface{}{
		"code":   code,
		"action": item.Action,
	})

	if Retryable(code) {
		item.RetryCount++
		s.UsedRetries++
		e.metrics.itemRetried(item.Action)
	} else {
		item.RetryCount = item.MaxRetries
		s.CurrentStep++
	}
	s.NextItem = ""
	return NodeResult{Route: Goto(NodeDecider)}
}

// fillUploadPath points an upload at an upstream output when the plan
// names no file itself. Preference order is the pipeline's richest
// deliverable: video, then audio, then image.
func fillUploadPath(input map[string]interface{}) {
	if p, _ := input["file_path"].(string); p != "" {
		return
	}
	for _, key := range []string{"video_path", "audio_path", "image_path"} {
		if p, _ := input[key].(string); p != "" {
			input["file_path"] = p
			return
		}
	}
}

func (e *Executor) planIndex(s *Session, id string) int {
	for i := range s.Plan {
		if s.Plan[i].ID == id {
			return i
		}
	}
	return 0
}
