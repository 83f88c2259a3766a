package graph

import (
	"context"
	"fmt"
	"sort"
)

// Decider chooses what happens next: pick a runnable item, wait for a
// GPU slot, or conclude the session. It is the only node that decides
// termination, so every other node routes back through it.
type Decider struct {
	cfg Config
}

// NewDecider builds a decider over the engine config.
func NewDecider(cfg Config) *Decider {
	cfg.applyDefaults()
	return &Decider{cfg: cfg}
}

func (d *Decider) ID() string { return NodeDecider }

// Run applies the decision rules in order. The first matching rule
// wins; no rule matching with nothing runnable concludes the session.
func (d *Decider) Run(ctx context.Context, s *Session) NodeResult {
	// Terminal status, whether set by cancel, a critical error, or a
	// previous decision, always hands off to the reporter exactly once.
	if s.Status.Terminal() {
		if s.Summary != "" {
			return NodeResult{Route: Stop()}
		}
		return NodeResult{Route: Goto(NodeReporter)}
	}

	if s.CurrentStep >= d.cfg.MaxSteps {
		if d.pendingWork(s) {
			s.AddError("", SeverityError, fmt.Sprintf("step cap %d reached with work remaining", d.cfg.MaxSteps), map[string]interface{}{
				"pending": s.CountByStatus(ItemPending) + s.CountByStatus(ItemFailed),
			})
			s.Status = StatusFailed
		} else {
			s.Status = StatusCompleted
		}
		return NodeResult{Route: Goto(NodeReporter)}
	}

	if s.UsedRetries >= s.RetryBudget {
		s.AddError("", SeverityError, fmt.Sprintf("retry budget %d exhausted", s.RetryBudget), nil)
		s.Status = StatusFailed
		return NodeResult{Route: Goto(NodeReporter)}
	}

	// More than half the plan dead means the goal cannot meaningfully
	// complete; abort instead of grinding through the remainder.
	if len(s.Plan) > 0 && s.failedTerminally()*2 > len(s.Plan) {
		s.AddError("", SeverityError, "majority of plan items failed", map[string]interface{}{
			"failed": s.failedTerminally(),
			"total":  len(s.Plan),
		})
		s.Status = StatusFailed
		return NodeResult{Route: Goto(NodeReporter)}
	}

	if item := d.pickNext(s); item != nil {
		if item.RequiresGPU && s.RunningGPU() >= d.cfg.MaxParallelGPU {
			return NodeResult{Route: Hold()}
		}
		s.NextItem = item.ID
		return NodeResult{Route: Goto(NodeExecutor)}
	}

	// Nothing runnable and nothing in flight: conclude.
	s.NextItem = ""
	if s.failedTerminally() > 0 {
		s.Status = StatusFailed
	} else {
		s.Status = StatusCompleted
	}
	return NodeResult{Route: Goto(NodeReporter)}
}

// pendingWork reports whether any item could still run or retry.
func (d *Decider) pendingWork(s *Session) bool {
	for i := range s.Plan {
		switch s.Plan[i].Status {
		case ItemPending, ItemRunning:
			return true
		case ItemFailed:
			if s.Plan[i].Retryable() {
				return true
			}
		}
	}
	return false
}

// pickNext selects the next runnable item. Failed items with retry
// slots left always go before fresh pending items; within each pool
// the lowest effective priority wins, where each past retry pushes an
// item back by two slots. Ties keep plan order.
func (d *Decider) pickNext(s *Session) *PlanItem {
	var retries, pending []*PlanItem
	for i := range s.Plan {
		item := &s.Plan[i]
		switch item.Status {
		case ItemFailed:
			if item.Retryable() {
				retries = append(retries, item)
			}
		case ItemPending:
			if s.DepsCompleted(item) {
				pending = append(pending, item)
			}
		}
	}
	if pick := lowestPriority(retries); pick != nil {
		return pick
	}
	return lowestPriority(pending)
}

func lowestPriority(candidates []*PlanItem) *PlanItem {
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return effectivePriority(candidates[i]) < effectivePriority(candidates[j])
	})
	return candidates[0]
}

func effectivePriority(item *PlanItem) int {
	return item.Priority + 2*item.RetryCount
}
