package graph

import (
	"context"
	"fmt"
)

// Node names used by the engine's wiring.
const (
	NodePlanner  = "planner"
	NodeDecider  = "decider"
	NodeExecutor = "executor"
	NodeReporter = "reporter"
)

// Node is one processing stage. Run mutates the session in place and
// returns a routing decision; the engine persists the session after
// every node run.
type Node interface {
	ID() string
	Run(ctx context.Context, s *Session) NodeResult
}

// NodeResult carries a node's routing decision and failure, if any.
// A non-nil Err aborts the run unless the node already downgraded it
// into session error records.
type NodeResult struct {
	Route Next
	Err   error
}

// Next tells the engine where to go after a node.
type Next struct {
	To       string
	Terminal bool

	// Wait asks the engine to sleep one tick and re-run the same node,
	// used when work is blocked on a GPU slot.
	Wait bool
}

// Stop terminates the run.
func Stop() Next { return Next{Terminal: true} }

// Goto routes to the named node.
func Goto(id string) Next { return Next{To: id} }

// Hold re-runs the current node after a wait tick.
func Hold() Next { return Next{Wait: true} }

// NodeFunc adapts a function to the Node interface.
type NodeFunc struct {
	NodeID string
	Fn     func(ctx context.Context, s *Session) NodeResult
}

func (n NodeFunc) ID() string { return n.NodeID }

func (n NodeFunc) Run(ctx context.Context, s *Session) NodeResult {
	return n.Fn(ctx, s)
}

// NodeError is a failure attributed to a specific node.
type NodeError struct {
	NodeID  string
	Code    string
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %s: %s: %s: %v", e.NodeID, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Code, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }
