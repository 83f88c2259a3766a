package emit

// Event is an observability record produced while a session runs.
//
// Events cover node dispatch, checkpoint writes, step execution,
// provider fallbacks, breaker transitions and GPU lock waits. They are
// delivered to an Emitter, which may log them, buffer them, or export
// them as OpenTelemetry spans.
type Event struct {
	// SessionID identifies the orchestrator session that emitted this event.
	SessionID string

	// Step is the session's step counter at emission time.
	// Zero for session-level events (start, resume, complete, error).
	Step int

	// Node names the node that emitted this event ("planner", "decider",
	// "executor", "reporter"). Empty for session-level events.
	Node string

	// Msg is a short machine-friendly event name, e.g. "node_start",
	// "checkpoint_write", "fallback_advance", "breaker_open".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error text
	//   - "action": plan-item action name
	//   - "backend": provider or tool backend name
	//   - "family": GPU family
	Meta map[string]interface{}
}
