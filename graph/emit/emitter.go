package emit

// Emitter receives observability events from session execution.
//
// Implementations must be safe for concurrent use: multiple sessions
// emit from separate goroutines. Emit must not panic and should not
// block session progress; slow backends should buffer or drop.
type Emitter interface {
	// Emit delivers one event to the backend. Errors are handled
	// internally; the orchestrator never inspects emission failures.
	Emit(event Event)
}
