package emit

import "sync"

// BufferedEmitter stores events in memory, keyed by session, and
// supports filtered history queries. Intended for tests, debugging and
// post-run analysis; it never evicts, so long-lived processes should
// Clear sessions they are done with.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // sessionID -> events
}

// HistoryFilter selects events from a session's history. Set fields are
// combined with AND; zero values mean "no constraint".
type HistoryFilter struct {
	Node    string
	Msg     string
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its session's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.SessionID] = append(b.events[event.SessionID], event)
}

// History returns a copy of all events for sessionID in emission order.
func (b *BufferedEmitter) History(sessionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[sessionID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the session's events matching the filter,
// in emission order.
func (b *BufferedEmitter) HistoryWithFilter(sessionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[sessionID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Node != "" && event.Node != filter.Node {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinStep != nil && event.Step < *filter.MinStep {
		return false
	}
	if filter.MaxStep != nil && event.Step > *filter.MaxStep {
		return false
	}
	return true
}

// Clear drops stored events for sessionID, or every session when
// sessionID is empty.
func (b *BufferedEmitter) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, sessionID)
}
