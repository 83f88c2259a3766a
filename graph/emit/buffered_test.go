package emit

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferedEmitterHistory(t *testing.T) {
	t.Run("records events per session in order", func(t *testing.T) {
		emitter := NewBufferedEmitter()

		emitter.Emit(Event{SessionID: "s1", Msg: "session_start"})
		emitter.Emit(Event{SessionID: "s1", Node: "planner", Msg: "node_start"})
		emitter.Emit(Event{SessionID: "s2", Msg: "session_start"})

		history := emitter.History("s1")
		if len(history) != 2 {
			t.Fatalf("expected 2 events for s1, got %d", len(history))
		}
		if history[0].Msg != "session_start" || history[1].Msg != "node_start" {
			t.Errorf("events out of order: %+v", history)
		}
		if len(emitter.History("s2")) != 1 {
			t.Errorf("expected 1 event for s2")
		}
	})

	t.Run("unknown session yields empty history", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		if got := emitter.History("missing"); len(got) != 0 {
			t.Errorf("expected empty history, got %d events", len(got))
		}
	})

	t.Run("concurrent emit is safe", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					emitter.Emit(Event{SessionID: "shared", Step: n, Msg: fmt.Sprintf("e%d", j)})
				}
			}(i)
		}
		wg.Wait()
		if got := len(emitter.History("shared")); got != 200 {
			t.Errorf("expected 200 events, got %d", got)
		}
	})
}

func TestBufferedEmitterFilter(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{SessionID: "s1", Step: 1, Node: "planner", Msg: "node_start"})
	emitter.Emit(Event{SessionID: "s1", Step: 2, Node: "decider", Msg: "node_start"})
	emitter.Emit(Event{SessionID: "s1", Step: 3, Node: "executor", Msg: "step_failed"})
	emitter.Emit(Event{SessionID: "s1", Step: 4, Node: "executor", Msg: "node_start"})

	t.Run("by node", func(t *testing.T) {
		got := emitter.HistoryWithFilter("s1", HistoryFilter{Node: "executor"})
		if len(got) != 2 {
			t.Errorf("expected 2 executor events, got %d", len(got))
		}
	})

	t.Run("by msg", func(t *testing.T) {
		got := emitter.HistoryWithFilter("s1", HistoryFilter{Msg: "step_failed"})
		if len(got) != 1 || got[0].Step != 3 {
			t.Errorf("unexpected step_failed events: %+v", got)
		}
	})

	t.Run("by step range", func(t *testing.T) {
		minStep, maxStep := 2, 3
		got := emitter.HistoryWithFilter("s1", HistoryFilter{MinStep: &minStep, MaxStep: &maxStep})
		if len(got) != 2 {
			t.Errorf("expected 2 events in range, got %d", len(got))
		}
	})

	t.Run("empty filter returns all", func(t *testing.T) {
		if got := emitter.HistoryWithFilter("s1", HistoryFilter{}); len(got) != 4 {
			t.Errorf("expected 4 events, got %d", len(got))
		}
	})
}

func TestBufferedEmitterClear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{SessionID: "s1", Msg: "a"})
	emitter.Emit(Event{SessionID: "s2", Msg: "b"})

	emitter.Clear("s1")
	if len(emitter.History("s1")) != 0 {
		t.Error("s1 history should be empty after Clear")
	}
	if len(emitter.History("s2")) != 1 {
		t.Error("s2 history should survive clearing s1")
	}

	emitter.Clear("")
	if len(emitter.History("s2")) != 0 {
		t.Error("all history should be empty after Clear(\"\")")
	}
}
