package emit

import "testing"

func TestNullEmitter(t *testing.T) {
	emitter := NewNullEmitter()

	// Must not panic, regardless of content.
	emitter.Emit(Event{})
	emitter.Emit(Event{
		SessionID: "s1",
		Step:      5,
		Node:      "executor",
		Msg:       "step_failed",
		Meta:      map[string]interface{}{"error": "boom"},
	})
}
