package emit

// NullEmitter discards all events. Useful when observability output is
// not wanted, or in tests that do not inspect events.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that drops every event.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
