package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use when observability output is not needed (benchmarks, throwaway runs)
// while keeping the engine wiring uniform.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
