package emit

// Emitter receives progress events from workflow execution.
//
// Emitters are the pluggable observability boundary of the engine:
//   - Console/JSON logging (LogEmitter)
//   - Two-tier retention with history queries (Sink)
//   - Distributed tracing (OTelEmitter)
//   - Discard (NullEmitter)
//
// Implementations must be safe for concurrent use; runners on the worker
// pool emit from multiple goroutines. Emit must not panic and must not
// block workflow progress on slow backends; buffer or drop instead.
type Emitter interface {
	// Emit delivers one event to the backend. Errors are handled
	// internally; emission is fire-and-forget from the engine's view.
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
//
// A nil or panicking child emitter does not prevent delivery to the
// others.
func Multi(emitters ...Emitter) Emitter {
	return multi(emitters)
}

type multi []Emitter

func (m multi) Emit(event Event) {
	for _, e := range m {
		if e == nil {
			continue
		}
		safeEmit(e, event)
	}
}

func safeEmit(e Emitter, event Event) {
	defer func() {
		_ = recover()
	}()
	e.Emit(event)
}
