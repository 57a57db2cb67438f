package escrow

// Event describes a status transition for observers (metrics, audit logs).
type Event struct {
	EscrowID string
	From     Status
	To       Status
	At       int64
}

// Emitter receives transition events. Implementations must be fast and must
// not block the engine.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
