package progress

import "context"

// Sink consumes batches of operator events. Consume may be called
// concurrently with Emit but never concurrently with itself.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking. Hub implements it; a nil
// *Hub is a valid no-op Emitter.
type Emitter interface {
	Emit(evt Event)
}
