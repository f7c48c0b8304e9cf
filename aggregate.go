package rpkica

import "context"

// Aggregate is an event-sourced entity. C is its command family and E the
// event family those commands produce; a store for the aggregate accepts no
// other commands and yields no other events.
//
// ProcessCommand must not mutate the aggregate. Apply must reject an event
// whose version differs from the aggregate version, and must accept every
// event ProcessCommand returns.
type Aggregate[C CommandDetails, E EventDetails] interface {
	// Handle returns the aggregate handle.
	Handle() Handle

	// Version returns the number of events applied, counting the init event.
	Version() int64

	// Apply updates state with an event and advances the version by one.
	Apply(event StoredEvent[E]) error

	// ProcessCommand validates a command against current state and returns the
	// resulting events. A domain error means nothing is recorded.
	ProcessCommand(ctx context.Context, cmd SentCommand[C]) ([]E, error)
}

// InitFunc builds a fresh aggregate from its initializing event. It must be
// deterministic; the returned aggregate has version 1.
type InitFunc[A any, I any] func(event StoredEvent[I]) (A, error)
