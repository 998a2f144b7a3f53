package observability

import "context"

// NoOpObserver discards all events with zero overhead. It is the default
// observer for engines run without structured logging configured.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(ctx context.Context, event Event) {}
