package notify

import (
	"context"
	"time"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/observability"
)

// Observability adapts the four Notifier hooks onto an
// observability.Observer event stream, so an external integration that
// only speaks the ambient logging protocol can still receive workflow and
// activity lifecycle notifications without the executor importing
// log/slog directly.
type Observability struct {
	Observer observability.Observer
}

func (o Observability) BeginWorkflow(ctx context.Context, w *saga.Workflow) error {
	o.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventWorkflowBegin, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "notify",
		Data: map[string]any{"workflow_id": safeWorkflowID(w).String(), "type": w.Type},
	})
	return nil
}

func (o Observability) EndWorkflow(ctx context.Context, w *saga.Workflow) error {
	o.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventWorkflowEnd, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "notify",
		Data: map[string]any{"workflow_id": safeWorkflowID(w).String(), "state": string(w.State)},
	})
	return nil
}

func (o Observability) BeginActivity(ctx context.Context, a *saga.Activity) error {
	o.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventActivityBegin, Level: observability.LevelVerbose,
		Timestamp: time.Now(), Source: "notify",
		Data: map[string]any{"activity_id": safeActivityID(a).String(), "type": a.Type},
	})
	return nil
}

func (o Observability) EndActivity(ctx context.Context, a *saga.Activity) error {
	o.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventActivityEnd, Level: observability.LevelVerbose,
		Timestamp: time.Now(), Source: "notify",
		Data: map[string]any{"activity_id": safeActivityID(a).String(), "state": string(a.State)},
	})
	return nil
}

var _ Notifier = Observability{}
