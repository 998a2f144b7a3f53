// Package notify defines the optional, best-effort observer hooks the
// workflow and activity executors call out to. A Notifier must never affect
// workflow outcomes: callers swallow its errors and log them, they never
// propagate into the state machine.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
)

// Notifier receives lifecycle events for workflows and activities. All four
// hooks are best-effort: a failing or slow Notifier must not change whether
// a workflow succeeds, fails, or rolls back.
type Notifier interface {
	BeginWorkflow(ctx context.Context, w *saga.Workflow) error
	EndWorkflow(ctx context.Context, w *saga.Workflow) error
	BeginActivity(ctx context.Context, a *saga.Activity) error
	EndActivity(ctx context.Context, a *saga.Activity) error
}

// Noop implements Notifier with no-op hooks, for engines run without an
// external notification integration.
type Noop struct{}

func (Noop) BeginWorkflow(context.Context, *saga.Workflow) error { return nil }
func (Noop) EndWorkflow(context.Context, *saga.Workflow) error   { return nil }
func (Noop) BeginActivity(context.Context, *saga.Activity) error { return nil }
func (Noop) EndActivity(context.Context, *saga.Activity) error   { return nil }

var _ Notifier = Noop{}

// safeWorkflowID and safeActivityID let callers log the identifying ID of a
// workflow/activity even if it is nil at the call site.
func safeWorkflowID(w *saga.Workflow) uuid.UUID {
	if w == nil {
		return uuid.Nil
	}
	return w.ID
}

func safeActivityID(a *saga.Activity) uuid.UUID {
	if a == nil {
		return uuid.Nil
	}
	return a.ID
}
