// Package workflow drives a Workflow through planning, its forward
// activity pass, its compensating rollback pass, and retry scheduling.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/activity"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/notify"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/plugin"
	"github.com/sagakit/saga/store"
)

// Executor drives workflows through their state machine: planning on first
// entry into pending, a forward pass over each planned activity type, and —
// if any activity permanently fails — a rollback pass over the activities
// that had already succeeded, walked in reverse order.
type Executor struct {
	Store     store.Store
	Workflows *plugin.Registry[plugin.WorkflowPlugin]
	Activity  *activity.Executor
	Notifier  notify.Notifier
	Observer  observability.Observer
	Retry     config.RetryConfig
}

// New creates an Executor. A nil notifier or observer is replaced with a
// no-op implementation.
func New(
	s store.Store,
	workflows *plugin.Registry[plugin.WorkflowPlugin],
	activityExec *activity.Executor,
	n notify.Notifier,
	obs observability.Observer,
	retry config.RetryConfig,
) *Executor {
	if n == nil {
		n = notify.Noop{}
	}
	if obs == nil {
		obs = observability.NoOpObserver{}
	}
	return &Executor{Store: s, Workflows: workflows, Activity: activityExec, Notifier: n, Observer: obs, Retry: retry}
}

// Create persists a new workflow record and returns it. Planning is not run
// here: activityTypes is left empty and is filled in lazily, the first time
// Drive encounters the workflow in WorkflowPending. A zero executeAt means
// the workflow starts in WorkflowPending (the caller is expected to drive it
// directly); a non-zero executeAt defers it to WorkflowQueued, for the queue
// to pick up once executeAt has passed.
func (e *Executor) Create(ctx context.Context, workflowType string, args map[string]any, refType, refID string, executeAt time.Time) (*saga.Workflow, error) {
	now := time.Now().UTC()

	state := saga.WorkflowPending
	if !executeAt.IsZero() {
		state = saga.WorkflowQueued
	} else {
		executeAt = now
	}

	w := &saga.Workflow{
		ID:        uuid.New(),
		Type:      workflowType,
		State:     state,
		Args:      args,
		RefType:   refType,
		RefID:     refID,
		CreatedAt: now,
		ExecuteAt: executeAt,
		UpdatedAt: now,
	}
	if err := e.Store.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("workflow: create: %w", err)
	}
	return w, nil
}

// planType normalizes a workflow type for plugin lookup: only the substring
// before the first ':' selects the plugin, the remainder is opaque metadata.
func planType(workflowType string) string {
	for i := 0; i < len(workflowType); i++ {
		if workflowType[i] == ':' {
			return workflowType[:i]
		}
	}
	return workflowType
}

// Drive runs a single workflow from its current state to the next point
// where it either reaches a terminal state or needs to wait (a temporary
// activity failure, requeued for retry after backoff). Drive assumes the
// caller already holds the workflow's lock.
func (e *Executor) Drive(ctx context.Context, workflowID uuid.UUID) (*saga.Workflow, error) {
	w, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.State.Terminal() {
		return w, nil
	}

	e.notifyBegin(ctx, w)
	defer e.notifyEnd(ctx, w)

	e.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventWorkflowBegin, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "workflow",
		Data: map[string]any{"workflow_id": w.ID.String(), "state": string(w.State)},
	})

	for {
		switch w.State {
		case saga.WorkflowQueued:
			return nil, fmt.Errorf("%w: workflow %s reached queued inside Drive", saga.ErrUnexpectedState, w.ID)
		case saga.WorkflowPending:
			w, err = e.plan(ctx, w)
		case saga.WorkflowRunning:
			w, err = e.forward(ctx, w)
		case saga.WorkflowRunningRetry:
			w, err = e.scheduleRetry(ctx, w)
			if err != nil {
				return nil, err
			}
			return e.finish(ctx, w)
		case saga.WorkflowRunningRollback:
			w, err = e.rollback(ctx, w)
		default:
			return e.finish(ctx, w)
		}
		if err != nil {
			return nil, err
		}
		if w.State.Terminal() {
			return e.finish(ctx, w)
		}
	}
}

func (e *Executor) finish(ctx context.Context, w *saga.Workflow) (*saga.Workflow, error) {
	e.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventWorkflowEnd, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "workflow",
		Data: map[string]any{"workflow_id": w.ID.String(), "state": string(w.State)},
	})
	return w, nil
}

// plan runs once per workflow: if activityTypes is still empty, it resolves
// the workflow plugin (by the normalized workflow type) and calls Plan. An
// empty plan fails the workflow outright. Either way, entering running from
// here increments Attempts — the sole point in the state machine where a
// workflow transitions into running.
func (e *Executor) plan(ctx context.Context, w *saga.Workflow) (*saga.Workflow, error) {
	if len(w.ActivityTypes) == 0 {
		p, err := e.Workflows.Get(planType(w.Type), saga.ErrUnknownWorkflowType)
		if err != nil {
			return nil, err
		}

		activityTypes, err := p.Plan(ctx, w.Args)
		if err != nil {
			return nil, fmt.Errorf("workflow: plan %s: %w", w.Type, err)
		}
		if len(activityTypes) == 0 {
			w.State = saga.WorkflowFailed
			return w, e.persist(ctx, w)
		}

		w.ActivityTypes = activityTypes
		if err := e.persist(ctx, w); err != nil {
			return nil, err
		}

		e.Observer.OnEvent(ctx, observability.Event{
			Type: observability.EventWorkflowPlanned, Level: observability.LevelInfo,
			Timestamp: time.Now(), Source: "workflow",
			Data: map[string]any{"workflow_id": w.ID.String(), "type": w.Type, "activities": activityTypes},
		})
	}

	w.State = saga.WorkflowRunning
	w.Attempts++
	return w, e.persist(ctx, w)
}

// forward walks w.ActivityTypes in order, creating and running each
// activity that has not already succeeded. The step-runner here is the
// same fold-with-early-exit shape used for the reverse rollback pass below:
// iterate the planned list, run one step, stop on the first
// non-terminal-success outcome.
func (e *Executor) forward(ctx context.Context, w *saga.Workflow) (*saga.Workflow, error) {
	for _, activityType := range w.ActivityTypes {
		a, err := e.Activity.Create(ctx, w.ID, activityType, w.Args)
		if err != nil {
			return nil, err
		}
		if a.State == saga.ActivitySucceeded {
			continue
		}

		result, err := e.Activity.Run(ctx, a.ID, activity.ModeExecute)
		if err != nil {
			return nil, err
		}

		switch result.State {
		case saga.ActivitySucceeded:
			continue
		case saga.ActivityFailedTemporary:
			w.State = saga.WorkflowRunningRetry
			return w, e.persist(ctx, w)
		case saga.ActivityFailedPermanent:
			return e.beginRollback(ctx, w)
		}
	}

	w.State = saga.WorkflowSucceeded
	return w, e.persist(ctx, w)
}

// scheduleRetry is the retry scheduler: it pushes executeAt into the future
// by the configured backoff and requeues the workflow. The workflow is now
// eligible for re-admission by the queue.
func (e *Executor) scheduleRetry(ctx context.Context, w *saga.Workflow) (*saga.Workflow, error) {
	w.ExecuteAt = time.Now().UTC().Add(e.Retry.Backoff())
	w.State = saga.WorkflowQueued
	return w, e.persist(ctx, w)
}

// beginRollback transitions a workflow whose forward pass hit a permanent
// activity failure into its rollback pass.
func (e *Executor) beginRollback(ctx context.Context, w *saga.Workflow) (*saga.Workflow, error) {
	w.State = saga.WorkflowRunningRollback
	if err := e.persist(ctx, w); err != nil {
		return nil, err
	}

	e.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventWorkflowRollback, Level: observability.LevelWarning,
		Timestamp: time.Now(), Source: "workflow",
		Data: map[string]any{"workflow_id": w.ID.String()},
	})
	return w, nil
}

// rollback walks the activities that succeeded before the permanent
// failure, in reverse plan order, compensating each.
func (e *Executor) rollback(ctx context.Context, w *saga.Workflow) (*saga.Workflow, error) {
	activities, err := e.Store.ListActivities(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	byType := make(map[string]*saga.Activity, len(activities))
	for _, a := range activities {
		byType[a.Type] = a
	}

	for i := len(w.ActivityTypes) - 1; i >= 0; i-- {
		a, ok := byType[w.ActivityTypes[i]]
		if !ok {
			return nil, fmt.Errorf("%w: workflow %s, type %s", saga.ErrMissingActivity, w.ID, w.ActivityTypes[i])
		}
		if a.State != saga.ActivitySucceeded {
			continue
		}

		// Compensation runs as its own "rollback:<type>" activity, so a
		// retried rollback pass finds the same record by its deterministic ID.
		rb, err := e.Activity.Create(ctx, w.ID, "rollback:"+w.ActivityTypes[i], a.Input)
		if err != nil {
			return nil, err
		}
		if !rb.State.Terminal() && rb.Output == nil && a.Output != nil {
			// Rollback receives the output the forward Execute produced.
			rb.Output = a.Output
			if err := e.Store.UpdateActivity(ctx, rb); err != nil {
				return nil, err
			}
		}

		result, err := e.Activity.Run(ctx, rb.ID, activity.ModeRollback)
		if err != nil {
			return nil, err
		}

		switch result.State {
		case saga.ActivitySucceeded:
			continue
		case saga.ActivityFailedTemporary:
			w.State = saga.WorkflowRunningRetry
			return w, e.persist(ctx, w)
		case saga.ActivityFailedPermanent:
			w.State = saga.WorkflowFailedRollback
			return w, e.persist(ctx, w)
		}
	}

	w.State = saga.WorkflowFailed
	return w, e.persist(ctx, w)
}

func (e *Executor) persist(ctx context.Context, w *saga.Workflow) error {
	return e.Store.UpdateWorkflow(ctx, w)
}

func (e *Executor) notifyBegin(ctx context.Context, w *saga.Workflow) {
	if err := e.Notifier.BeginWorkflow(ctx, w); err != nil {
		e.Observer.OnEvent(ctx, observability.Event{
			Type: observability.EventNotifyFailed, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "workflow",
			Data: map[string]any{"hook": "BeginWorkflow", "error": err.Error()},
		})
	}
}

func (e *Executor) notifyEnd(ctx context.Context, w *saga.Workflow) {
	if err := e.Notifier.EndWorkflow(ctx, w); err != nil {
		e.Observer.OnEvent(ctx, observability.Event{
			Type: observability.EventNotifyFailed, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "workflow",
			Data: map[string]any{"hook": "EndWorkflow", "error": err.Error()},
		})
	}
}
