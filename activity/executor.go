// Package activity drives a single activity through its sub-state-machine:
// pending -> running -> {succeeded, failed_temporary, failed_permanent}.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/notify"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/plugin"
	"github.com/sagakit/saga/store"
)

// maxIterations bounds the convergence loop purely as a defensive backstop.
// Each iteration performs exactly one state transition over a 5-state
// machine, so correct operation never approaches this.
const maxIterations = 64

// ErrMaxIterations is returned if an activity's convergence loop exceeds
// maxIterations without reaching a terminal state, indicating a store
// implementation that isn't actually persisting transitions.
var ErrMaxIterations = errors.New("activity: exceeded max convergence iterations")

// Mode selects whether Run drives an activity's forward Execute or its
// compensating Rollback.
type Mode int

const (
	ModeExecute Mode = iota
	ModeRollback
)

// Executor drives activities through their sub-state-machine against a
// store and a plugin registry.
type Executor struct {
	Store    store.Store
	Plugins  *plugin.Registry[plugin.ActivityPlugin]
	Notifier notify.Notifier
	Observer observability.Observer
}

// New creates an Executor. A nil notifier or observer is replaced with a
// no-op implementation.
func New(s store.Store, plugins *plugin.Registry[plugin.ActivityPlugin], n notify.Notifier, obs observability.Observer) *Executor {
	if n == nil {
		n = notify.Noop{}
	}
	if obs == nil {
		obs = observability.NoOpObserver{}
	}
	return &Executor{Store: s, Plugins: plugins, Notifier: n, Observer: obs}
}

// Create lazily persists an activity for (workflowID, activityType) with a
// deterministic ID, so replanning the same workflow never produces
// duplicate activities. Create is a no-op if the activity already exists.
func (e *Executor) Create(ctx context.Context, workflowID uuid.UUID, activityType string, input map[string]any) (*saga.Activity, error) {
	a := &saga.Activity{
		ID:         saga.ActivityID(workflowID, activityType),
		WorkflowID: workflowID,
		Type:       activityType,
		State:      saga.ActivityPending,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := e.Store.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("activity: create %s: %w", activityType, err)
	}
	return e.Store.GetActivity(ctx, a.ID)
}

// lookupType normalizes a plugin lookup key: a "rollback:" prefix is
// stripped (rollback and forward execution share one plugin, selected by
// Mode, not by a distinct registration), then only the substring before the
// first ':' is used, so namespaced activity types like
// "payments:charge_payment" resolve to the "payments" plugin family's
// "charge_payment" registration convention used by callers that choose to
// namespace their types.
func lookupType(activityType string) string {
	const rollbackPrefix = "rollback:"
	t := activityType
	if len(t) > len(rollbackPrefix) && t[:len(rollbackPrefix)] == rollbackPrefix {
		t = t[len(rollbackPrefix):]
	}
	for i := 0; i < len(t); i++ {
		if t[i] == ':' {
			return t[:i]
		}
	}
	return t
}

// Run drives the activity's convergence loop to a terminal state (or a
// single execution attempt reaching failed_temporary) and returns it.
func (e *Executor) Run(ctx context.Context, activityID uuid.UUID, mode Mode) (*saga.Activity, error) {
	for i := 0; i < maxIterations; i++ {
		a, err := e.Store.GetActivity(ctx, activityID)
		if err != nil {
			return nil, err
		}

		if a.State.Terminal() {
			return a, nil
		}

		switch a.State {
		case saga.ActivityPending:
			a.State = saga.ActivityRunning
			if err := e.Store.UpdateActivity(ctx, a); err != nil {
				return nil, err
			}

		case saga.ActivityRunning:
			result, err := e.invoke(ctx, a, mode)
			if err != nil {
				return nil, err
			}
			if err := e.Store.UpdateActivity(ctx, result); err != nil {
				return nil, err
			}
			if result.State == saga.ActivityFailedTemporary {
				return result, nil
			}

		case saga.ActivityFailedTemporary:
			// A caller retrying after backoff resets to pending and
			// re-enters the loop.
			a.State = saga.ActivityPending
			if err := e.Store.UpdateActivity(ctx, a); err != nil {
				return nil, err
			}

		default:
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: activity %s", ErrMaxIterations, activityID)
}

// invoke resolves the plugin for a's type and calls its Execute or Rollback.
// An unknown plugin is a programmer error, not a retryable activity outcome:
// it is surfaced as an error so the workflow is left in running rather than
// driven to a failure state that implies the activity itself ran.
func (e *Executor) invoke(ctx context.Context, a *saga.Activity, mode Mode) (*saga.Activity, error) {
	e.notifyBegin(ctx, a)
	defer e.notifyEnd(ctx, a)

	p, err := e.Plugins.Get(lookupType(a.Type), saga.ErrUnknownActivityType)
	if err != nil {
		return nil, fmt.Errorf("activity: invoke %s: %w", a.Type, err)
	}

	a.Attempts++

	var callErr error
	if mode == ModeExecute {
		var output map[string]any
		output, callErr = p.Execute(ctx, a.Input)
		if callErr == nil {
			a.Output = output
		}
	} else {
		callErr = p.Rollback(ctx, a.Input, a.Output)
	}

	if callErr == nil {
		a.State = saga.ActivitySucceeded
		return a, nil
	}

	if errors.Is(callErr, plugin.ErrPermanentFailure) {
		a.State = saga.ActivityFailedPermanent
	} else {
		a.State = saga.ActivityFailedTemporary
	}

	e.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventActivityRetry, Level: observability.LevelWarning,
		Timestamp: time.Now(), Source: "activity",
		Data: map[string]any{
			"activity_id": a.ID.String(),
			"type":        a.Type,
			"state":       string(a.State),
			"error":       callErr.Error(),
		},
	})
	return a, nil
}

func (e *Executor) notifyBegin(ctx context.Context, a *saga.Activity) {
	if err := e.Notifier.BeginActivity(ctx, a); err != nil {
		e.Observer.OnEvent(ctx, observability.Event{
			Type: observability.EventNotifyFailed, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "activity",
			Data: map[string]any{"hook": "BeginActivity", "error": err.Error()},
		})
	}
}

func (e *Executor) notifyEnd(ctx context.Context, a *saga.Activity) {
	if err := e.Notifier.EndActivity(ctx, a); err != nil {
		e.Observer.OnEvent(ctx, observability.Event{
			Type: observability.EventNotifyFailed, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "activity",
			Data: map[string]any{"hook": "EndActivity", "error": err.Error()},
		})
	}
}
