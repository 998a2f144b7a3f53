// Package store defines the persistence contract the saga engine drives
// every workflow and activity through, independent of backend.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
)

// ErrAlreadyLocked is the sentinel AcquireLock wraps in a *LockError. Match
// it with errors.Is rather than type-asserting LockError directly.
var ErrAlreadyLocked = saga.ErrAlreadyLocked

// LockError reports that a workflow's lock row is already held. Its Error
// text is the exact literal form callers and logs expect:
// "workflow <type> already locked (<id>)".
type LockError struct {
	WorkflowType string
	WorkflowID   uuid.UUID
}

func (e *LockError) Error() string {
	return fmt.Sprintf("workflow %s already locked (%s)", e.WorkflowType, e.WorkflowID)
}

func (e *LockError) Unwrap() error { return ErrAlreadyLocked }

func (e *LockError) Is(target error) bool { return target == ErrAlreadyLocked }

// Store is the full persistence contract. Every operation must be
// implementable atomically with respect to concurrent callers driving the
// same workflow ID from other processes; GetExecutableWorkflows in
// particular must select and transition its returned rows as a single
// atomic step so that two workers polling concurrently never admit the
// same workflow twice.
type Store interface {
	// CreateWorkflow persists a new workflow in whatever State the caller
	// set (workflow.Executor.Create uses WorkflowPending or WorkflowQueued,
	// with ActivityTypes still empty). Called once per workflow, at creation.
	CreateWorkflow(ctx context.Context, w *saga.Workflow) error

	// GetWorkflow loads a workflow by ID. Returns an error wrapping
	// saga.ErrWorkflowNotFound if absent.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*saga.Workflow, error)

	// UpdateWorkflow persists a workflow's current state, bumping UpdatedAt.
	UpdateWorkflow(ctx context.Context, w *saga.Workflow) error

	// GetExecutableWorkflows atomically selects up to limit workflows whose
	// ExecuteAt is at or before now and whose State is WorkflowQueued,
	// transitions each selected workflow to WorkflowPending, and returns
	// them. A workflow selected by one caller must never be returned to a
	// concurrent caller.
	GetExecutableWorkflows(ctx context.Context, now time.Time, limit int) ([]*saga.Workflow, error)

	// ListWorkflowsByState returns workflows whose State is one of states.
	// Used by the garbage collector to find lost in-flight workflows.
	ListWorkflowsByState(ctx context.Context, states ...saga.WorkflowState) ([]*saga.Workflow, error)

	// GetWorkflowByRefID loads a workflow by its caller-supplied RefID.
	// Returns an error wrapping saga.ErrWorkflowNotFound if absent.
	GetWorkflowByRefID(ctx context.Context, refID string) (*saga.Workflow, error)

	// CreateActivity persists a newly-created activity in ActivityPending
	// state. CreateActivity is idempotent keyed on the activity's ID: a
	// second call with the same ID is a no-op rather than an error.
	CreateActivity(ctx context.Context, a *saga.Activity) error

	// GetActivity loads an activity by ID. Returns an error wrapping
	// saga.ErrActivityNotFound if absent.
	GetActivity(ctx context.Context, id uuid.UUID) (*saga.Activity, error)

	// UpdateActivity persists an activity's current state, bumping
	// UpdatedAt.
	UpdateActivity(ctx context.Context, a *saga.Activity) error

	// ListActivities returns every activity belonging to workflowID, in
	// creation order.
	ListActivities(ctx context.Context, workflowID uuid.UUID) ([]*saga.Activity, error)

	// AcquireLock attempts to take the lock row for workflowID. Returns a
	// *LockError (wrapping ErrAlreadyLocked) if a live, unexpired lock is
	// already held by a different owner.
	AcquireLock(ctx context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) error

	// TryLockWorkflow attempts the same acquisition as AcquireLock but never
	// errors on contention: it returns true iff the lock was freshly
	// acquired by owner, false if another live owner already holds it.
	TryLockWorkflow(ctx context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) (bool, error)

	// ReleaseLock releases the lock row for workflowID if owner currently
	// holds it. Releasing a lock not held by owner is a no-op, not an
	// error, so that a rescued workflow's original owner cannot release a
	// rescuer's lock out from under it.
	ReleaseLock(ctx context.Context, workflowID uuid.UUID, owner string) error

	// GetLock loads the current lock row for workflowID, if any.
	GetLock(ctx context.Context, workflowID uuid.UUID) (*saga.WorkflowLock, error)
}
