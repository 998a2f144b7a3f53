package saga

import "errors"

// Sentinel errors shared across the saga, activity, workflow, and queue
// packages. Callers should match with errors.Is, never string comparison.
var (
	// ErrWorkflowNotFound is returned when a workflow ID has no matching record.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrActivityNotFound is returned when an activity ID has no matching record.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrUnknownWorkflowType is returned when no workflow plugin is registered
	// for a workflow's type.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrUnknownActivityType is returned when no activity plugin is registered
	// for an activity's type.
	ErrUnknownActivityType = errors.New("unknown activity type")

	// ErrAlreadyLocked is the sentinel wrapped by LockError; match against it
	// with errors.Is rather than inspecting LockError's fields directly.
	ErrAlreadyLocked = errors.New("workflow already locked")

	// ErrUnexpectedState is returned when the workflow executor's
	// convergence loop encounters WorkflowQueued directly. Only the queue's
	// admission step may transition a workflow out of queued; reaching it
	// here means that protocol was bypassed.
	ErrUnexpectedState = errors.New("workflow: unexpected state")

	// ErrMissingActivity is returned during rollback when the forward
	// activity record for a planned activity type cannot be found. It
	// indicates store corruption, not a normal runtime outcome.
	ErrMissingActivity = errors.New("workflow: missing activity record")
)
