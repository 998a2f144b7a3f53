// Package plugin defines the contracts saga activities and workflows
// implement, and a generic registry for looking them up by type string.
package plugin

import (
	"context"
	"errors"
)

// ErrPermanentFailure is the exception-sentinel an ActivityPlugin returns to
// signal that an error cannot be retried. Any other non-nil error is
// classified as temporary and the activity is rescheduled. The activity
// executor matches it with errors.Is, so plugins may return it wrapped; it is
// never raised as a panic.
var ErrPermanentFailure = errors.New("permanent failure")

// WorkflowPlugin describes one registered workflow type: the ordered list of
// activity types it plans for a workflow instance.
type WorkflowPlugin interface {
	// Type returns the workflow type string this plugin handles.
	Type() string

	// Plan returns the ordered activity types that make up a workflow of
	// this type, given the workflow's input arguments. Plan runs once, the
	// first time the workflow executor drives the workflow out of pending;
	// the result is persisted and never recomputed.
	Plan(ctx context.Context, args map[string]any) ([]string, error)
}

// ActivityPlugin describes one registered activity type: its forward
// execution and its compensating rollback.
type ActivityPlugin interface {
	// Type returns the activity type string this plugin handles.
	Type() string

	// Execute runs the activity's forward action. Returning
	// ErrPermanentFailure (via errors.Is) marks the activity permanently
	// failed; any other error marks it temporarily failed and eligible for
	// retry.
	Execute(ctx context.Context, input map[string]any) (output map[string]any, err error)

	// Rollback compensates a previously-succeeded execution of this
	// activity. It receives the output Execute produced. The same
	// permanent/temporary failure classification applies.
	Rollback(ctx context.Context, input, output map[string]any) error
}
