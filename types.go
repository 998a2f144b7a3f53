// Package saga implements a durable, saga-pattern workflow engine. A workflow
// is a linear sequence of named activities executed forward; on permanent
// failure of any activity, previously-succeeded activities are compensated
// in reverse order.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the closed set of states a Workflow may occupy.
type WorkflowState string

const (
	WorkflowQueued          WorkflowState = "queued"
	WorkflowPending         WorkflowState = "pending"
	WorkflowRunning         WorkflowState = "running"
	WorkflowRunningRetry    WorkflowState = "running_retry"
	WorkflowRunningRollback WorkflowState = "running_rollback"
	WorkflowFailed          WorkflowState = "failed"
	WorkflowFailedRollback  WorkflowState = "failed_rollback"
	WorkflowSucceeded       WorkflowState = "succeeded"
)

// Terminal reports whether the workflow state machine has reached a state
// with no further outbound transitions.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowFailed, WorkflowFailedRollback, WorkflowSucceeded:
		return true
	default:
		return false
	}
}

// ActivityState is the closed set of states an Activity may occupy.
type ActivityState string

const (
	ActivityPending         ActivityState = "pending"
	ActivityRunning         ActivityState = "running"
	ActivityFailedTemporary ActivityState = "failed_temporary"
	ActivityFailedPermanent ActivityState = "failed_permanent"
	ActivitySucceeded       ActivityState = "succeeded"
)

// Terminal reports whether the activity state machine has reached a state
// with no further outbound transitions.
func (s ActivityState) Terminal() bool {
	switch s {
	case ActivityFailedPermanent, ActivitySucceeded:
		return true
	default:
		return false
	}
}

// Workflow is one durable instance of a registered workflow plugin's
// activity sequence.
type Workflow struct {
	ID            uuid.UUID
	Type          string
	State         WorkflowState
	Args          map[string]any
	RefType       string
	RefID         string
	ActivityTypes []string
	Attempts      int
	CreatedAt     time.Time
	ExecuteAt     time.Time
	UpdatedAt     time.Time
}

// Activity is one durable instance of a single step within a Workflow's
// activity sequence, identified deterministically from its owning workflow
// and type so that re-planning the same workflow never creates duplicates.
type Activity struct {
	ID         uuid.UUID
	WorkflowID uuid.UUID
	Type       string
	State      ActivityState
	Input      map[string]any
	Output     map[string]any
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkflowLock is the mutual-exclusion record a worker holds while driving a
// workflow. Only one worker may hold a live lock for a given workflow at a
// time; ExpireAt is a soft timeout: once it has passed, an acquisition
// attempt by another owner takes the lock over.
type WorkflowLock struct {
	WorkflowID uuid.UUID
	Owner      string
	ExpireAt   time.Time
}
