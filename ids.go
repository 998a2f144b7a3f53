package saga

import (
	"fmt"

	"github.com/google/uuid"
)

// activityNamespace is the fixed UUID namespace used to derive deterministic
// activity IDs, so that re-planning a workflow is idempotent: the same
// (workflow ID, activity type) pair always yields the same activity ID.
var activityNamespace = uuid.MustParse("5df6a4fe-1fe4-47b8-bf32-3bf599650a9f")

// ActivityID derives the deterministic ID for an activity of the given type
// belonging to workflowID.
func ActivityID(workflowID uuid.UUID, activityType string) uuid.UUID {
	name := fmt.Sprintf("%s:%s", workflowID, activityType)
	return uuid.NewSHA1(activityNamespace, []byte(name))
}
