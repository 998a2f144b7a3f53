package observability

const (
	// Workflow executor
	EventWorkflowBegin    EventType = "workflow.begin"
	EventWorkflowEnd      EventType = "workflow.end"
	EventWorkflowPlanned  EventType = "workflow.planned"
	EventWorkflowRollback EventType = "workflow.rollback"

	// Activity executor
	EventActivityBegin   EventType = "activity.begin"
	EventActivityEnd     EventType = "activity.end"
	EventActivityRetry   EventType = "activity.retry"
	EventActivityPending EventType = "activity.pending"

	// Workflow queue
	EventQueuePoll     EventType = "queue.poll"
	EventQueueDispatch EventType = "queue.dispatch"
	EventQueueDrained  EventType = "queue.drained"
	EventQueuePanic    EventType = "queue.panic"

	// Workflow garbage collector
	EventGCSweep   EventType = "gc.sweep"
	EventGCRescued EventType = "gc.rescued"

	// Notifier
	EventNotifyFailed EventType = "notify.failed"
)
