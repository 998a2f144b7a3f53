package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/activity"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/notify"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/plugin"
	"github.com/sagakit/saga/store/memstore"
	"github.com/sagakit/saga/workflow"
)

type orderWorkflow struct {
	activityTypes []string
}

func (o orderWorkflow) Type() string { return "order.fulfill" }

func (o orderWorkflow) Plan(ctx context.Context, args map[string]any) ([]string, error) {
	return o.activityTypes, nil
}

type alwaysOK struct{ typ string }

func (a alwaysOK) Type() string { return a.typ }
func (a alwaysOK) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}
func (a alwaysOK) Rollback(ctx context.Context, input, output map[string]any) error { return nil }

type permanentFail struct{ typ string }

func (p permanentFail) Type() string { return p.typ }
func (p permanentFail) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return nil, plugin.ErrPermanentFailure
}
func (p permanentFail) Rollback(ctx context.Context, input, output map[string]any) error { return nil }

func newExecutor(t *testing.T, activityTypes []string, activityPlugins ...plugin.ActivityPlugin) (*workflow.Executor, *memstore.Store) {
	t.Helper()
	s := memstore.New()

	wfRegistry := plugin.NewRegistry[plugin.WorkflowPlugin]()
	wfRegistry.Register(orderWorkflow{activityTypes: activityTypes})

	actRegistry := plugin.NewRegistry[plugin.ActivityPlugin]()
	for _, p := range activityPlugins {
		actRegistry.Register(p)
	}

	actExec := activity.New(s, actRegistry, notify.Noop{}, observability.NoOpObserver{})
	wfExec := workflow.New(s, wfRegistry, actExec, notify.Noop{}, observability.NoOpObserver{}, config.DefaultRetryConfig())
	return wfExec, s
}

func TestExecutor_EmptyPlanFails(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, nil)

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowFailed {
		t.Fatalf("State = %s, want failed", got.State)
	}
}

func TestExecutor_TwoActivitiesInOrderSucceed(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"reserve_inventory", "charge_payment"},
		alwaysOK{typ: "reserve_inventory"}, alwaysOK{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowSucceeded {
		t.Fatalf("State = %s, want succeeded", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
}

func TestExecutor_TemporaryFailureQueuesRetry(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"charge_payment"}, flakyPlugin{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowQueued {
		t.Fatalf("State = %s, want queued", got.State)
	}
	if !got.ExecuteAt.After(time.Now().UTC()) {
		t.Error("ExecuteAt should be pushed into the future for backoff")
	}
}

// flakyPlugin always returns a temporary (non-sentinel) error.
type flakyPlugin struct{ typ string }

func (f flakyPlugin) Type() string { return f.typ }

func (f flakyPlugin) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return nil, errors.New("gateway timeout")
}

func (f flakyPlugin) Rollback(ctx context.Context, input, output map[string]any) error {
	return nil
}

func TestExecutor_PermanentFailureSingleActivityFailsWithoutRollback(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"charge_payment"}, permanentFail{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowFailed {
		t.Fatalf("State = %s, want failed", got.State)
	}
}

func TestExecutor_PermanentFailureOfSecondActivityRollsBackFirst(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"reserve_inventory", "charge_payment"},
		alwaysOK{typ: "reserve_inventory"}, permanentFail{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowFailed {
		t.Fatalf("State = %s, want failed (rollback succeeded)", got.State)
	}
}

func TestExecutor_RollbackPermanentFailureEndsFailedRollback(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"reserve_inventory", "charge_payment"},
		unrollbackable{typ: "reserve_inventory"}, permanentFail{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowFailedRollback {
		t.Fatalf("State = %s, want failed_rollback", got.State)
	}
}

type unrollbackable struct{ typ string }

func (u unrollbackable) Type() string { return u.typ }
func (u unrollbackable) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}
func (u unrollbackable) Rollback(ctx context.Context, input, output map[string]any) error {
	return plugin.ErrPermanentFailure
}

func TestExecutor_RollbackTemporaryFailureQueuesRetry(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"reserve_inventory", "charge_payment"},
		flakyRollback{typ: "reserve_inventory"}, permanentFail{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if got.State != saga.WorkflowQueued {
		t.Fatalf("State = %s, want queued", got.State)
	}
}

// flakyRollback succeeds on Execute but fails its Rollback with a
// non-sentinel (temporary) error.
type flakyRollback struct{ typ string }

func (f flakyRollback) Type() string { return f.typ }
func (f flakyRollback) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}
func (f flakyRollback) Rollback(ctx context.Context, input, output map[string]any) error {
	return errors.New("compensation backend unavailable")
}

func TestExecutor_MissingActivityRecordFailsRollback(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor(t, []string{"reserve_inventory", "charge_payment"},
		alwaysOK{typ: "reserve_inventory"}, permanentFail{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Corrupt the store: wedge the workflow straight into running_rollback
	// with activityTypes naming a type that was never created.
	w.ActivityTypes = []string{"never_created"}
	w.State = saga.WorkflowRunningRollback
	if err := s.UpdateWorkflow(ctx, w); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}

	_, err = exec.Drive(ctx, w.ID)
	if !errors.Is(err, saga.ErrMissingActivity) {
		t.Fatalf("Drive error = %v, want wrapping ErrMissingActivity", err)
	}
}

func TestExecutor_DriveOnQueuedIsUnexpectedState(t *testing.T) {
	ctx := context.Background()
	exec, _ := newExecutor(t, []string{"reserve_inventory"}, alwaysOK{typ: "reserve_inventory"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Now().UTC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.State != saga.WorkflowQueued {
		t.Fatalf("State = %s, want queued", w.State)
	}

	_, err = exec.Drive(ctx, w.ID)
	if !errors.Is(err, saga.ErrUnexpectedState) {
		t.Fatalf("Drive error = %v, want wrapping ErrUnexpectedState", err)
	}
}

func TestExecutor_RetrySkipsAlreadySucceededActivities(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor(t, []string{"reserve_inventory", "charge_payment"},
		alwaysOK{typ: "reserve_inventory"}, flakyPlugin{typ: "charge_payment"})

	w, err := exec.Create(ctx, "order.fulfill", nil, "", "", time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := exec.Drive(ctx, w.ID); err != nil {
		t.Fatalf("first Drive: %v", err)
	}

	// Simulate the queue's admission step: a real GetExecutableWorkflows
	// call takes queued back to pending once executeAt has passed. Do it
	// directly here rather than waiting out the retry backoff.
	requeued, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	requeued.State = saga.WorkflowPending
	if err := s.UpdateWorkflow(ctx, requeued); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}

	// The payment gateway has recovered: charge_payment now succeeds.
	exec.Activity.Plugins.Register(alwaysOK{typ: "charge_payment"})

	got, err := exec.Drive(ctx, w.ID)
	if err != nil {
		t.Fatalf("second Drive: %v", err)
	}
	if got.State != saga.WorkflowSucceeded {
		t.Fatalf("State = %s, want succeeded", got.State)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one per entry into running)", got.Attempts)
	}

	activities, err := s.ListActivities(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	for _, a := range activities {
		switch a.Type {
		case "reserve_inventory":
			if a.Attempts != 1 {
				t.Errorf("reserve_inventory attempts = %d, want 1 (not re-run)", a.Attempts)
			}
		case "charge_payment":
			if a.Attempts != 2 {
				t.Errorf("charge_payment attempts = %d, want 2", a.Attempts)
			}
		}
	}
}
