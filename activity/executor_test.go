package activity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/activity"
	"github.com/sagakit/saga/notify"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/plugin"
	"github.com/sagakit/saga/store/memstore"
)

type fakeActivity struct {
	typ     string
	execErr error
	output  map[string]any
}

func (f fakeActivity) Type() string { return f.typ }

func (f fakeActivity) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.output, f.execErr
}

func (f fakeActivity) Rollback(ctx context.Context, input, output map[string]any) error {
	return f.execErr
}

func newExecutor(plugins ...plugin.ActivityPlugin) (*activity.Executor, *memstore.Store) {
	s := memstore.New()
	reg := plugin.NewRegistry[plugin.ActivityPlugin]()
	for _, p := range plugins {
		reg.Register(p)
	}
	return activity.New(s, reg, notify.Noop{}, observability.NoOpObserver{}), s
}

func TestExecutor_RunSucceeds(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor(fakeActivity{typ: "reserve_inventory", output: map[string]any{"reserved": true}})

	wfID := mustCreateWorkflow(t, s)
	created, err := exec.Create(ctx, wfID, "reserve_inventory", map[string]any{"sku": "abc"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Run(ctx, created.ID, activity.ModeExecute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.State != saga.ActivitySucceeded {
		t.Fatalf("State = %s, want succeeded", got.State)
	}
	if got.Output["reserved"] != true {
		t.Errorf("Output = %+v, want reserved=true", got.Output)
	}
}

func TestExecutor_RunTemporaryFailureReturnsWithoutLooping(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor(fakeActivity{typ: "charge_payment", execErr: errors.New("gateway timeout")})

	wfID := mustCreateWorkflow(t, s)
	created, err := exec.Create(ctx, wfID, "charge_payment", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Run(ctx, created.ID, activity.ModeExecute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.State != saga.ActivityFailedTemporary {
		t.Fatalf("State = %s, want failed_temporary", got.State)
	}
}

func TestExecutor_RunPermanentFailure(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor(fakeActivity{typ: "charge_payment", execErr: plugin.ErrPermanentFailure})

	wfID := mustCreateWorkflow(t, s)
	created, err := exec.Create(ctx, wfID, "charge_payment", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := exec.Run(ctx, created.ID, activity.ModeExecute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.State != saga.ActivityFailedPermanent {
		t.Fatalf("State = %s, want failed_permanent", got.State)
	}
}

func TestExecutor_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor(fakeActivity{typ: "reserve_inventory"})
	wfID := mustCreateWorkflow(t, s)

	first, err := exec.Create(ctx, wfID, "reserve_inventory", map[string]any{"sku": "abc"})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := exec.Create(ctx, wfID, "reserve_inventory", map[string]any{"sku": "xyz"})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Create ID not deterministic: %s vs %s", first.ID, second.ID)
	}
}

func TestExecutor_RunUnknownPluginSurfacesError(t *testing.T) {
	ctx := context.Background()
	exec, s := newExecutor() // no plugins registered

	wfID := mustCreateWorkflow(t, s)
	created, err := exec.Create(ctx, wfID, "reserve_inventory", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = exec.Run(ctx, created.ID, activity.ModeExecute)
	if !errors.Is(err, saga.ErrUnknownActivityType) {
		t.Fatalf("Run error = %v, want wrapping ErrUnknownActivityType", err)
	}

	got, getErr := s.GetActivity(ctx, created.ID)
	if getErr != nil {
		t.Fatalf("GetActivity: %v", getErr)
	}
	if got.State != saga.ActivityRunning {
		t.Errorf("State = %s, want unchanged running (no failure state recorded)", got.State)
	}
}

func mustCreateWorkflow(t *testing.T, s *memstore.Store) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	w := &saga.Workflow{
		ID:        uuid.New(),
		Type:      "order.fulfill",
		State:     saga.WorkflowRunning,
		CreatedAt: now,
		ExecuteAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return w.ID
}
