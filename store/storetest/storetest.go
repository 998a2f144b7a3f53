// Package storetest holds a store.Store contract suite shared by every
// backend implementation, so memstore, filestore, and pgstore are exercised
// against the same behavioral expectations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/store"
)

// Run exercises s against the full Store contract. newStore is called to obtain
// a fresh Store per subtest where isolation matters; implementations whose
// New always returns the same backend (e.g. a shared database) should still
// pass, since every workflow/activity ID used here is freshly generated.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGetWorkflow", func(t *testing.T) { testCreateAndGetWorkflow(t, newStore(t)) })
	t.Run("GetWorkflowNotFound", func(t *testing.T) { testGetWorkflowNotFound(t, newStore(t)) })
	t.Run("CreateActivityIdempotent", func(t *testing.T) { testCreateActivityIdempotent(t, newStore(t)) })
	t.Run("ListActivities", func(t *testing.T) { testListActivities(t, newStore(t)) })
	t.Run("GetExecutableWorkflowsRespectsLimitAndTime", func(t *testing.T) {
		testGetExecutableWorkflowsRespectsLimitAndTime(t, newStore(t))
	})
	t.Run("GetExecutableWorkflowsTransitionsState", func(t *testing.T) {
		testGetExecutableWorkflowsTransitionsState(t, newStore(t))
	})
	t.Run("ListWorkflowsByState", func(t *testing.T) { testListWorkflowsByState(t, newStore(t)) })
	t.Run("LockMutualExclusion", func(t *testing.T) { testLockMutualExclusion(t, newStore(t)) })
	t.Run("ReleaseLockIsOwnerScoped", func(t *testing.T) { testReleaseLockIsOwnerScoped(t, newStore(t)) })
	t.Run("TryLockWorkflow", func(t *testing.T) { testTryLockWorkflow(t, newStore(t)) })
	t.Run("GetWorkflowByRefID", func(t *testing.T) { testGetWorkflowByRefID(t, newStore(t)) })
}

func newWorkflow(typ string) *saga.Workflow {
	now := time.Now().UTC()
	id := uuid.New()
	return &saga.Workflow{
		ID:            id,
		Type:          typ,
		State:         saga.WorkflowQueued,
		Args:          map[string]any{"order_id": "o-1"},
		RefID:         id.String(),
		ActivityTypes: []string{"reserve_inventory", "charge_payment", "ship_order"},
		CreatedAt:     now,
		ExecuteAt:     now,
		UpdatedAt:     now,
	}
}

func testCreateAndGetWorkflow(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")

	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Type != w.Type || got.State != w.State {
		t.Errorf("GetWorkflow = %+v, want matching %+v", got, w)
	}
}

func testGetWorkflowNotFound(t *testing.T, s store.Store) {
	_, err := s.GetWorkflow(context.Background(), uuid.New())
	if !errors.Is(err, saga.ErrWorkflowNotFound) {
		t.Errorf("GetWorkflow error = %v, want wrapping ErrWorkflowNotFound", err)
	}
}

func testCreateActivityIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	id := saga.ActivityID(w.ID, "reserve_inventory")
	a := &saga.Activity{
		ID:         id,
		WorkflowID: w.ID,
		Type:       "reserve_inventory",
		State:      saga.ActivityPending,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := s.CreateActivity(ctx, a); err != nil {
		t.Fatalf("first CreateActivity: %v", err)
	}
	if err := s.CreateActivity(ctx, a); err != nil {
		t.Fatalf("second CreateActivity (idempotent) should not error: %v", err)
	}

	activities, err := s.ListActivities(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("ListActivities returned %d activities, want exactly 1", len(activities))
	}
}

func testListActivities(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	for _, typ := range w.ActivityTypes {
		a := &saga.Activity{
			ID:         saga.ActivityID(w.ID, typ),
			WorkflowID: w.ID,
			Type:       typ,
			State:      saga.ActivityPending,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
		if err := s.CreateActivity(ctx, a); err != nil {
			t.Fatalf("CreateActivity(%s): %v", typ, err)
		}
	}

	activities, err := s.ListActivities(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(activities) != len(w.ActivityTypes) {
		t.Fatalf("ListActivities returned %d, want %d", len(activities), len(w.ActivityTypes))
	}
}

func testGetExecutableWorkflowsRespectsLimitAndTime(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	ready := newWorkflow("order.fulfill")
	ready.ExecuteAt = now.Add(-time.Minute)
	future := newWorkflow("order.fulfill")
	future.ExecuteAt = now.Add(time.Hour)

	if err := s.CreateWorkflow(ctx, ready); err != nil {
		t.Fatalf("CreateWorkflow(ready): %v", err)
	}
	if err := s.CreateWorkflow(ctx, future); err != nil {
		t.Fatalf("CreateWorkflow(future): %v", err)
	}

	got, err := s.GetExecutableWorkflows(ctx, now, 10)
	if err != nil {
		t.Fatalf("GetExecutableWorkflows: %v", err)
	}
	if len(got) != 1 || got[0].ID != ready.ID {
		t.Fatalf("GetExecutableWorkflows returned %d workflows, want exactly the ready one", len(got))
	}

	for i := 0; i < 2; i++ {
		more := newWorkflow("order.fulfill")
		more.ExecuteAt = now.Add(-time.Minute)
		if err := s.CreateWorkflow(ctx, more); err != nil {
			t.Fatalf("CreateWorkflow(more %d): %v", i, err)
		}
	}
	limited, err := s.GetExecutableWorkflows(ctx, now, 1)
	if err != nil {
		t.Fatalf("GetExecutableWorkflows(limit 1): %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("GetExecutableWorkflows(limit 1) returned %d workflows, want 1", len(limited))
	}
}

func testGetExecutableWorkflowsTransitionsState(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	w := newWorkflow("order.fulfill")
	w.ExecuteAt = now.Add(-time.Second)
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	got, err := s.GetExecutableWorkflows(ctx, now, 10)
	if err != nil {
		t.Fatalf("GetExecutableWorkflows: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetExecutableWorkflows returned %d, want 1", len(got))
	}
	if got[0].State != saga.WorkflowPending {
		t.Errorf("admitted workflow state = %s, want pending", got[0].State)
	}

	again, err := s.GetExecutableWorkflows(ctx, now, 10)
	if err != nil {
		t.Fatalf("second GetExecutableWorkflows: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second GetExecutableWorkflows returned %d, want 0 (already admitted)", len(again))
	}
}

func testListWorkflowsByState(t *testing.T, s store.Store) {
	ctx := context.Background()
	running := newWorkflow("order.fulfill")
	running.State = saga.WorkflowRunning
	succeeded := newWorkflow("order.fulfill")
	succeeded.State = saga.WorkflowSucceeded

	if err := s.CreateWorkflow(ctx, running); err != nil {
		t.Fatalf("CreateWorkflow(running): %v", err)
	}
	if err := s.CreateWorkflow(ctx, succeeded); err != nil {
		t.Fatalf("CreateWorkflow(succeeded): %v", err)
	}

	got, err := s.ListWorkflowsByState(ctx, saga.WorkflowRunning, saga.WorkflowRunningRetry)
	if err != nil {
		t.Fatalf("ListWorkflowsByState: %v", err)
	}
	if len(got) != 1 || got[0].ID != running.ID {
		t.Fatalf("ListWorkflowsByState returned %d workflows, want exactly the running one", len(got))
	}
}

func testLockMutualExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	expireAt := time.Now().UTC().Add(time.Minute)
	if err := s.AcquireLock(ctx, w.ID, "worker-a", expireAt); err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}

	err := s.AcquireLock(ctx, w.ID, "worker-b", expireAt)
	if !errors.Is(err, store.ErrAlreadyLocked) {
		t.Fatalf("second AcquireLock error = %v, want wrapping ErrAlreadyLocked", err)
	}
}

func testReleaseLockIsOwnerScoped(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	expireAt := time.Now().UTC().Add(time.Minute)
	if err := s.AcquireLock(ctx, w.ID, "worker-a", expireAt); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if err := s.ReleaseLock(ctx, w.ID, "worker-b"); err != nil {
		t.Fatalf("ReleaseLock by non-owner should be a no-op, got: %v", err)
	}
	lock, err := s.GetLock(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if lock == nil || lock.Owner != "worker-a" {
		t.Fatalf("lock = %+v, want still held by worker-a", lock)
	}

	if err := s.ReleaseLock(ctx, w.ID, "worker-a"); err != nil {
		t.Fatalf("ReleaseLock by owner: %v", err)
	}
	lock, err = s.GetLock(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetLock after release: %v", err)
	}
	if lock != nil {
		t.Fatalf("lock = %+v, want nil after release", lock)
	}
}

func testTryLockWorkflow(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	expireAt := time.Now().UTC().Add(time.Minute)
	if err := s.AcquireLock(ctx, w.ID, "worker-a", expireAt); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	ok, err := s.TryLockWorkflow(ctx, w.ID, "worker-b", expireAt)
	if err != nil {
		t.Fatalf("TryLockWorkflow while held: %v", err)
	}
	if ok {
		t.Fatal("TryLockWorkflow = true, want false while another owner holds the lock")
	}

	if err := s.ReleaseLock(ctx, w.ID, "worker-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	ok, err = s.TryLockWorkflow(ctx, w.ID, "worker-b", expireAt)
	if err != nil {
		t.Fatalf("TryLockWorkflow after release: %v", err)
	}
	if !ok {
		t.Fatal("TryLockWorkflow = false, want true once the prior lock is released")
	}
}

func testGetWorkflowByRefID(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWorkflow("order.fulfill")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	got, err := s.GetWorkflowByRefID(ctx, w.RefID)
	if err != nil {
		t.Fatalf("GetWorkflowByRefID: %v", err)
	}
	if got.ID != w.ID {
		t.Errorf("GetWorkflowByRefID returned %s, want %s", got.ID, w.ID)
	}

	_, err = s.GetWorkflowByRefID(ctx, "no-such-ref")
	if !errors.Is(err, saga.ErrWorkflowNotFound) {
		t.Errorf("GetWorkflowByRefID error = %v, want wrapping ErrWorkflowNotFound", err)
	}
}
