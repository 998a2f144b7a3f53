package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/gc"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/store/memstore"
)

func TestGC_RescuesLostWorkflow(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	now := time.Now().UTC()
	lost := &saga.Workflow{
		ID: uuid.New(), Type: "order.fulfill", State: saga.WorkflowRunning,
		CreatedAt: now.Add(-10 * time.Minute), ExecuteAt: now.Add(-10 * time.Minute),
		UpdatedAt: now.Add(-10 * time.Minute),
	}
	if err := s.CreateWorkflow(ctx, lost); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	g := gc.New(s, "gc-1", config.DefaultGCConfig(), observability.NoOpObserver{}, nil)

	rescued := g.Sweep(ctx)
	if rescued != 1 {
		t.Fatalf("Sweep rescued = %d, want 1", rescued)
	}

	got, err := s.GetWorkflow(ctx, lost.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.State != saga.WorkflowQueued {
		t.Fatalf("State = %s, want queued", got.State)
	}
	if got.ExecuteAt.Before(now) {
		t.Errorf("ExecuteAt = %v, want reset to now or later", got.ExecuteAt)
	}
}

func TestGC_IgnoresRecentlyUpdatedWorkflow(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	now := time.Now().UTC()
	fresh := &saga.Workflow{
		ID: uuid.New(), Type: "order.fulfill", State: saga.WorkflowRunning,
		CreatedAt: now, ExecuteAt: now, UpdatedAt: now,
	}
	if err := s.CreateWorkflow(ctx, fresh); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	g := gc.New(s, "gc-1", config.DefaultGCConfig(), observability.NoOpObserver{}, nil)

	rescued := g.Sweep(ctx)
	if rescued != 0 {
		t.Fatalf("Sweep rescued = %d, want 0 (workflow still within the lookback grace period)", rescued)
	}

	got, err := s.GetWorkflow(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.State != saga.WorkflowRunning {
		t.Errorf("State = %s, want unchanged running", got.State)
	}
}

func TestGC_IgnoresWorkflowOlderThanCutoff(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	now := time.Now().UTC()
	ancient := &saga.Workflow{
		ID: uuid.New(), Type: "order.fulfill", State: saga.WorkflowRunning,
		CreatedAt: now.Add(-3 * time.Hour), ExecuteAt: now.Add(-3 * time.Hour),
		UpdatedAt: now.Add(-3 * time.Hour),
	}
	if err := s.CreateWorkflow(ctx, ancient); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	g := gc.New(s, "gc-1", config.DefaultGCConfig(), observability.NoOpObserver{}, nil)

	rescued := g.Sweep(ctx)
	if rescued != 0 {
		t.Fatalf("Sweep rescued = %d, want 0 (workflow older than the cutoff horizon)", rescued)
	}
}
