package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/queue"
	"github.com/sagakit/saga/store/memstore"
)

type recordingDriver struct {
	driven chan uuid.UUID
}

func (d *recordingDriver) Drive(ctx context.Context, id uuid.UUID) (*saga.Workflow, error) {
	d.driven <- id
	return &saga.Workflow{ID: id, State: saga.WorkflowSucceeded}, nil
}

func TestQueue_AdmitsAndDispatchesWorkflow(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()
	w := &saga.Workflow{
		ID: uuid.New(), Type: "order.fulfill", State: saga.WorkflowQueued,
		CreatedAt: now, ExecuteAt: now.Add(-time.Second), UpdatedAt: now,
	}
	if err := s.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	driver := &recordingDriver{driven: make(chan uuid.UUID, 1)}
	cfg := config.DefaultQueueConfig()
	cfg.Limit = 2
	cfg.BackoffMS = 5

	q := queue.New(s, driver, "worker-1", cfg, config.DefaultLockConfig(), observability.NoOpObserver{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	select {
	case got := <-driver.driven:
		if got != w.ID {
			t.Errorf("Drive called with %s, want %s", got, w.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	cancel()
	<-done
}

type panickingDriver struct{}

func (d *panickingDriver) Drive(ctx context.Context, id uuid.UUID) (*saga.Workflow, error) {
	panic("plugin blew up")
}

func TestQueue_RecoversFromDriverPanic(t *testing.T) {
	s := memstore.New()
	now := time.Now().UTC()
	w := &saga.Workflow{
		ID: uuid.New(), Type: "order.fulfill", State: saga.WorkflowQueued,
		CreatedAt: now, ExecuteAt: now.Add(-time.Second), UpdatedAt: now,
	}
	if err := s.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	cfg := config.DefaultQueueConfig()
	cfg.Limit = 2
	cfg.BackoffMS = 5

	q := queue.New(s, &panickingDriver{}, "worker-1", cfg, config.DefaultLockConfig(), observability.NoOpObserver{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	<-done // the process surviving to this point is the assertion

	got, err := s.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.State != saga.WorkflowPending {
		t.Errorf("State = %s, want pending (dispatch panicked before Drive could run)", got.State)
	}
}
