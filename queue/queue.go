// Package queue polls the store for executable workflows and dispatches
// each to the workflow executor under a bounded concurrency cap. The
// queue's forward progress must never depend on any single workflow
// finishing: dispatch is fire-and-forget, and the lock a workflow holds —
// not the queue's own bookkeeping — is what prevents double-driving it.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/metrics"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/store"
	"github.com/sagakit/saga/workflow"
)

// Driver is the subset of workflow.Executor the queue needs, so tests can
// substitute a stub without a full executor.
type Driver interface {
	Drive(ctx context.Context, workflowID uuid.UUID) (*saga.Workflow, error)
}

var _ Driver = (*workflow.Executor)(nil)

// Queue repeatedly polls Store.GetExecutableWorkflows and dispatches each
// admitted workflow to Driver.Drive on its own goroutine, up to Limit
// concurrently in flight.
type Queue struct {
	Store    store.Store
	Driver   Driver
	Owner    string
	Config   config.QueueConfig
	Lock     config.LockConfig
	Observer observability.Observer
	Metrics  *metrics.Metrics

	inflight chan struct{}
	wg       sync.WaitGroup
}

// New creates a Queue. owner identifies this process in lock rows.
func New(s store.Store, driver Driver, owner string, cfg config.QueueConfig, lockCfg config.LockConfig, obs observability.Observer, m *metrics.Metrics) *Queue {
	if obs == nil {
		obs = observability.NoOpObserver{}
	}
	return &Queue{
		Store: s, Driver: driver, Owner: owner,
		Config: cfg, Lock: lockCfg, Observer: obs, Metrics: m,
		inflight: make(chan struct{}, cfg.Limit),
	}
}

// Run polls and dispatches until ctx is cancelled, then waits for in-flight
// dispatches to finish.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.Config.Backoff())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.Observer.OnEvent(context.Background(), observability.Event{
				Type: observability.EventQueueDrained, Level: observability.LevelInfo,
				Timestamp: time.Now(), Source: "queue",
			})
			return
		case <-ticker.C:
			q.poll(ctx)
		}
	}
}

func (q *Queue) poll(ctx context.Context) {
	available := cap(q.inflight) - len(q.inflight)
	if available <= 0 {
		return
	}

	q.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventQueuePoll, Level: observability.LevelVerbose,
		Timestamp: time.Now(), Source: "queue",
		Data: map[string]any{"available": available},
	})

	workflows, err := q.Store.GetExecutableWorkflows(ctx, time.Now().UTC(), available)
	if err != nil {
		if q.Metrics != nil {
			q.Metrics.QueuePollErrors.Inc()
		}
		return
	}

	for _, w := range workflows {
		w := w
		select {
		case q.inflight <- struct{}{}:
		default:
			// No free slot: the workflow stays in pending, where the store's
			// admission left it. GetExecutableWorkflows does not return it
			// again; the GC sweep requeues it once its lookback has elapsed.
			continue
		}

		if q.Metrics != nil {
			q.Metrics.QueueInflight.Set(float64(len(q.inflight)))
			q.Metrics.QueueDispatched.WithLabelValues(w.Type).Inc()
		}

		q.wg.Add(1)
		go q.dispatch(ctx, w)
	}
}

func (q *Queue) dispatch(ctx context.Context, w *saga.Workflow) {
	defer q.wg.Done()
	defer func() {
		<-q.inflight
		if q.Metrics != nil {
			q.Metrics.QueueInflight.Set(float64(len(q.inflight)))
		}
	}()
	// A panicking plugin callback must not take the whole worker process
	// down with it: trap it here, log it, and leave the workflow in its
	// current state for the GC sweep to requeue.
	defer func() {
		if r := recover(); r != nil {
			q.Observer.OnEvent(ctx, observability.Event{
				Type: observability.EventQueuePanic, Level: observability.LevelError,
				Timestamp: time.Now(), Source: "queue",
				Data: map[string]any{"workflow_id": w.ID.String(), "type": w.Type, "recovered": fmt.Sprintf("%v", r)},
			})
		}
	}()

	expireAt := time.Now().UTC().Add(q.Lock.TTL())
	if err := q.Store.AcquireLock(ctx, w.ID, q.Owner, expireAt); err != nil {
		return
	}
	defer q.Store.ReleaseLock(ctx, w.ID, q.Owner)

	q.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventQueueDispatch, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "queue",
		Data: map[string]any{"workflow_id": w.ID.String(), "type": w.Type},
	})

	// Drive errors (e.g. an unknown activity plugin) are swallowed here
	// deliberately: the workflow is left in its current in-flight state in
	// the store, to be requeued by the garbage collector, rather than
	// crashing the queue.
	_, _ = q.Driver.Drive(ctx, w.ID)
}
