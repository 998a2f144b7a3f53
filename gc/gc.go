// Package gc periodically rescues "lost" workflows: workflows stuck in a
// non-terminal, in-flight state that were created inside the liveness
// window [now-Cutoff, now-Lookback] and whose ExecuteAt is older than the
// lookback grace. Each rescue is independent and idempotent, and takes no
// workflow lock: it only writes ExecuteAt and State back to the store.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/metrics"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/store"
)

// lostStates are the non-terminal, in-flight states a workflow can be
// rescued out of. WorkflowQueued is excluded: a workflow waiting for its
// ExecuteAt is not lost, merely scheduled.
var lostStates = []saga.WorkflowState{
	saga.WorkflowPending,
	saga.WorkflowRunning,
	saga.WorkflowRunningRetry,
	saga.WorkflowRunningRollback,
}

// sweepWorkers bounds how many rescues run concurrently within one sweep.
const sweepWorkers = 4

// GC sweeps the store for lost workflows and requeues each for another
// pass through the queue. A rescue never runs the workflow itself: it
// only flips executeAt and state, leaving the actual drive to whichever
// queue next picks it up.
type GC struct {
	Store    store.Store
	Owner    string
	Config   config.GCConfig
	Observer observability.Observer
	Metrics  *metrics.Metrics
}

// New creates a GC. owner identifies this process in observability events.
func New(s store.Store, owner string, cfg config.GCConfig, obs observability.Observer, m *metrics.Metrics) *GC {
	if obs == nil {
		obs = observability.NoOpObserver{}
	}
	return &GC{Store: s, Owner: owner, Config: cfg, Observer: obs, Metrics: m}
}

// Run sweeps on Config.Interval until ctx is cancelled.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.Config.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one rescue cycle and returns the number of workflows rescued.
func (g *GC) Sweep(ctx context.Context) int {
	if g.Metrics != nil {
		g.Metrics.GCSweeps.Inc()
	}
	g.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventGCSweep, Level: observability.LevelVerbose,
		Timestamp: time.Now(), Source: "gc",
	})

	lost, err := g.Store.ListWorkflowsByState(ctx, lostStates...)
	if err != nil {
		return 0
	}

	now := time.Now().UTC()
	// The liveness window is [now-cutoff, now-lookback]: old enough that the
	// lookback window has elapsed since it last should have moved, but not
	// so old it's outside the cutoff horizon GC bothers looking at.
	windowStart := now.Add(-g.Config.Cutoff())
	windowEnd := now.Add(-g.Config.Lookback())

	var candidates []*saga.Workflow
	for _, w := range lost {
		if w.CreatedAt.Before(windowStart) || w.CreatedAt.After(windowEnd) {
			continue
		}
		if !w.ExecuteAt.Before(windowEnd) {
			continue
		}
		candidates = append(candidates, w)
	}

	var (
		mu      sync.Mutex
		rescued int
		sem     = make(chan struct{}, sweepWorkers)
		wg      sync.WaitGroup
	)

	for _, w := range candidates {
		w := w
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if g.rescue(ctx, w) {
				mu.Lock()
				rescued++
				mu.Unlock()
				if g.Metrics != nil {
					g.Metrics.GCRescued.WithLabelValues(w.Type).Inc()
				}
			}
		}()
	}
	wg.Wait()

	return rescued
}

// rescue requeues a lost workflow: it does not drive the workflow itself,
// only resets executeAt to now and flips state back to queued so the next
// queue poll picks it up.
func (g *GC) rescue(ctx context.Context, w *saga.Workflow) bool {
	w.ExecuteAt = time.Now().UTC()
	w.State = saga.WorkflowQueued
	if err := g.Store.UpdateWorkflow(ctx, w); err != nil {
		return false
	}

	g.Observer.OnEvent(ctx, observability.Event{
		Type: observability.EventGCRescued, Level: observability.LevelWarning,
		Timestamp: time.Now(), Source: "gc",
		Data: map[string]any{"workflow_id": w.ID.String(), "type": w.Type},
	})
	return true
}
