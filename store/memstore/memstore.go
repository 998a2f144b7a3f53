// Package memstore is an in-memory store.Store, used for tests and local
// development. All state is lost on process exit.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/store"
)

// Store is a store.Store backed entirely by in-process maps, serialized by
// a single mutex. Lock contention is bounded by how many workflows one
// process drives concurrently, and GetExecutableWorkflows' select-and-
// transition must be atomic anyway, so there is no benefit to striping.
type Store struct {
	mu         sync.Mutex
	workflows  map[uuid.UUID]*saga.Workflow
	activities map[uuid.UUID]*saga.Activity
	byWorkflow map[uuid.UUID][]uuid.UUID
	locks      map[uuid.UUID]*saga.WorkflowLock
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		workflows:  make(map[uuid.UUID]*saga.Workflow),
		activities: make(map[uuid.UUID]*saga.Activity),
		byWorkflow: make(map[uuid.UUID][]uuid.UUID),
		locks:      make(map[uuid.UUID]*saga.WorkflowLock),
	}
}

func clone[T any](v T) *T {
	c := v
	return &c
}

func (s *Store) CreateWorkflow(_ context.Context, w *saga.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[w.ID] = clone(*w)
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", saga.ErrWorkflowNotFound, id)
	}
	return clone(*w), nil
}

func (s *Store) UpdateWorkflow(_ context.Context, w *saga.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[w.ID]; !ok {
		return fmt.Errorf("%w: %s", saga.ErrWorkflowNotFound, w.ID)
	}
	w.UpdatedAt = time.Now().UTC()
	s.workflows[w.ID] = clone(*w)
	return nil
}

func (s *Store) GetExecutableWorkflows(_ context.Context, now time.Time, limit int) ([]*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*saga.Workflow
	for _, w := range s.workflows {
		if len(out) >= limit {
			break
		}
		if w.State != saga.WorkflowQueued {
			continue
		}
		if w.ExecuteAt.After(now) {
			continue
		}
		w.State = saga.WorkflowPending
		w.UpdatedAt = now
		out = append(out, clone(*w))
	}
	return out, nil
}

func (s *Store) GetWorkflowByRefID(_ context.Context, refID string) (*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		if w.RefID == refID {
			return clone(*w), nil
		}
	}
	return nil, fmt.Errorf("%w: ref_id %s", saga.ErrWorkflowNotFound, refID)
}

func (s *Store) ListWorkflowsByState(_ context.Context, states ...saga.WorkflowState) ([]*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[saga.WorkflowState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var out []*saga.Workflow
	for _, w := range s.workflows {
		if want[w.State] {
			out = append(out, clone(*w))
		}
	}
	return out, nil
}

func (s *Store) CreateActivity(_ context.Context, a *saga.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activities[a.ID]; exists {
		return nil
	}
	s.activities[a.ID] = clone(*a)
	s.byWorkflow[a.WorkflowID] = append(s.byWorkflow[a.WorkflowID], a.ID)
	return nil
}

func (s *Store) GetActivity(_ context.Context, id uuid.UUID) (*saga.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", saga.ErrActivityNotFound, id)
	}
	return clone(*a), nil
}

func (s *Store) UpdateActivity(_ context.Context, a *saga.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activities[a.ID]; !ok {
		return fmt.Errorf("%w: %s", saga.ErrActivityNotFound, a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	s.activities[a.ID] = clone(*a)
	return nil
}

func (s *Store) ListActivities(_ context.Context, workflowID uuid.UUID) ([]*saga.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byWorkflow[workflowID]
	out := make([]*saga.Activity, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(*s.activities[id]))
	}
	return out, nil
}

// tryLock is the shared acquisition logic behind both AcquireLock and
// TryLockWorkflow. Callers must already hold s.mu.
func (s *Store) tryLock(workflowID uuid.UUID, owner string, expireAt time.Time) bool {
	if existing, ok := s.locks[workflowID]; ok && existing.Owner != owner && existing.ExpireAt.After(time.Now().UTC()) {
		return false
	}
	s.locks[workflowID] = &saga.WorkflowLock{WorkflowID: workflowID, Owner: owner, ExpireAt: expireAt}
	return true
}

func (s *Store) AcquireLock(_ context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tryLock(workflowID, owner, expireAt) {
		w := s.workflows[workflowID]
		typ := ""
		if w != nil {
			typ = w.Type
		}
		return &store.LockError{WorkflowType: typ, WorkflowID: workflowID}
	}
	return nil
}

func (s *Store) TryLockWorkflow(_ context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tryLock(workflowID, owner, expireAt), nil
}

func (s *Store) ReleaseLock(_ context.Context, workflowID uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[workflowID]
	if !ok || lock.Owner != owner {
		return nil
	}
	delete(s.locks, workflowID)
	return nil
}

func (s *Store) GetLock(_ context.Context, workflowID uuid.UUID) (*saga.WorkflowLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[workflowID]
	if !ok {
		return nil, nil
	}
	return clone(*lock), nil
}

var _ store.Store = (*Store)(nil)
