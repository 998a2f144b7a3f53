// Package filestore is a durable, single-process store.Store backed by
// JSON files written atomically (temp file then rename) under a root
// directory. It gives an operator durability without standing up Postgres,
// at the cost of cross-process coordination: admission and locking are
// serialized by a single in-process mutex, so only one sagaworker process
// may safely point at a given root directory at a time.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/store"
)

// Store is a store.Store backed by atomically-written JSON files.
type Store struct {
	mu   sync.Mutex
	root string
}

// New creates a Store rooted at dir, creating the directory tree
// (workflows/, activities/, locks/) if it does not already exist.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"workflows", "activities", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", sub, err)
		}
	}
	return &Store{root: dir}, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: rename into %s: %w", path, err)
	}
	return nil
}

func readInto(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("filestore: unmarshal %s: %w", path, err)
	}
	return true, nil
}

func (s *Store) workflowPath(id uuid.UUID) string {
	return filepath.Join(s.root, "workflows", id.String()+".json")
}

func (s *Store) activityPath(id uuid.UUID) string {
	return filepath.Join(s.root, "activities", id.String()+".json")
}

func (s *Store) lockPath(id uuid.UUID) string {
	return filepath.Join(s.root, "locks", id.String()+".json")
}

func (s *Store) CreateWorkflow(_ context.Context, w *saga.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(s.workflowPath(w.ID), w)
}

func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w saga.Workflow
	found, err := readInto(s.workflowPath(id), &w)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", saga.ErrWorkflowNotFound, id)
	}
	return &w, nil
}

func (s *Store) UpdateWorkflow(_ context.Context, w *saga.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.workflowPath(w.ID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", saga.ErrWorkflowNotFound, w.ID)
	}
	w.UpdatedAt = time.Now().UTC()
	return writeAtomic(path, w)
}

func (s *Store) listWorkflows() ([]*saga.Workflow, error) {
	dir := filepath.Join(s.root, "workflows")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list workflows: %w", err)
	}

	var out []*saga.Workflow
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var w saga.Workflow
		found, err := readInto(filepath.Join(dir, e.Name()), &w)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &w)
		}
	}
	return out, nil
}

func (s *Store) GetExecutableWorkflows(_ context.Context, now time.Time, limit int) ([]*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listWorkflows()
	if err != nil {
		return nil, err
	}

	var out []*saga.Workflow
	for _, w := range all {
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
		if err := writeAtomic(s.workflowPath(w.ID), w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) GetWorkflowByRefID(_ context.Context, refID string) (*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listWorkflows()
	if err != nil {
		return nil, err
	}
	for _, w := range all {
		if w.RefID == refID {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: ref_id %s", saga.ErrWorkflowNotFound, refID)
}

func (s *Store) ListWorkflowsByState(_ context.Context, states ...saga.WorkflowState) ([]*saga.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listWorkflows()
	if err != nil {
		return nil, err
	}

	want := make(map[saga.WorkflowState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var out []*saga.Workflow
	for _, w := range all {
		if want[w.State] {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) CreateActivity(_ context.Context, a *saga.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.activityPath(a.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeAtomic(path, a)
}

func (s *Store) GetActivity(_ context.Context, id uuid.UUID) (*saga.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a saga.Activity
	found, err := readInto(s.activityPath(id), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", saga.ErrActivityNotFound, id)
	}
	return &a, nil
}

func (s *Store) UpdateActivity(_ context.Context, a *saga.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.activityPath(a.ID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", saga.ErrActivityNotFound, a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	return writeAtomic(path, a)
}

func (s *Store) ListActivities(_ context.Context, workflowID uuid.UUID) ([]*saga.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "activities")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list activities: %w", err)
	}

	var out []*saga.Activity
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var a saga.Activity
		found, err := readInto(filepath.Join(dir, e.Name()), &a)
		if err != nil {
			return nil, err
		}
		if found && a.WorkflowID == workflowID {
			out = append(out, &a)
		}
	}
	// Files are listed by name (activity ID); return them in creation order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// tryLock is the shared acquisition logic behind both AcquireLock and
// TryLockWorkflow. Callers must already hold s.mu.
func (s *Store) tryLock(workflowID uuid.UUID, owner string, expireAt time.Time) (bool, error) {
	path := s.lockPath(workflowID)
	var existing saga.WorkflowLock
	found, err := readInto(path, &existing)
	if err != nil {
		return false, err
	}
	if found && existing.Owner != owner && existing.ExpireAt.After(time.Now().UTC()) {
		return false, nil
	}

	lock := saga.WorkflowLock{WorkflowID: workflowID, Owner: owner, ExpireAt: expireAt}
	if err := writeAtomic(path, &lock); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AcquireLock(_ context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.tryLock(workflowID, owner, expireAt)
	if err != nil {
		return err
	}
	if !ok {
		typ := ""
		var w saga.Workflow
		if wfFound, _ := readInto(s.workflowPath(workflowID), &w); wfFound {
			typ = w.Type
		}
		return &store.LockError{WorkflowType: typ, WorkflowID: workflowID}
	}
	return nil
}

func (s *Store) TryLockWorkflow(_ context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tryLock(workflowID, owner, expireAt)
}

func (s *Store) ReleaseLock(_ context.Context, workflowID uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.lockPath(workflowID)
	var existing saga.WorkflowLock
	found, err := readInto(path, &existing)
	if err != nil {
		return err
	}
	if !found || existing.Owner != owner {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: remove lock %s: %w", workflowID, err)
	}
	return nil
}

func (s *Store) GetLock(_ context.Context, workflowID uuid.UUID) (*saga.WorkflowLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lock saga.WorkflowLock
	found, err := readInto(s.lockPath(workflowID), &lock)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &lock, nil
}

var _ store.Store = (*Store)(nil)
