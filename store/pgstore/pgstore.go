// Package pgstore is a Postgres-backed store.Store using pgx/pgxpool. It is
// the only implementation in this repository that coordinates across
// processes: GetExecutableWorkflows selects and transitions its rows inside
// a single transaction using SELECT ... FOR UPDATE SKIP LOCKED, so
// concurrent sagaworker processes polling the same database never admit
// the same workflow twice.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/store"
)

// Store is a store.Store backed by a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgxpool.Pool. Callers own the pool's
// lifecycle (Close it on shutdown); pgstore never closes it itself.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect parses dsn with a config that uses QueryExecModeDescribeExec
// rather than the default prepared-statement cache, so schema changes made
// by an operator's migration tooling between deploys don't surface as
// stale-plan errors on long-lived pool connections.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	return New(pool), nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateWorkflow(ctx context.Context, w *saga.Workflow) error {
	args, err := json.Marshal(w.Args)
	if err != nil {
		return fmt.Errorf("pgstore: marshal workflow args: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, type, state, args, ref_type, ref_id, activity_types, attempts, created_at, execute_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.Type, string(w.State), args, w.RefType, w.RefID, w.ActivityTypes, w.Attempts, w.CreatedAt, w.ExecuteAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: create workflow: %w", err)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*saga.Workflow, error) {
	var w saga.Workflow
	var state string
	var args []byte

	if err := row.Scan(&w.ID, &w.Type, &state, &args, &w.RefType, &w.RefID, &w.ActivityTypes, &w.Attempts, &w.CreatedAt, &w.ExecuteAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.State = saga.WorkflowState(state)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &w.Args); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal workflow args: %w", err)
		}
	}
	return &w, nil
}

const selectWorkflowColumns = `id, type, state, args, ref_type, ref_id, activity_types, attempts, created_at, execute_at, updated_at`

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*saga.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectWorkflowColumns+`
		FROM workflows WHERE id = $1`, id)

	w, err := scanWorkflow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", saga.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("pgstore: get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) GetWorkflowByRefID(ctx context.Context, refID string) (*saga.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectWorkflowColumns+`
		FROM workflows WHERE ref_id = $1`, refID)

	w, err := scanWorkflow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: ref_id %s", saga.ErrWorkflowNotFound, refID)
		}
		return nil, fmt.Errorf("pgstore: get workflow by ref_id: %w", err)
	}
	return w, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *saga.Workflow) error {
	args, err := json.Marshal(w.Args)
	if err != nil {
		return fmt.Errorf("pgstore: marshal workflow args: %w", err)
	}
	w.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET state = $2, args = $3, activity_types = $4, attempts = $5, execute_at = $6, updated_at = $7
		WHERE id = $1`,
		w.ID, string(w.State), args, w.ActivityTypes, w.Attempts, w.ExecuteAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", saga.ErrWorkflowNotFound, w.ID)
	}
	return nil
}

func (s *Store) GetExecutableWorkflows(ctx context.Context, now time.Time, limit int) ([]*saga.Workflow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+selectWorkflowColumns+`
		FROM workflows
		WHERE state = 'queued' AND execute_at <= $1
		ORDER BY execute_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: select executable workflows: %w", err)
	}

	var out []*saga.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgstore: scan executable workflow: %w", err)
		}
		out = append(out, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate executable workflows: %w", err)
	}

	for _, w := range out {
		w.State = saga.WorkflowPending
		w.UpdatedAt = now
		if _, err := tx.Exec(ctx, `UPDATE workflows SET state = $2, updated_at = $3 WHERE id = $1`,
			w.ID, string(w.State), w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: admit workflow %s: %w", w.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit admission: %w", err)
	}
	return out, nil
}

func (s *Store) ListWorkflowsByState(ctx context.Context, states ...saga.WorkflowState) ([]*saga.Workflow, error) {
	strs := make([]string, len(states))
	for i, st := range states {
		strs[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectWorkflowColumns+`
		FROM workflows WHERE state = ANY($1)`, strs)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list workflows by state: %w", err)
	}
	defer rows.Close()

	var out []*saga.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) CreateActivity(ctx context.Context, a *saga.Activity) error {
	input, err := json.Marshal(a.Input)
	if err != nil {
		return fmt.Errorf("pgstore: marshal activity input: %w", err)
	}
	output, err := json.Marshal(a.Output)
	if err != nil {
		return fmt.Errorf("pgstore: marshal activity output: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO activities (id, workflow_id, type, state, input, output, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.WorkflowID, a.Type, string(a.State), input, output, a.Attempts, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: create activity: %w", err)
	}
	return nil
}

func scanActivity(row pgx.Row) (*saga.Activity, error) {
	var a saga.Activity
	var state string
	var input, output []byte

	if err := row.Scan(&a.ID, &a.WorkflowID, &a.Type, &state, &input, &output, &a.Attempts, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.State = saga.ActivityState(state)
	if len(input) > 0 {
		if err := json.Unmarshal(input, &a.Input); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal activity input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &a.Output); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal activity output: %w", err)
		}
	}
	return &a, nil
}

func (s *Store) GetActivity(ctx context.Context, id uuid.UUID) (*saga.Activity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, type, state, input, output, attempts, created_at, updated_at
		FROM activities WHERE id = $1`, id)

	a, err := scanActivity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", saga.ErrActivityNotFound, id)
		}
		return nil, fmt.Errorf("pgstore: get activity: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateActivity(ctx context.Context, a *saga.Activity) error {
	input, err := json.Marshal(a.Input)
	if err != nil {
		return fmt.Errorf("pgstore: marshal activity input: %w", err)
	}
	output, err := json.Marshal(a.Output)
	if err != nil {
		return fmt.Errorf("pgstore: marshal activity output: %w", err)
	}
	a.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE activities SET state = $2, input = $3, output = $4, attempts = $5, updated_at = $6
		WHERE id = $1`,
		a.ID, string(a.State), input, output, a.Attempts, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", saga.ErrActivityNotFound, a.ID)
	}
	return nil
}

func (s *Store) ListActivities(ctx context.Context, workflowID uuid.UUID) ([]*saga.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, type, state, input, output, attempts, created_at, updated_at
		FROM activities WHERE workflow_id = $1 ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list activities: %w", err)
	}
	defer rows.Close()

	var out []*saga.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// tryLock is the shared acquisition logic behind both AcquireLock and
// TryLockWorkflow: it returns true iff the lock row was inserted or
// refreshed for owner, false if a different live owner already holds it.
func (s *Store) tryLock(ctx context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingOwner string
	var existingExpire time.Time
	err = tx.QueryRow(ctx, `SELECT owner, expire_at FROM workflow_locks WHERE workflow_id = $1 FOR UPDATE`, workflowID).
		Scan(&existingOwner, &existingExpire)

	switch {
	case err == pgx.ErrNoRows:
		if _, err := tx.Exec(ctx, `INSERT INTO workflow_locks (workflow_id, owner, expire_at) VALUES ($1, $2, $3)`,
			workflowID, owner, expireAt); err != nil {
			return false, fmt.Errorf("pgstore: insert lock: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("pgstore: check lock: %w", err)
	case existingOwner != owner && existingExpire.After(time.Now().UTC()):
		return false, nil
	default:
		if _, err := tx.Exec(ctx, `UPDATE workflow_locks SET owner = $2, expire_at = $3 WHERE workflow_id = $1`,
			workflowID, owner, expireAt); err != nil {
			return false, fmt.Errorf("pgstore: update lock: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("pgstore: commit lock acquisition: %w", err)
	}
	return true, nil
}

func (s *Store) AcquireLock(ctx context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) error {
	ok, err := s.tryLock(ctx, workflowID, owner, expireAt)
	if err != nil {
		return err
	}
	if !ok {
		typ, terr := s.workflowType(ctx, s.pool, workflowID)
		if terr != nil {
			return terr
		}
		return &store.LockError{WorkflowType: typ, WorkflowID: workflowID}
	}
	return nil
}

func (s *Store) TryLockWorkflow(ctx context.Context, workflowID uuid.UUID, owner string, expireAt time.Time) (bool, error) {
	return s.tryLock(ctx, workflowID, owner, expireAt)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, so
// workflowType can be called from inside or outside a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) workflowType(ctx context.Context, q rowQuerier, workflowID uuid.UUID) (string, error) {
	var typ string
	err := q.QueryRow(ctx, `SELECT type FROM workflows WHERE id = $1`, workflowID).Scan(&typ)
	if err != nil && err != pgx.ErrNoRows {
		return "", fmt.Errorf("pgstore: lookup workflow type: %w", err)
	}
	return typ, nil
}

func (s *Store) ReleaseLock(ctx context.Context, workflowID uuid.UUID, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workflow_locks WHERE workflow_id = $1 AND owner = $2`, workflowID, owner)
	if err != nil {
		return fmt.Errorf("pgstore: release lock: %w", err)
	}
	return nil
}

func (s *Store) GetLock(ctx context.Context, workflowID uuid.UUID) (*saga.WorkflowLock, error) {
	var lock saga.WorkflowLock
	lock.WorkflowID = workflowID
	err := s.pool.QueryRow(ctx, `SELECT owner, expire_at FROM workflow_locks WHERE workflow_id = $1`, workflowID).
		Scan(&lock.Owner, &lock.ExpireAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: get lock: %w", err)
	}
	return &lock, nil
}

var _ store.Store = (*Store)(nil)
