// Package task implements the task lifecycle service: create, update,
// cancel, and the two query shapes.
package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/types"
)

// Service provides the task operations against a Store.
type Service struct {
	store *store.Store
}

// New constructs a Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

const taskColumns = `SELECT id, title, description, status, assigned_to, created_by, priority,
	progress, created_at, updated_at, started_at, completed_at, error_message, result`

// Create inserts a new task in the pending state with zero progress.
func (s *Service) Create(ctx context.Context, title, description, assignedTo, createdBy, priority string) (string, error) {
	if title == "" {
		return "", fmt.Errorf("%w: title must not be empty", types.ErrValidation)
	}
	if assignedTo == "" {
		return "", fmt.Errorf("%w: assigned_to must not be empty", types.ErrValidation)
	}
	if createdBy == "" {
		return "", fmt.Errorf("%w: created_by must not be empty", types.ErrValidation)
	}
	if priority == "" {
		priority = types.TaskPriorityNormal
	}
	if !types.ValidTaskPriorities[priority] {
		return "", fmt.Errorf("%w: invalid priority %q", types.ErrValidation, priority)
	}

	id := uuid.NewString()
	now := time.Now().Unix()

	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, assigned_to, created_by, priority, progress, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, id, title, description, types.TaskPending, assignedTo, createdBy, priority, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return id, nil
}

// Update applies a partial status/result update. Once a task is terminal
// (completed or failed), any further update is rejected: the call returns
// false with no error. An unknown id also returns false with no error, so
// the two cases are not distinguished by the return value.
func (s *Service) Update(ctx context.Context, id string, status, result *string) (bool, error) {
	if status != nil && !validTaskStatus(*status) {
		return false, fmt.Errorf("%w: invalid status %q", types.ErrValidation, *status)
	}

	var updated bool
	err := s.store.WithTx(ctx, func(tx store.DBTX) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if isTerminal(current) {
			return nil
		}

		now := time.Now().Unix()
		setClauses := "updated_at = ?"
		args := []any{now}

		if status != nil {
			setClauses += ", status = ?"
			args = append(args, *status)
			if isTerminal(*status) {
				setClauses += ", completed_at = ?"
				args = append(args, now)
			}
			if *status == types.TaskRunning {
				setClauses += ", started_at = COALESCE(started_at, ?)"
				args = append(args, now)
			}
		}
		if result != nil {
			setClauses += ", result = ?"
			args = append(args, *result)
		}

		args = append(args, id)
		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", setClauses), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return updated, nil
}

// Cancel transitions a task to failed with error_message "cancelled",
// regardless of its current state, and is idempotent: calling it on an
// already-terminal task succeeds without changing anything.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.store.WithTx(ctx, func(tx store.DBTX) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if isTerminal(current) {
			cancelled = true
			return nil
		}

		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?
		`, types.TaskFailed, "cancelled", now, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		cancelled = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return cancelled, nil
}

// Heartbeat updates a task's progress only, leaving status untouched. Used
// by the waiting/wait packages to relay progress reported alongside a
// heartbeat or wait_for_message call.
func (s *Service) Heartbeat(ctx context.Context, id string, progress int) error {
	return s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE tasks SET progress = ?, updated_at = ? WHERE id = ? AND status = ?",
			progress, time.Now().Unix(), id, types.TaskRunning,
		)
		return err
	})
}

// Filters narrows GetTasks/GetMyTasks.
type Filters struct {
	AssignedTo string
	Status     string
	Limit      int
}

// GetTasks lists tasks matching the given filters, newest first.
func (s *Service) GetTasks(ctx context.Context, f Filters) ([]types.Task, error) {
	query := taskColumns + " FROM tasks WHERE 1=1"
	var args []any

	if f.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []types.Task
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanAll(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return out, nil
}

// GetMyTasks is GetTasks constrained to a single assignee.
func (s *Service) GetMyTasks(ctx context.Context, agentID, status string, limit int) ([]types.Task, error) {
	return s.GetTasks(ctx, Filters{AssignedTo: agentID, Status: status, Limit: limit})
}

// GetTaskDetails fetches a single task by id, returning ErrNotFound if it
// doesn't exist.
func (s *Service) GetTaskDetails(ctx context.Context, id string) (types.Task, error) {
	var t types.Task
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		row := tx.QueryRowContext(ctx, taskColumns+" FROM tasks WHERE id = ?", id)
		var err error
		t, err = scanOne(row)
		return err
	})
	if err == sql.ErrNoRows {
		return types.Task{}, fmt.Errorf("%w: task %s", types.ErrNotFound, id)
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return t, nil
}

func validTaskStatus(status string) bool {
	switch status {
	case types.TaskPending, types.TaskRunning, types.TaskCompleted, types.TaskFailed:
		return true
	default:
		return false
	}
}

func isTerminal(status string) bool {
	return status == types.TaskCompleted || status == types.TaskFailed
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInto(r scanner, t *types.Task) error {
	var description, errorMessage, result sql.NullString
	var startedAt, completedAt sql.NullInt64
	if err := r.Scan(
		&t.ID, &t.Title, &description, &t.Status, &t.AssignedTo, &t.CreatedBy, &t.Priority,
		&t.Progress, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &errorMessage, &result,
	); err != nil {
		return err
	}
	t.Description = description.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Int64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Int64
	}
	if errorMessage.Valid {
		t.ErrorMessage = &errorMessage.String
	}
	if result.Valid {
		t.Result = &result.String
	}
	return nil
}

func scanOne(row *sql.Row) (types.Task, error) {
	var t types.Task
	if err := scanInto(row, &t); err != nil {
		return types.Task{}, err
	}
	return t, nil
}

func scanAll(rows *sql.Rows) ([]types.Task, error) {
	var out []types.Task
	for rows.Next() {
		var t types.Task
		if err := scanInto(rows, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
