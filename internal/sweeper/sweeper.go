// Package sweeper implements check_offline_agents, the
// externally-driven liveness sweep: detect stale waiters, fail their
// in-flight tasks, and report reassignment candidates.
package sweeper

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/types"
)

// Service implements the sweep against a Store. There is no internal timer;
// callers invoke Sweep on their own cadence.
type Service struct {
	store *store.Store
}

// New constructs a Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Result reports what one sweep pass found.
type Result struct {
	// DetachedAgents are the agent_ids just marked offline by this call.
	DetachedAgents []string
	// ReassignableTasks are the tasks this call transitioned to failed
	// because their assigned agent went offline while running.
	ReassignableTasks []string
}

// Sweep marks every waiting record whose heartbeat is older than
// timeout as offline, fails any running task owned by a newly-detached
// agent, and returns both lists. Idempotent: running the sweep again
// immediately after finds nothing new.
func (s *Service) Sweep(ctx context.Context, timeout time.Duration) (Result, error) {
	var out Result
	err := store.RetryBusy(ctx, func() error {
		out = Result{}
		return s.sweepOnce(ctx, timeout, &out)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return out, nil
}

func (s *Service) sweepOnce(ctx context.Context, timeout time.Duration, out *Result) error {
	return s.store.WithTx(ctx, func(tx store.DBTX) error {
		cutoff := time.Now().Add(-timeout).Unix()
		now := time.Now().Unix()

		rows, err := tx.QueryContext(ctx,
			"SELECT agent_id, current_task_id FROM waiting_agents WHERE heartbeat < ? AND is_online = 1",
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("select stale waiters: %w", err)
		}

		type stale struct {
			agentID string
			taskID  sql.NullString
		}
		var staleAgents []stale
		for rows.Next() {
			var a stale
			if err := rows.Scan(&a.agentID, &a.taskID); err != nil {
				rows.Close()
				return err
			}
			staleAgents = append(staleAgents, a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, a := range staleAgents {
			if _, err := tx.ExecContext(ctx,
				"UPDATE waiting_agents SET is_online = 0, last_disconnect = ? WHERE agent_id = ?",
				now, a.agentID,
			); err != nil {
				return fmt.Errorf("mark agent offline: %w", err)
			}
			out.DetachedAgents = append(out.DetachedAgents, a.agentID)

			if !a.taskID.Valid {
				continue
			}

			var taskStatus string
			err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", a.taskID.String).Scan(&taskStatus)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("read linked task status: %w", err)
			}
			if taskStatus != types.TaskRunning {
				continue
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?
			`, types.TaskFailed, "agent offline", now, now, a.taskID.String); err != nil {
				return fmt.Errorf("fail abandoned task: %w", err)
			}
			out.ReassignableTasks = append(out.ReassignableTasks, a.taskID.String)
		}
		return nil
	})
}
