// Package waiting implements the waiting-agent registry: register,
// unregister, heartbeat, report_status, and get_waiting_agents.
package waiting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/task"
	"github.com/adamavenir/broker/internal/types"
)

// TimeoutThreshold is the heartbeat age past which get_waiting_agents reports
// is_timeout = true.
const TimeoutThreshold = 60 * time.Second

// Service provides the waiting-registry operations against a Store.
type Service struct {
	store *store.Store
	tasks *task.Service
}

// New constructs a Service. tasks is used to sync a linked task's progress
// or status when report_status or heartbeat carry a task_id.
func New(st *store.Store, tasks *task.Service) *Service {
	return &Service{store: st, tasks: tasks}
}

// Register upserts the waiting record for agentID, refreshing waiting_since
// and heartbeat to now and marking it online.
func (s *Service) Register(ctx context.Context, agentID, agentType string, capabilities *string, status string, taskID *string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent_id must not be empty", types.ErrValidation)
	}
	if status == "" {
		status = types.AgentIdle
	}
	if !validAgentStatus(status) {
		return fmt.Errorf("%w: invalid status %q", types.ErrValidation, status)
	}

	now := time.Now().Unix()
	return s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO waiting_agents (agent_id, agent_type, waiting_since, capabilities, status, current_task_id, heartbeat, is_online)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(agent_id) DO UPDATE SET
				agent_type = excluded.agent_type,
				waiting_since = excluded.waiting_since,
				capabilities = excluded.capabilities,
				status = excluded.status,
				current_task_id = excluded.current_task_id,
				heartbeat = excluded.heartbeat,
				is_online = 1
		`, agentID, agentType, now, capabilities, status, taskID, now)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrStorage, err)
		}
		return nil
	})
}

// Unregister deletes the waiting record for agentID. Idempotent.
func (s *Service) Unregister(ctx context.Context, agentID string) error {
	return s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM waiting_agents WHERE agent_id = ?", agentID)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrStorage, err)
		}
		return nil
	})
}

// Heartbeat advances the heartbeat timestamp (strictly non-decreasing) for
// agentID and, if taskID and progress are both supplied, relays progress to
// the linked task.
func (s *Service) Heartbeat(ctx context.Context, agentID string, taskID *string, progress *int) error {
	now := time.Now().Unix()
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE waiting_agents SET heartbeat = MAX(heartbeat, ?), current_task_id = COALESCE(?, current_task_id), is_online = 1 WHERE agent_id = ?",
			now, taskID, agentID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	if taskID != nil && progress != nil && s.tasks != nil {
		if err := s.tasks.Heartbeat(ctx, *taskID, *progress); err != nil {
			return err
		}
	}
	return nil
}

// ReportStatus updates an agent's reported status and refreshes
// waiting_since, optionally syncing the linked task's status: "working"
// maps the task to running, anything else maps it to pending.
func (s *Service) ReportStatus(ctx context.Context, agentID, status string, taskID *string, progress *int) error {
	if !validAgentStatus(status) {
		return fmt.Errorf("%w: invalid status %q", types.ErrValidation, status)
	}

	now := time.Now().Unix()
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE waiting_agents SET status = ?, waiting_since = ?, current_task_id = COALESCE(?, current_task_id), is_online = 1 WHERE agent_id = ?",
			status, now, taskID, agentID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	if taskID != nil && s.tasks != nil {
		taskStatus := types.TaskPending
		if status == types.AgentWorking {
			taskStatus = types.TaskRunning
		}
		if _, err := s.tasks.Update(ctx, *taskID, &taskStatus, nil); err != nil {
			return err
		}
		if progress != nil {
			if err := s.tasks.Heartbeat(ctx, *taskID, *progress); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetWaitingAgents lists waiting records, optionally filtered by agentType,
// ordered by waiting_since ascending (longest-waiting first), with derived
// waiting_duration, heartbeat_age, and is_timeout populated relative to now.
func (s *Service) GetWaitingAgents(ctx context.Context, agentType string) ([]types.WaitingAgent, error) {
	query := `SELECT agent_id, agent_type, waiting_since, capabilities, status, current_task_id, heartbeat, is_online, last_disconnect
		FROM waiting_agents WHERE 1=1`
	var args []any
	if agentType != "" {
		query += " AND agent_type = ?"
		args = append(args, agentType)
	}
	query += " ORDER BY waiting_since ASC"

	var out []types.WaitingAgent
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		now := time.Now().Unix()
		for rows.Next() {
			var w types.WaitingAgent
			var capabilities sql.NullString
			var currentTaskID sql.NullString
			var lastDisconnect sql.NullInt64
			var isOnline int
			if err := rows.Scan(&w.AgentID, &w.AgentType, &w.WaitingSince, &capabilities, &w.Status,
				&currentTaskID, &w.Heartbeat, &isOnline, &lastDisconnect); err != nil {
				return err
			}
			if capabilities.Valid {
				w.Capabilities = &capabilities.String
			}
			if currentTaskID.Valid {
				w.CurrentTaskID = &currentTaskID.String
			}
			if lastDisconnect.Valid {
				w.LastDisconnect = &lastDisconnect.Int64
			}
			w.IsOnline = isOnline != 0
			w.WaitingDuration = now - w.WaitingSince
			w.HeartbeatAge = now - w.Heartbeat
			w.IsTimeout = time.Duration(w.HeartbeatAge)*time.Second > TimeoutThreshold
			out = append(out, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return out, nil
}

func validAgentStatus(status string) bool {
	switch status {
	case types.AgentIdle, types.AgentWorking, types.AgentWaiting:
		return true
	default:
		return false
	}
}
