// Package agent implements the lightweight agent-presence registry
// (register_agent / get_agents): agent_id -> last_seen, independent of the
// blocking waiting registry, so a client can announce itself without
// entering a wait.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/types"
)

// Service provides the agent-presence operations against a Store.
type Service struct {
	store *store.Store
}

// New constructs a Service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Record is one row of the agent-presence table.
type Record struct {
	AgentID      string  `json:"agent_id"`
	AgentType    string  `json:"agent_type"`
	Capabilities *string `json:"capabilities,omitempty"`
	RegisteredAt int64   `json:"registered_at"`
	LastSeen     int64   `json:"last_seen"`
}

// Register upserts an agent's presence record, refreshing last_seen and
// leaving registered_at untouched on repeat calls.
func (s *Service) Register(ctx context.Context, agentID, agentType string, capabilities *string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent_id must not be empty", types.ErrValidation)
	}

	now := time.Now().Unix()
	return s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, agent_type, capabilities, registered_at, last_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				agent_type = excluded.agent_type,
				capabilities = excluded.capabilities,
				last_seen = excluded.last_seen
		`, agentID, agentType, capabilities, now, now)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrStorage, err)
		}
		return nil
	})
}

// GetAgents lists every known agent, most recently seen first.
func (s *Service) GetAgents(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT agent_id, agent_type, capabilities, registered_at, last_seen FROM agents ORDER BY last_seen DESC",
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Record
			var capabilities sql.NullString
			if err := rows.Scan(&r.AgentID, &r.AgentType, &capabilities, &r.RegisteredAt, &r.LastSeen); err != nil {
				return err
			}
			if capabilities.Valid {
				r.Capabilities = &capabilities.String
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return out, nil
}
