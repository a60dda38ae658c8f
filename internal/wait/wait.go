// Package wait implements wait_for_message, the broker's
// defining blocking primitive: register, poll for a delivery candidate at an
// adaptive cadence, and unregister on every exit path.
package wait

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/adamavenir/broker/internal/session"
	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/types"
	"github.com/adamavenir/broker/internal/waiting"
)

const (
	fastPollInterval = 500 * time.Millisecond
	fastPollWindow   = 30 * time.Second
	slowPollInterval = 5 * time.Second
)

// Service implements wait_for_message on top of the waiting registry and the
// message store.
type Service struct {
	store   *store.Store
	waiting *waiting.Service
}

// New constructs a Service.
func New(st *store.Store, w *waiting.Service) *Service {
	return &Service{store: st, waiting: w}
}

// Request carries wait_for_message's arguments.
type Request struct {
	Timeout      time.Duration
	ClientID     string
	Session      string
	LastSeen     *int64
	AgentType    string
	Capabilities *string
	Status       string
	TaskID       *string
	Progress     *int
}

// Result is what WaitForMessage returns: either a delivered message or a
// timeout, distinguished by Hit.
type Result struct {
	Hit      bool
	Message  types.Message
	WaitTime time.Duration
}

// WaitForMessage registers client_id as waiting, polls for an eligible
// message at an adaptive cadence, and unregisters on every exit path
// (hit, timeout, context cancellation, or error).
func (s *Service) WaitForMessage(ctx context.Context, req Request) (Result, error) {
	if req.ClientID == "" {
		return Result{}, fmt.Errorf("%w: client_id must not be empty", types.ErrValidation)
	}
	if req.Status == "" {
		req.Status = types.AgentIdle
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = deriveAgentType(req.ClientID)
	}

	if err := s.waiting.Register(ctx, req.ClientID, agentType, req.Capabilities, req.Status, req.TaskID); err != nil {
		return Result{}, err
	}
	defer func() {
		_ = s.waiting.Unregister(context.Background(), req.ClientID)
	}()

	if req.TaskID != nil && req.Progress != nil {
		if err := s.waiting.Heartbeat(ctx, req.ClientID, req.TaskID, req.Progress); err != nil {
			return Result{}, err
		}
	}

	start := time.Now()
	deadline := start.Add(req.Timeout)
	inspected := make(map[string]struct{})

	for {
		msg, found, err := s.findCandidate(ctx, req, inspected)
		if err != nil {
			return Result{}, err
		}
		if found {
			return Result{Hit: true, Message: msg, WaitTime: time.Since(start)}, nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			return Result{Hit: false, WaitTime: req.Timeout}, nil
		}

		interval := fastPollInterval
		if now.Sub(start) >= fastPollWindow {
			interval = slowPollInterval
		}
		if remaining := deadline.Sub(now); remaining < interval {
			interval = remaining
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// findCandidate looks for the oldest unread, not-yet-inspected message whose
// sender differs from the waiter, optionally newer than last_seen and
// matching the session filter. inspected is mutated with the id of any row
// that the session LIKE clause admitted but whose decoded tag does not equal
// the requested session; those ids are skipped on every later poll of the
// same call. Read/sender/timestamp are re-evaluated against live data on
// each poll.
func (s *Service) findCandidate(ctx context.Context, req Request, inspected map[string]struct{}) (types.Message, bool, error) {
	query := `SELECT id, sender, content, timestamp, read, reply_to, priority, session_id, metadata
		FROM messages WHERE read = 0 AND sender != ?`
	args := []any{req.ClientID}

	if req.LastSeen != nil {
		query += " AND timestamp > ?"
		args = append(args, *req.LastSeen)
	}
	if req.Session != "" {
		query += " AND (session_id = ? OR content LIKE ?)"
		args = append(args, req.Session, "%"+session.FilterSubstring(req.Session)+"%")
	}
	query += " ORDER BY timestamp ASC"

	var out types.Message
	found := false
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m types.Message
			var replyTo, sessionID, metadata sql.NullString
			var readInt int
			if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.Timestamp, &readInt, &replyTo, &m.Priority, &sessionID, &metadata); err != nil {
				return err
			}
			if _, skip := inspected[m.ID]; skip {
				continue
			}

			m.Read = readInt != 0
			if replyTo.Valid {
				m.ReplyTo = &replyTo.String
			}
			tag, body := session.Decode(m.Content)

			// The session filter's content LIKE clause is a substring match
			// and can admit a false positive (tag appearing inside a longer
			// unrelated body); verify the decoded tag exactly before
			// accepting, and otherwise mark it inspected so this poll
			// doesn't loop back onto the same ineligible row.
			if req.Session != "" {
				effectiveTag := tag
				if sessionID.Valid && sessionID.String != "" {
					effectiveTag = sessionID.String
				}
				if effectiveTag != req.Session {
					inspected[m.ID] = struct{}{}
					continue
				}
			}

			m.Content = body
			if sessionID.Valid && sessionID.String != "" {
				sid := sessionID.String
				m.SessionID = &sid
			} else if tag != "" {
				m.SessionID = &tag
			}

			out = m
			found = true
			return nil
		}
		return rows.Err()
	})
	if err != nil {
		return types.Message{}, false, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return out, found, nil
}

// deriveAgentType takes the leading lower-case/hyphen run of client_id, e.g.
// "qwen3" -> "qwen" ( step 1).
func deriveAgentType(clientID string) string {
	end := strings.IndexFunc(clientID, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '-')
	})
	if end < 0 {
		return clientID
	}
	if end == 0 {
		return clientID
	}
	return clientID[:end]
}
