// Package message implements the message service: send, read with filters,
// mark_read, search, and send_batch.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adamavenir/broker/internal/retention"
	"github.com/adamavenir/broker/internal/session"
	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/types"
)

// Service provides the message operations against a Store.
type Service struct {
	store     *store.Store
	retention retention.Config
}

const messageColumns = "SELECT id, sender, content, timestamp, read, reply_to, priority, session_id, metadata"

// marshalMetadata serializes arbitrary metadata to a JSON string for storage,
// or returns nil if m is empty.
func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// New constructs a Service. retentionCfg controls the pruning pass run
// before every Read; pass retention.Default() for the safe,
// non-destructive behavior.
func New(st *store.Store, retentionCfg retention.Config) *Service {
	return &Service{store: st, retention: retentionCfg}
}

// SendResult is returned by Send and SendBatch.
type SendResult struct {
	ID        string
	Timestamp int64
	SessionID string
}

// Send validates and inserts a message. If sess is empty, a fresh session
// tag is synthesized. metadata may be nil.
func (s *Service) Send(ctx context.Context, content, sender, priority string, replyTo *string, sess string, metadata map[string]any) (SendResult, error) {
	if priority == "" {
		priority = types.PriorityNormal
	}
	if err := validate(content, priority); err != nil {
		return SendResult{}, err
	}

	id := uuid.NewString()
	ts := time.Now().Unix()
	if sess == "" {
		sess = uuid.NewString()
	}
	prefixed := session.Encode(content, sess)

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	err = s.store.WithConn(ctx, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, sender, content, timestamp, read, reply_to, priority, session_id, metadata)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, id, sender, prefixed, ts, replyTo, priority, sess, metaJSON)
		return err
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	return SendResult{ID: id, Timestamp: ts, SessionID: sess}, nil
}

// SendBatch inserts every message in one transaction: a validation failure
// on any item rolls the whole batch back before it touches storage.
func (s *Service) SendBatch(ctx context.Context, messages []BatchItem) ([]SendResult, error) {
	priorities := make([]string, len(messages))
	for i, m := range messages {
		priorities[i] = m.Priority
		if priorities[i] == "" {
			priorities[i] = types.PriorityNormal
		}
		if err := validate(m.Content, priorities[i]); err != nil {
			return nil, err
		}
	}

	results := make([]SendResult, len(messages))
	err := s.store.WithTx(ctx, func(tx store.DBTX) error {
		for i, m := range messages {
			id := uuid.NewString()
			ts := time.Now().Unix()
			sess := m.Session
			if sess == "" {
				sess = uuid.NewString()
			}
			prefixed := session.Encode(m.Content, sess)
			metaJSON, err := marshalMetadata(m.Metadata)
			if err != nil {
				return fmt.Errorf("%w: %v", types.ErrValidation, err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, sender, content, timestamp, read, reply_to, priority, session_id, metadata)
				VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
			`, id, m.Sender, prefixed, ts, m.ReplyTo, priorities[i], sess, metaJSON); err != nil {
				return err
			}
			results[i] = SendResult{ID: id, Timestamp: ts, SessionID: sess}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return results, nil
}

// BatchItem is one element of a send_batch call.
type BatchItem struct {
	Content  string
	Sender   string
	Priority string
	ReplyTo  *string
	Session  string
	Metadata map[string]any
}

// Read triggers retention then returns messages ordered by
// timestamp descending, matching the given filters, with session prefixes
// decoded.
func (s *Service) Read(ctx context.Context, filters types.MessageFilters) ([]types.Message, error) {
	if err := retention.Prune(ctx, s.store, s.retention); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	query := messageColumns + " FROM messages WHERE 1=1"
	var args []any

	if filters.UnreadOnly {
		query += " AND read = 0"
	}
	if filters.Sender != "" {
		query += " AND sender = ?"
		args = append(args, filters.Sender)
	}
	if filters.Session != "" {
		// session_id may be populated directly (new rows) or only present
		// in the legacy content prefix (old rows); match either.
		query += " AND (session_id = ? OR content LIKE ?)"
		args = append(args, filters.Session, "%"+session.FilterSubstring(filters.Session)+"%")
	}

	query += " ORDER BY timestamp DESC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	var out []types.Message
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

// MarkRead flips read=true for every id present in the table, ignoring
// unknown ids, and returns the count actually updated.
func (s *Service) MarkRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	var count int64
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE messages SET read = 1 WHERE id IN (%s)", strings.Join(placeholders, ",")),
			args...,
		)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return count, nil
}

// Search performs a substring match on content honoring optional sender and
// half-open [start, end) time range filters.
func (s *Service) Search(ctx context.Context, f types.SearchFilters) ([]types.Message, error) {
	query := messageColumns + " FROM messages WHERE content LIKE ?"
	args := []any{"%" + f.Keyword + "%"}

	if f.Sender != "" {
		query += " AND sender = ?"
		args = append(args, f.Sender)
	}
	if f.Start != nil {
		query += " AND timestamp >= ?"
		args = append(args, *f.Start)
	}
	if f.End != nil {
		query += " AND timestamp < ?"
		args = append(args, *f.End)
	}

	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []types.Message
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

// Stats reports the aggregate counters the original's get_status exposed:
// total messages, unread count, and the most recent timestamp.
type Stats struct {
	TotalMessages  int64
	UnreadMessages int64
	LatestMessage  *int64
}

// GetStats computes the aggregate counters with three queries under one
// connection slot.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.store.WithConn(ctx, func(tx store.DBTX) error {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&out.TotalMessages); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE read = 0").Scan(&out.UnreadMessages); err != nil {
			return err
		}
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM messages").Scan(&latest); err != nil {
			return err
		}
		if latest.Valid {
			out.LatestMessage = &latest.Int64
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return out, nil
}

func validate(content, priority string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content must not be empty", types.ErrValidation)
	}
	if !types.ValidMessagePriorities[priority] {
		return fmt.Errorf("%w: invalid priority %q", types.ErrValidation, priority)
	}
	return nil
}

func scanAll(rows *sql.Rows) ([]types.Message, error) {
	var out []types.Message
	for rows.Next() {
		var m types.Message
		var replyTo, sessionID, metadata sql.NullString
		var readInt int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.Timestamp, &readInt, &replyTo, &m.Priority, &sessionID, &metadata); err != nil {
			return nil, err
		}
		m.Read = readInt != 0
		if replyTo.Valid {
			m.ReplyTo = &replyTo.String
		}
		if metadata.Valid && metadata.String != "" {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(metadata.String), &decoded); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
			m.Metadata = decoded
		}

		tag, body := session.Decode(m.Content)
		m.Content = body
		if sessionID.Valid && sessionID.String != "" {
			sid := sessionID.String
			m.SessionID = &sid
		} else if tag != "" {
			m.SessionID = &tag
		}

		out = append(out, m)
	}
	return out, rows.Err()
}
