package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// AddMessage upserts a mail record on message_id. The provider id is stable,
// so re-ingesting a thread overwrites mutable columns while created_at is
// preserved from the first insert.
func (s *Store) AddMessage(ctx context.Context, m *types.Message) error {
	if m.ID == "" {
		return fmt.Errorf("message requires a message_id")
	}
	if m.CaseID == "" {
		return fmt.Errorf("message %s requires a case_id", m.ID)
	}
	if m.Direction == "" {
		m.Direction = types.DirectionInbound
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	headers := "{}"
	if len(m.Headers) > 0 {
		b, err := json.Marshal(m.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
		headers = string(b)
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (message_id, case_id, thread_id, direction, from_addr, to_addr,
			subject, snippet, body, headers, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			case_id = excluded.case_id,
			thread_id = excluded.thread_id,
			direction = excluded.direction,
			from_addr = excluded.from_addr,
			to_addr = excluded.to_addr,
			subject = excluded.subject,
			snippet = excluded.snippet,
			body = excluded.body,
			headers = excluded.headers,
			received_at = excluded.received_at`,
		m.ID, m.CaseID, m.ThreadID, string(m.Direction), m.From, m.To,
		m.Subject, m.Snippet, m.Body, headers, formatTimePtr(m.ReceivedAt), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}
	return nil
}

func scanMessage(scan func(dest ...any) error) (*types.Message, error) {
	var (
		m                     types.Message
		direction, headers    string
		receivedAt            sql.NullString
		createdAt             string
	)
	err := scan(&m.ID, &m.CaseID, &m.ThreadID, &direction, &m.From, &m.To,
		&m.Subject, &m.Snippet, &m.Body, &headers, &receivedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Direction = types.Direction(direction)
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
			return nil, fmt.Errorf("corrupt headers on message %s: %w", m.ID, err)
		}
	}
	m.ReceivedAt = parseNullableTimeString(receivedAt)
	m.CreatedAt = parseTimeString(createdAt)
	return &m, nil
}

// GetMessage fetches one message by provider id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT message_id, case_id, thread_id, direction, from_addr, to_addr,
			subject, snippet, body, headers, received_at, created_at
		FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return m, nil
}

// ListMessages returns messages for a case, newest received first.
func (s *Store) ListMessages(ctx context.Context, caseID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT message_id, case_id, thread_id, direction, from_addr, to_addr,
			subject, snippet, body, headers, received_at, created_at
		FROM messages WHERE case_id = ?
		ORDER BY COALESCE(received_at, created_at) DESC
		LIMIT ?`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
