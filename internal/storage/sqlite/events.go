package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/confirmbot/confirmd/internal/types"
)

// eventDedupWindow suppresses identical (case_id, event_type, summary)
// rows landing in quick succession from retried pipelines.
const eventDedupWindow = 5 * time.Second

// AddEvent appends an audit event. An identical event within the dedup
// window is silently skipped.
func (s *Store) AddEvent(ctx context.Context, e *types.Event) error {
	if e.CaseID == "" {
		return fmt.Errorf("event requires a case_id")
	}
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	cutoff := e.CreatedAt.Add(-eventDedupWindow)
	var dup int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE case_id = ? AND event_type = ? AND summary = ? AND created_at >= ?`,
		e.CaseID, string(e.EventType), e.Summary, formatTime(cutoff)).Scan(&dup)
	if err != nil {
		return fmt.Errorf("failed to check event dedup: %w", err)
	}
	if dup > 0 {
		return nil
	}

	var refs string
	if !e.EvidenceRefs.Empty() {
		b, err := json.Marshal(e.EvidenceRefs)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence_refs: %w", err)
		}
		refs = string(b)
	}
	meta := "{}"
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal event meta: %w", err)
		}
		meta = string(b)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO events (event_id, case_id, event_type, summary, evidence_refs, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, string(e.EventType), e.Summary, refs, meta, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add event: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*types.Event, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Event
	for rows.Next() {
		var (
			e          types.Event
			eventType  string
			refs, meta sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &eventType, &e.Summary, &refs, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = types.EventType(eventType)
		if refs.Valid && refs.String != "" {
			if err := json.Unmarshal([]byte(refs.String), &e.EvidenceRefs); err != nil {
				return nil, fmt.Errorf("corrupt evidence_refs on event %s: %w", e.ID, err)
			}
		}
		if meta.Valid && meta.String != "" && meta.String != "{}" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("corrupt meta on event %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = parseTimeString(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListEvents returns events for a case, newest first.
func (s *Store) ListEvents(ctx context.Context, caseID string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT event_id, case_id, event_type, summary, evidence_refs, meta, created_at
		FROM events WHERE case_id = ?
		ORDER BY created_at DESC, event_id DESC
		LIMIT ?`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return scanEvents(rows)
}

// LastEventOfType returns the most recent event of any of the given types,
// or nil when none exists.
func (s *Store) LastEventOfType(ctx context.Context, caseID string, eventTypes ...types.EventType) (*types.Event, error) {
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("at least one event type is required")
	}
	placeholders := make([]string, len(eventTypes))
	args := []any{caseID}
	for i, et := range eventTypes {
		placeholders[i] = "?"
		args = append(args, string(et))
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT event_id, case_id, event_type, summary, evidence_refs, meta, created_at
		FROM events WHERE case_id = ? AND event_type IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query last event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}
