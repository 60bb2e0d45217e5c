package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// UpsertConfirmationRecord writes the authoritative extracted values for one
// (po_id, line_id), creating the row or merging into it by the natural key;
// empty incoming values keep the stored ones.
func (s *Store) UpsertConfirmationRecord(ctx context.Context, r *types.ConfirmationRecord) error {
	if r.POID == "" || r.LineID == "" {
		return fmt.Errorf("confirmation record requires po_id and line_id")
	}
	if r.ID == "" {
		r.ID = "rec-" + uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO confirmation_records (id, po_id, line_id, supplier_order_number,
			confirmed_delivery_date, confirmed_quantity, source_attachment_id, source_message_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(po_id, line_id) DO UPDATE SET
			supplier_order_number = CASE WHEN excluded.supplier_order_number != '' THEN excluded.supplier_order_number ELSE confirmation_records.supplier_order_number END,
			confirmed_delivery_date = CASE WHEN excluded.confirmed_delivery_date != '' THEN excluded.confirmed_delivery_date ELSE confirmation_records.confirmed_delivery_date END,
			confirmed_quantity = COALESCE(excluded.confirmed_quantity, confirmation_records.confirmed_quantity),
			source_attachment_id = CASE WHEN excluded.source_attachment_id != '' THEN excluded.source_attachment_id ELSE confirmation_records.source_attachment_id END,
			source_message_id = CASE WHEN excluded.source_message_id != '' THEN excluded.source_message_id ELSE confirmation_records.source_message_id END,
			updated_at = excluded.updated_at`,
		r.ID, r.POID, r.LineID, r.SupplierOrderNumber,
		r.ConfirmedDeliveryDate, r.ConfirmedQuantity, r.SourceAttachmentID, r.SourceMessageID,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert confirmation record: %w", err)
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*types.ConfirmationRecord, error) {
	var (
		r        types.ConfirmationRecord
		qty      sql.NullFloat64
		created  string
		updated  string
	)
	err := scan(&r.ID, &r.POID, &r.LineID, &r.SupplierOrderNumber,
		&r.ConfirmedDeliveryDate, &qty, &r.SourceAttachmentID, &r.SourceMessageID,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if qty.Valid {
		r.ConfirmedQuantity = &qty.Float64
	}
	r.CreatedAt = parseTimeString(created)
	r.UpdatedAt = parseTimeString(updated)
	return &r, nil
}

const recordColumns = `id, po_id, line_id, supplier_order_number, confirmed_delivery_date,
	confirmed_quantity, source_attachment_id, source_message_id, created_at, updated_at`

// GetConfirmationRecord fetches the record for one (po_id, line_id).
func (s *Store) GetConfirmationRecord(ctx context.Context, poID, lineID string) (*types.ConfirmationRecord, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM confirmation_records WHERE po_id = ? AND line_id = ?`, poID, lineID)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation record: %w", err)
	}
	return r, nil
}

// ListConfirmationRecords returns records for the given PO ids (all when empty).
func (s *Store) ListConfirmationRecords(ctx context.Context, poIDs []string) ([]*types.ConfirmationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM confirmation_records`
	var args []any
	if len(poIDs) > 0 {
		placeholders := make([]string, len(poIDs))
		for i, id := range poIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` WHERE po_id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY po_id, line_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmation records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.ConfirmationRecord
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan confirmation record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddConfirmationExtraction appends one extraction run's output.
func (s *Store) AddConfirmationExtraction(ctx context.Context, e *types.ConfirmationExtraction) error {
	if e.CaseID == "" {
		return fmt.Errorf("extraction requires a case_id")
	}
	if e.ID == "" {
		e.ID = "ext-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO confirmation_extractions (id, case_id, fields_json, evidence_attachment_id, evidence_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, e.FieldsJSON, e.EvidenceAttachmentID, e.EvidenceMessageID, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add extraction: %w", err)
	}
	return nil
}

// SaveGmailToken writes the singleton OAuth token row.
func (s *Store) SaveGmailToken(ctx context.Context, t *types.GmailToken) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO gmail_tokens (id, access_token, refresh_token, expiry, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE gmail_tokens.refresh_token END,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`,
		t.AccessToken, t.RefreshToken, formatTime(t.Expiry), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetGmailToken reads the singleton OAuth token row.
func (s *Store) GetGmailToken(ctx context.Context) (*types.GmailToken, error) {
	var (
		t               types.GmailToken
		expiry, updated sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `SELECT access_token, refresh_token, expiry, updated_at FROM gmail_tokens WHERE id = 1`).
		Scan(&t.AccessToken, &t.RefreshToken, &expiry, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if ts := parseNullableTimeString(expiry); ts != nil {
		t.Expiry = *ts
	}
	if ts := parseNullableTimeString(updated); ts != nil {
		t.UpdatedAt = *ts
	}
	return &t, nil
}
