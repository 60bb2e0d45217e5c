package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

const caseColumns = `case_id, po_number, line_id, supplier_name, supplier_email, supplier_domain,
	missing_fields, state, status, touch_count, meta, next_check_at,
	last_inbox_check_at, last_action_at, created_at, updated_at`

// CreateCase inserts a new case. ID, state, status, and timestamps get
// defaults when unset.
func (s *Store) CreateCase(ctx context.Context, c *types.Case) error {
	if c.ID == "" {
		c.ID = "case-" + uuid.NewString()
	}
	if c.State == "" {
		c.State = types.InitialState
	}
	if c.Status == "" {
		c.Status = types.StatusOpen
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	c.MissingFields = types.NormalizeMissingFields(c.MissingFields)

	if err := c.Validate(); err != nil {
		return err
	}

	missing, err := json.Marshal(c.MissingFields)
	if err != nil {
		return fmt.Errorf("failed to marshal missing_fields: %w", err)
	}
	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cases (case_id, po_number, line_id, supplier_name, supplier_email, supplier_domain,
			missing_fields, state, status, touch_count, meta, next_check_at,
			last_inbox_check_at, last_action_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PONumber, c.LineID, c.SupplierName, c.SupplierEmail, c.SupplierDomain,
		string(missing), string(c.State), string(c.Status), c.TouchCount, string(meta),
		toEpochMillis(c.NextCheckAt), formatTimePtr(c.LastInboxCheckAt), formatTimePtr(c.LastActionAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("case for (%s, %s): %w", c.PONumber, c.LineID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

func (s *Store) scanCase(row *sql.Row) (*types.Case, error) {
	var (
		c                           types.Case
		missing, state, status, meta string
		nextCheck                   sql.NullInt64
		lastInbox, lastAction       sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(&c.ID, &c.PONumber, &c.LineID, &c.SupplierName, &c.SupplierEmail, &c.SupplierDomain,
		&missing, &state, &status, &c.TouchCount, &meta, &nextCheck,
		&lastInbox, &lastAction, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	if err := json.Unmarshal([]byte(missing), &c.MissingFields); err != nil {
		return nil, fmt.Errorf("corrupt missing_fields on case %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
		return nil, fmt.Errorf("corrupt meta on case %s: %w", c.ID, err)
	}
	c.State = types.CaseState(state)
	c.Status = types.CaseStatus(status)
	c.NextCheckAt = epochMillisPtr(nextCheck)
	c.LastInboxCheckAt = parseNullableTimeString(lastInbox)
	c.LastActionAt = parseNullableTimeString(lastAction)
	c.CreatedAt = parseTimeString(createdAt)
	c.UpdatedAt = parseTimeString(updatedAt)
	return &c, nil
}

// GetCase fetches one case by id.
func (s *Store) GetCase(ctx context.Context, caseID string) (*types.Case, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	return s.scanCase(row)
}

// FindCaseByPOLine fetches a case by its alternate key.
func (s *Store) FindCaseByPOLine(ctx context.Context, poNumber, lineID string) (*types.Case, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE po_number = ? AND line_id = ?`, poNumber, lineID)
	return s.scanCase(row)
}

// UpdateCase applies a partial update. The statement is built from whichever
// patch fields are set; updated_at always bumps.
func (s *Store) UpdateCase(ctx context.Context, caseID string, patch *types.CasePatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.SupplierName != nil {
		add("supplier_name", *patch.SupplierName)
	}
	if patch.SupplierEmail != nil {
		add("supplier_email", *patch.SupplierEmail)
	}
	if patch.SupplierDomain != nil {
		add("supplier_domain", *patch.SupplierDomain)
	}
	if patch.MissingFields != nil {
		normalized := types.NormalizeMissingFields(*patch.MissingFields)
		b, err := json.Marshal(normalized)
		if err != nil {
			return fmt.Errorf("failed to marshal missing_fields: %w", err)
		}
		add("missing_fields", string(b))
	}
	if patch.State != nil {
		if !patch.State.Valid() {
			return fmt.Errorf("unknown state %q", *patch.State)
		}
		add("state", string(*patch.State))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.TouchCount != nil {
		add("touch_count", *patch.TouchCount)
	}
	if patch.Meta != nil {
		b, err := json.Marshal(patch.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		add("meta", string(b))
	}
	if patch.NextCheckAt != nil {
		add("next_check_at", toEpochMillis(*patch.NextCheckAt))
	}
	if patch.LastInboxCheckAt != nil {
		add("last_inbox_check_at", formatTimePtr(*patch.LastInboxCheckAt))
	}
	if patch.LastActionAt != nil {
		add("last_action_at", formatTimePtr(*patch.LastActionAt))
	}

	args = append(args, caseID)
	res, err := s.q.ExecContext(ctx, `UPDATE cases SET `+strings.Join(sets, ", ")+` WHERE case_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update case %s: %w", caseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) scanCases(rows *sql.Rows) ([]*types.Case, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Case
	for rows.Next() {
		var (
			c                            types.Case
			missing, state, status, meta string
			nextCheck                    sql.NullInt64
			lastInbox, lastAction        sql.NullString
			createdAt, updatedAt         string
		)
		err := rows.Scan(&c.ID, &c.PONumber, &c.LineID, &c.SupplierName, &c.SupplierEmail, &c.SupplierDomain,
			&missing, &state, &status, &c.TouchCount, &meta, &nextCheck,
			&lastInbox, &lastAction, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		if err := json.Unmarshal([]byte(missing), &c.MissingFields); err != nil {
			return nil, fmt.Errorf("corrupt missing_fields on case %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta on case %s: %w", c.ID, err)
		}
		c.State = types.CaseState(state)
		c.Status = types.CaseStatus(status)
		c.NextCheckAt = epochMillisPtr(nextCheck)
		c.LastInboxCheckAt = parseNullableTimeString(lastInbox)
		c.LastActionAt = parseNullableTimeString(lastAction)
		c.CreatedAt = parseTimeString(createdAt)
		c.UpdatedAt = parseTimeString(updatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListCases returns cases filtered by state (all states when empty).
func (s *Store) ListCases(ctx context.Context, states []types.CaseState, limit int) ([]*types.Case, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	return s.scanCases(rows)
}

// ListDueCases returns up to limit schedulable cases whose next_check_at has
// passed, oldest first.
func (s *Store) ListDueCases(ctx context.Context, now time.Time, limit int) ([]*types.Case, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE state IN (?, ?, ?) AND next_check_at IS NOT NULL AND next_check_at <= ?
		ORDER BY next_check_at ASC
		LIMIT ?`,
		string(types.StateOutreachSent), string(types.StateWaiting), string(types.StateFollowupSent),
		now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cases: %w", err)
	}
	return s.scanCases(rows)
}

// DeleteCasesByPO cascade-deletes all cases for a PO number. Demo/dev only;
// the HTTP layer gates it.
func (s *Store) DeleteCasesByPO(ctx context.Context, poNumber string) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM cases WHERE po_number = ?`, poNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cases for %s: %w", poNumber, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
