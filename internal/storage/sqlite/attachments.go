package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
	"github.com/confirmbot/confirmd/internal/utils"
)

const attachmentColumns = `attachment_id, message_id, filename, mime_type, provider_attachment_id,
	binary_data_base64, size_bytes, content_sha256, text_extract, parsed_fields_json,
	created_at, updated_at`

func scanAttachment(scan func(dest ...any) error) (*types.Attachment, error) {
	var (
		a                              types.Attachment
		binary, hash, text, parsed     sql.NullString
		size                           sql.NullInt64
		createdAt                      string
		updatedAt                      sql.NullString
	)
	err := scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.ProviderAttachID,
		&binary, &size, &hash, &text, &parsed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.BinaryDataBase64 = stringOrEmpty(binary)
	a.SizeBytes = int64OrZero(size)
	a.ContentSHA256 = stringOrEmpty(hash)
	a.TextExtract = stringOrEmpty(text)
	a.ParsedFieldsJSON = stringOrEmpty(parsed)
	a.CreatedAt = parseTimeString(createdAt)
	a.UpdatedAt = parseNullableTimeString(updatedAt)
	return &a, nil
}

// GetAttachment fetches one attachment by surrogate id.
func (s *Store) GetAttachment(ctx context.Context, attachmentID string) (*types.Attachment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE attachment_id = ?`, attachmentID)
	a, err := scanAttachment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentID, err)
	}
	return a, nil
}

// FindAttachmentByHash looks up the canonical row for a content hash.
func (s *Store) FindAttachmentByHash(ctx context.Context, contentSHA256 string) (*types.Attachment, error) {
	if contentSHA256 == "" {
		return nil, fmt.Errorf("empty content hash")
	}
	row := s.q.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE content_sha256 = ?`, contentSHA256)
	a, err := scanAttachment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find attachment by hash: %w", err)
	}
	return a, nil
}

// ListAttachmentsByMessage returns all attachments on one message.
func (s *Store) ListAttachmentsByMessage(ctx context.Context, messageID string) ([]*types.Attachment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddAttachment upserts an attachment with content-hash identity.
//
// When the hash already has a row, missing columns on that row are filled in
// and the existing row is returned; no second row is ever inserted for the
// same bytes. A PDF arriving with bytes but no hash gets hashed inline first
// so no PDF row can exist with binary data and a null hash.
func (s *Store) AddAttachment(ctx context.Context, a *types.Attachment) (*storage.AttachmentUpsertResult, error) {
	if a.MessageID == "" {
		return nil, fmt.Errorf("attachment requires a message_id")
	}

	if a.ContentSHA256 == "" && a.BinaryDataBase64 != "" && a.IsPDF() {
		hash, size, err := utils.HashBase64Payload(a.BinaryDataBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to hash PDF payload for %s: %w", a.Filename, err)
		}
		a.ContentSHA256 = hash
		if a.SizeBytes == 0 {
			a.SizeBytes = size
		}
	}

	if a.ContentSHA256 != "" {
		existing, err := s.FindAttachmentByHash(ctx, a.ContentSHA256)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			if err := s.fillMissingColumns(ctx, existing, a); err != nil {
				return nil, err
			}
			merged, err := s.GetAttachment(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			debug.Logf("attachment %s reused for hash %s\n", existing.ID, a.ContentSHA256)
			return &storage.AttachmentUpsertResult{Attachment: merged, Reused: true}, nil
		}
	}

	if a.ID == "" {
		a.ID = "att-" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO attachments (attachment_id, message_id, filename, mime_type, provider_attachment_id,
			binary_data_base64, size_bytes, content_sha256, text_extract, parsed_fields_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.Filename, a.MimeType, a.ProviderAttachID,
		nullableString(a.BinaryDataBase64), nullableInt64(a.SizeBytes), nullableString(a.ContentSHA256),
		nullableString(a.TextExtract), nullableString(a.ParsedFieldsJSON), formatTime(a.CreatedAt))
	if err != nil {
		// A concurrent inserter can win the unique hash index between our
		// lookup and the insert; fall back to reusing their row.
		if a.ContentSHA256 != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, lookupErr := s.FindAttachmentByHash(ctx, a.ContentSHA256)
			if lookupErr == nil {
				return &storage.AttachmentUpsertResult{Attachment: existing, Reused: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to insert attachment %s: %w", a.Filename, err)
	}
	return &storage.AttachmentUpsertResult{Attachment: a, Reused: false}, nil
}

// fillMissingColumns updates only columns the existing row lacks.
func (s *Store) fillMissingColumns(ctx context.Context, existing, candidate *types.Attachment) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}

	if existing.BinaryDataBase64 == "" && candidate.BinaryDataBase64 != "" {
		sets = append(sets, "binary_data_base64 = ?")
		args = append(args, candidate.BinaryDataBase64)
	}
	if existing.TextExtract == "" && candidate.TextExtract != "" {
		sets = append(sets, "text_extract = ?")
		args = append(args, candidate.TextExtract)
	}
	if existing.SizeBytes == 0 && candidate.SizeBytes != 0 {
		sets = append(sets, "size_bytes = ?")
		args = append(args, candidate.SizeBytes)
	}
	sets = append(sets,
		"filename = COALESCE(NULLIF(filename, ''), ?)",
		"mime_type = COALESCE(NULLIF(mime_type, ''), ?)",
		"provider_attachment_id = COALESCE(NULLIF(provider_attachment_id, ''), ?)",
		"parsed_fields_json = COALESCE(parsed_fields_json, ?)")
	args = append(args, candidate.Filename, candidate.MimeType, candidate.ProviderAttachID,
		nullableString(candidate.ParsedFieldsJSON))

	args = append(args, existing.ID)
	_, err := s.q.ExecContext(ctx, `UPDATE attachments SET `+strings.Join(sets, ", ")+` WHERE attachment_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to fill attachment %s: %w", existing.ID, err)
	}
	return nil
}

// SetAttachmentText stores the extracted text for an attachment.
func (s *Store) SetAttachmentText(ctx context.Context, attachmentID, textExtract string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE attachments SET text_extract = ?, updated_at = ? WHERE attachment_id = ?`,
		textExtract, formatTime(time.Now().UTC()), attachmentID)
	if err != nil {
		return fmt.Errorf("failed to set text_extract: %w", err)
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

// RehashAttachment backfills hash and size on a legacy row.
func (s *Store) RehashAttachment(ctx context.Context, attachmentID, contentSHA256 string, sizeBytes int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE attachments SET content_sha256 = ?, size_bytes = ?, updated_at = ?
		WHERE attachment_id = ? AND content_sha256 IS NULL`,
		contentSHA256, sizeBytes, formatTime(time.Now().UTC()), attachmentID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			// Another row already owns this hash; the legacy row is a
			// duplicate and cleanup will fold it in.
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to rehash attachment %s: %w", attachmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UnhashedAttachments returns rows matching (message_id, filename) that still
// lack a content hash. Retrieval rehashes them before upserting fresh bytes.
func (s *Store) UnhashedAttachments(ctx context.Context, messageID, filename string) ([]*types.Attachment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE message_id = ? AND filename = ? AND content_sha256 IS NULL`, messageID, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to query unhashed attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
