package sqlite

import (
	"context"
	"fmt"
)

// migrate applies all pending additive migrations. Each step checks
// pragma_table_info before altering, so the whole pass is idempotent and
// safe to run once per process start.
func (s *Store) migrate(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"attachment_binary_column", s.migrateAttachmentBinaryColumn},
		{"attachment_hash_column", s.migrateAttachmentHashColumn},
		{"attachment_size_column", s.migrateAttachmentSizeColumn},
		{"attachment_text_column", s.migrateAttachmentTextColumn},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
	}
	return nil
}

// addColumnIfMissing performs one additive ALTER guarded by introspection.
func (s *Store) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	exists, err := s.hasColumn(ctx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := s.q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	s.invalidateColumns(table)
	return nil
}

func (s *Store) migrateAttachmentBinaryColumn(ctx context.Context) error {
	return s.addColumnIfMissing(ctx, "attachments", "binary_data_base64", "TEXT")
}

func (s *Store) migrateAttachmentHashColumn(ctx context.Context) error {
	if err := s.addColumnIfMissing(ctx, "attachments", "content_sha256", "TEXT"); err != nil {
		return err
	}
	// Index creation is idempotent; legacy databases predating the hash
	// column get it here rather than from the base schema.
	_, err := s.q.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_attachments_content_sha256
		ON attachments(content_sha256) WHERE content_sha256 IS NOT NULL`)
	return err
}

func (s *Store) migrateAttachmentSizeColumn(ctx context.Context) error {
	return s.addColumnIfMissing(ctx, "attachments", "size_bytes", "INTEGER")
}

func (s *Store) migrateAttachmentTextColumn(ctx context.Context) error {
	return s.addColumnIfMissing(ctx, "attachments", "text_extract", "TEXT")
}
