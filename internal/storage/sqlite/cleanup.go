package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// CleanupDuplicateAttachments folds legacy duplicate rows into one canonical
// row per content hash. For each duplicate group the keeper is chosen
// preferring a non-empty text_extract, then non-empty binary, then newest
// created_at. Back-references in cases.meta, confirmation_records,
// confirmation_extractions, and events.evidence_refs are rewritten to the
// keeper before the non-keepers are deleted, all in one transaction per group.
func (s *Store) CleanupDuplicateAttachments(ctx context.Context) (*storage.CleanupStats, error) {
	if s.inTx {
		return nil, fmt.Errorf("cleanup cannot run inside a case lock")
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT content_sha256 FROM attachments
		WHERE content_sha256 IS NOT NULL
		GROUP BY content_sha256 HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate groups: %w", err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return nil, err
		}
		hashes = append(hashes, h)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := &storage.CleanupStats{}
	for _, hash := range hashes {
		if err := s.cleanupGroup(ctx, hash, stats); err != nil {
			return stats, fmt.Errorf("failed to clean up group %s: %w", hash, err)
		}
		stats.Groups++
	}
	return stats, nil
}

func (s *Store) cleanupGroup(ctx context.Context, hash string, stats *storage.CleanupStats) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tx := &Store{db: s.db, q: conn, inTx: true, colCache: map[string]map[string]bool{}}

	group, err := tx.attachmentsByHashAll(ctx, hash)
	if err != nil {
		return err
	}
	if len(group) < 2 {
		committed = true
		_, _ = conn.ExecContext(ctx, "COMMIT")
		return nil
	}

	keeper := pickKeeper(group)
	debug.Logf("cleanup: hash %s keeps %s, folds %d rows\n", hash, keeper.ID, len(group)-1)

	for _, dup := range group {
		if dup.ID == keeper.ID {
			continue
		}
		// Merge anything the keeper lacks before the duplicate goes away.
		if err := tx.fillMissingColumns(ctx, keeper, dup); err != nil {
			return err
		}
		n, err := tx.rewriteBackReferences(ctx, dup.ID, keeper.ID)
		if err != nil {
			return err
		}
		stats.Rewritten += n
		if _, err := conn.ExecContext(ctx, `DELETE FROM attachments WHERE attachment_id = ?`, dup.ID); err != nil {
			return fmt.Errorf("failed to delete duplicate %s: %w", dup.ID, err)
		}
		stats.Deleted++
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	committed = true
	return nil
}

// attachmentsByHashAll returns every row carrying the hash (the unique index
// permits at most one today, but legacy databases predate it; the index is
// partial so NULL-hash rows never collide).
func (s *Store) attachmentsByHashAll(ctx context.Context, hash string) ([]*types.Attachment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE content_sha256 = ? ORDER BY created_at`, hash)
	if err != nil {
		return nil, err
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

// pickKeeper applies the tie-break ladder: text_extract, then binary,
// then newest created_at.
func pickKeeper(group []*types.Attachment) *types.Attachment {
	keeper := group[0]
	for _, a := range group[1:] {
		if betterKeeper(a, keeper) {
			keeper = a
		}
	}
	return keeper
}

func betterKeeper(a, b *types.Attachment) bool {
	aText, bText := a.TextExtract != "", b.TextExtract != ""
	if aText != bText {
		return aText
	}
	aBin, bBin := a.BinaryDataBase64 != "", b.BinaryDataBase64 != ""
	if aBin != bBin {
		return aBin
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// rewriteBackReferences repoints every table that can reference an
// attachment id from oldID to newID. Returns the number of rows touched.
func (s *Store) rewriteBackReferences(ctx context.Context, oldID, newID string) (int, error) {
	total := 0

	res, err := s.q.ExecContext(ctx, `
		UPDATE confirmation_records SET source_attachment_id = ? WHERE source_attachment_id = ?`, newID, oldID)
	if err != nil {
		return total, fmt.Errorf("failed to rewrite confirmation_records: %w", err)
	}
	n, _ := res.RowsAffected()
	total += int(n)

	res, err = s.q.ExecContext(ctx, `
		UPDATE confirmation_extractions SET evidence_attachment_id = ? WHERE evidence_attachment_id = ?`, newID, oldID)
	if err != nil {
		return total, fmt.Errorf("failed to rewrite confirmation_extractions: %w", err)
	}
	n, _ = res.RowsAffected()
	total += int(n)

	rewritten, err := s.rewriteCaseMetaRefs(ctx, oldID, newID)
	if err != nil {
		return total, err
	}
	total += rewritten

	rewritten, err = s.rewriteEventRefs(ctx, oldID, newID)
	if err != nil {
		return total, err
	}
	total += rewritten

	return total, nil
}

// rewriteCaseMetaRefs repoints meta.parsed_best_fields_v1 evidence ids.
func (s *Store) rewriteCaseMetaRefs(ctx context.Context, oldID, newID string) (int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT case_id, meta FROM cases WHERE meta LIKE '%' || ? || '%'`, oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan case meta: %w", err)
	}
	type pending struct {
		caseID string
		meta   string
	}
	var updates []pending
	for rows.Next() {
		var caseID, metaJSON string
		if err := rows.Scan(&caseID, &metaJSON); err != nil {
			_ = rows.Close()
			return 0, err
		}
		var meta types.CaseMeta
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue // opaque meta stays untouched
		}
		changed := false
		if pbf := meta.ParsedBestFields; pbf != nil {
			if pbf.EvidenceAttachmentID == oldID {
				pbf.EvidenceAttachmentID = newID
				changed = true
			}
			for _, f := range []*types.ExtractedField{pbf.SupplierOrderNumber, pbf.ConfirmedDeliveryDate, pbf.ConfirmedQuantity} {
				if f != nil && f.AttachmentID == oldID {
					f.AttachmentID = newID
					changed = true
				}
			}
		}
		if changed {
			b, err := json.Marshal(meta)
			if err != nil {
				_ = rows.Close()
				return 0, err
			}
			updates = append(updates, pending{caseID, string(b)})
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, u := range updates {
		if _, err := s.q.ExecContext(ctx, `UPDATE cases SET meta = ? WHERE case_id = ?`, u.meta, u.caseID); err != nil {
			return 0, fmt.Errorf("failed to rewrite case %s meta: %w", u.caseID, err)
		}
	}
	return len(updates), nil
}

// rewriteEventRefs repoints attachment ids inside events.evidence_refs JSON.
func (s *Store) rewriteEventRefs(ctx context.Context, oldID, newID string) (int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT event_id, evidence_refs FROM events
		WHERE evidence_refs IS NOT NULL AND evidence_refs LIKE '%' || ? || '%'`, oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan event refs: %w", err)
	}
	type pending struct {
		eventID string
		refs    string
	}
	var updates []pending
	for rows.Next() {
		var eventID string
		var refsJSON sql.NullString
		if err := rows.Scan(&eventID, &refsJSON); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if !refsJSON.Valid || refsJSON.String == "" {
			continue
		}
		var refs types.EvidenceRefs
		if err := json.Unmarshal([]byte(refsJSON.String), &refs); err != nil {
			continue
		}
		changed := false
		for i, id := range refs.AttachmentIDs {
			if id == oldID {
				refs.AttachmentIDs[i] = newID
				changed = true
			}
		}
		if changed {
			b, err := json.Marshal(refs)
			if err != nil {
				_ = rows.Close()
				return 0, err
			}
			updates = append(updates, pending{eventID, string(b)})
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, u := range updates {
		if _, err := s.q.ExecContext(ctx, `UPDATE events SET evidence_refs = ? WHERE event_id = ?`, u.refs, u.eventID); err != nil {
			return 0, fmt.Errorf("failed to rewrite event %s refs: %w", u.eventID, err)
		}
	}
	return len(updates), nil
}
