package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/confirmbot/confirmd/internal/types"
)

// insertLegacyDuplicates simulates a database from before the unique hash
// indexes existed: both indexes covering content_sha256 are dropped and two
// rows share one hash.
func insertLegacyDuplicates(t *testing.T, store *Store, msgID string) (keeperID, dupID string) {
	t.Helper()
	ctx := context.Background()
	for _, idx := range []string{"idx_attachments_content_sha256", "idx_attachments_msg_file_mime_sha"} {
		if _, err := store.q.ExecContext(ctx, `DROP INDEX `+idx); err != nil {
			t.Fatalf("drop index %s failed: %v", idx, err)
		}
	}
	insert := func(id, text, binary, createdAt string) {
		_, err := store.q.ExecContext(ctx, `
			INSERT INTO attachments (attachment_id, message_id, filename, mime_type,
				binary_data_base64, content_sha256, text_extract, created_at)
			VALUES (?, ?, 'conf.pdf', 'application/pdf', ?, 'dupehash', ?, ?)`,
			id, msgID, nullableString(binary), nullableString(text), createdAt)
		if err != nil {
			t.Fatalf("raw insert failed: %v", err)
		}
	}
	// The row with text_extract wins regardless of age.
	insert("att-old", "Sales Order: SO-1", "QklO", "2025-01-01T00:00:00Z")
	insert("att-new", "", "QklO", "2025-06-01T00:00:00Z")
	return "att-old", "att-new"
}

func TestCleanupDuplicateAttachments(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-DUP", "1")
	msgID := makeTestMessage(t, store, c.ID, "msg-dup-1")
	keeperID, dupID := insertLegacyDuplicates(t, store, msgID)

	// Back-references pointing at the doomed row.
	if err := store.UpsertConfirmationRecord(ctx, &types.ConfirmationRecord{
		POID: "PO-DUP", LineID: "1", SourceAttachmentID: dupID,
	}); err != nil {
		t.Fatalf("UpsertConfirmationRecord failed: %v", err)
	}
	if err := store.AddConfirmationExtraction(ctx, &types.ConfirmationExtraction{
		CaseID: c.ID, FieldsJSON: "{}", EvidenceAttachmentID: dupID,
	}); err != nil {
		t.Fatalf("AddConfirmationExtraction failed: %v", err)
	}
	if err := store.AddEvent(ctx, &types.Event{
		CaseID: c.ID, EventType: types.EventPDFParsed, Summary: "parsed",
		EvidenceRefs: types.EvidenceRefs{AttachmentIDs: []string{dupID}},
	}); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	meta := types.CaseMeta{ParsedBestFields: &types.ParsedBestFields{EvidenceAttachmentID: dupID}}
	if err := store.UpdateCase(ctx, c.ID, &types.CasePatch{Meta: &meta}); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	stats, err := store.CleanupDuplicateAttachments(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if stats.Groups != 1 || stats.Deleted != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// The keeper (has text_extract) survives; the duplicate is gone.
	if _, err := store.GetAttachment(ctx, keeperID); err != nil {
		t.Fatalf("keeper deleted: %v", err)
	}
	if _, err := store.GetAttachment(ctx, dupID); err == nil {
		t.Fatal("duplicate survived")
	}

	// Every back-reference now points at the keeper.
	rec, _ := store.GetConfirmationRecord(ctx, "PO-DUP", "1")
	if rec.SourceAttachmentID != keeperID {
		t.Errorf("record ref = %s", rec.SourceAttachmentID)
	}
	got, _ := store.GetCase(ctx, c.ID)
	if got.Meta.ParsedBestFields.EvidenceAttachmentID != keeperID {
		t.Errorf("meta ref = %s", got.Meta.ParsedBestFields.EvidenceAttachmentID)
	}
	events, _ := store.ListEvents(ctx, c.ID, 10)
	for _, e := range events {
		for _, id := range e.EvidenceRefs.AttachmentIDs {
			if id == dupID {
				t.Errorf("event %s still references %s", e.ID, dupID)
			}
		}
	}
	var extractionRef string
	err = store.q.QueryRowContext(ctx, `SELECT evidence_attachment_id FROM confirmation_extractions WHERE case_id = ?`, c.ID).Scan(&extractionRef)
	if err != nil {
		t.Fatalf("extraction query failed: %v", err)
	}
	if extractionRef != keeperID {
		t.Errorf("extraction ref = %s", extractionRef)
	}
}

func TestPickKeeperLadder(t *testing.T) {
	mk := func(id, text, binary, created string) *types.Attachment {
		return &types.Attachment{
			ID: id, TextExtract: text, BinaryDataBase64: binary,
			CreatedAt: parseTimeString(created),
		}
	}
	tests := []struct {
		name  string
		group []*types.Attachment
		want  string
	}{
		{"text beats binary", []*types.Attachment{
			mk("a", "", "bin", "2025-06-01T00:00:00Z"),
			mk("b", "text", "", "2025-01-01T00:00:00Z"),
		}, "b"},
		{"binary beats empty", []*types.Attachment{
			mk("a", "", "", "2025-06-01T00:00:00Z"),
			mk("b", "", "bin", "2025-01-01T00:00:00Z"),
		}, "b"},
		{"newest wins on tie", []*types.Attachment{
			mk("a", "t", "b", "2025-01-01T00:00:00Z"),
			mk("b", "t", "b", "2025-06-01T00:00:00Z"),
		}, "b"},
	}
	for _, tt := range tests {
		if got := pickKeeper(tt.group); got.ID != tt.want {
			t.Errorf("%s: keeper = %s, want %s", tt.name, got.ID, tt.want)
		}
	}
}

func TestCleanupNoDuplicatesIsNoOp(t *testing.T) {
	store := setupTestStore(t)
	stats, err := store.CleanupDuplicateAttachments(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if stats.Groups != 0 || stats.Deleted != 0 {
		t.Errorf("stats = %+v", stats)
	}

	// JSON shape of the stats stays stable for the CLI output.
	if _, err := json.Marshal(stats); err != nil {
		t.Fatalf("stats not marshalable: %v", err)
	}
}
