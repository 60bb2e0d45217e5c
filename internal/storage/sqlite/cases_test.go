package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

func TestCreateAndGetCase(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := makeTestCase(t, store, "PO-1001", "1")
	if c.ID == "" {
		t.Fatal("expected generated case id")
	}
	if c.State != types.StateInboxLookup {
		t.Fatalf("initial state = %s", c.State)
	}

	got, err := store.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if got.PONumber != "PO-1001" || got.LineID != "1" {
		t.Errorf("got (%s, %s)", got.PONumber, got.LineID)
	}
	if len(got.MissingFields) != 3 {
		t.Errorf("missing_fields = %v", got.MissingFields)
	}
}

func TestFindCaseByPOLine(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := makeTestCase(t, store, "PO-2002", "3")
	got, err := store.FindCaseByPOLine(ctx, "PO-2002", "3")
	if err != nil {
		t.Fatalf("FindCaseByPOLine failed: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("found %s, want %s", got.ID, c.ID)
	}

	if _, err := store.FindCaseByPOLine(ctx, "PO-2002", "99"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateCaseDuplicatePOLine(t *testing.T) {
	store := setupTestStore(t)
	makeTestCase(t, store, "PO-3003", "1")

	dup := &types.Case{PONumber: "PO-3003", LineID: "1"}
	err := store.CreateCase(context.Background(), dup)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateCasePatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-4004", "1")

	before, _ := store.GetCase(ctx, c.ID)

	state := types.StateWaiting
	missing := []string{types.FieldDeliveryDate}
	due := time.Now().Add(time.Hour).UTC()
	patch := &types.CasePatch{State: &state, MissingFields: &missing}
	patch.SetNextCheckAt(&due)

	if err := store.UpdateCase(ctx, c.ID, patch); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	got, _ := store.GetCase(ctx, c.ID)
	if got.State != types.StateWaiting {
		t.Errorf("state = %s", got.State)
	}
	if len(got.MissingFields) != 1 || got.MissingFields[0] != types.FieldDeliveryDate {
		t.Errorf("missing_fields = %v", got.MissingFields)
	}
	if got.NextCheckAt == nil || got.NextCheckAt.UnixMilli() != due.UnixMilli() {
		t.Errorf("next_check_at = %v, want %v", got.NextCheckAt, due)
	}
	if !got.UpdatedAt.After(before.UpdatedAt) && got.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("updated_at not bumped")
	}
	// Untouched fields survive.
	if got.SupplierEmail != "orders@acmesteel.example" {
		t.Errorf("supplier_email clobbered: %q", got.SupplierEmail)
	}

	// Clearing next_check_at through the double pointer.
	clear := &types.CasePatch{}
	clear.SetNextCheckAt(nil)
	if err := store.UpdateCase(ctx, c.ID, clear); err != nil {
		t.Fatalf("UpdateCase clear failed: %v", err)
	}
	got, _ = store.GetCase(ctx, c.ID)
	if got.NextCheckAt != nil {
		t.Errorf("next_check_at not cleared: %v", got.NextCheckAt)
	}
}

func TestListDueCases(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mkDue := func(po string, state types.CaseState, offset time.Duration) *types.Case {
		c := makeTestCase(t, store, po, "1")
		st := state
		due := now.Add(offset)
		patch := &types.CasePatch{State: &st}
		patch.SetNextCheckAt(&due)
		if err := store.UpdateCase(ctx, c.ID, patch); err != nil {
			t.Fatalf("UpdateCase failed: %v", err)
		}
		return c
	}

	overdue := mkDue("PO-A", types.StateWaiting, -2*time.Hour)
	older := mkDue("PO-B", types.StateOutreachSent, -3*time.Hour)
	mkDue("PO-C", types.StateWaiting, time.Hour)           // not yet due
	mkDue("PO-D", types.StateFollowupSent, -1*time.Minute) // due

	// Non-schedulable state with a stale next_check_at must not appear.
	parked := makeTestCase(t, store, "PO-E", "1")
	st := types.StateParsed
	stale := now.Add(-time.Hour)
	parkedPatch := &types.CasePatch{State: &st}
	parkedPatch.SetNextCheckAt(&stale)
	if err := store.UpdateCase(ctx, parked.ID, parkedPatch); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	due, err := store.ListDueCases(ctx, now, 25)
	if err != nil {
		t.Fatalf("ListDueCases failed: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("got %d due cases, want 3", len(due))
	}
	// Ordered by next_check_at ascending.
	if due[0].ID != older.ID || due[1].ID != overdue.ID {
		t.Errorf("order: %s, %s", due[0].PONumber, due[1].PONumber)
	}
}

func TestDeleteCasesByPOCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-DEL", "1")
	msgID := makeTestMessage(t, store, c.ID, "msg-del-1")

	if _, err := store.AddAttachment(ctx, &types.Attachment{
		MessageID: msgID, Filename: "conf.pdf", MimeType: "application/pdf",
		ContentSHA256: "deadbeef",
	}); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if err := store.AddEvent(ctx, &types.Event{CaseID: c.ID, EventType: types.EventPDFParsed, Summary: "x"}); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}

	n, err := store.DeleteCasesByPO(ctx, "PO-DEL")
	if err != nil {
		t.Fatalf("DeleteCasesByPO failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d", n)
	}

	if _, err := store.GetCase(ctx, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("case survived delete: %v", err)
	}
	if _, err := store.GetMessage(ctx, msgID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("message survived cascade: %v", err)
	}
	atts, err := store.ListAttachmentsByMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("ListAttachmentsByMessage failed: %v", err)
	}
	if len(atts) != 0 {
		t.Errorf("%d attachments survived cascade", len(atts))
	}
	events, _ := store.ListEvents(ctx, c.ID, 10)
	if len(events) != 0 {
		t.Errorf("%d events survived cascade", len(events))
	}
}

func TestWithCaseLockCommitsAndRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-LOCK", "1")

	// Mutation inside the lock commits.
	err := store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		name := "Updated Name"
		return tx.UpdateCase(ctx, locked.ID, &types.CasePatch{SupplierName: &name})
	})
	if err != nil {
		t.Fatalf("WithCaseLock failed: %v", err)
	}
	got, _ := store.GetCase(ctx, c.ID)
	if got.SupplierName != "Updated Name" {
		t.Errorf("commit lost: %q", got.SupplierName)
	}

	// An error inside the lock rolls everything back.
	wantErr := errors.New("boom")
	err = store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		name := "Should Not Persist"
		if err := tx.UpdateCase(ctx, locked.ID, &types.CasePatch{SupplierName: &name}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ = store.GetCase(ctx, c.ID)
	if got.SupplierName != "Updated Name" {
		t.Errorf("rollback failed: %q", got.SupplierName)
	}
}
