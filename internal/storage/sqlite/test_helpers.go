package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/confirmbot/confirmd/internal/types"
)

// setupTestStore opens a fresh store in a temp directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// makeTestCase creates a minimal case and returns it.
func makeTestCase(t *testing.T, store *Store, poNumber, lineID string) *types.Case {
	t.Helper()
	c := &types.Case{
		PONumber:      poNumber,
		LineID:        lineID,
		SupplierName:  "Acme Steel",
		SupplierEmail: "orders@acmesteel.example",
		MissingFields: []string{types.FieldSupplierReference, types.FieldDeliveryDate, types.FieldQuantity},
	}
	if err := store.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	return c
}

// makeTestMessage stores a message for a case and returns its id.
func makeTestMessage(t *testing.T, store *Store, caseID, messageID string) string {
	t.Helper()
	m := &types.Message{
		ID:      messageID,
		CaseID:  caseID,
		From:    "orders@acmesteel.example",
		Subject: "Re: PO-1001",
	}
	if err := store.AddMessage(context.Background(), m); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	return m.ID
}
