package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/confirmbot/confirmd/internal/types"
)

func TestAddEventDedupWindow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-EVT", "1")

	e := func(at time.Time) *types.Event {
		return &types.Event{
			CaseID:    c.ID,
			EventType: types.EventInboxSearchNotFound,
			Summary:   "no matching supplier reply",
			CreatedAt: at,
		}
	}

	now := time.Now().UTC()
	if err := store.AddEvent(ctx, e(now)); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	// Identical event inside the window is suppressed.
	if err := store.AddEvent(ctx, e(now.Add(2*time.Second))); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	events, _ := store.ListEvents(ctx, c.ID, 10)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (dedup)", len(events))
	}

	// Same shape outside the window lands.
	if err := store.AddEvent(ctx, e(now.Add(10*time.Second))); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	// Different summary inside the window lands too.
	other := e(now.Add(time.Second))
	other.Summary = "different"
	if err := store.AddEvent(ctx, other); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	events, _ = store.ListEvents(ctx, c.ID, 10)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
}

func TestLastEventOfType(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-LAST", "1")

	base := time.Now().UTC().Add(-time.Minute)
	for i, et := range []types.EventType{types.EventEmailSent, types.EventPDFParsed, types.EventEmailSent} {
		err := store.AddEvent(ctx, &types.Event{
			CaseID:    c.ID,
			EventType: et,
			Summary:   string(et) + " " + string(rune('a'+i)),
			CreatedAt: base.Add(time.Duration(i) * 10 * time.Second),
		})
		if err != nil {
			t.Fatalf("AddEvent failed: %v", err)
		}
	}

	last, err := store.LastEventOfType(ctx, c.ID, types.EventEmailSent)
	if err != nil {
		t.Fatalf("LastEventOfType failed: %v", err)
	}
	if last == nil || last.Summary != "EMAIL_SENT c" {
		t.Errorf("last = %+v", last)
	}

	none, err := store.LastEventOfType(ctx, c.ID, types.EventCaseResolved)
	if err != nil {
		t.Fatalf("LastEventOfType failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil, got %+v", none)
	}
}

func TestEventEvidenceRefsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	c := makeTestCase(t, store, "PO-REFS", "1")

	err := store.AddEvent(ctx, &types.Event{
		CaseID:    c.ID,
		EventType: types.EventStateTransition,
		Summary:   "evidence found",
		EvidenceRefs: types.EvidenceRefs{
			MessageIDs:    []string{"m1"},
			AttachmentIDs: []string{"att-1", "att-2"},
		},
		Meta: map[string]any{"content_sha256": "abc123"},
	})
	if err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}

	events, _ := store.ListEvents(ctx, c.ID, 1)
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	got := events[0]
	if len(got.EvidenceRefs.AttachmentIDs) != 2 || got.EvidenceRefs.AttachmentIDs[0] != "att-1" {
		t.Errorf("evidence_refs = %+v", got.EvidenceRefs)
	}
	if hash, _ := got.Meta["content_sha256"].(string); hash != "abc123" {
		t.Errorf("meta = %+v", got.Meta)
	}
}
