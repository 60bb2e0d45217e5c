package poller

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/confirmbot/confirmd/internal/inbox"
	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/pdftext"
	"github.com/confirmbot/confirmd/internal/retrieval"
	"github.com/confirmbot/confirmd/internal/storage/sqlite"
	"github.com/confirmbot/confirmd/internal/tracker"
	"github.com/confirmbot/confirmd/internal/types"
)

var noopExtractor = pdftext.Func(func(_ context.Context, _ []byte) (string, error) {
	return "Confirmed Delivery Date: 2026-01-15", nil
})

type fixture struct {
	store *sqlite.Store
	fake  *mail.Fake
	track *tracker.Tracker
	poll  *Poller
}

func setupPoller(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := mail.NewFake()
	track := tracker.New(store, nil)
	searcher := inbox.NewSearcher(fake, store, "purchasing@buyer.example", nil)
	retriever := retrieval.New(fake, store, noopExtractor)
	return &fixture{
		store: store,
		fake:  fake,
		track: track,
		poll:  New(store, track, searcher, retriever, nil),
	}
}

// dueCase creates a case in a schedulable state whose check is overdue.
func dueCase(t *testing.T, f *fixture, po, threadID string) *types.Case {
	t.Helper()
	ctx := context.Background()
	c := &types.Case{
		PONumber:      po,
		LineID:        "1",
		MissingFields: []string{types.FieldDeliveryDate},
	}
	if threadID != "" {
		c.Meta.ThreadID = threadID
	}
	if err := f.store.CreateCase(ctx, c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	state := types.StateWaiting
	due := time.Now().Add(-time.Hour).UTC()
	patch := &types.CasePatch{State: &state}
	patch.SetNextCheckAt(&due)
	if err := f.store.UpdateCase(ctx, c.ID, patch); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}
	got, _ := f.store.GetCase(ctx, c.ID)
	return got
}

func threadWithPDF(f *fixture, msgID, threadID, content string) {
	data := base64.RawURLEncoding.EncodeToString([]byte(content))
	f.fake.AddMessage(&mail.Message{
		ID:       msgID,
		ThreadID: threadID,
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Parts: []*mail.Part{
				{MimeType: "application/pdf", Filename: "conf.pdf", Data: data},
			},
		},
	})
}

func TestPollNoReplyReschedules(t *testing.T) {
	f := setupPoller(t)
	ctx := context.Background()
	c := dueCase(t, f, "PO-COLD", "")

	result, err := f.poll.PollDue(ctx, false)
	if err != nil {
		t.Fatalf("PollDue failed: %v", err)
	}
	if result.Polled != 1 || result.NoEvidence != 1 {
		t.Fatalf("result = %+v", result)
	}

	got, _ := f.store.GetCase(ctx, c.ID)
	if got.State != types.StateWaiting {
		t.Errorf("state = %s", got.State)
	}
	until := time.Until(*got.NextCheckAt)
	if until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("next_check_at %v out, want ~60m", until)
	}
	if got.LastInboxCheckAt == nil {
		t.Error("last_inbox_check_at not stamped")
	}

	events, _ := f.store.ListEvents(ctx, c.ID, 10)
	found := false
	for _, e := range events {
		if e.EventType == types.EventInboxSearchNotFound {
			found = true
		}
	}
	if !found {
		t.Error("no INBOX_SEARCH_NOT_FOUND event")
	}
}

func TestPollEvidenceAdvancesCase(t *testing.T) {
	f := setupPoller(t)
	ctx := context.Background()
	c := dueCase(t, f, "PO-EVID", "t-1")
	threadWithPDF(f, "m-1", "t-1", "%PDF-1.4 new confirmation")

	result, err := f.poll.PollDue(ctx, false)
	if err != nil {
		t.Fatalf("PollDue failed: %v", err)
	}
	if result.FoundEvidence != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Cases[0].ContentHash == "" {
		t.Error("content hash not reported")
	}

	got, _ := f.store.GetCase(ctx, c.ID)
	if got.State != types.StateParsed {
		t.Errorf("state = %s", got.State)
	}
	if got.NextCheckAt != nil {
		t.Errorf("next_check_at not cleared: %v", got.NextCheckAt)
	}
}

func TestPollDuplicateEvidenceOnlyBumps(t *testing.T) {
	f := setupPoller(t)
	ctx := context.Background()
	c := dueCase(t, f, "PO-DUP", "t-1")
	threadWithPDF(f, "m-1", "t-1", "%PDF-1.4 same old pdf")

	// First poll advances to PARSED with the hash on record.
	if _, err := f.poll.PollDue(ctx, false); err != nil {
		t.Fatalf("first poll failed: %v", err)
	}
	got, _ := f.store.GetCase(ctx, c.ID)
	if got.State != types.StateParsed {
		t.Fatalf("state = %s", got.State)
	}

	// Re-arm the case as WAITING and due again; same PDF still in the thread.
	state := types.StateWaiting
	due := time.Now().Add(-time.Minute).UTC()
	patch := &types.CasePatch{State: &state}
	patch.SetNextCheckAt(&due)
	if err := f.store.UpdateCase(ctx, c.ID, patch); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	result, err := f.poll.PollDue(ctx, false)
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if result.Cases[0].Outcome != "duplicate" {
		t.Fatalf("outcome = %s", result.Cases[0].Outcome)
	}

	got, _ = f.store.GetCase(ctx, c.ID)
	if got.State != types.StateWaiting {
		t.Errorf("state advanced on duplicate: %s", got.State)
	}
	until := time.Until(*got.NextCheckAt)
	if until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("next_check_at not bumped: %v", until)
	}
	if got.LastInboxCheckAt == nil {
		t.Error("last_inbox_check_at not stamped")
	}
}

func TestPollErrorIsolatesCase(t *testing.T) {
	f := setupPoller(t)
	ctx := context.Background()

	bad := dueCase(t, f, "PO-BAD", "t-missing") // thread fetch will fail
	good := dueCase(t, f, "PO-GOOD", "")

	result, err := f.poll.PollDue(ctx, false)
	if err != nil {
		t.Fatalf("PollDue failed: %v", err)
	}
	if result.Polled != 2 || result.Errors != 1 {
		t.Fatalf("result = %+v", result)
	}

	gotBad, _ := f.store.GetCase(ctx, bad.ID)
	if gotBad.State != types.StateError {
		t.Errorf("failed case state = %s", gotBad.State)
	}
	if gotBad.NextCheckAt != nil {
		t.Error("next_check_at not cleared on ERROR")
	}

	gotGood, _ := f.store.GetCase(ctx, good.ID)
	if gotGood.State != types.StateWaiting {
		t.Errorf("healthy case state = %s", gotGood.State)
	}
}

func TestPollDryRunMutatesNothing(t *testing.T) {
	f := setupPoller(t)
	ctx := context.Background()
	c := dueCase(t, f, "PO-DRY", "t-1")
	threadWithPDF(f, "m-1", "t-1", "%PDF-1.4 dry run pdf")

	before, _ := f.store.GetCase(ctx, c.ID)
	result, err := f.poll.PollDue(ctx, true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if result.Polled != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Cases[0].ThreadDebug == nil {
		t.Error("dry run returned no threadDebug")
	}

	after, _ := f.store.GetCase(ctx, c.ID)
	if after.State != before.State || after.TouchCount != before.TouchCount {
		t.Error("dry run mutated the case")
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("dry run bumped updated_at")
	}
	atts, _ := f.store.ListAttachmentsByMessage(ctx, "m-1")
	if len(atts) != 0 {
		t.Error("dry run persisted attachments")
	}
}

func TestPollSkipsNonDueCases(t *testing.T) {
	f := setupPoller(t)
	ctx := context.Background()

	// A case whose next check is in the future is not polled.
	c := dueCase(t, f, "PO-FUTURE", "")
	future := time.Now().Add(time.Hour).UTC()
	patch := &types.CasePatch{}
	patch.SetNextCheckAt(&future)
	if err := f.store.UpdateCase(ctx, c.ID, patch); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	result, err := f.poll.PollDue(ctx, false)
	if err != nil {
		t.Fatalf("PollDue failed: %v", err)
	}
	if result.Polled != 0 {
		t.Errorf("polled %d cases, want 0", result.Polled)
	}
}
