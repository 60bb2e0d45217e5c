package retrieval

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/pdftext"
	"github.com/confirmbot/confirmd/internal/storage/sqlite"
	"github.com/confirmbot/confirmd/internal/types"
)

// fakeExtractor pretends every PDF says the same thing.
var fakeExtractor = pdftext.Func(func(_ context.Context, _ []byte) (string, error) {
	return "Sales Order: SO-907255", nil
})

func setupRetrieval(t *testing.T) (*sqlite.Store, *mail.Fake, *Retriever, *types.Case) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := &types.Case{PONumber: "PO-RET", LineID: "1"}
	if err := store.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	fake := mail.NewFake()
	return store, fake, New(fake, store, fakeExtractor), c
}

func pdfMessage(id, threadID string, inline bool, content string) (*mail.Message, string) {
	data := base64.RawURLEncoding.EncodeToString([]byte(content))
	part := &mail.Part{
		MimeType: "application/pdf",
		Filename: "confirmation.pdf",
	}
	if inline {
		part.Data = data
	} else {
		part.AttachmentID = "prov-att-1"
	}
	msg := &mail.Message{
		ID:       id,
		ThreadID: threadID,
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Parts: []*mail.Part{
				{MimeType: "text/plain", Data: base64.RawURLEncoding.EncodeToString([]byte("see attached"))},
				part,
			},
		},
	}
	return msg, data
}

// persistMessage stores the message row that attachment rows reference, as
// the orchestrator and poller do before they call Retrieve.
func persistMessage(t *testing.T, store *sqlite.Store, caseID string, msg *mail.Message) {
	t.Helper()
	if err := store.AddMessage(context.Background(), &types.Message{ID: msg.ID, CaseID: caseID, ThreadID: msg.ThreadID}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
}

func TestRetrieveInlinePDF(t *testing.T) {
	store, fake, r, c := setupRetrieval(t)
	ctx := context.Background()

	msg, _ := pdfMessage("m-1", "t-1", true, "%PDF-1.4 confirmation bytes")
	fake.AddMessage(msg)
	persistMessage(t, store, c.ID, msg)

	summary, err := r.Retrieve(ctx, c.ID, "", []string{"m-1"})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if summary.Inserted != 1 || summary.Reused != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if !summary.HasEvidence() {
		t.Fatal("no evidence reported")
	}

	a, err := store.GetAttachment(ctx, summary.AttachmentsWithSha[0])
	if err != nil {
		t.Fatalf("GetAttachment failed: %v", err)
	}
	if a.ContentSHA256 == "" {
		t.Error("content_sha256 missing")
	}
	if a.SizeBytes == 0 {
		t.Error("size_bytes missing")
	}
	if a.TextExtract != "Sales Order: SO-907255" {
		t.Errorf("text_extract = %q", a.TextExtract)
	}
}

func TestRetrieveDownloadsProviderAttachment(t *testing.T) {
	store, fake, r, c := setupRetrieval(t)
	ctx := context.Background()

	msg, data := pdfMessage("m-2", "t-2", false, "%PDF-1.4 downloaded bytes")
	fake.AddMessage(msg)
	persistMessage(t, store, c.ID, msg)
	fake.AddAttachmentData("m-2", "prov-att-1", data)

	summary, err := r.Retrieve(ctx, c.ID, "t-2", nil)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if summary.Inserted != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRetrieveDuplicateIsReused(t *testing.T) {
	store, fake, r, c := setupRetrieval(t)
	ctx := context.Background()

	msg, _ := pdfMessage("m-3", "t-3", true, "%PDF-1.4 same bytes")
	fake.AddMessage(msg)
	persistMessage(t, store, c.ID, msg)

	first, err := r.Retrieve(ctx, c.ID, "", []string{"m-3"})
	if err != nil {
		t.Fatalf("first Retrieve failed: %v", err)
	}
	second, err := r.Retrieve(ctx, c.ID, "", []string{"m-3"})
	if err != nil {
		t.Fatalf("second Retrieve failed: %v", err)
	}
	if second.Inserted != 0 || second.Reused != 1 {
		t.Fatalf("second summary = %+v", second)
	}
	if first.AttachmentsWithSha[0] != second.AttachmentsWithSha[0] {
		t.Error("different canonical rows for identical bytes")
	}

	// Exactly one row in total.
	atts, _ := store.ListAttachmentsByMessage(ctx, "m-3")
	if len(atts) != 1 {
		t.Errorf("%d rows, want 1", len(atts))
	}
}

func TestRetrieveDropsZeroByte(t *testing.T) {
	store, fake, r, c := setupRetrieval(t)
	ctx := context.Background()

	msg := &mail.Message{
		ID: "m-4",
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Parts: []*mail.Part{
				{MimeType: "application/pdf", Filename: "empty.pdf", Data: ""},
			},
		},
	}
	// A part with a filename but no data and no provider id: zero bytes.
	fake.AddMessage(msg)

	summary, err := r.Retrieve(ctx, c.ID, "", []string{"m-4"})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if summary.Inserted != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Errors) == 0 {
		t.Error("zero-byte payload not reported")
	}

	events, _ := store.ListEvents(ctx, c.ID, 10)
	found := false
	for _, e := range events {
		if e.EventType == types.EventAttachmentError && strings.Contains(e.Summary, "zero-byte") {
			found = true
		}
	}
	if !found {
		t.Error("no attachment error event")
	}
}

func TestRetrieveSkipsNonPDF(t *testing.T) {
	store, fake, r, c := setupRetrieval(t)
	ctx := context.Background()

	msg := &mail.Message{
		ID: "m-5",
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Parts: []*mail.Part{
				{MimeType: "image/png", Filename: "logo.png", Data: base64.RawURLEncoding.EncodeToString([]byte("png"))},
				{MimeType: "application/octet-stream", Filename: "confirmation.PDF",
					Data: base64.RawURLEncoding.EncodeToString([]byte("%PDF-1.4 octet"))},
			},
		},
	}
	fake.AddMessage(msg)
	persistMessage(t, store, c.ID, msg)

	summary, err := r.Retrieve(ctx, c.ID, "", []string{"m-5"})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	// The PNG is skipped; the octet-stream .pdf is taken.
	if summary.Skipped != 1 || summary.Inserted != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
