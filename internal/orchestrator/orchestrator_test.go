package orchestrator

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
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

const buyerAddr = "purchasing@buyer.example"

// confirmationText is what the fake PDF extractor reads out of every PDF.
const confirmationText = `ORDER ACKNOWLEDGMENT
Our Order Number: SO-907255
Confirmed Delivery Date: 2026-01-15
Quantity: 240 EA`

type fixture struct {
	store *sqlite.Store
	fake  *mail.Fake
	orch  *Orchestrator
}

func setupOrchestrator(t *testing.T, pdfText string) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := mail.NewFake()
	track := tracker.New(store, nil)
	searcher := inbox.NewSearcher(fake, store, buyerAddr, nil)
	extractor := pdftext.Func(func(_ context.Context, _ []byte) (string, error) {
		return pdfText, nil
	})
	retriever := retrieval.New(fake, store, extractor)

	orch := New(store, track, searcher, retriever, fake, nil, Config{
		BuyerEmail:    buyerAddr,
		DemoMode:      true,
		DemoRecipient: "sandbox@demo.example",
	}, nil)
	return &fixture{store: store, fake: fake, orch: orch}
}

func createCase(t *testing.T, f *fixture, missing []string) *types.Case {
	t.Helper()
	c := &types.Case{
		PONumber:       "PO-55012",
		LineID:         "1",
		SupplierName:   "Acme Steel",
		SupplierEmail:  "orders@acmesteel.example",
		SupplierDomain: "acmesteel.example",
		MissingFields:  missing,
	}
	if err := f.store.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	return c
}

func addReplyWithPDF(f *fixture, msgID, threadID, body string) {
	pdfData := base64.RawURLEncoding.EncodeToString([]byte("%PDF-1.4 " + msgID))
	f.fake.AddMessage(&mail.Message{
		ID:           msgID,
		ThreadID:     threadID,
		Snippet:      "Re: PO-55012 confirmation attached",
		InternalDate: time.Now().Add(-time.Hour),
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Headers: map[string]string{
				"From":    "Acme Steel <orders@acmesteel.example>",
				"Subject": "Re: PO-55012 confirmation",
			},
			Parts: []*mail.Part{
				{MimeType: "text/plain", Data: base64.RawURLEncoding.EncodeToString([]byte(body))},
				{MimeType: "application/pdf", Filename: "conf.pdf", Data: pdfData},
			},
		},
	})
}

func TestOrchestratorResolvesFullyConfirmedCase(t *testing.T) {
	f := setupOrchestrator(t, confirmationText)
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldSupplierReference, types.FieldDeliveryDate, types.FieldQuantity})
	addReplyWithPDF(f, "m-conf", "t-1", "see attached confirmation")

	outcome, err := f.orch.Run(ctx, c.ID, ModeDryRun, 30, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := f.store.GetCase(ctx, c.ID)
	if got.State != types.StateResolved {
		t.Errorf("state = %s, want RESOLVED", got.State)
	}
	if got.Status != types.StatusConfirmed {
		t.Errorf("status = %s", got.Status)
	}
	if len(got.MissingFields) != 0 {
		t.Errorf("missing_fields = %v", got.MissingFields)
	}
	if got.NextCheckAt != nil {
		t.Errorf("next_check_at = %v", got.NextCheckAt)
	}
	if got.Meta.ThreadID != "t-1" {
		t.Errorf("thread not persisted: %q", got.Meta.ThreadID)
	}
	if got.Meta.ParsedBestFields == nil || got.Meta.ParsedBestFields.SupplierOrderNumber.Value != "SO-907255" {
		t.Errorf("parsed_best_fields_v1 = %+v", got.Meta.ParsedBestFields)
	}
	if outcome.State != types.StateResolved {
		t.Errorf("outcome state = %s", outcome.State)
	}
	if outcome.Retrieval == nil || !outcome.Retrieval.HasEvidence() {
		t.Error("no evidence in outcome")
	}

	// The authoritative record was written.
	rec, err := f.store.GetConfirmationRecord(ctx, "PO-55012", "1")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.SupplierOrderNumber != "SO-907255" || rec.ConfirmedDeliveryDate != "2026-01-15" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ConfirmedQuantity == nil || *rec.ConfirmedQuantity != 240 {
		t.Errorf("quantity = %v", rec.ConfirmedQuantity)
	}
}

func TestOrchestratorCooldownNoOp(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})

	// An email went out two hours ago.
	if err := f.store.AddEvent(ctx, &types.Event{
		CaseID:    c.ID,
		EventType: types.EventEmailSent,
		Summary:   "sent earlier",
		CreatedAt: time.Now().Add(-2 * time.Hour).UTC(),
	}); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	before, _ := f.store.GetCase(ctx, c.ID)

	outcome, err := f.orch.Run(ctx, c.ID, ModeAutoSend, 30, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Decision.Action != ActionNoOp {
		t.Errorf("action = %s", outcome.Decision.Action)
	}
	if outcome.Draft != nil {
		t.Error("draft generated during cooldown")
	}
	if outcome.Sent {
		t.Error("sent during cooldown")
	}
	after, _ := f.store.GetCase(ctx, c.ID)
	if after.State != before.State {
		t.Errorf("state changed: %s -> %s", before.State, after.State)
	}
}

func TestOrchestratorExceptionEscalatesInAutoSend(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})

	// Park the case in WAITING so escalation is a legal edge, and give it
	// an inbound reply carrying a price-change exception.
	state := types.StateWaiting
	if err := f.store.UpdateCase(ctx, c.ID, &types.CasePatch{State: &state}); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}
	f.fake.AddMessage(&mail.Message{
		ID:           "m-exc",
		ThreadID:     "t-exc",
		Snippet:      "PO-55012 pricing",
		InternalDate: time.Now().Add(-time.Hour),
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Headers: map[string]string{
				"From":    "orders@acmesteel.example",
				"Subject": "Re: PO-55012",
			},
			Parts: []*mail.Part{{
				MimeType: "text/plain",
				Data:     base64.RawURLEncoding.EncodeToString([]byte("There will be a price increase effective next month.")),
			}},
		},
	})

	outcome, err := f.orch.Run(ctx, c.ID, ModeAutoSend, 30, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Decision.Action != ActionNeedsHuman {
		t.Fatalf("action = %s", outcome.Decision.Action)
	}
	if !strings.Contains(outcome.BlockingReason, "price_change") {
		t.Errorf("blocking_reason = %q", outcome.BlockingReason)
	}
	if outcome.WhatAgentNeeds == "" || outcome.WhatAgentKnows == "" {
		t.Error("structured needs-human block incomplete")
	}

	got, _ := f.store.GetCase(ctx, c.ID)
	if got.State != types.StateEscalated {
		t.Errorf("state = %s, want ESCALATED", got.State)
	}
	if got.NextCheckAt != nil {
		t.Error("next_check_at not cleared on ESCALATED")
	}
}

func TestOrchestratorQueueOnlyEnqueues(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})

	outcome, err := f.orch.Run(ctx, c.ID, ModeQueueOnly, 30, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Decision.Action != ActionDraftEmail {
		t.Fatalf("action = %s", outcome.Decision.Action)
	}
	if outcome.Draft == nil {
		t.Fatal("no draft generated")
	}

	got, _ := f.store.GetCase(ctx, c.ID)
	if len(got.Meta.AgentQueue) != 1 {
		t.Fatalf("agent_queue = %+v", got.Meta.AgentQueue)
	}
	queued := got.Meta.AgentQueue[0]
	if queued.Action != string(ActionDraftEmail) || queued.Body == "" {
		t.Errorf("queued = %+v", queued)
	}
	if len(f.fake.Sent) != 0 {
		t.Error("queue_only sent mail")
	}
}

func TestOrchestratorAutoSendSendsAndTransitions(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})

	outcome, err := f.orch.Run(ctx, c.ID, ModeAutoSend, 30, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !outcome.Sent {
		t.Fatalf("not sent; action = %s", outcome.Decision.Action)
	}
	if len(f.fake.Sent) != 1 {
		t.Fatalf("%d messages sent", len(f.fake.Sent))
	}
	// Demo mode: the bytes go to the sandbox, with the sandbox BCC'd.
	sent := f.fake.Sent[0]
	if sent.To != "sandbox@demo.example" || sent.Bcc != "sandbox@demo.example" {
		t.Errorf("sent to %q bcc %q", sent.To, sent.Bcc)
	}

	got, _ := f.store.GetCase(ctx, c.ID)
	if got.State != types.StateOutreachSent {
		t.Errorf("state = %s", got.State)
	}
	if got.NextCheckAt == nil {
		t.Error("next_check_at not scheduled after send")
	}
	if got.Meta.LastSentAt == nil || got.Meta.LastSentTo != "orders@acmesteel.example" {
		t.Errorf("last_sent meta = %+v", got.Meta)
	}

	// The outbound message is on the record.
	msgs, _ := f.store.ListMessages(ctx, c.ID, 10)
	foundOutbound := false
	for _, m := range msgs {
		if m.Direction == types.DirectionOutbound {
			foundOutbound = true
		}
	}
	if !foundOutbound {
		t.Error("no OUTBOUND message persisted")
	}
}

func TestOrchestratorGuardrailDowngradesSend(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})

	// Break the supplier address guardrail.
	bad := "not an address"
	if err := f.store.UpdateCase(ctx, c.ID, &types.CasePatch{SupplierEmail: &bad}); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	outcome, err := f.orch.Run(ctx, c.ID, ModeAutoSend, 30, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Sent {
		t.Fatal("sent despite failed guardrail")
	}
	if outcome.Decision.Action != ActionDraftEmail {
		t.Errorf("action = %s, want downgrade to DRAFT_EMAIL", outcome.Decision.Action)
	}

	events, _ := f.store.ListEvents(ctx, c.ID, 20)
	found := false
	for _, e := range events {
		if e.EventType == types.EventEmailSkipped {
			found = true
			if g, _ := e.Meta["guardrail"].(string); g != "supplier_email_missing" {
				t.Errorf("guardrail = %q", g)
			}
		}
	}
	if !found {
		t.Error("no AGENT_EMAIL_SKIPPED event")
	}
}

func TestOrchestratorSupplierEmailAutofill(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})
	empty := ""
	if err := f.store.UpdateCase(ctx, c.ID, &types.CasePatch{SupplierEmail: &empty}); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}

	f.fake.AddMessage(&mail.Message{
		ID:           "m-from",
		ThreadID:     "t-from",
		Snippet:      "PO-55012 reply",
		InternalDate: time.Now().Add(-time.Hour),
		Payload: &mail.Part{
			MimeType: "multipart/mixed",
			Headers: map[string]string{
				"From":    "Jane Doe <jane@acmesteel.example>",
				"Subject": "Re: PO-55012",
			},
			Parts: []*mail.Part{{
				MimeType: "text/plain",
				Data:     base64.RawURLEncoding.EncodeToString([]byte("will confirm soon")),
			}},
		},
	})

	if _, err := f.orch.Run(ctx, c.ID, ModeDryRun, 30, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, _ := f.store.GetCase(ctx, c.ID)
	if got.SupplierEmail != "jane@acmesteel.example" {
		t.Errorf("supplier_email = %q", got.SupplierEmail)
	}
}

func TestOrchestratorProgressSink(t *testing.T) {
	f := setupOrchestrator(t, "")
	ctx := context.Background()
	c := createCase(t, f, []string{types.FieldDeliveryDate})

	var stages []string
	sink := func(stage, _ string) { stages = append(stages, stage) }
	if _, err := f.orch.Run(ctx, c.ID, ModeDryRun, 30, sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(stages) == 0 || stages[0] != "evidence" || stages[len(stages)-1] != "done" {
		t.Errorf("stages = %v", stages)
	}
}
