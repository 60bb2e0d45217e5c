// Package orchestrator fuses inbox search, attachment retrieval, field
// extraction, the ack_policy_v1 rule ladder, draft generation, and
// guardrail-gated autonomous sending into one run over a case.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/extract"
	"github.com/confirmbot/confirmd/internal/inbox"
	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/retrieval"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/tracker"
	"github.com/confirmbot/confirmd/internal/types"
)

// ProgressSink receives stage updates for streaming surfaces. Nil is fine.
type ProgressSink func(stage, message string)

// Config carries the send-related settings the orchestrator needs.
type Config struct {
	BuyerEmail    string
	DemoMode      bool
	DemoRecipient string
}

// Orchestrator coordinates one case end to end.
type Orchestrator struct {
	store    storage.Storage
	track    *tracker.Tracker
	searcher *inbox.Searcher
	retrieve *retrieval.Retriever
	provider mail.Provider
	llm      *extract.LLMFallback // optional
	cfg      Config
	now      func() time.Time
}

// New wires an orchestrator. llm may be nil; now nil means wall time.
func New(store storage.Storage, track *tracker.Tracker, searcher *inbox.Searcher, retrieve *retrieval.Retriever, provider mail.Provider, llm *extract.LLMFallback, cfg Config, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store: store, track: track, searcher: searcher, retrieve: retrieve,
		provider: provider, llm: llm, cfg: cfg, now: now,
	}
}

// Outcome is the structured result of one orchestrator run.
type Outcome struct {
	CaseID        string               `json:"case_id"`
	Mode          Mode                 `json:"mode"`
	Class         inbox.Classification `json:"inbox_class"`
	Decision      Decision             `json:"decision"`
	Draft         *Draft               `json:"draft,omitempty"`
	Sent          bool                 `json:"sent"`
	SentMessageID string               `json:"sent_message_id,omitempty"`
	State         types.CaseState      `json:"state"`
	MissingFields []string             `json:"missing_fields"`
	Exception     string               `json:"exception,omitempty"`
	Retrieval     *retrieval.Summary   `json:"retrieval,omitempty"`

	// Populated on NEEDS_HUMAN.
	BlockingReason string `json:"blocking_reason,omitempty"`
	WhatAgentKnows string `json:"what_agent_knows,omitempty"`
	WhatAgentNeeds string `json:"what_agent_needs,omitempty"`
}

// Run executes the full pipeline for one case.
func (o *Orchestrator) Run(ctx context.Context, caseID string, mode Mode, lookbackDays int, sink ProgressSink) (*Outcome, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	emit := func(stage, msg string) {
		if sink != nil {
			sink(stage, msg)
		}
	}

	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if err := o.store.AddEvent(ctx, &types.Event{
		CaseID:    caseID,
		EventType: types.EventOrchestrateStarted,
		Summary:   fmt.Sprintf("orchestrate mode=%s", mode),
	}); err != nil {
		debug.Logf("case %s: failed to log start event: %v\n", caseID, err)
	}

	// --- evidence collection ---
	emit("evidence", "collecting evidence")
	class := inbox.NotFound
	threadID := c.Meta.ThreadID
	var messageIDs []string
	var emailExtraction *extract.Result

	if threadID == "" {
		res, err := o.searcher.Search(ctx, c, nil, lookbackDays)
		if err != nil {
			return nil, o.failCase(ctx, caseID, fmt.Sprintf("inbox search: %v", err))
		}
		class = res.Class
		threadID = res.ThreadID
		messageIDs = res.MessageIDs
		emailExtraction = res.Extraction
		o.logSearchEvent(ctx, caseID, res)
	} else {
		if _, err := o.searcher.PersistThread(ctx, c, threadID); err != nil {
			return nil, o.failCase(ctx, caseID, fmt.Sprintf("thread fetch: %v", err))
		}
	}

	var summary *retrieval.Summary
	if threadID != "" || len(messageIDs) > 0 {
		summary, err = o.retrieve.Retrieve(ctx, caseID, threadID, messageIDs)
		if err != nil {
			return nil, o.failCase(ctx, caseID, fmt.Sprintf("attachment retrieval: %v", err))
		}
	}

	// Persist a newly discovered thread and auto-fill the supplier address
	// before anything downstream needs them.
	c, err = o.updateCaseFacts(ctx, c, threadID)
	if err != nil {
		return nil, err
	}

	// --- exception detection ---
	emit("exceptions", "scanning for supplier exceptions")
	pdfTexts, pdfAttachmentIDs := o.collectPDFTexts(ctx, summary)
	latestInbound := o.latestInboundBody(ctx, caseID)
	exception := detectException(append([]string{latestInbound}, pdfTexts...)...)
	if exception != "" {
		_ = o.store.AddEvent(ctx, &types.Event{
			CaseID:    caseID,
			EventType: types.EventSupplierException,
			Summary:   fmt.Sprintf("supplier exception detected: %s", exception),
			Meta:      map[string]any{"class": exception, "severity": "HIGH"},
		})
	}

	// --- field extraction, PDF first ---
	emit("extract", "extracting confirmation fields")
	extraction, evidenceAttachmentID := o.extractFields(ctx, c, pdfTexts, pdfAttachmentIDs, latestInbound, emailExtraction)

	if extraction != nil && !extraction.Empty() {
		c, err = o.persistExtraction(ctx, c, extraction, evidenceAttachmentID)
		if err != nil {
			return nil, err
		}
	}

	// --- recompute missing fields and advance state ---
	emit("state", "recomputing missing fields")
	c, class, err = o.recomputeAndAdvance(ctx, c, extraction, summary)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		CaseID:        caseID,
		Mode:          mode,
		Class:         class,
		State:         c.State,
		MissingFields: c.MissingFields,
		Exception:     exception,
		Retrieval:     summary,
	}

	// --- policy ---
	emit("policy", "applying "+PolicyVersion)
	lastSent, err := o.lastEmailSentAt(ctx, caseID)
	if err != nil {
		return nil, err
	}
	decision := applyPolicy(policyInput{
		Mode:          mode,
		Class:         class,
		Exception:     exception,
		MissingFields: c.MissingFields,
		Extraction:    extraction,
		LastEmailSent: lastSent,
		LastActionAt:  c.LastActionAt,
		Now:           o.now().UTC(),
	})
	outcome.Decision = decision

	_ = o.store.AddEvent(ctx, &types.Event{
		CaseID:    caseID,
		EventType: types.EventAgentDecision,
		Summary:   fmt.Sprintf("%s: %s (%s)", PolicyVersion, decision.Action, decision.Reason),
		Meta: map[string]any{
			"policy": PolicyVersion,
			"action": string(decision.Action),
			"risk":   string(decision.Risk),
			"mode":   string(mode),
		},
	})

	// --- act on the decision ---
	switch decision.Action {
	case ActionNoOp:
		// nothing to do

	case ActionNeedsHuman:
		o.fillNeedsHuman(outcome, c, extraction, decision)
		if mode == ModeAutoSend {
			if err := o.track.TransitionCase(ctx, caseID, types.StateEscalated, types.TransEscalation, decision.Reason, nil, nil); err != nil {
				if !errors.Is(err, tracker.ErrIllegalTransition) && !errors.Is(err, storage.ErrBusy) {
					return nil, err
				}
				debug.Logf("case %s: escalation transition skipped: %v\n", caseID, err)
			} else {
				outcome.State = types.StateEscalated
				_ = o.store.AddEvent(ctx, &types.Event{
					CaseID: caseID, EventType: types.EventCaseEscalated,
					Summary: decision.Reason,
				})
			}
		} else {
			_ = o.store.AddEvent(ctx, &types.Event{
				CaseID: caseID, EventType: types.EventNeedsHuman,
				Summary: decision.Reason,
			})
		}

	case ActionApplyUpdatesReady:
		if err := o.applyConfirmation(ctx, c, extraction, evidenceAttachmentID); err != nil {
			return nil, err
		}

	case ActionDraftEmail, ActionSendEmail:
		emit("draft", "generating follow-up draft")
		draft := buildDraft(c, draftContext(class), o.cfg.DemoMode, o.cfg.DemoRecipient)
		outcome.Draft = draft

		action := decision.Action
		if action == ActionSendEmail {
			if failed := checkGuardrails(c, draft); failed != "" {
				_ = o.store.AddEvent(ctx, &types.Event{
					CaseID:    caseID,
					EventType: types.EventEmailSkipped,
					Summary:   fmt.Sprintf("auto-send blocked by guardrail %s", failed),
					Meta:      map[string]any{"guardrail": failed},
				})
				action = ActionDraftEmail
				outcome.Decision.Action = ActionDraftEmail
				outcome.Decision.RequiresApproval = true
			}
		}

		if action == ActionSendEmail && mode == ModeAutoSend {
			emit("send", "sending follow-up")
			sentID, newState, err := o.send(ctx, c, draft)
			if err != nil {
				return nil, o.failCase(ctx, caseID, fmt.Sprintf("send: %v", err))
			}
			outcome.Sent = true
			outcome.SentMessageID = sentID
			if newState != "" {
				outcome.State = newState
			}
		} else if mode == ModeQueueOnly {
			if err := o.enqueue(ctx, c, action, decision, draft); err != nil {
				return nil, err
			}
		}
	}

	emit("done", string(outcome.Decision.Action))
	return outcome, nil
}

// failCase records a FAILURE transition and returns the original error.
func (o *Orchestrator) failCase(ctx context.Context, caseID, summary string) error {
	if err := o.track.Fail(ctx, caseID, summary); err != nil && !errors.Is(err, storage.ErrBusy) {
		debug.Logf("case %s: failed to record failure: %v\n", caseID, err)
	}
	return fmt.Errorf("%s", summary)
}

func (o *Orchestrator) logSearchEvent(ctx context.Context, caseID string, res *inbox.Result) {
	eventType := types.EventInboxSearchNotFound
	summary := "no matching supplier reply"
	if res.Class != inbox.NotFound {
		eventType = types.EventInboxSearchFound
		summary = fmt.Sprintf("matched %d message(s), class %s", len(res.MessageIDs), res.Class)
	}
	_ = o.store.AddEvent(ctx, &types.Event{
		CaseID:       caseID,
		EventType:    eventType,
		Summary:      summary,
		EvidenceRefs: types.EvidenceRefs{MessageIDs: res.MessageIDs},
	})
}

// updateCaseFacts persists a discovered thread id and an inferred supplier
// address under the case lock, returning the refreshed case.
func (o *Orchestrator) updateCaseFacts(ctx context.Context, c *types.Case, threadID string) (*types.Case, error) {
	inferred := ""
	if c.SupplierEmail == "" {
		inferred = o.inferSupplierEmail(ctx, c.ID)
	}
	if threadID == "" || c.Meta.ThreadID == threadID {
		threadID = "" // nothing new to write
	}
	if threadID == "" && inferred == "" {
		return c, nil
	}

	err := o.store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		patch := &types.CasePatch{}
		if threadID != "" {
			meta := locked.Meta
			meta.ThreadID = threadID
			patch.Meta = &meta
		}
		if inferred != "" && locked.SupplierEmail == "" {
			patch.SupplierEmail = &inferred
		}
		if patch.Empty() {
			return nil
		}
		return tx.UpdateCase(ctx, locked.ID, patch)
	})
	if errors.Is(err, storage.ErrBusy) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if inferred != "" {
		_ = o.store.AddEvent(ctx, &types.Event{
			CaseID:    c.ID,
			EventType: types.EventSupplierEmailInferred,
			Summary:   fmt.Sprintf("supplier email inferred from inbound sender: %s", inferred),
		})
	}
	return o.store.GetCase(ctx, c.ID)
}

// inferSupplierEmail finds a non-noreply, non-buyer sender among inbound
// messages.
func (o *Orchestrator) inferSupplierEmail(ctx context.Context, caseID string) string {
	msgs, err := o.store.ListMessages(ctx, caseID, 20)
	if err != nil {
		return ""
	}
	for _, m := range msgs {
		if m.Direction != types.DirectionInbound {
			continue
		}
		addr := extractAddress(m.From)
		if addr == "" {
			continue
		}
		lower := strings.ToLower(addr)
		if strings.Contains(lower, "noreply") || strings.Contains(lower, "no-reply") {
			continue
		}
		if o.cfg.BuyerEmail != "" && strings.Contains(lower, strings.ToLower(o.cfg.BuyerEmail)) {
			continue
		}
		return addr
	}
	return ""
}

// extractAddress pulls the bare address out of "Name <addr>".
func extractAddress(from string) string {
	if start := strings.Index(from, "<"); start >= 0 {
		if end := strings.Index(from[start:], ">"); end > 0 {
			return from[start+1 : start+end]
		}
	}
	if strings.Contains(from, "@") {
		return strings.TrimSpace(from)
	}
	return ""
}

// collectPDFTexts loads the text extracts of this run's hashed PDFs.
func (o *Orchestrator) collectPDFTexts(ctx context.Context, summary *retrieval.Summary) ([]string, []string) {
	if summary == nil {
		return nil, nil
	}
	var texts []string
	var ids []string
	for _, id := range summary.AttachmentsWithSha {
		a, err := o.store.GetAttachment(ctx, id)
		if err != nil {
			continue
		}
		if a.TextExtract != "" {
			texts = append(texts, a.TextExtract)
			ids = append(ids, a.ID)
		}
	}
	return texts, ids
}

func (o *Orchestrator) latestInboundBody(ctx context.Context, caseID string) string {
	msgs, err := o.store.ListMessages(ctx, caseID, 10)
	if err != nil {
		return ""
	}
	for _, m := range msgs {
		if m.Direction == types.DirectionInbound && m.Body != "" {
			return m.Body
		}
	}
	return ""
}

// extractFields runs the PDF-first ladder: heuristics over each PDF text,
// LLM fallback when those come up empty, then email text only when no PDF
// text exists at all.
func (o *Orchestrator) extractFields(ctx context.Context, c *types.Case, pdfTexts, pdfAttachmentIDs []string, emailBody string, emailExtraction *extract.Result) (*extract.Result, string) {
	opts := extract.Options{}

	var best *extract.Result
	bestAttachment := ""
	for i, text := range pdfTexts {
		r := extract.FromPDFText(text, pdfAttachmentIDs[i], opts)
		if r.Empty() && o.llm != nil {
			fallback, err := o.llm.Extract(ctx, text, opts)
			if err != nil {
				debug.Logf("case %s: llm fallback failed: %v\n", c.ID, err)
			} else if !fallback.Empty() {
				r = fallback
				for _, f := range []*types.ExtractedField{r.SupplierOrderNumber, r.ConfirmedDeliveryDate, r.ConfirmedQuantity} {
					if f != nil {
						f.AttachmentID = pdfAttachmentIDs[i]
					}
				}
			}
		}
		if best == nil || len(r.FilledCanonicalFields()) > len(best.FilledCanonicalFields()) {
			best = r
			bestAttachment = pdfAttachmentIDs[i]
		}
	}

	if best != nil && !best.Empty() {
		return best, bestAttachment
	}

	// Email fallback only when no PDF text exists.
	if len(pdfTexts) == 0 {
		if emailExtraction != nil && !emailExtraction.Empty() {
			return emailExtraction, ""
		}
		if emailBody != "" {
			r := extract.FromEmailText(emailBody, "", opts)
			if !r.Empty() {
				return r, ""
			}
		}
	}
	return best, bestAttachment
}

// persistExtraction writes the best fields to meta.parsed_best_fields_v1 and
// the extraction audit table, returning the refreshed case.
func (o *Orchestrator) persistExtraction(ctx context.Context, c *types.Case, r *extract.Result, evidenceAttachmentID string) (*types.Case, error) {
	fieldsJSON, err := json.Marshal(map[string]*types.ExtractedField{
		"supplier_order_number":   r.SupplierOrderNumber,
		"confirmed_delivery_date": r.ConfirmedDeliveryDate,
		"confirmed_quantity":      r.ConfirmedQuantity,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.AddConfirmationExtraction(ctx, &types.ConfirmationExtraction{
		CaseID:               c.ID,
		FieldsJSON:           string(fieldsJSON),
		EvidenceAttachmentID: evidenceAttachmentID,
	}); err != nil {
		return nil, err
	}

	err = o.store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		meta := locked.Meta
		meta.ParsedBestFields = &types.ParsedBestFields{
			SupplierOrderNumber:   r.SupplierOrderNumber,
			ConfirmedDeliveryDate: r.ConfirmedDeliveryDate,
			ConfirmedQuantity:     r.ConfirmedQuantity,
			EvidenceSource:        r.EvidenceSource,
			EvidenceAttachmentID:  evidenceAttachmentID,
			RawExcerpt:            r.RawExcerpt,
			UpdatedAt:             o.now().UTC(),
		}
		return tx.UpdateCase(ctx, locked.ID, &types.CasePatch{Meta: &meta})
	})
	if errors.Is(err, storage.ErrBusy) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if r.EvidenceSource == "pdf" || r.EvidenceSource == "mixed" {
		_ = o.store.AddEvent(ctx, &types.Event{
			CaseID:       c.ID,
			EventType:    types.EventPDFParsed,
			Summary:      fmt.Sprintf("parsed fields from %s evidence", r.EvidenceSource),
			EvidenceRefs: types.EvidenceRefs{AttachmentIDs: []string{evidenceAttachmentID}},
		})
	}
	return o.store.GetCase(ctx, c.ID)
}

// recomputeAndAdvance shrinks missing_fields by what was extracted and moves
// the state machine: evidence lands the case in PARSED, a fully confirmed
// case continues to RESOLVED, a still-incomplete PARSED case returns to
// WAITING.
func (o *Orchestrator) recomputeAndAdvance(ctx context.Context, c *types.Case, r *extract.Result, summary *retrieval.Summary) (*types.Case, inbox.Classification, error) {
	filled := []string{}
	if r != nil {
		filled = r.FilledCanonicalFields()
	}
	class := inbox.Classify(c.MissingFields, filled)

	newMissing := c.MissingFields
	for _, f := range filled {
		newMissing = types.RemoveField(newMissing, f)
	}

	if len(filled) > 0 && len(newMissing) != len(c.MissingFields) {
		err := o.store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
			return tx.UpdateCase(ctx, locked.ID, &types.CasePatch{MissingFields: &newMissing})
		})
		if err != nil && !errors.Is(err, storage.ErrBusy) {
			return nil, class, err
		}
	}

	evidence := evidenceRefFromSummary(summary)
	refreshed, err := o.store.GetCase(ctx, c.ID)
	if err != nil {
		return nil, class, err
	}

	if evidence != nil && !refreshed.State.Terminal() && refreshed.State != types.StateParsed {
		err := o.track.TransitionCase(ctx, refreshed.ID, types.StateParsed, types.TransFoundEvidence,
			"PDF evidence retrieved", evidence, nil)
		if err != nil && !errors.Is(err, storage.ErrBusy) && !errors.Is(err, tracker.ErrIllegalTransition) {
			return nil, class, err
		}
		refreshed, err = o.store.GetCase(ctx, refreshed.ID)
		if err != nil {
			return nil, class, err
		}
	}

	if refreshed.State == types.StateParsed {
		if refreshed.FullyConfirmed() {
			status := types.StatusConfirmed
			err := o.track.TransitionCase(ctx, refreshed.ID, types.StateResolved, types.TransResolveOK,
				"all fields confirmed", evidence, &types.CasePatch{Status: &status})
			if err != nil && !errors.Is(err, storage.ErrBusy) {
				return nil, class, err
			}
			_ = o.store.AddEvent(ctx, &types.Event{
				CaseID: refreshed.ID, EventType: types.EventCaseResolved,
				Summary: "case fully confirmed",
			})
			if err := o.applyConfirmation(ctx, refreshed, r, bestEvidenceAttachment(r)); err != nil {
				return nil, class, err
			}
		} else {
			err := o.track.TransitionCase(ctx, refreshed.ID, types.StateWaiting, types.TransNoSignal,
				"parsed evidence incomplete, waiting for more", nil, nil)
			if err != nil && !errors.Is(err, storage.ErrBusy) && !errors.Is(err, tracker.ErrIllegalTransition) {
				return nil, class, err
			}
		}
		refreshed, err = o.store.GetCase(ctx, refreshed.ID)
		if err != nil {
			return nil, class, err
		}
	}

	return refreshed, class, nil
}

func bestEvidenceAttachment(r *extract.Result) string {
	if r == nil {
		return ""
	}
	for _, f := range []*types.ExtractedField{r.SupplierOrderNumber, r.ConfirmedDeliveryDate, r.ConfirmedQuantity} {
		if f != nil && f.AttachmentID != "" {
			return f.AttachmentID
		}
	}
	return ""
}

func evidenceRefFromSummary(summary *retrieval.Summary) *tracker.EvidenceRef {
	if summary == nil || !summary.HasEvidence() {
		return nil
	}
	ref := &tracker.EvidenceRef{
		AttachmentIDs: summary.AttachmentsWithSha,
		SourceType:    "pdf",
	}
	return ref
}

// applyConfirmation upserts the authoritative confirmation record from the
// extraction results.
func (o *Orchestrator) applyConfirmation(ctx context.Context, c *types.Case, r *extract.Result, evidenceAttachmentID string) error {
	if r == nil || r.Empty() {
		return nil
	}
	rec := &types.ConfirmationRecord{
		POID:               c.PONumber,
		LineID:             c.LineID,
		SourceAttachmentID: evidenceAttachmentID,
	}
	if r.SupplierOrderNumber != nil {
		rec.SupplierOrderNumber = r.SupplierOrderNumber.Value
	}
	if r.ConfirmedDeliveryDate != nil {
		rec.ConfirmedDeliveryDate = r.ConfirmedDeliveryDate.Value
	}
	if r.ConfirmedQuantity != nil {
		var qty float64
		if _, err := fmt.Sscanf(strings.ReplaceAll(r.ConfirmedQuantity.Value, ",", ""), "%g", &qty); err == nil {
			rec.ConfirmedQuantity = &qty
		}
		if r.ConfirmedQuantity.MessageID != "" {
			rec.SourceMessageID = r.ConfirmedQuantity.MessageID
		}
	}
	return o.store.UpsertConfirmationRecord(ctx, rec)
}

func (o *Orchestrator) lastEmailSentAt(ctx context.Context, caseID string) (*time.Time, error) {
	last, err := o.store.LastEventOfType(ctx, caseID, types.EventEmailSent)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	t := last.CreatedAt
	return &t, nil
}

func draftContext(class inbox.Classification) string {
	switch class {
	case inbox.FoundIncomplete:
		return "Thank you for the details you already sent; a few items are still open."
	default:
		return ""
	}
}

// fillNeedsHuman populates the structured blocking block.
func (o *Orchestrator) fillNeedsHuman(out *Outcome, c *types.Case, r *extract.Result, d Decision) {
	out.BlockingReason = d.Reason
	var knows []string
	if r != nil {
		if r.SupplierOrderNumber != nil {
			knows = append(knows, fmt.Sprintf("supplier order number %s (%.2f)", r.SupplierOrderNumber.Value, r.SupplierOrderNumber.Confidence))
		}
		if r.ConfirmedDeliveryDate != nil {
			knows = append(knows, fmt.Sprintf("delivery date %s (%.2f)", r.ConfirmedDeliveryDate.Value, r.ConfirmedDeliveryDate.Confidence))
		}
		if r.ConfirmedQuantity != nil {
			knows = append(knows, fmt.Sprintf("quantity %s (%.2f)", r.ConfirmedQuantity.Value, r.ConfirmedQuantity.Confidence))
		}
	}
	if len(knows) == 0 {
		knows = append(knows, "no confirmation fields extracted yet")
	}
	out.WhatAgentKnows = strings.Join(knows, "; ")
	if len(c.MissingFields) > 0 {
		out.WhatAgentNeeds = "confirmation of: " + strings.Join(c.MissingFields, ", ")
	} else {
		out.WhatAgentNeeds = "a human decision on how to proceed"
	}
}

// send delivers the draft, persists the outbound message, updates meta, and
// advances the state machine with the edge legal from the current state.
func (o *Orchestrator) send(ctx context.Context, c *types.Case, d *Draft) (string, types.CaseState, error) {
	out := &mail.Outgoing{
		To:       d.SendTo,
		Bcc:      d.Bcc,
		Subject:  d.Subject,
		Body:     d.Body,
		ThreadID: c.Meta.ThreadID,
	}
	result, err := o.provider.Send(ctx, out)
	if err != nil {
		return "", "", err
	}

	now := o.now().UTC()
	stored := &types.Message{
		ID:         result.MessageID,
		CaseID:     c.ID,
		ThreadID:   result.ThreadID,
		Direction:  types.DirectionOutbound,
		From:       o.cfg.BuyerEmail,
		To:         d.DisplayTo,
		Subject:    d.Subject,
		Body:       d.Body,
		ReceivedAt: &now,
	}
	if err := o.store.AddMessage(ctx, stored); err != nil {
		return "", "", err
	}

	lockErr := o.store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		meta := locked.Meta
		meta.ThreadID = result.ThreadID
		meta.LastSentAt = &now
		meta.LastSentSubject = d.Subject
		meta.LastSentTo = d.DisplayTo
		return tx.UpdateCase(ctx, locked.ID, &types.CasePatch{Meta: &meta})
	})
	if lockErr != nil && !errors.Is(lockErr, storage.ErrBusy) {
		return "", "", lockErr
	}

	_ = o.store.AddEvent(ctx, &types.Event{
		CaseID:       c.ID,
		EventType:    types.EventEmailSent,
		Summary:      fmt.Sprintf("sent %q to %s", d.Subject, d.DisplayTo),
		EvidenceRefs: types.EvidenceRefs{MessageIDs: []string{result.MessageID}},
	})

	// INBOX_LOOKUP sends initial outreach; WAITING sends a follow-up.
	var event types.TransitionEvent
	var toState types.CaseState
	switch c.State {
	case types.StateInboxLookup:
		event, toState = types.TransOutreachSentOK, types.StateOutreachSent
	case types.StateWaiting:
		event, toState = types.TransFollowupSentOK, types.StateFollowupSent
	default:
		return result.MessageID, "", nil
	}
	if err := o.track.TransitionCase(ctx, c.ID, toState, event, "follow-up mail sent", nil, nil); err != nil {
		if errors.Is(err, storage.ErrBusy) || errors.Is(err, tracker.ErrIllegalTransition) {
			debug.Logf("case %s: post-send transition skipped: %v\n", c.ID, err)
			return result.MessageID, "", nil
		}
		return "", "", err
	}
	return result.MessageID, toState, nil
}

// enqueue appends the pending action to meta.agent_queue for human approval.
func (o *Orchestrator) enqueue(ctx context.Context, c *types.Case, action Action, d Decision, draft *Draft) error {
	queued := types.QueuedAction{
		Action:   string(action),
		Risk:     string(d.Risk),
		QueuedAt: o.now().UTC(),
		Reason:   d.Reason,
	}
	if draft != nil {
		queued.DraftTo = draft.DisplayTo
		queued.Subject = draft.Subject
		queued.Body = draft.Body
	}
	err := o.store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		meta := locked.Meta
		meta.AgentQueue = append(meta.AgentQueue, queued)
		return tx.UpdateCase(ctx, locked.ID, &types.CasePatch{Meta: &meta})
	})
	if errors.Is(err, storage.ErrBusy) {
		return nil
	}
	return err
}
