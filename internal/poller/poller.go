// Package poller drives due cases on a timer tick: probe the inbox for new
// PDF evidence, transition on what it finds, and reschedule the rest.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/inbox"
	"github.com/confirmbot/confirmd/internal/retrieval"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/tracker"
	"github.com/confirmbot/confirmd/internal/types"
)

// BatchSize caps how many due cases one tick processes.
const BatchSize = 25

// Poller probes due cases for evidence.
type Poller struct {
	store    storage.Storage
	track    *tracker.Tracker
	searcher *inbox.Searcher
	retrieve *retrieval.Retriever
	now      func() time.Time
}

// New wires a poller. A nil clock uses wall time.
func New(store storage.Storage, track *tracker.Tracker, searcher *inbox.Searcher, retrieve *retrieval.Retriever, now func() time.Time) *Poller {
	if now == nil {
		now = time.Now
	}
	return &Poller{store: store, track: track, searcher: searcher, retrieve: retrieve, now: now}
}

// CaseResult reports what one poll did to one case.
type CaseResult struct {
	CaseID      string          `json:"case_id"`
	PONumber    string          `json:"po_number"`
	Outcome     string          `json:"outcome"` // found_evidence, no_evidence, duplicate, skipped, error
	State       types.CaseState `json:"state"`
	ContentHash string          `json:"content_sha256,omitempty"`
	Error       string          `json:"error,omitempty"`

	// ThreadDebug is populated in dry-run mode for diagnostics.
	ThreadDebug map[string]any `json:"threadDebug,omitempty"`
}

// Result summarizes one poll tick.
type Result struct {
	Polled        int          `json:"polled"`
	FoundEvidence int          `json:"foundEvidence"`
	NoEvidence    int          `json:"noEvidence"`
	Errors        int          `json:"errors"`
	Cases         []CaseResult `json:"cases"`
}

// PollDue selects up to BatchSize due cases and probes each. Per-case
// failures transition that case to ERROR and never stop the batch. In dry
// run every read happens but nothing mutates.
func (p *Poller) PollDue(ctx context.Context, dryRun bool) (*Result, error) {
	now := p.now().UTC()
	due, err := p.store.ListDueCases(ctx, now, BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cases: %w", err)
	}

	result := &Result{}
	for _, c := range due {
		cr := p.pollCase(ctx, c, dryRun)
		result.Polled++
		switch cr.Outcome {
		case "found_evidence":
			result.FoundEvidence++
		case "no_evidence", "duplicate":
			result.NoEvidence++
		case "error":
			result.Errors++
		}
		result.Cases = append(result.Cases, cr)
	}
	return result, nil
}

// pollCase runs the single evidence pipeline for one case:
// discover thread, retrieve, verify hash.
func (p *Poller) pollCase(ctx context.Context, c *types.Case, dryRun bool) CaseResult {
	cr := CaseResult{CaseID: c.ID, PONumber: c.PONumber, State: c.State}

	// Reads happen outside the lock; the transition re-checks under it.
	threadID := c.Meta.ThreadID
	var messageIDs []string
	if threadID == "" {
		res, err := p.probeSearch(ctx, c, dryRun)
		if err != nil {
			return p.caseError(ctx, c, cr, err, dryRun)
		}
		if res != nil {
			threadID = res.ThreadID
			messageIDs = res.MessageIDs
		}
	} else if !dryRun {
		// A known thread is stored first so its attachments have message rows.
		if _, err := p.searcher.PersistThread(ctx, c, threadID); err != nil {
			return p.caseError(ctx, c, cr, err, dryRun)
		}
	}

	if threadID == "" && len(messageIDs) == 0 {
		return p.noEvidence(ctx, c, cr, dryRun)
	}

	var summary *retrieval.Summary
	if dryRun {
		// Dry run stops short of persisting attachments; report the thread.
		cr.Outcome = "no_evidence"
		cr.ThreadDebug = map[string]any{
			"thread_id":   threadID,
			"message_ids": messageIDs,
		}
		return cr
	}

	summary, err := p.retrieve.Retrieve(ctx, c.ID, threadID, messageIDs)
	if err != nil {
		return p.caseError(ctx, c, cr, err, dryRun)
	}

	if !summary.HasEvidence() {
		return p.noEvidence(ctx, c, cr, dryRun)
	}

	// Verify the hash is actually new before advancing.
	hash, err := p.evidenceHash(ctx, summary)
	if err != nil {
		return p.caseError(ctx, c, cr, err, dryRun)
	}
	cr.ContentHash = hash

	known, err := p.knownEvidenceHash(ctx, c)
	if err != nil {
		return p.caseError(ctx, c, cr, err, dryRun)
	}
	if hash != "" && hash == known {
		// Same evidence as last time: just reschedule the next check.
		if err := p.track.BumpRecheck(ctx, c.ID); err != nil && !errors.Is(err, storage.ErrBusy) {
			return p.caseError(ctx, c, cr, err, dryRun)
		}
		cr.Outcome = "duplicate"
		return cr
	}

	evidence := &tracker.EvidenceRef{
		AttachmentIDs: summary.AttachmentsWithSha,
		ContentSHA256: hash,
		SourceType:    "pdf",
	}
	err = p.track.TransitionCase(ctx, c.ID, types.StateParsed, types.TransFoundEvidence,
		"poll found new PDF evidence", evidence, nil)
	if errors.Is(err, storage.ErrBusy) {
		cr.Outcome = "skipped"
		return cr
	}
	if errors.Is(err, tracker.ErrIllegalTransition) {
		// State drifted since the batch query; leave the case alone.
		cr.Outcome = "skipped"
		return cr
	}
	if err != nil {
		return p.caseError(ctx, c, cr, err, dryRun)
	}
	cr.Outcome = "found_evidence"
	cr.State = types.StateParsed
	return cr
}

// probeSearch runs inbox search for a case with no known thread. In dry run
// nothing is persisted, so search is skipped when it would have to write.
func (p *Poller) probeSearch(ctx context.Context, c *types.Case, dryRun bool) (*inbox.Result, error) {
	if dryRun {
		return nil, nil
	}
	res, err := p.searcher.Search(ctx, c, nil, inbox.DefaultLookbackDays)
	if err != nil {
		return nil, err
	}
	if res.Class == inbox.NotFound {
		return nil, nil
	}
	return res, nil
}

// noEvidence applies the NO_EVIDENCE self-loop, which always advances
// next_check_at even when the state does not change.
func (p *Poller) noEvidence(ctx context.Context, c *types.Case, cr CaseResult, dryRun bool) CaseResult {
	cr.Outcome = "no_evidence"
	if dryRun {
		return cr
	}
	_ = p.store.AddEvent(ctx, &types.Event{
		CaseID:    c.ID,
		EventType: types.EventInboxSearchNotFound,
		Summary:   "poll found no new evidence",
	})
	err := p.track.TransitionCase(ctx, c.ID, types.StateWaiting, types.TransNoEvidence,
		"no evidence found, rescheduling", nil, nil)
	if errors.Is(err, storage.ErrBusy) {
		cr.Outcome = "skipped"
		return cr
	}
	if errors.Is(err, tracker.ErrIllegalTransition) {
		cr.Outcome = "skipped"
		return cr
	}
	if err != nil {
		return p.caseError(ctx, c, cr, err, dryRun)
	}
	cr.State = types.StateWaiting

	// Stamp the check time alongside the reschedule.
	stampErr := p.store.WithCaseLock(ctx, c.ID, func(ctx context.Context, tx storage.Storage, locked *types.Case) error {
		patch := &types.CasePatch{}
		patch.SetLastInboxCheckAt(p.now().UTC())
		return tx.UpdateCase(ctx, locked.ID, patch)
	})
	if stampErr != nil && !errors.Is(stampErr, storage.ErrBusy) {
		debug.Logf("case %s: failed to stamp inbox check: %v\n", c.ID, stampErr)
	}
	return cr
}

// caseError isolates a failure to its case: transition to ERROR, count it,
// keep the batch going.
func (p *Poller) caseError(ctx context.Context, c *types.Case, cr CaseResult, err error, dryRun bool) CaseResult {
	cr.Outcome = "error"
	cr.Error = err.Error()
	debug.Logf("case %s: poll error: %v\n", c.ID, err)
	if !dryRun {
		if failErr := p.track.Fail(ctx, c.ID, fmt.Sprintf("poll failure: %v", err)); failErr != nil && !errors.Is(failErr, storage.ErrBusy) {
			debug.Logf("case %s: failed to record poll failure: %v\n", c.ID, failErr)
		}
		cr.State = types.StateError
	}
	return cr
}

// evidenceHash returns the content hash of the first hashed attachment in
// the summary.
func (p *Poller) evidenceHash(ctx context.Context, summary *retrieval.Summary) (string, error) {
	for _, id := range summary.AttachmentsWithSha {
		a, err := p.store.GetAttachment(ctx, id)
		if err != nil {
			return "", err
		}
		if a.ContentSHA256 != "" {
			return a.ContentSHA256, nil
		}
	}
	return "", nil
}

// knownEvidenceHash reads the hash recorded by the last evidence-bearing
// transition, falling back to the best-fields evidence attachment.
func (p *Poller) knownEvidenceHash(ctx context.Context, c *types.Case) (string, error) {
	last, err := p.store.LastEventOfType(ctx, c.ID, types.EventStateTransition)
	if err != nil {
		return "", err
	}
	if last != nil {
		if hash, _ := last.Meta["content_sha256"].(string); hash != "" {
			return hash, nil
		}
	}
	if pbf := c.Meta.ParsedBestFields; pbf != nil && pbf.EvidenceAttachmentID != "" {
		a, err := p.store.GetAttachment(ctx, pbf.EvidenceAttachmentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		if a != nil {
			return a.ContentSHA256, nil
		}
	}
	return "", nil
}
