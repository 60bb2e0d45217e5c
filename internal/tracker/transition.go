// Package tracker drives the case state machine: validated transitions,
// idempotency, and scheduling-field maintenance, all under the per-case lock.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// RecheckInterval is how far out a schedulable state pushes next_check_at.
const RecheckInterval = 60 * time.Minute

// ErrIllegalTransition wraps a transition-table violation.
var ErrIllegalTransition = errors.New("illegal transition")

// EvidenceRef carries the provenance of an evidence-bearing transition.
type EvidenceRef struct {
	MessageIDs    []string
	AttachmentIDs []string
	ContentSHA256 string
	SourceType    string // "pdf", "email"
}

// Clock abstracts time for tests.
type Clock func() time.Time

// Tracker owns transition execution against a store.
type Tracker struct {
	store storage.Storage
	now   Clock
}

// New creates a tracker. A nil clock uses wall time.
func New(store storage.Storage, now Clock) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}
}

// TransitionCase validates and applies one state transition under the case
// lock. It is idempotent for repeat deliveries: a call that matches the last
// recorded transition (same edge, and for evidence-bearing events the same
// content hash) returns without mutation. The NO_EVIDENCE self-loop is the
// exception: it always proceeds so next_check_at keeps advancing.
//
// storage.ErrBusy propagates untouched; callers skip the case.
func (t *Tracker) TransitionCase(ctx context.Context, caseID string, toState types.CaseState, event types.TransitionEvent, summary string, evidence *EvidenceRef, patch *types.CasePatch) error {
	var rejected *types.Event
	err := t.store.WithCaseLock(ctx, caseID, func(ctx context.Context, tx storage.Storage, c *types.Case) error {
		now := t.now().UTC()

		if c.State == toState && event != types.TransNoEvidence {
			dup, err := t.isRepeatDelivery(ctx, tx, c, event, evidence)
			if err != nil {
				return err
			}
			if dup {
				debug.Logf("case %s: transition %s already applied, skipping\n", caseID, event)
				return nil
			}
		}

		next, err := types.NextState(c.State, event)
		if err != nil || next != toState {
			rejected = &types.Event{
				CaseID:    caseID,
				EventType: types.EventTransitionRejected,
				Summary:   fmt.Sprintf("rejected %s: %s -> %s", event, c.State, toState),
				Meta: map[string]any{
					"from_state":       string(c.State),
					"to_state":         string(toState),
					"transition_event": string(event),
				},
			}
			return fmt.Errorf("%w: %s on %s -> %s", ErrIllegalTransition, event, c.State, toState)
		}

		if patch == nil {
			patch = &types.CasePatch{}
		}
		patch.State = &toState
		patch.SetLastActionAt(now)
		touches := c.TouchCount + 1
		patch.TouchCount = &touches

		if toState.Schedulable() {
			due := now.Add(RecheckInterval)
			patch.SetNextCheckAt(&due)
		} else {
			patch.SetNextCheckAt(nil)
		}

		if err := tx.UpdateCase(ctx, caseID, patch); err != nil {
			return fmt.Errorf("failed to apply transition patch: %w", err)
		}

		audit := &types.Event{
			CaseID:    caseID,
			EventType: types.EventStateTransition,
			Summary:   summary,
			Meta: map[string]any{
				"from_state":       string(c.State),
				"to_state":         string(toState),
				"transition_event": string(event),
			},
		}
		if evidence != nil {
			audit.EvidenceRefs = types.EvidenceRefs{
				MessageIDs:    evidence.MessageIDs,
				AttachmentIDs: evidence.AttachmentIDs,
			}
			if evidence.ContentSHA256 != "" {
				audit.Meta["content_sha256"] = evidence.ContentSHA256
			}
			if evidence.SourceType != "" {
				audit.Meta["source_type"] = evidence.SourceType
			}
		}
		if err := tx.AddEvent(ctx, audit); err != nil {
			return fmt.Errorf("failed to append transition event: %w", err)
		}
		return nil
	})
	// The lock's transaction rolls back when the callback fails, so the
	// rejection is logged once the lock is released.
	if rejected != nil {
		if logErr := t.store.AddEvent(ctx, rejected); logErr != nil {
			debug.Logf("case %s: failed to log rejection: %v\n", caseID, logErr)
		}
	}
	return err
}

// isRepeatDelivery checks whether the incoming transition matches the last
// recorded one for this case.
func (t *Tracker) isRepeatDelivery(ctx context.Context, tx storage.Storage, c *types.Case, event types.TransitionEvent, evidence *EvidenceRef) (bool, error) {
	last, err := tx.LastEventOfType(ctx, c.ID, types.EventStateTransition)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	lastEvent, _ := last.Meta["transition_event"].(string)
	if lastEvent != string(event) {
		return false, nil
	}
	if event.EvidenceBearing() {
		lastHash, _ := last.Meta["content_sha256"].(string)
		newHash := ""
		if evidence != nil {
			newHash = evidence.ContentSHA256
		}
		return lastHash == newHash, nil
	}
	return true, nil
}

// Fail transitions a case to ERROR from any state.
func (t *Tracker) Fail(ctx context.Context, caseID, summary string) error {
	return t.TransitionCase(ctx, caseID, types.StateError, types.TransFailure, summary, nil, nil)
}

// BumpRecheck advances next_check_at by RecheckInterval and stamps
// last_inbox_check_at, without a state transition. Used when a poll finds
// only already-known evidence.
func (t *Tracker) BumpRecheck(ctx context.Context, caseID string) error {
	return t.store.WithCaseLock(ctx, caseID, func(ctx context.Context, tx storage.Storage, c *types.Case) error {
		now := t.now().UTC()
		patch := &types.CasePatch{}
		if c.State.Schedulable() {
			due := now.Add(RecheckInterval)
			patch.SetNextCheckAt(&due)
		}
		patch.SetLastInboxCheckAt(now)
		return tx.UpdateCase(ctx, caseID, patch)
	})
}
