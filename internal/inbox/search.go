// Package inbox searches the mail account for supplier replies to a case:
// query synthesis, candidate scoring, direction detection, body decoding,
// and classification of what the reply provides.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/extract"
	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// Classification of a search outcome.
type Classification string

const (
	FoundConfirmed  Classification = "FOUND_CONFIRMED"
	FoundIncomplete Classification = "FOUND_INCOMPLETE"
	NotFound        Classification = "NOT_FOUND"
)

// DefaultLookbackDays bounds the search window when the caller passes none.
const DefaultLookbackDays = 60

// scoringKeywords earn +10 each on subject+snippet.
var scoringKeywords = []string{
	"confirmed", "confirmation", "ack", "acknowledge", "ship",
	"delivery", "promise", "so", "sales order", "order #",
}

// Searcher runs inbox searches against a provider and persists candidates.
type Searcher struct {
	provider   mail.Provider
	store      storage.Storage
	buyerEmail string

	// FilterBySupplier restricts the provider query to the supplier
	// address. Off by default so fixtures without real senders match.
	FilterBySupplier bool

	now func() time.Time
}

// NewSearcher creates a Searcher. A nil clock uses wall time.
func NewSearcher(provider mail.Provider, store storage.Storage, buyerEmail string, now func() time.Time) *Searcher {
	if now == nil {
		now = time.Now
	}
	return &Searcher{provider: provider, store: store, buyerEmail: buyerEmail, now: now}
}

// Result is the outcome of one inbox search over a case.
type Result struct {
	Class        Classification
	ThreadID     string
	TopMessage   *types.Message
	MessageIDs   []string
	Extraction   *extract.Result
	FilledFields []string
	Query        string
}

// Search synthesizes the query, ranks candidates, persists the top five as
// messages, decodes the best body, and runs heuristic field extraction on it.
func (s *Searcher) Search(ctx context.Context, c *types.Case, keywords []string, lookbackDays int) (*Result, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	query := s.buildQuery(c, keywords, lookbackDays)
	debug.Logf("case %s: inbox query %q\n", c.ID, query)

	metas, err := s.provider.Search(ctx, query, 20)
	if err != nil {
		return nil, fmt.Errorf("inbox search failed: %w", err)
	}
	if len(metas) == 0 {
		return &Result{Class: NotFound, Query: query}, nil
	}

	type scored struct {
		msg   *mail.Message
		score int
	}
	var candidates []scored
	for _, meta := range metas {
		msg, err := s.provider.GetMessage(ctx, meta.ID)
		if err != nil {
			debug.Logf("case %s: failed to fetch candidate %s: %v\n", c.ID, meta.ID, err)
			continue
		}
		candidates = append(candidates, scored{msg: msg, score: s.scoreCandidate(c, msg)})
	}
	if len(candidates) == 0 {
		return &Result{Class: NotFound, Query: query}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > 5 {
		candidates = candidates[:5]
	}

	result := &Result{Query: query}
	for i, cand := range candidates {
		persisted := s.toStoredMessage(c, cand.msg)
		if err := s.store.AddMessage(ctx, persisted); err != nil {
			return nil, fmt.Errorf("failed to persist candidate message: %w", err)
		}
		result.MessageIDs = append(result.MessageIDs, persisted.ID)
		if i == 0 {
			result.TopMessage = persisted
			result.ThreadID = persisted.ThreadID
		}
	}

	result.Extraction = extract.FromEmailText(result.TopMessage.Body, result.TopMessage.ID, extract.Options{})
	result.FilledFields = result.Extraction.FilledCanonicalFields()
	result.Class = Classify(c.MissingFields, result.FilledFields)
	return result, nil
}

// buildQuery synthesizes the provider-agnostic query: PO-number subject
// variants restricted to the lookback window, optionally scoped to the
// supplier address.
func (s *Searcher) buildQuery(c *types.Case, keywords []string, lookbackDays int) string {
	variants := []string{
		fmt.Sprintf("subject:%q", c.PONumber),
		fmt.Sprintf("subject:%q", "PO "+strings.TrimPrefix(c.PONumber, "PO-")),
		fmt.Sprintf("subject:%q", "purchase order "+strings.TrimPrefix(c.PONumber, "PO-")),
	}
	for _, kw := range keywords {
		variants = append(variants, fmt.Sprintf("%q", kw))
	}
	q := "(" + strings.Join(variants, " OR ") + ")"
	if s.FilterBySupplier && c.SupplierEmail != "" {
		q += " from:" + c.SupplierEmail
	}
	q += fmt.Sprintf(" newer_than:%dd", lookbackDays)
	return q
}

// scoreCandidate ranks one message: linear recency decay (100 today, −1 per
// day), +50 for a supplier From match, +10 per keyword hit.
func (s *Searcher) scoreCandidate(c *types.Case, msg *mail.Message) int {
	score := 0

	if !msg.InternalDate.IsZero() {
		days := int(s.now().Sub(msg.InternalDate).Hours() / 24)
		recency := 100 - days
		if recency < 0 {
			recency = 0
		}
		score += recency
	}

	from := strings.ToLower(msg.Header("From"))
	if c.SupplierEmail != "" && strings.Contains(from, strings.ToLower(c.SupplierEmail)) {
		score += 50
	} else if c.SupplierDomain != "" && strings.Contains(from, strings.ToLower(c.SupplierDomain)) {
		score += 50
	}

	hay := strings.ToLower(msg.Header("Subject") + " " + msg.Snippet)
	for _, kw := range scoringKeywords {
		if strings.Contains(hay, kw) {
			score += 10
		}
	}
	return score
}

// toStoredMessage converts a provider message into the stored form,
// detecting direction from the From header and decoding the best body.
func (s *Searcher) toStoredMessage(c *types.Case, msg *mail.Message) *types.Message {
	from := msg.Header("From")
	direction := types.DirectionInbound
	if s.buyerEmail != "" && strings.Contains(strings.ToLower(from), strings.ToLower(s.buyerEmail)) {
		direction = types.DirectionOutbound
	}

	stored := &types.Message{
		ID:        msg.ID,
		CaseID:    c.ID,
		ThreadID:  msg.ThreadID,
		Direction: direction,
		From:      from,
		To:        msg.Header("To"),
		Subject:   msg.Header("Subject"),
		Snippet:   msg.Snippet,
		Body:      DecodeBody(msg),
	}
	if !msg.InternalDate.IsZero() {
		t := msg.InternalDate
		stored.ReceivedAt = &t
	}
	if msg.Payload != nil && len(msg.Payload.Headers) > 0 {
		stored.Headers = msg.Payload.Headers
	}
	return stored
}

// PersistThread fetches every message in a thread and stores it under the
// case, returning the stored forms ordered as the provider returned them.
func (s *Searcher) PersistThread(ctx context.Context, c *types.Case, threadID string) ([]*types.Message, error) {
	msgs, err := s.provider.GetThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thread %s: %w", threadID, err)
	}
	var out []*types.Message
	for _, msg := range msgs {
		stored := s.toStoredMessage(c, msg)
		if err := s.store.AddMessage(ctx, stored); err != nil {
			return nil, fmt.Errorf("failed to persist thread message: %w", err)
		}
		out = append(out, stored)
	}
	return out, nil
}

// Classify grades a reply: every missing field newly filled means
// confirmed; some but not all means incomplete; none means not found.
func Classify(missing, filled []string) Classification {
	if len(missing) == 0 {
		return FoundConfirmed
	}
	remaining := 0
	newlyFilled := 0
	for _, m := range missing {
		if types.ContainsField(filled, m) {
			newlyFilled++
		} else {
			remaining++
		}
	}
	switch {
	case remaining == 0:
		return FoundConfirmed
	case newlyFilled > 0:
		return FoundIncomplete
	default:
		return NotFound
	}
}
