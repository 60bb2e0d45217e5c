// Package retrieval walks message MIME trees for PDF attachments, downloads
// and hashes their bytes, and persists them idempotently through the
// content-addressed attachment store.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/pdftext"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
	"github.com/confirmbot/confirmd/internal/utils"
)

// Summary reports what one retrieval pass did, for observability.
type Summary struct {
	Inserted           int      `json:"inserted"`
	Reused             int      `json:"reused"`
	Skipped            int      `json:"skipped"`
	AttachmentsWithSha []string `json:"attachmentsWithSha"`
	Filenames          []string `json:"filenames"`
	Errors             []string `json:"errors"`
}

// HasEvidence reports whether at least one PDF with a persisted hash came
// out of this pass.
func (s *Summary) HasEvidence() bool {
	return len(s.AttachmentsWithSha) > 0
}

// Retriever fetches and persists PDF evidence for a case.
type Retriever struct {
	provider  mail.Provider
	store     storage.Storage
	extractor pdftext.Extractor
}

// New creates a Retriever. The text extractor may be nil; text extraction is
// then deferred to a later pass.
func New(provider mail.Provider, store storage.Storage, extractor pdftext.Extractor) *Retriever {
	return &Retriever{provider: provider, store: store, extractor: extractor}
}

// Retrieve processes the given messages, or the whole thread when no
// message ids are passed. Message ids are preferred; the thread is the
// fallback for callers that only know the conversation.
func (r *Retriever) Retrieve(ctx context.Context, caseID, threadID string, messageIDs []string) (*Summary, error) {
	summary := &Summary{}

	var msgs []*mail.Message
	if len(messageIDs) > 0 {
		for _, id := range messageIDs {
			msg, err := r.provider.GetMessage(ctx, id)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("fetch %s: %v", id, err))
				continue
			}
			msgs = append(msgs, msg)
		}
	} else if threadID != "" {
		var err error
		msgs, err = r.provider.GetThreadMessages(ctx, threadID)
		if err != nil {
			return summary, fmt.Errorf("failed to fetch thread %s: %w", threadID, err)
		}
	} else {
		return summary, fmt.Errorf("retrieve requires a threadId or messageIds")
	}

	for _, msg := range msgs {
		if err := r.processMessage(ctx, caseID, msg, summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// processMessage walks one message's MIME tree and persists its PDFs.
func (r *Retriever) processMessage(ctx context.Context, caseID string, msg *mail.Message, summary *Summary) error {
	parts := collectAttachmentParts(msg.Payload)
	for _, part := range parts {
		if !isPDFPart(part) {
			summary.Skipped++
			continue
		}
		if err := r.processPDF(ctx, caseID, msg, part, summary); err != nil {
			return err
		}
	}
	return nil
}

// collectAttachmentParts recursively walks the tree. A part counts as an
// attachment if it has a filename, a provider attachment id, or inline body
// bytes alongside a non-container mime type.
func collectAttachmentParts(p *mail.Part) []*mail.Part {
	if p == nil {
		return nil
	}
	var out []*mail.Part
	if p.Filename != "" || p.AttachmentID != "" ||
		(p.Data != "" && !strings.HasPrefix(p.MimeType, "multipart/")) {
		out = append(out, p)
	}
	for _, child := range p.Parts {
		out = append(out, collectAttachmentParts(child)...)
	}
	return out
}

// isPDFPart selects PDFs: declared mime, .pdf filename, or octet-stream
// with a .pdf filename.
func isPDFPart(p *mail.Part) bool {
	if strings.EqualFold(p.MimeType, "application/pdf") {
		return true
	}
	lower := strings.ToLower(p.Filename)
	if !strings.HasSuffix(lower, ".pdf") {
		return false
	}
	return p.MimeType == "" || strings.EqualFold(p.MimeType, "application/octet-stream")
}

func (r *Retriever) processPDF(ctx context.Context, caseID string, msg *mail.Message, part *mail.Part, summary *Summary) error {
	data := part.Data
	if data == "" && part.AttachmentID != "" {
		fetched, err := r.provider.GetAttachmentData(ctx, msg.ID, part.AttachmentID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("download %s: %v", part.Filename, err))
			return nil
		}
		data = fetched
	}

	raw, err := utils.DecodeBase64URLTolerant(data)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("decode %s: %v", part.Filename, err))
		return nil
	}
	if len(raw) == 0 {
		summary.Errors = append(summary.Errors, fmt.Sprintf("zero-byte payload: %s", part.Filename))
		_ = r.store.AddEvent(ctx, &types.Event{
			CaseID:    caseID,
			EventType: types.EventAttachmentError,
			Summary:   fmt.Sprintf("dropped zero-byte attachment %s on %s", part.Filename, msg.ID),
		})
		return nil
	}

	hash := utils.SHA256Hex(raw)
	size := int64(len(raw))

	// Legacy rows sharing (message_id, filename) without a hash get one now.
	if err := r.rehashLegacyRows(ctx, msg.ID, part.Filename, hash, size); err != nil {
		return err
	}

	reusedBefore := false
	if _, err := r.store.FindAttachmentByHash(ctx, hash); err == nil {
		reusedBefore = true
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	candidate := &types.Attachment{
		MessageID:        msg.ID,
		Filename:         part.Filename,
		MimeType:         normalizedMime(part),
		ProviderAttachID: part.AttachmentID,
		BinaryDataBase64: data,
		SizeBytes:        size,
		ContentSHA256:    hash,
	}
	if r.extractor != nil {
		text, err := r.extractor.ExtractText(ctx, raw)
		if err != nil {
			debug.Logf("case %s: text extraction failed for %s: %v\n", caseID, part.Filename, err)
		} else {
			candidate.TextExtract = text
		}
	}

	result, err := r.store.AddAttachment(ctx, candidate)
	if err != nil {
		return fmt.Errorf("failed to store attachment %s: %w", part.Filename, err)
	}

	// A stored PDF with bytes must carry its hash; anything else is a data
	// integrity failure the case cannot recover from on its own.
	if result.Attachment.ContentSHA256 == "" {
		_ = r.store.AddEvent(ctx, &types.Event{
			CaseID:    caseID,
			EventType: types.EventCriticalError,
			Summary:   fmt.Sprintf("attachment %s persisted without content hash", result.Attachment.ID),
			EvidenceRefs: types.EvidenceRefs{
				MessageIDs:    []string{msg.ID},
				AttachmentIDs: []string{result.Attachment.ID},
			},
		})
		return fmt.Errorf("attachment %s persisted without content hash", result.Attachment.ID)
	}

	if result.Reused || reusedBefore {
		summary.Reused++
	} else {
		summary.Inserted++
	}
	summary.AttachmentsWithSha = append(summary.AttachmentsWithSha, result.Attachment.ID)
	summary.Filenames = append(summary.Filenames, part.Filename)
	return nil
}

func (r *Retriever) rehashLegacyRows(ctx context.Context, messageID, filename, hash string, size int64) error {
	legacy, err := r.store.UnhashedAttachments(ctx, messageID, filename)
	if err != nil {
		return err
	}
	for _, row := range legacy {
		err := r.store.RehashAttachment(ctx, row.ID, hash, size)
		if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if errors.Is(err, storage.ErrConflict) {
			debug.Logf("legacy row %s duplicates hash %s; cleanup will fold it\n", row.ID, hash)
		}
	}
	return nil
}

func normalizedMime(p *mail.Part) string {
	if p.MimeType != "" {
		return p.MimeType
	}
	return "application/pdf"
}
