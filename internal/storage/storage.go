// Package storage defines the interface for case storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/confirmbot/confirmd/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrBusy is the skip sentinel: the per-case writer lock could not be
// acquired. Callers treat it as not-my-turn and move on; never spin.
var ErrBusy = errors.New("case lock busy")

// ErrConflict is returned when an upsert collides on a unique key in a way
// that cannot be merged.
var ErrConflict = errors.New("conflict")

// AttachmentUpsertResult reports what AddAttachment did.
type AttachmentUpsertResult struct {
	Attachment *types.Attachment
	Reused     bool
}

// CleanupStats summarizes a duplicate-attachment cleanup run.
type CleanupStats struct {
	Groups     int
	Deleted    int
	Rewritten  int
}

// Storage is the persistence contract for the confirmation engine.
// The store exclusively owns all durable state.
type Storage interface {
	// Cases
	CreateCase(ctx context.Context, c *types.Case) error
	GetCase(ctx context.Context, caseID string) (*types.Case, error)
	FindCaseByPOLine(ctx context.Context, poNumber, lineID string) (*types.Case, error)
	UpdateCase(ctx context.Context, caseID string, patch *types.CasePatch) error
	ListCases(ctx context.Context, states []types.CaseState, limit int) ([]*types.Case, error)
	ListDueCases(ctx context.Context, now time.Time, limit int) ([]*types.Case, error)
	DeleteCasesByPO(ctx context.Context, poNumber string) (int, error)

	// WithCaseLock serializes all state-mutating work on a case. It opens an
	// immediate writer transaction, re-reads the case inside the lock, and
	// hands it to fn together with a transactional view of the store.
	// Returns ErrBusy when the database reports the lock is taken.
	WithCaseLock(ctx context.Context, caseID string, fn func(ctx context.Context, tx Storage, c *types.Case) error) error

	// Events
	AddEvent(ctx context.Context, e *types.Event) error
	ListEvents(ctx context.Context, caseID string, limit int) ([]*types.Event, error)
	LastEventOfType(ctx context.Context, caseID string, eventTypes ...types.EventType) (*types.Event, error)

	// Messages
	AddMessage(ctx context.Context, m *types.Message) error
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
	ListMessages(ctx context.Context, caseID string, limit int) ([]*types.Message, error)

	// Attachments
	AddAttachment(ctx context.Context, a *types.Attachment) (*AttachmentUpsertResult, error)
	GetAttachment(ctx context.Context, attachmentID string) (*types.Attachment, error)
	FindAttachmentByHash(ctx context.Context, contentSHA256 string) (*types.Attachment, error)
	ListAttachmentsByMessage(ctx context.Context, messageID string) ([]*types.Attachment, error)
	SetAttachmentText(ctx context.Context, attachmentID, textExtract string) error
	RehashAttachment(ctx context.Context, attachmentID, contentSHA256 string, sizeBytes int64) error
	UnhashedAttachments(ctx context.Context, messageID, filename string) ([]*types.Attachment, error)
	CleanupDuplicateAttachments(ctx context.Context) (*CleanupStats, error)

	// Confirmation records
	UpsertConfirmationRecord(ctx context.Context, r *types.ConfirmationRecord) error
	GetConfirmationRecord(ctx context.Context, poID, lineID string) (*types.ConfirmationRecord, error)
	ListConfirmationRecords(ctx context.Context, poIDs []string) ([]*types.ConfirmationRecord, error)
	AddConfirmationExtraction(ctx context.Context, e *types.ConfirmationExtraction) error

	// Tokens
	SaveGmailToken(ctx context.Context, t *types.GmailToken) error
	GetGmailToken(ctx context.Context) (*types.GmailToken, error)

	Close() error
}
