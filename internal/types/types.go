// Package types defines the core entities of the confirmation engine:
// cases, events, messages, attachments, and confirmation records.
package types

import (
	"fmt"
	"strings"
	"time"
)

// CaseState is the lifecycle state of a confirmation case.
type CaseState string

const (
	StateInboxLookup  CaseState = "INBOX_LOOKUP"
	StateOutreachSent CaseState = "OUTREACH_SENT"
	StateWaiting      CaseState = "WAITING"
	StateFollowupSent CaseState = "FOLLOWUP_SENT"
	StateParsed       CaseState = "PARSED"
	StateResolved     CaseState = "RESOLVED"
	StateEscalated    CaseState = "ESCALATED"
	StateError        CaseState = "ERROR"
)

// InitialState is where every new case starts.
const InitialState = StateInboxLookup

// Valid reports whether s is a known case state.
func (s CaseState) Valid() bool {
	switch s {
	case StateInboxLookup, StateOutreachSent, StateWaiting, StateFollowupSent,
		StateParsed, StateResolved, StateEscalated, StateError:
		return true
	}
	return false
}

// Schedulable reports whether cases in this state carry a next_check_at.
// Invariant: next_check_at is populated iff the state is schedulable.
func (s CaseState) Schedulable() bool {
	switch s {
	case StateOutreachSent, StateWaiting, StateFollowupSent:
		return true
	}
	return false
}

// Terminal reports whether the state ends the normal polling lifecycle.
// RESOLVED and ESCALATED are reopenable; ERROR allows retry only.
func (s CaseState) Terminal() bool {
	return s == StateResolved || s == StateEscalated || s == StateError
}

// CaseStatus is the outcome tag carried alongside the state.
type CaseStatus string

const (
	StatusOpen      CaseStatus = "OPEN"
	StatusConfirmed CaseStatus = "CONFIRMED"
	StatusBlocked   CaseStatus = "BLOCKED"
	StatusFailed    CaseStatus = "FAILED"
)

// Case is a per-(PO, line) confirmation workflow record.
type Case struct {
	ID       string `json:"case_id"`
	PONumber string `json:"po_number"`
	LineID   string `json:"line_id"`

	SupplierName   string `json:"supplier_name,omitempty"`
	SupplierEmail  string `json:"supplier_email,omitempty"`
	SupplierDomain string `json:"supplier_domain,omitempty"`

	// MissingFields holds canonical field keys only; parser aliases are
	// normalized before they reach this set.
	MissingFields []string `json:"missing_fields"`

	State  CaseState  `json:"state"`
	Status CaseStatus `json:"status"`

	TouchCount int `json:"touch_count"`

	Meta CaseMeta `json:"meta"`

	// NextCheckAt is set only while the case is schedulable (OUTREACH_SENT,
	// WAITING, FOLLOWUP_SENT); nil otherwise.
	NextCheckAt      *time.Time `json:"next_check_at,omitempty"`
	LastInboxCheckAt *time.Time `json:"last_inbox_check_at,omitempty"`
	LastActionAt     *time.Time `json:"last_action_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullyConfirmed reports whether no canonical field remains missing.
func (c *Case) FullyConfirmed() bool {
	return len(c.MissingFields) == 0
}

// Validate checks structural invariants before persistence.
func (c *Case) Validate() error {
	if c.PONumber == "" {
		return fmt.Errorf("case validation: po_number is required")
	}
	if c.LineID == "" {
		return fmt.Errorf("case validation: line_id is required")
	}
	if !c.State.Valid() {
		return fmt.Errorf("case validation: unknown state %q", c.State)
	}
	for _, f := range c.MissingFields {
		if !IsCanonicalField(f) {
			return fmt.Errorf("case validation: non-canonical missing field %q", f)
		}
	}
	if c.NextCheckAt != nil && !c.State.Schedulable() {
		return fmt.Errorf("case validation: next_check_at set in state %s", c.State)
	}
	return nil
}

// EventType identifies an audit event.
type EventType string

const (
	EventEmailSent            EventType = "EMAIL_SENT"
	EventEmailSkipped         EventType = "AGENT_EMAIL_SKIPPED"
	EventPDFParsed            EventType = "PDF_PARSED"
	EventAgentDecision        EventType = "AGENT_DECISION"
	EventOrchestrateStarted   EventType = "AGENT_ORCHESTRATE_STARTED"
	EventInboxSearchFound     EventType = "INBOX_SEARCH_FOUND"
	EventInboxSearchNotFound  EventType = "INBOX_SEARCH_NOT_FOUND"
	EventStateTransition      EventType = "STATE_TRANSITION"
	EventTransitionRejected   EventType = "TRANSITION_REJECTED"
	EventCaseResolved         EventType = "CASE_RESOLVED"
	EventCaseEscalated        EventType = "CASE_ESCALATED"
	EventAttachmentStored     EventType = "ATTACHMENT_STORED"
	EventAttachmentError      EventType = "ATTACHMENT_ERROR"
	EventCriticalError        EventType = "CRITICAL_ERROR"
	EventSupplierException    EventType = "SUPPLIER_EXCEPTION"
	EventNeedsHuman           EventType = "NEEDS_HUMAN"
	EventPollSkipped          EventType = "POLL_SKIPPED"
	EventSupplierEmailInferred EventType = "SUPPLIER_EMAIL_INFERRED"
)

// EvidenceRefs lists the message and attachment ids backing an event.
type EvidenceRefs struct {
	MessageIDs    []string `json:"message_ids,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// Empty reports whether the refs carry nothing.
func (r EvidenceRefs) Empty() bool {
	return len(r.MessageIDs) == 0 && len(r.AttachmentIDs) == 0
}

// Event is an append-only audit row for a case.
type Event struct {
	ID           string         `json:"event_id"`
	CaseID       string         `json:"case_id"`
	EventType    EventType      `json:"event_type"`
	Summary      string         `json:"summary"`
	EvidenceRefs EvidenceRefs   `json:"evidence_refs,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Direction of a mail message relative to the buyer.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Message is a supplier/buyer mail record tied to a case.
type Message struct {
	ID         string            `json:"message_id"`
	CaseID     string            `json:"case_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Direction  Direction         `json:"direction"`
	From       string            `json:"from"`
	To         string            `json:"to,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Snippet    string            `json:"snippet,omitempty"`
	Body       string            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt *time.Time        `json:"received_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Attachment is a stored mail attachment. Content hash is the primary
// identity for PDFs; AttachmentID is a generated surrogate.
type Attachment struct {
	ID               string     `json:"attachment_id"`
	MessageID        string     `json:"message_id"`
	Filename         string     `json:"filename"`
	MimeType         string     `json:"mime_type"`
	ProviderAttachID string     `json:"provider_attachment_id,omitempty"`
	BinaryDataBase64 string     `json:"binary_data_base64,omitempty"`
	SizeBytes        int64      `json:"size_bytes,omitempty"`
	ContentSHA256    string     `json:"content_sha256,omitempty"`
	TextExtract      string     `json:"text_extract,omitempty"`
	ParsedFieldsJSON string     `json:"parsed_fields_json,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// IsPDF reports whether the attachment should be treated as a PDF.
func (a *Attachment) IsPDF() bool {
	if strings.EqualFold(a.MimeType, "application/pdf") {
		return true
	}
	lower := strings.ToLower(a.Filename)
	if strings.HasSuffix(lower, ".pdf") {
		return strings.EqualFold(a.MimeType, "application/octet-stream") || a.MimeType == ""
	}
	return false
}

// ConfirmationRecord holds the authoritative extracted values for one
// (po_id, line_id), with evidence back-references.
type ConfirmationRecord struct {
	ID                   string     `json:"id"`
	POID                 string     `json:"po_id"`
	LineID               string     `json:"line_id"`
	SupplierOrderNumber  string     `json:"supplier_order_number,omitempty"`
	ConfirmedDeliveryDate string    `json:"confirmed_delivery_date,omitempty"`
	ConfirmedQuantity    *float64   `json:"confirmed_quantity,omitempty"`
	SourceAttachmentID   string     `json:"source_attachment_id,omitempty"`
	SourceMessageID      string     `json:"source_message_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ConfirmationExtraction is one extraction run's output for a case,
// kept for audit alongside the authoritative record.
type ConfirmationExtraction struct {
	ID                   string    `json:"id"`
	CaseID               string    `json:"case_id"`
	FieldsJSON           string    `json:"fields_json"`
	EvidenceAttachmentID string    `json:"evidence_attachment_id,omitempty"`
	EvidenceMessageID    string    `json:"evidence_message_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// GmailToken is the singleton OAuth token record.
type GmailToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}
