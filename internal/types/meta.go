package types

import (
	"encoding/json"
	"time"
)

// ExtractedField is one parsed confirmation value with provenance.
type ExtractedField struct {
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
	AttachmentID string  `json:"attachment_id,omitempty"`
	MessageID    string  `json:"message_id,omitempty"`
}

// ParsedBestFields is the best extraction seen so far for a case, stored
// under meta as parsed_best_fields_v1.
type ParsedBestFields struct {
	SupplierOrderNumber   *ExtractedField `json:"supplier_order_number,omitempty"`
	ConfirmedDeliveryDate *ExtractedField `json:"confirmed_delivery_date,omitempty"`
	ConfirmedQuantity     *ExtractedField `json:"confirmed_quantity,omitempty"`
	EvidenceSource        string          `json:"evidence_source,omitempty"`
	EvidenceAttachmentID  string          `json:"evidence_attachment_id,omitempty"`
	RawExcerpt            string          `json:"raw_excerpt,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// QueuedAction is a pending agent action awaiting human approval.
type QueuedAction struct {
	Action    string    `json:"action"`
	Risk      string    `json:"risk"`
	DraftTo   string    `json:"draft_to,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
	Reason    string    `json:"reason,omitempty"`
}

// CaseMeta is the tagged form of the case meta column: the known fields are
// typed, everything else rides in Extra for forward compatibility.
type CaseMeta struct {
	ThreadID         string            `json:"thread_id,omitempty"`
	ParsedBestFields *ParsedBestFields `json:"parsed_best_fields_v1,omitempty"`
	AgentQueue       []QueuedAction    `json:"agent_queue,omitempty"`
	LastSentAt       *time.Time        `json:"last_sent_at,omitempty"`
	LastSentSubject  string            `json:"last_sent_subject,omitempty"`
	LastSentTo       string            `json:"last_sent_to,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownMetaKeys are stripped from Extra on marshal so a key never appears twice.
var knownMetaKeys = map[string]bool{
	"thread_id":             true,
	"parsed_best_fields_v1": true,
	"agent_queue":           true,
	"last_sent_at":          true,
	"last_sent_subject":     true,
	"last_sent_to":          true,
}

// MarshalJSON flattens the typed fields and the overflow map into one object.
func (m CaseMeta) MarshalJSON() ([]byte, error) {
	type alias CaseMeta
	base, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !knownMetaKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits known fields from the overflow.
func (m *CaseMeta) UnmarshalJSON(data []byte) error {
	type alias CaseMeta
	var typed alias
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = CaseMeta(typed)
	for k := range raw {
		if knownMetaKeys[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}
