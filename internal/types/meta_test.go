package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCaseMetaRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	meta := CaseMeta{
		ThreadID: "thread-42",
		ParsedBestFields: &ParsedBestFields{
			SupplierOrderNumber:  &ExtractedField{Value: "SO-907255", Confidence: 0.9},
			EvidenceAttachmentID: "att-1",
			UpdatedAt:            now,
		},
		AgentQueue: []QueuedAction{{Action: "DRAFT_EMAIL", Risk: "LOW", QueuedAt: now}},
	}

	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got CaseMeta
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.ThreadID != "thread-42" {
		t.Errorf("thread_id = %q", got.ThreadID)
	}
	if got.ParsedBestFields == nil || got.ParsedBestFields.SupplierOrderNumber.Value != "SO-907255" {
		t.Errorf("parsed_best_fields_v1 lost: %+v", got.ParsedBestFields)
	}
	if len(got.AgentQueue) != 1 || got.AgentQueue[0].Action != "DRAFT_EMAIL" {
		t.Errorf("agent_queue lost: %+v", got.AgentQueue)
	}
}

func TestCaseMetaOverflowPreserved(t *testing.T) {
	raw := `{"thread_id":"t1","legacy_flag":true,"custom":{"a":1}}`
	var meta CaseMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if meta.ThreadID != "t1" {
		t.Errorf("thread_id = %q", meta.ThreadID)
	}
	if _, ok := meta.Extra["legacy_flag"]; !ok {
		t.Error("legacy_flag dropped from overflow")
	}

	out, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var check map[string]json.RawMessage
	if err := json.Unmarshal(out, &check); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
	if _, ok := check["legacy_flag"]; !ok {
		t.Error("legacy_flag not round-tripped")
	}
	if _, ok := check["custom"]; !ok {
		t.Error("custom not round-tripped")
	}
}
