package orchestrator

import (
	"strings"
	"testing"

	"github.com/confirmbot/confirmd/internal/types"
)

func draftCase() *types.Case {
	return &types.Case{
		PONumber:      "PO-55012",
		LineID:        "2",
		SupplierName:  "Acme Steel",
		SupplierEmail: "orders@acmesteel.example",
		MissingFields: []string{types.FieldSupplierReference, types.FieldDeliveryDate},
	}
}

func TestBuildDraftTemplate(t *testing.T) {
	c := draftCase()
	d := buildDraft(c, "Thanks for the partial confirmation.", false, "")

	if d.DisplayTo != "orders@acmesteel.example" || d.SendTo != d.DisplayTo {
		t.Errorf("to = %q / %q", d.DisplayTo, d.SendTo)
	}
	if d.Subject != "PO-55012 - confirmation needed" {
		t.Errorf("subject = %q", d.Subject)
	}
	for _, want := range []string{
		"Hello Acme Steel",
		"purchase order PO-55012, line 2",
		"Thanks for the partial confirmation.",
		"order / sales order number",
		"Confirmed delivery (or ship) date",
	} {
		if !strings.Contains(d.Body, want) {
			t.Errorf("body missing %q\n%s", want, d.Body)
		}
	}
	// The quantity bullet is absent: it is not missing.
	if strings.Contains(d.Body, "Confirmed quantity") {
		t.Error("body lists a field that is not missing")
	}
	if len(d.Body) > maxDraftBodyChars {
		t.Errorf("template body exceeds guardrail: %d chars", len(d.Body))
	}
}

func TestBuildDraftReplySubject(t *testing.T) {
	c := draftCase()
	c.Meta.ThreadID = "t-99"
	d := buildDraft(c, "", false, "")
	if !strings.HasPrefix(d.Subject, "Re: ") {
		t.Errorf("subject = %q", d.Subject)
	}
	if !d.InThread {
		t.Error("in_thread not set")
	}
}

func TestBuildDraftDemoRedirect(t *testing.T) {
	c := draftCase()
	d := buildDraft(c, "", true, "sandbox@demo.example")

	// The displayed recipient stays real; the actual send target and the
	// audit BCC go to the sandbox.
	if d.DisplayTo != "orders@acmesteel.example" {
		t.Errorf("display to = %q", d.DisplayTo)
	}
	if d.SendTo != "sandbox@demo.example" {
		t.Errorf("send to = %q", d.SendTo)
	}
	if d.Bcc != "sandbox@demo.example" {
		t.Errorf("bcc = %q", d.Bcc)
	}
}
