package orchestrator

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/confirmbot/confirmd/internal/types"
)

// maxDraftBodyChars is the guardrail ceiling on outgoing body length.
const maxDraftBodyChars = 1200

// maxAutoSendMissing is the most missing fields auto-send will chase.
const maxAutoSendMissing = 3

// Draft is a generated follow-up mail. DisplayTo always shows the real
// supplier address; SendTo is where the bytes actually go (redirected in
// demo mode). Bcc audits every demo-mode send.
type Draft struct {
	DisplayTo string `json:"to"`
	SendTo    string `json:"-"`
	Bcc       string `json:"bcc,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	InThread  bool   `json:"in_thread"`
}

// fieldPrompts turns canonical keys into the bullet asks of the template.
var fieldPrompts = map[string]string{
	types.FieldSupplierReference: "Your order / sales order number for this PO line",
	types.FieldDeliveryDate:      "Confirmed delivery (or ship) date",
	types.FieldQuantity:          "Confirmed quantity",
}

// buildDraft renders the follow-up template: greeting, PO/line header,
// optional context, a bullet per missing field, closing.
func buildDraft(c *types.Case, context string, demoMode bool, demoRecipient string) *Draft {
	var b strings.Builder

	name := c.SupplierName
	if name == "" {
		name = "team"
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "We are following up on purchase order %s, line %s.\n", c.PONumber, c.LineID)
	if context != "" {
		fmt.Fprintf(&b, "%s\n", context)
	}
	b.WriteString("\nCould you please confirm the following:\n")
	for _, f := range c.MissingFields {
		if prompt, ok := fieldPrompts[f]; ok {
			fmt.Fprintf(&b, "  - %s\n", prompt)
		}
	}
	b.WriteString("\nA copy of your order confirmation PDF works as well.\n")
	b.WriteString("\nThank you,\nProcurement Team\n")

	subject := fmt.Sprintf("%s - confirmation needed", c.PONumber)
	inThread := c.Meta.ThreadID != ""
	if inThread {
		subject = "Re: " + subject
	}

	d := &Draft{
		DisplayTo: c.SupplierEmail,
		SendTo:    c.SupplierEmail,
		Subject:   subject,
		Body:      b.String(),
		InThread:  inThread,
	}
	if demoMode && demoRecipient != "" {
		d.SendTo = demoRecipient
		d.Bcc = demoRecipient
	}
	return d
}

// Guardrails gate auto-send. Each check returns its name on failure so the
// downgrade event can say which one tripped.

type guardrail struct {
	name  string
	check func(c *types.Case, d *Draft) bool
}

var sendGuardrails = []guardrail{
	{"supplier_email_missing", func(c *types.Case, d *Draft) bool {
		if c.SupplierEmail == "" {
			return false
		}
		_, err := mail.ParseAddress(c.SupplierEmail)
		return err == nil
	}},
	{"too_many_missing_fields", func(c *types.Case, d *Draft) bool {
		return len(c.MissingFields) <= maxAutoSendMissing
	}},
	{"body_too_long", func(c *types.Case, d *Draft) bool {
		return len(d.Body) <= maxDraftBodyChars
	}},
}

// checkGuardrails returns the name of the first failed guardrail, or "".
func checkGuardrails(c *types.Case, d *Draft) string {
	for _, g := range sendGuardrails {
		if !g.check(c, d) {
			return g.name
		}
	}
	return ""
}
