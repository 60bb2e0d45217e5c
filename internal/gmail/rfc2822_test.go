package gmail

import (
	"strings"
	"testing"

	"github.com/confirmbot/confirmd/internal/mail"
)

func TestBuildRFC2822(t *testing.T) {
	raw := buildRFC2822(&mail.Outgoing{
		To:         "orders@acmesteel.example",
		Bcc:        "sandbox@demo.example",
		Subject:    "Re: PO-55012 - confirmation needed",
		Body:       "Hello team,\n\nPlease confirm.\n",
		InReplyTo:  "<abc@mail.example>",
		References: "<abc@mail.example>",
	})

	headers, body, found := strings.Cut(raw, "\r\n\r\n")
	if !found {
		t.Fatal("no header/body separator")
	}
	for _, want := range []string{
		"To: orders@acmesteel.example",
		"Bcc: sandbox@demo.example",
		"Subject: Re: PO-55012 - confirmation needed",
		"In-Reply-To: <abc@mail.example>",
		"References: <abc@mail.example>",
		"MIME-Version: 1.0",
	} {
		if !strings.Contains(headers, want) {
			t.Errorf("headers missing %q", want)
		}
	}
	if !strings.Contains(body, "Please confirm.") {
		t.Errorf("body = %q", body)
	}
}

func TestBuildRFC2822HeaderInjection(t *testing.T) {
	raw := buildRFC2822(&mail.Outgoing{
		To:      "a@b.example",
		Subject: "evil\r\nBcc: attacker@evil.example",
		Body:    "x",
	})
	// The CRLF is flattened, so the payload stays inside the Subject value
	// instead of becoming its own header line.
	if strings.Contains(raw, "\r\nBcc: attacker@evil.example") {
		t.Error("subject injected a header")
	}
}

func TestBuildRFC2822NewThread(t *testing.T) {
	raw := buildRFC2822(&mail.Outgoing{To: "a@b.example", Subject: "hi", Body: "x"})
	if strings.Contains(raw, "In-Reply-To") || strings.Contains(raw, "References") {
		t.Error("threading headers on a new thread")
	}
	if strings.Contains(raw, "Bcc:") {
		t.Error("empty bcc emitted")
	}
}
