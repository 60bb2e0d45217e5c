package gmail

import (
	"fmt"
	"strings"

	"github.com/confirmbot/confirmd/internal/mail"
)

// buildRFC2822 renders an outgoing message as a raw RFC 2822 payload.
// Reply threading rides on In-Reply-To/References; Gmail matches the
// ThreadId on the send call as well.
func buildRFC2822(out *mail.Outgoing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", out.To)
	if out.Bcc != "" {
		fmt.Fprintf(&b, "Bcc: %s\r\n", out.Bcc)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(out.Subject))
	if out.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", out.InReplyTo)
	}
	if out.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", out.References)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(out.Body)
	return b.String()
}

// sanitizeHeader strips CR/LF so body text can never inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
