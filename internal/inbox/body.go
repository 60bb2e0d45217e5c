package inbox

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/confirmbot/confirmd/internal/mail"
	"github.com/confirmbot/confirmd/internal/utils"
)

// stripTags reduces HTML bodies to their text content.
var stripTags = bluemonday.StrictPolicy()

var collapseWS = regexp.MustCompile(`[ \t]{2,}`)

// DecodeBody returns the best plain-text body of a message: text/plain
// first, then de-tagged HTML, then the snippet.
func DecodeBody(msg *mail.Message) string {
	if msg.Payload == nil {
		return msg.Snippet
	}
	if plain := findPartText(msg.Payload, "text/plain"); plain != "" {
		return plain
	}
	if html := findPartText(msg.Payload, "text/html"); html != "" {
		return detagHTML(html)
	}
	return msg.Snippet
}

// findPartText walks the MIME tree for the first part of the wanted type
// with inline data and decodes it.
func findPartText(p *mail.Part, mimeType string) string {
	if strings.EqualFold(p.MimeType, mimeType) && p.Data != "" {
		raw, err := utils.DecodeBase64URLTolerant(p.Data)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	for _, child := range p.Parts {
		if text := findPartText(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

// detagHTML strips markup and normalizes whitespace, keeping line structure
// so label-based field scans still work.
func detagHTML(html string) string {
	// Block-level closers become newlines before tags are stripped.
	for _, tag := range []string{"</p>", "</div>", "</tr>", "</li>", "<br>", "<br/>", "<br />"} {
		html = strings.ReplaceAll(html, tag, tag+"\n")
	}
	text := stripTags.Sanitize(html)
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = collapseWS.ReplaceAllString(text, " ")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}
