// Package mail defines the provider-agnostic mail interface the engine
// talks to. The gmail package implements it; tests use the in-memory Fake.
package mail

import (
	"context"
	"strings"
	"time"
)

// MessageMeta is a search hit: just enough to rank and fetch.
type MessageMeta struct {
	ID       string
	ThreadID string
}

// Part is one node of a message's MIME tree. Data holds base64url-encoded
// inline bytes when the provider embeds them; AttachmentID points at the
// provider's attachment endpoint otherwise.
type Part struct {
	MimeType     string
	Filename     string
	AttachmentID string
	Data         string
	Headers      map[string]string
	Parts        []*Part
}

// Message is a fetched provider message with its full payload tree.
type Message struct {
	ID           string
	ThreadID     string
	Snippet      string
	InternalDate time.Time
	Payload      *Part
}

// Header returns a payload header by canonical name, case-insensitively.
func (m *Message) Header(name string) string {
	if m.Payload == nil {
		return ""
	}
	for k, v := range m.Payload.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Outgoing is a message to send. ThreadID plus InReplyTo/References makes it
// a reply; otherwise a new thread is started.
type Outgoing struct {
	To         string
	Bcc        string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	References string
}

// SendResult reports the provider ids of a sent message.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// Provider is the mail surface the engine depends on.
type Provider interface {
	// Search runs a provider query and returns matching message metas.
	Search(ctx context.Context, query string, maxResults int64) ([]*MessageMeta, error)
	// GetMessage fetches one message with its full MIME payload.
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// GetThreadMessages fetches every message in a thread.
	GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error)
	// GetAttachmentData fetches attachment bytes as base64url.
	GetAttachmentData(ctx context.Context, messageID, attachmentID string) (string, error)
	// Send delivers an outgoing message.
	Send(ctx context.Context, out *Outgoing) (*SendResult, error)
}
