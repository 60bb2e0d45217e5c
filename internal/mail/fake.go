package mail

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is an in-memory Provider for tests. Messages are matched against
// queries with a crude contains check over subject and snippet; attachment
// data is served from a map keyed by "messageID/attachmentID".
type Fake struct {
	mu sync.Mutex

	Messages    []*Message
	Attachments map[string]string // "messageID/attachmentID" -> base64url data
	Sent        []*Outgoing

	// SearchErr / SendErr force failures when set.
	SearchErr error
	SendErr   error

	sendSeq int
}

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{Attachments: map[string]string{}}
}

// AddMessage registers a message for search and fetch.
func (f *Fake) AddMessage(m *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, m)
}

// AddAttachmentData registers attachment bytes for GetAttachmentData.
func (f *Fake) AddAttachmentData(messageID, attachmentID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Attachments[messageID+"/"+attachmentID] = data
}

func (f *Fake) Search(_ context.Context, query string, maxResults int64) ([]*MessageMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	// Pull quoted phrases and bare tokens out of the query; a message
	// matches when any one of them appears in its subject or snippet.
	needles := extractNeedles(query)
	var out []*MessageMeta
	for _, m := range f.Messages {
		hay := strings.ToLower(m.Snippet)
		if m.Payload != nil {
			for k, v := range m.Payload.Headers {
				if strings.EqualFold(k, "Subject") {
					hay += " " + strings.ToLower(v)
				}
			}
		}
		for _, n := range needles {
			if strings.Contains(hay, n) {
				out = append(out, &MessageMeta{ID: m.ID, ThreadID: m.ThreadID})
				break
			}
		}
		if maxResults > 0 && int64(len(out)) >= maxResults {
			break
		}
	}
	return out, nil
}

func extractNeedles(query string) []string {
	var needles []string
	q := strings.ToLower(query)
	for {
		start := strings.Index(q, `"`)
		if start < 0 {
			break
		}
		end := strings.Index(q[start+1:], `"`)
		if end < 0 {
			break
		}
		needles = append(needles, q[start+1:start+1+end])
		q = q[start+end+2:]
	}
	for _, tok := range strings.Fields(q) {
		tok = strings.TrimSuffix(strings.TrimPrefix(tok, "("), ")")
		if tok == "" || tok == "or" || tok == "and" || strings.Contains(tok, ":") {
			continue
		}
		needles = append(needles, tok)
	}
	return needles
}

func (f *Fake) GetMessage(_ context.Context, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("fake: message %s not found", messageID)
}

func (f *Fake) GetThreadMessages(_ context.Context, threadID string) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.Messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("fake: thread %s not found", threadID)
	}
	return out, nil
}

func (f *Fake) GetAttachmentData(_ context.Context, messageID, attachmentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Attachments[messageID+"/"+attachmentID]
	if !ok {
		return "", fmt.Errorf("fake: attachment %s/%s not found", messageID, attachmentID)
	}
	return data, nil
}

func (f *Fake) Send(_ context.Context, out *Outgoing) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.sendSeq++
	f.Sent = append(f.Sent, out)
	threadID := out.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("fake-thread-%d", f.sendSeq)
	}
	return &SendResult{
		MessageID: fmt.Sprintf("fake-sent-%d", f.sendSeq),
		ThreadID:  threadID,
	}, nil
}

var _ Provider = (*Fake)(nil)
