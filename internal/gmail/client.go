// Package gmail adapts the Gmail API to the engine's mail.Provider
// interface. OAuth tokens live in the store (or a local file) and refresh
// ahead of expiry.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/mail"
)

// Client implements mail.Provider against the Gmail API for the
// authenticated user ("me").
type Client struct {
	svc *gmailapi.Service
}

// NewClient builds a Gmail-backed provider from a token source.
func NewClient(ctx context.Context, ts *TokenSource) (*Client, error) {
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &Client{svc: svc}, nil
}

const user = "me"

// retryNotify logs transient API failures between backoff attempts.
func retryNotify(op string) backoff.Notify {
	return func(err error, wait time.Duration) {
		debug.Logf("gmail %s: transient error %v, retrying in %s\n", op, err, wait)
	}
}

// permanentIfClient wraps 4xx (except 429) as permanent so backoff stops.
func permanentIfClient(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*googleapi.Error); ok {
		if apiErr.Code != 429 && apiErr.Code >= 400 && apiErr.Code < 500 {
			return backoff.Permanent(err)
		}
	}
	return err
}

func callBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

// Search runs a Gmail query and returns message metas.
func (c *Client) Search(ctx context.Context, query string, maxResults int64) ([]*mail.MessageMeta, error) {
	if maxResults <= 0 {
		maxResults = 20
	}
	var resp *gmailapi.ListMessagesResponse
	err := backoff.RetryNotify(func() error {
		var err error
		resp, err = c.svc.Users.Messages.List(user).Q(query).MaxResults(maxResults).Context(ctx).Do()
		return permanentIfClient(err)
	}, callBackoff(ctx), retryNotify("search"))
	if err != nil {
		return nil, fmt.Errorf("gmail search failed: %w", err)
	}
	out := make([]*mail.MessageMeta, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, &mail.MessageMeta{ID: m.Id, ThreadID: m.ThreadId})
	}
	return out, nil
}

// GetMessage fetches a full message.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*mail.Message, error) {
	var msg *gmailapi.Message
	err := backoff.RetryNotify(func() error {
		var err error
		msg, err = c.svc.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
		return permanentIfClient(err)
	}, callBackoff(ctx), retryNotify("get message"))
	if err != nil {
		return nil, fmt.Errorf("gmail get message %s failed: %w", messageID, err)
	}
	return convertMessage(msg), nil
}

// GetThreadMessages fetches every message in a thread.
func (c *Client) GetThreadMessages(ctx context.Context, threadID string) ([]*mail.Message, error) {
	var thread *gmailapi.Thread
	err := backoff.RetryNotify(func() error {
		var err error
		thread, err = c.svc.Users.Threads.Get(user, threadID).Format("full").Context(ctx).Do()
		return permanentIfClient(err)
	}, callBackoff(ctx), retryNotify("get thread"))
	if err != nil {
		return nil, fmt.Errorf("gmail get thread %s failed: %w", threadID, err)
	}
	out := make([]*mail.Message, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

// GetAttachmentData fetches attachment bytes as base64url.
func (c *Client) GetAttachmentData(ctx context.Context, messageID, attachmentID string) (string, error) {
	var body *gmailapi.MessagePartBody
	err := backoff.RetryNotify(func() error {
		var err error
		body, err = c.svc.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
		return permanentIfClient(err)
	}, callBackoff(ctx), retryNotify("get attachment"))
	if err != nil {
		return "", fmt.Errorf("gmail get attachment failed: %w", err)
	}
	return body.Data, nil
}

// Send delivers an outgoing message, threading it when ThreadID is set.
func (c *Client) Send(ctx context.Context, out *mail.Outgoing) (*mail.SendResult, error) {
	raw := buildRFC2822(out)
	gm := &gmailapi.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
		ThreadId: out.ThreadID,
	}
	var sent *gmailapi.Message
	err := backoff.RetryNotify(func() error {
		var err error
		sent, err = c.svc.Users.Messages.Send(user, gm).Context(ctx).Do()
		return permanentIfClient(err)
	}, callBackoff(ctx), retryNotify("send"))
	if err != nil {
		return nil, fmt.Errorf("gmail send failed: %w", err)
	}
	return &mail.SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// convertMessage maps the API payload tree onto the provider-neutral form.
func convertMessage(m *gmailapi.Message) *mail.Message {
	out := &mail.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
	}
	if m.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(m.InternalDate).UTC()
	}
	out.Payload = convertPart(m.Payload)
	return out
}

func convertPart(p *gmailapi.MessagePart) *mail.Part {
	if p == nil {
		return nil
	}
	part := &mail.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
		part.Data = p.Body.Data
	}
	if len(p.Headers) > 0 {
		part.Headers = make(map[string]string, len(p.Headers))
		for _, h := range p.Headers {
			part.Headers[h.Name] = h.Value
		}
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

var _ mail.Provider = (*Client)(nil)
