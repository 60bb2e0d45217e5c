package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/types"
)

const (
	llmMaxRetries     = 3
	llmInitialBackoff = 1 * time.Second

	// llmConfidenceCap bounds fallback confidences until the model's
	// self-reported calibration is validated against ground truth.
	llmConfidenceCap = 0.75

	defaultModel = "claude-haiku-4-5"
)

// errAPIKeyRequired is returned when the fallback is invoked without a key.
var errAPIKeyRequired = errors.New("API key required")

// LLMFallback extracts fields with the Anthropic API when heuristics come
// up short. Output passes through the same guardrails as heuristic values.
type LLMFallback struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewLLMFallback creates the fallback extractor.
func NewLLMFallback(apiKey string) (*LLMFallback, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", errAPIKeyRequired)
	}
	return &LLMFallback{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(defaultModel),
		maxRetries:     llmMaxRetries,
		initialBackoff: llmInitialBackoff,
	}, nil
}

type llmFields struct {
	SupplierOrderNumber   string  `json:"supplier_order_number"`
	SupplierOrderConf     float64 `json:"supplier_order_number_confidence"`
	ConfirmedDeliveryDate string  `json:"confirmed_delivery_date"`
	DeliveryDateConf      float64 `json:"confirmed_delivery_date_confidence"`
	ConfirmedQuantity     string  `json:"confirmed_quantity"`
	QuantityConf          float64 `json:"confirmed_quantity_confidence"`
}

// Extract asks the model for the three fields and converts its answer into
// a Result under the standard guardrails: quantity values that look like
// dimensional noise, dates that fail ISO normalization, and order numbers
// without a digit are all dropped.
func (l *LLMFallback) Extract(ctx context.Context, text string, opts Options) (*Result, error) {
	prompt := l.buildPrompt(text, opts)
	raw, err := l.callWithRetry(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var fields llmFields
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &fields); err != nil {
		return nil, fmt.Errorf("unparseable fallback response: %w", err)
	}

	r := &Result{EvidenceSource: "none"}
	if iso := normalizeDate(fields.ConfirmedDeliveryDate); iso != "" {
		r.ConfirmedDeliveryDate = &types.ExtractedField{Value: iso, Confidence: capConf(fields.DeliveryDateConf)}
	}
	if so := strings.TrimSpace(fields.SupplierOrderNumber); so != "" &&
		hasDigit.MatchString(so) && !soStopWords[strings.ToLower(so)] {
		r.SupplierOrderNumber = &types.ExtractedField{Value: so, Confidence: capConf(fields.SupplierOrderConf)}
	}
	if qty := strings.TrimSpace(fields.ConfirmedQuantity); qty != "" && acceptableLLMQuantity(qty, opts.ExpectedQty) {
		r.ConfirmedQuantity = &types.ExtractedField{Value: qty, Confidence: capConf(fields.QuantityConf)}
	}
	if !r.Empty() {
		r.EvidenceSource = "pdf"
	}
	r.RawExcerpt = excerpt(text, r)
	return r, nil
}

func capConf(c float64) float64 {
	if c <= 0 {
		return 0.5
	}
	if c > llmConfidenceCap {
		return llmConfidenceCap
	}
	return c
}

// acceptableLLMQuantity applies the never-guess rule to model output: the
// value must be a plain number, and when the caller supplied an expected
// quantity it must match it.
func acceptableLLMQuantity(qty string, expected *float64) bool {
	clean := strings.TrimSpace(strings.ReplaceAll(qty, ",", ""))
	if bareDecimal.MatchString(clean) {
		return false
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return false
	}
	if expected != nil {
		return v == *expected
	}
	return true
}

// extractJSONObject pulls the first {...} block out of a model reply that
// may be wrapped in prose or a code fence.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func (l *LLMFallback) buildPrompt(text string, opts Options) string {
	var b strings.Builder
	b.WriteString(`You are extracting purchase-order confirmation fields from a supplier document.

Return ONLY a JSON object with these keys:
{
  "supplier_order_number": "",
  "supplier_order_number_confidence": 0.0,
  "confirmed_delivery_date": "",
  "confirmed_delivery_date_confidence": 0.0,
  "confirmed_quantity": "",
  "confirmed_quantity_confidence": 0.0
}

Rules:
- supplier_order_number is the SUPPLIER's own order/sales-order number, never the buyer PO number.
- confirmed_delivery_date in YYYY-MM-DD. Prefer confirmed ship/delivery dates over order dates.
- confirmed_quantity must be an ordered quantity, NEVER a dimension, gauge, weight, grade code, or fraction.
- Leave a field empty ("") when unsure. Confidences in [0,1].
`)
	if opts.ExpectedQty != nil {
		fmt.Fprintf(&b, "- The buyer ordered quantity %g; only report a quantity that matches it.\n", *opts.ExpectedQty)
	}
	b.WriteString("\nDocument:\n---\n")
	if len(text) > 12000 {
		text = text[:12000]
	}
	b.WriteString(text)
	b.WriteString("\n---\n")
	return b.String()
}

func (l *LLMFallback) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			wait := l.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := l.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("unexpected response format: no text block")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
		debug.Logf("llm extract: retryable error on attempt %d: %v\n", attempt+1, err)
	}
	return "", fmt.Errorf("failed after %d retries: %w", l.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
