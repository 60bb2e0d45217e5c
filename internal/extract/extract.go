// Package extract parses supplier confirmation fields out of PDF and email
// text: supplier order number, confirmed delivery date, confirmed quantity.
// Heuristics run first; an LLM fallback covers layouts the label scan
// cannot, under the same guardrails.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/confirmbot/confirmd/internal/types"
)

// LowConfidence is the threshold below which a value is surfaced to policy
// as low-confidence.
const LowConfidence = 0.6

// Result is one extraction pass over a body of text.
type Result struct {
	SupplierOrderNumber   *types.ExtractedField
	ConfirmedDeliveryDate *types.ExtractedField
	ConfirmedQuantity     *types.ExtractedField
	EvidenceSource        string // "pdf", "email", "mixed", "none"
	RawExcerpt            string
}

// Empty reports whether nothing was extracted.
func (r *Result) Empty() bool {
	return r.SupplierOrderNumber == nil && r.ConfirmedDeliveryDate == nil && r.ConfirmedQuantity == nil
}

// MinConfidence returns the lowest confidence across extracted fields, or 1
// when nothing was extracted.
func (r *Result) MinConfidence() float64 {
	min := 1.0
	for _, f := range []*types.ExtractedField{r.SupplierOrderNumber, r.ConfirmedDeliveryDate, r.ConfirmedQuantity} {
		if f != nil && f.Confidence < min {
			min = f.Confidence
		}
	}
	return min
}

// FilledCanonicalFields lists the canonical keys this result provides.
func (r *Result) FilledCanonicalFields() []string {
	var out []string
	if r.SupplierOrderNumber != nil {
		out = append(out, types.FieldSupplierReference)
	}
	if r.ConfirmedDeliveryDate != nil {
		out = append(out, types.FieldDeliveryDate)
	}
	if r.ConfirmedQuantity != nil {
		out = append(out, types.FieldQuantity)
	}
	return out
}

// Options tunes an extraction pass.
type Options struct {
	// ExpectedQty lets the quantity rule accept a candidate that matches
	// the PO line's ordered quantity. Without it only uniquely-labeled
	// quantities are returned.
	ExpectedQty *float64
}

// FromPDFText extracts fields from PDF text, stamping attachment provenance.
func FromPDFText(text, attachmentID string, opts Options) *Result {
	r := fromText(text, opts)
	r.EvidenceSource = "pdf"
	if r.Empty() {
		r.EvidenceSource = "none"
	}
	stampAttachment(r, attachmentID)
	return r
}

// FromEmailText extracts fields from an email body, stamping message
// provenance.
func FromEmailText(text, messageID string, opts Options) *Result {
	r := fromText(text, opts)
	r.EvidenceSource = "email"
	if r.Empty() {
		r.EvidenceSource = "none"
	}
	stampMessage(r, messageID)
	return r
}

// Merge prefers pdf values and fills gaps from email. The merged evidence
// source is "mixed" when both contributed.
func Merge(pdf, email *Result) *Result {
	if pdf == nil {
		return email
	}
	if email == nil {
		return pdf
	}
	merged := &Result{
		SupplierOrderNumber:   pdf.SupplierOrderNumber,
		ConfirmedDeliveryDate: pdf.ConfirmedDeliveryDate,
		ConfirmedQuantity:     pdf.ConfirmedQuantity,
		RawExcerpt:            pdf.RawExcerpt,
	}
	usedEmail := false
	if merged.SupplierOrderNumber == nil && email.SupplierOrderNumber != nil {
		merged.SupplierOrderNumber = email.SupplierOrderNumber
		usedEmail = true
	}
	if merged.ConfirmedDeliveryDate == nil && email.ConfirmedDeliveryDate != nil {
		merged.ConfirmedDeliveryDate = email.ConfirmedDeliveryDate
		usedEmail = true
	}
	if merged.ConfirmedQuantity == nil && email.ConfirmedQuantity != nil {
		merged.ConfirmedQuantity = email.ConfirmedQuantity
		usedEmail = true
	}
	switch {
	case merged.Empty():
		merged.EvidenceSource = "none"
	case usedEmail && !pdf.Empty():
		merged.EvidenceSource = "mixed"
	case usedEmail:
		merged.EvidenceSource = "email"
		merged.RawExcerpt = email.RawExcerpt
	default:
		merged.EvidenceSource = "pdf"
	}
	return merged
}

func stampAttachment(r *Result, id string) {
	for _, f := range []*types.ExtractedField{r.SupplierOrderNumber, r.ConfirmedDeliveryDate, r.ConfirmedQuantity} {
		if f != nil {
			f.AttachmentID = id
		}
	}
}

func stampMessage(r *Result, id string) {
	for _, f := range []*types.ExtractedField{r.SupplierOrderNumber, r.ConfirmedDeliveryDate, r.ConfirmedQuantity} {
		if f != nil {
			f.MessageID = id
		}
	}
}

func fromText(text string, opts Options) *Result {
	r := &Result{}
	lines := splitLines(text)

	if date, conf := extractDate(lines); date != "" {
		r.ConfirmedDeliveryDate = &types.ExtractedField{Value: date, Confidence: conf}
	}
	if so, conf := extractSupplierOrderNumber(lines); so != "" {
		r.SupplierOrderNumber = &types.ExtractedField{Value: so, Confidence: conf}
	}
	if qty, conf := extractQuantity(lines, opts.ExpectedQty); qty != "" {
		r.ConfirmedQuantity = &types.ExtractedField{Value: qty, Confidence: conf}
	}
	r.RawExcerpt = excerpt(text, r)
	return r
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// excerpt returns a short window of text around the first extracted value.
func excerpt(text string, r *Result) string {
	target := ""
	for _, f := range []*types.ExtractedField{r.SupplierOrderNumber, r.ConfirmedDeliveryDate, r.ConfirmedQuantity} {
		if f != nil {
			target = f.Value
			break
		}
	}
	if target == "" {
		if len(text) > 200 {
			return text[:200]
		}
		return text
	}
	idx := strings.Index(text, target)
	if idx < 0 {
		idx = 0
	}
	start := idx - 80
	if start < 0 {
		start = 0
	}
	end := idx + 120
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// --- dates ---

// dateLabels in priority order; first label class found wins.
var dateLabels = []struct {
	re   *regexp.Regexp
	conf float64
}{
	{regexp.MustCompile(`(?i)confirmed\s+ship\s+date`), 0.95},
	{regexp.MustCompile(`(?i)confirmed\s+delivery\s+date`), 0.95},
	{regexp.MustCompile(`(?i)\bship\s+date\b`), 0.85},
	{regexp.MustCompile(`(?i)\bdelivery\s+date\b`), 0.85},
	{regexp.MustCompile(`(?i)\b(promised?|expected)\s+date\b`), 0.75},
	{regexp.MustCompile(`(?i)\border\s+date\b`), 0.5},
}

var datePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})|(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})|([A-Za-z]{3,9}\.?\s+\d{1,2},?\s+\d{2,4})|(\d{1,2}\s+[A-Za-z]{3,9}\.?\s+\d{2,4})`)

// extractDate runs the label-first scan: for each label class in priority
// order, find a date on the same line or the next one.
func extractDate(lines []string) (string, float64) {
	for _, label := range dateLabels {
		for i, line := range lines {
			if !label.re.MatchString(line) {
				continue
			}
			if m := datePattern.FindString(line); m != "" {
				if iso := normalizeDate(m); iso != "" {
					return iso, label.conf
				}
			}
			if i+1 < len(lines) {
				if m := datePattern.FindString(lines[i+1]); m != "" {
					if iso := normalizeDate(m); iso != "" {
						// Value on the following line is weaker evidence.
						return iso, label.conf - 0.1
					}
				}
			}
		}
	}
	return "", 0
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// normalizeDate converts a matched date string to ISO YYYY-MM-DD.
// Two-digit years below 70 land in the 2000s.
func normalizeDate(s string) string {
	s = strings.TrimSpace(strings.TrimSuffix(s, ","))

	if m := regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`).FindStringSubmatch(s); m != nil {
		return s
	}
	if m := regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})$`).FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year := normalizeYear(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
		}
		return ""
	}
	// "Jan 15, 2026" / "January 15 2026"
	if m := regexp.MustCompile(`^([A-Za-z]{3,9})\.?\s+(\d{1,2}),?\s+(\d{2,4})$`).FindStringSubmatch(s); m != nil {
		month := monthNames[strings.ToLower(m[1][:3])]
		day, _ := strconv.Atoi(m[2])
		year := normalizeYear(m[3])
		if month >= 1 && day >= 1 && day <= 31 {
			return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
		}
		return ""
	}
	// "15 Jan 2026"
	if m := regexp.MustCompile(`^(\d{1,2})\s+([A-Za-z]{3,9})\.?\s+(\d{2,4})$`).FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month := monthNames[strings.ToLower(m[2][:3])]
		year := normalizeYear(m[3])
		if month >= 1 && day >= 1 && day <= 31 {
			return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
		}
	}
	return ""
}

func normalizeYear(s string) int {
	year, _ := strconv.Atoi(s)
	if year < 100 {
		if year < 70 {
			return 2000 + year
		}
		return 1900 + year
	}
	return year
}

// --- supplier order number ---

var soLabels = []struct {
	re   *regexp.Regexp
	conf float64
}{
	{regexp.MustCompile(`(?i)our\s+order\s+(number|no\.?|#)\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9-]*)`), 0.95},
	{regexp.MustCompile(`(?i)sales\s+order\s*(number|no\.?|#)?\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9-]*)`), 0.9},
	{regexp.MustCompile(`(?i)\bSO\s*[:#]\s*([A-Za-z0-9][A-Za-z0-9-]*)`), 0.8},
	{regexp.MustCompile(`(?i)\border\s*#\s*([A-Za-z0-9][A-Za-z0-9-]*)`), 0.7},
}

// soStopWords are tokens the label scan must never return as a value.
var soStopWords = map[string]bool{
	"number": true, "no": true, "date": true, "confirmation": true,
	"order": true, "po": true, "acknowledgment": true, "acknowledgement": true,
}

var hasDigit = regexp.MustCompile(`\d`)

func extractSupplierOrderNumber(lines []string) (string, float64) {
	for _, label := range soLabels {
		for _, line := range lines {
			m := label.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			candidate := m[len(m)-1]
			if soStopWords[strings.ToLower(candidate)] {
				continue
			}
			if !hasDigit.MatchString(candidate) {
				continue
			}
			return candidate, label.conf
		}
	}
	return "", 0
}

// --- quantity ---

var qtyLabeled = regexp.MustCompile(`(?i)\b(?:qty|quantity)\s*[:#]?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(EA|PCS?|EACH|UNITS?|FT|M)?\b`)

// Dimensional and spec noise that must never be read as a quantity.
var (
	fractionPattern = regexp.MustCompile(`\b\d+\s*/\s*\d+\b`)
	gradePattern    = regexp.MustCompile(`\b[A-Z]\d{3,}\b`)
	bareDecimal     = regexp.MustCompile(`(^|\s)\.\d+`)
	weightLabel     = regexp.MustCompile(`(?i)\b(LBS?|KG)\b`)
)

// extractQuantity never guesses. A value is returned only when it is the
// unique labeled quantity on the page, or when it matches the caller's
// expected quantity near a quantity label.
func extractQuantity(lines []string, expectedQty *float64) (string, float64) {
	type candidate struct {
		value string
		line  string
	}
	var candidates []candidate
	for _, line := range lines {
		if fractionPattern.MatchString(line) || gradePattern.MatchString(line) ||
			bareDecimal.MatchString(line) || weightLabel.MatchString(line) {
			continue
		}
		for _, m := range qtyLabeled.FindAllStringSubmatch(line, -1) {
			candidates = append(candidates, candidate{value: strings.ReplaceAll(m[1], ",", ""), line: line})
		}
	}
	if len(candidates) == 0 {
		return "", 0
	}

	if expectedQty != nil {
		for _, c := range candidates {
			v, err := strconv.ParseFloat(c.value, 64)
			if err == nil && v == *expectedQty {
				return c.value, 0.9
			}
		}
	}

	// Unique labeled quantity is acceptable on its own.
	first := candidates[0].value
	unique := true
	for _, c := range candidates[1:] {
		if c.value != first {
			unique = false
			break
		}
	}
	if unique {
		return first, 0.75
	}
	return "", 0
}
