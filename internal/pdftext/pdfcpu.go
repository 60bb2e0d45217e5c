package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFCPU extracts text by walking page content streams and collecting the
// literal strings of text-show operators. Supplier confirmations are
// machine-generated PDFs with unencoded Latin text, which this handles;
// scanned or exotic-encoding documents come back empty rather than wrong.
type PDFCPU struct {
	conf *model.Configuration
}

// NewPDFCPU returns a pdfcpu-backed extractor with relaxed validation, since
// supplier systems emit PDFs that are not always spec-clean.
func NewPDFCPU() *PDFCPU {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFCPU{conf: conf}
}

// textShowOp matches (string) Tj and the strings inside [ ... ] TJ arrays.
var textShowOp = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// ExtractText implements Extractor.
func (p *PDFCPU) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	pdfCtx, err := api.ReadContext(bytes.NewReader(pdf), p.conf)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf: %w", err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return "", fmt.Errorf("failed to validate pdf: %w", err)
	}

	var out strings.Builder
	for page := 1; page <= pdfCtx.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r, err := pdfcpu.ExtractPageContent(pdfCtx, page)
		if err != nil {
			return "", fmt.Errorf("failed to extract page %d: %w", page, err)
		}
		if r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("failed to read page %d content: %w", page, err)
		}
		writePageText(&out, content)
		out.WriteString("\n")
	}
	return out.String(), nil
}

// writePageText pulls the show-string arguments out of a content stream.
// Each content-stream line that holds a text-show operator becomes one
// output line; text positioning operators are not interpreted.
func writePageText(out *strings.Builder, content []byte) {
	lines := bytes.Split(content, []byte("\n"))
	for _, line := range lines {
		s := string(line)
		if !strings.Contains(s, "Tj") && !strings.Contains(s, "TJ") && !strings.Contains(s, "'") {
			continue
		}
		matches := textShowOp.FindAllStringSubmatch(s, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			out.WriteString(unescapePDFString(m[1]))
		}
		out.WriteString("\n")
	}
}

// unescapePDFString resolves the \n, \r, \t and delimiter escapes of a PDF
// literal string. Other escapes, octal codes included, keep only the
// character after the backslash.
func unescapePDFString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '(', ')', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var _ Extractor = (*PDFCPU)(nil)
