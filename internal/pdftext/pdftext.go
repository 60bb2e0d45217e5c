// Package pdftext extracts plain text from PDF bytes behind a small
// interface so the engine and its tests never depend on a real decoder.
package pdftext

import "context"

// Extractor turns PDF bytes into plain text.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, pdf []byte) (string, error)

// ExtractText implements Extractor.
func (f Func) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	return f(ctx, pdf)
}
