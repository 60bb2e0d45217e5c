// Package utils holds small helpers shared across the engine.
package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeBase64URLTolerant decodes standard or base64url payloads. Provider
// attachment bodies arrive base64url-encoded and unpadded; legacy rows may
// hold standard base64. Normalize the alphabet and pad to a multiple of 4.
func DecodeBase64URLTolerant(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(s)
}

// SHA256Hex returns the hex digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashBase64Payload decodes an attachment payload and returns its SHA-256
// hex digest and decoded size.
func HashBase64Payload(payload string) (string, int64, error) {
	raw, err := DecodeBase64URLTolerant(payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to decode payload: %w", err)
	}
	return SHA256Hex(raw), int64(len(raw)), nil
}
