// Package media detects inline base64 payloads in message rows and moves
// them into blob storage.
package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MinInlineLength is the shortest bare string treated as an encoded payload.
// Data URIs are recognised at any length.
const MinInlineLength = 64

var (
	ErrNotBase64 = errors.New("payload is not base64")
	ErrTooLarge  = errors.New("payload exceeds size limit")

	ErrStorageNotConfigured = errors.New("object storage not configured")
)

// splitDataURI separates "data:<mime>;base64,<payload>". ok is false when s
// is not a base64 data URI.
func splitDataURI(s string) (mime, payload string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	header, rest, found := strings.Cut(s[len("data:"):], ",")
	if !found {
		return "", "", false
	}
	params := strings.Split(header, ";")
	if len(params) < 2 || !strings.EqualFold(strings.TrimSpace(params[len(params)-1]), "base64") {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(params[0])), rest, true
}

func stripWhitespace(s string) string {
	if strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// IsBase64 reports whether s looks like an encoded media payload rather
// than message text. Whitespace is ignored; a bare string must be padded to
// a multiple of 4.
func IsBase64(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if _, payload, ok := splitDataURI(s); ok {
		return looksEncoded(stripWhitespace(payload), 4, false)
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return false
	}
	return looksEncoded(stripWhitespace(s), MinInlineLength, true)
}

// looksEncoded checks the alphabet and padding of s. With padded set the
// length must be a multiple of 4; otherwise only lengths no decoder can
// repair are rejected.
func looksEncoded(s string, minLen int, padded bool) bool {
	if len(s) < minLen {
		return false
	}
	body := strings.TrimRight(s, "=")
	if padding := len(s) - len(body); padding > 2 {
		return false
	}

	var std, urlSafe bool
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+' || c == '/':
			std = true
		case c == '-' || c == '_':
			urlSafe = true
		default:
			return false
		}
	}
	if std && urlSafe {
		return false
	}
	if padded || !urlSafe {
		return len(s)%4 == 0
	}
	return len(s)%4 != 1
}

// Decode accepts data URIs, wrapped lines, the URL-safe alphabet and
// missing padding.
func Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if _, payload, ok := splitDataURI(s); ok {
		s = payload
	}
	s = stripWhitespace(s)
	if !looksEncoded(s, 4, false) {
		return nil, ErrNotBase64
	}
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	if pad := len(s) % 4; pad > 0 {
		s += strings.Repeat("=", 4-pad)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBase64, err)
	}
	return data, nil
}

// DecodedSize estimates the decoded length without decoding.
func DecodedSize(s string) int64 {
	s = strings.TrimSpace(s)
	if _, payload, ok := splitDataURI(s); ok {
		s = payload
	}
	s = strings.TrimRight(stripWhitespace(s), "=")
	return int64(len(s)) * 3 / 4
}
