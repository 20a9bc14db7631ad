package mailsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation limits for client-supplied message properties.
const (
	// MaxKeywordLength is the maximum length of a keyword in bytes.
	MaxKeywordLength = 255

	// MaxMailboxesPerMessage caps the mailboxes one message can belong to.
	MaxMailboxesPerMessage = 1024
)

// Validation errors.
var (
	ErrInvalidKeyword    = errors.New("mailsync: invalid keyword")
	ErrInvalidMIMEType   = errors.New("mailsync: invalid content type")
	ErrInvalidReceivedAt = errors.New("mailsync: invalid receivedAt")
)

// System keywords (RFC 8621 section 4.1.1).
const (
	KeywordSeen     = "$seen"
	KeywordDraft    = "$draft"
	KeywordFlagged  = "$flagged"
	KeywordAnswered = "$answered"
)

// NormalizeKeyword validates a keyword and returns its lowercase form.
// Keywords are 1-255 ASCII characters from %x21-%x7e excluding
// ( ) { ] % * " and backslash.
func NormalizeKeyword(keyword string) (string, error) {
	if keyword == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKeyword)
	}
	if len(keyword) > MaxKeywordLength {
		return "", fmt.Errorf("%w: length %d exceeds max %d", ErrInvalidKeyword, len(keyword), MaxKeywordLength)
	}
	for i := 0; i < len(keyword); i++ {
		c := keyword[i]
		if c < 0x21 || c > 0x7e {
			return "", fmt.Errorf("%w: byte 0x%02x at %d", ErrInvalidKeyword, c, i)
		}
		switch c {
		case '(', ')', '{', ']', '%', '*', '"', '\\':
			return "", fmt.Errorf("%w: character %q at %d", ErrInvalidKeyword, c, i)
		}
	}
	return strings.ToLower(keyword), nil
}

// ValidateReceivedAt parses an RFC 3339 UTC date.
func ValidateReceivedAt(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidReceivedAt, err)
	}
	return t.UTC(), nil
}

// ValidateMIMEType validates a MIME type against allowed and blocked lists.
// Returns nil if the MIME type is valid.
func ValidateMIMEType(contentType string, allowedTypes, blockedTypes []string) error {
	normalized := normalizeMIMEType(contentType)
	if normalized == "" {
		return fmt.Errorf("%w: empty content type", ErrInvalidMIMEType)
	}

	for _, blocked := range blockedTypes {
		if matchMIMEType(normalized, blocked) {
			return fmt.Errorf("%w: %q is blocked", ErrInvalidMIMEType, contentType)
		}
	}

	if len(allowedTypes) > 0 {
		for _, a := range allowedTypes {
			if matchMIMEType(normalized, a) {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is not allowed", ErrInvalidMIMEType, contentType)
	}
	return nil
}

// normalizeMIMEType extracts the base MIME type without parameters.
// e.g., "text/plain; charset=utf-8" -> "text/plain"
func normalizeMIMEType(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		return ""
	}
	base, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// matchMIMEType checks if contentType matches the pattern.
// Supports wildcards: "image/*" matches "image/png", "image/jpeg", etc.
func matchMIMEType(contentType, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	if pattern == contentType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(contentType, prefix+"/")
	}
	return false
}

// DefaultBlockedMIMETypes returns executable types commonly refused at upload.
func DefaultBlockedMIMETypes() []string {
	return []string{
		"application/x-msdownload",
		"application/x-executable",
		"application/x-msdos-program",
		"application/x-sh",
		"application/x-shellscript",
		"application/x-bat",
		"application/x-msi",
		"application/vnd.microsoft.portable-executable",
		"application/x-dosexec",
	}
}
