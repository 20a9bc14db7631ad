package thread

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSortFieldLength bounds a normalized thread name, in bytes.
const MaxSortFieldLength = 255

// replyPrefixes are matched case-insensitively before a colon.
var replyPrefixes = []string{"re", "fwd", "fw", "aw", "sv", "wg", "vs", "tr"}

// Name normalizes a subject into its thread name: list tags and reply or
// forward prefixes are stripped repeatedly, whitespace is collapsed and the
// result is trimmed to MaxSortFieldLength bytes on a rune boundary.
func Name(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := stripPrefix(s)
		if next == s {
			break
		}
		s = next
	}
	return Trim(strings.Join(strings.Fields(s), " "), MaxSortFieldLength)
}

// stripPrefix removes one leading "[tag]" or "Re:"-style prefix.
func stripPrefix(s string) string {
	if strings.HasPrefix(s, "[") {
		if end := strings.IndexByte(s, ']'); end > 0 {
			rest := strings.TrimSpace(s[end+1:])
			// A bare tag with nothing after it is the subject itself.
			if rest != "" {
				return rest
			}
		}
		return s
	}
	lower := strings.ToLower(s)
	for _, p := range replyPrefixes {
		if !strings.HasPrefix(lower, p) {
			continue
		}
		rest := s[len(p):]
		// Re[2]: counters.
		if strings.HasPrefix(rest, "[") {
			end := strings.IndexByte(rest, ']')
			if end < 0 || !isDigits(rest[1:end]) {
				continue
			}
			rest = rest[end+1:]
		}
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if strings.HasPrefix(rest, ":") {
			return strings.TrimSpace(rest[1:])
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Trim cuts s to at most limit bytes without splitting a rune.
func Trim(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
