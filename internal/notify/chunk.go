package notify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitChunks splits text into trimmed pieces of at most limit runes,
// breaking at the last whitespace that fits. A word longer than limit is cut
// mid-word. Blank input yields no chunks.
func SplitChunks(text string, limit int) []string {
	if limit <= 0 {
		return nil
	}

	var chunks []string
	rest := strings.TrimSpace(text)
	for utf8.RuneCountInString(rest) > limit {
		// Look one rune past the limit so a break right after a full chunk
		// is still found.
		window := truncateRunes(rest, limit+1)
		cut := strings.LastIndexFunc(window, unicode.IsSpace)
		if cut <= 0 {
			cut = len(truncateRunes(rest, limit))
		}
		if chunk := strings.TrimSpace(rest[:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// truncateRunes returns the first n runes of s
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
