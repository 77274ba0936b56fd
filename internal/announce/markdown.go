package announce

import "regexp"

var (
	// [text](url) where both sides look like absolute http(s) URLs
	urlLinkPattern = regexp.MustCompile(`\[(https?://[^\]\s]+)\]\((https?://[^)\s]+)\)`)
	escapePattern  = regexp.MustCompile(`\\([[:punct:]])`)
)

// CollapseSelfLinks rewrites markdown links whose text is their own URL,
// [https://x](https://x), to the bare URL. Chat clients do not render such
// links. Links with any other text are left alone.
func CollapseSelfLinks(markdown string) string {
	return urlLinkPattern.ReplaceAllStringFunc(markdown, func(link string) string {
		m := urlLinkPattern.FindStringSubmatch(link)
		if escapePattern.ReplaceAllString(m[1], "$1") == m[2] {
			return m[2]
		}
		return link
	})
}
