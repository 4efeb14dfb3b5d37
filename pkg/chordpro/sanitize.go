package chordpro

import (
	"regexp"
	"strings"
)

var excessBlankLines = regexp.MustCompile(`\n{3,}`)

// SanitizeContent prepares editor text for persistence: metadata directives
// are dropped (they live on the arrangement record) and blank-line runs are
// collapsed to one.
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	cleaned := RemoveMetadataDirectives(content)
	cleaned = excessBlankLines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
