// Package chordpro holds the text transforms applied to ChordPro charts:
// metadata directive merging, sanitizing before persistence and rhythm
// notation transposition.
package chordpro

import (
	"regexp"
	"strconv"
	"strings"
)

// Field names a metadata directive.
type Field string

const (
	FieldKey   Field = "key"
	FieldTempo Field = "tempo"
	FieldTime  Field = "time"
	FieldCapo  Field = "capo"
)

// AllFields lists the metadata directives in the order they are injected.
var AllFields = []Field{FieldKey, FieldTempo, FieldTime, FieldCapo}

// Strategy decides what happens when a chart already carries a directive.
type Strategy string

const (
	// PreserveEmbedded injects a directive only when the chart has none of that kind.
	PreserveEmbedded Strategy = "preserve-embedded"
	// OverrideAll always injects. The embedded directive is left in place, so
	// the chart ends up with two; the injected one comes first.
	OverrideAll Strategy = "override-all"
)

// ArrangementMetadata is the structured metadata stored with an arrangement.
// Empty strings and a zero Tempo mean "not set". Capo is a pointer because
// capo 0 is a real setting.
type ArrangementMetadata struct {
	Key           string `json:"key,omitempty" yaml:"key,omitempty"`
	Tempo         int    `json:"tempo,omitempty" yaml:"tempo,omitempty"`
	TimeSignature string `json:"timeSignature,omitempty" yaml:"time_signature,omitempty"`
	Capo          *int   `json:"capo,omitempty" yaml:"capo,omitempty"`
}

// InjectOptions controls InjectMetadata.
type InjectOptions struct {
	Strategy Strategy
	// Fields restricts which directives take part. Empty means all four.
	Fields []Field
}

// ParsedInt is a directive value read as a base-10 integer. Valid is false
// when the value did not start with digits; callers treat that as unset.
type ParsedInt struct {
	Value int  `json:"value"`
	Valid bool `json:"valid"`
}

// ExtractedMetadata holds the directives found in a chart. Nil fields were absent.
type ExtractedMetadata struct {
	Key           *string    `json:"key,omitempty"`
	Tempo         *ParsedInt `json:"tempo,omitempty"`
	TimeSignature *string    `json:"timeSignature,omitempty"`
	Capo          *ParsedInt `json:"capo,omitempty"`
}

// ToArrangement keeps the usable values of m.
func (m ExtractedMetadata) ToArrangement() ArrangementMetadata {
	var out ArrangementMetadata
	if m.Key != nil {
		out.Key = *m.Key
	}
	if m.Tempo != nil && m.Tempo.Valid {
		out.Tempo = m.Tempo.Value
	}
	if m.TimeSignature != nil {
		out.TimeSignature = *m.TimeSignature
	}
	if m.Capo != nil && m.Capo.Valid {
		capo := m.Capo.Value
		out.Capo = &capo
	}
	return out
}

var (
	directivePatterns = map[Field]*regexp.Regexp{
		FieldKey:   regexp.MustCompile(`(?m)^\{key:\s*([^}]*)\}`),
		FieldTempo: regexp.MustCompile(`(?m)^\{tempo:\s*([^}]*)\}`),
		FieldTime:  regexp.MustCompile(`(?m)^\{time:\s*([^}]*)\}`),
		FieldCapo:  regexp.MustCompile(`(?m)^\{capo:\s*([^}]*)\}`),
	}
	anyDirective       = regexp.MustCompile(`(?m)^\{(?:key|tempo|time|capo):`)
	removableDirective = regexp.MustCompile(`(?m)^\{(?:key|tempo|time|capo):[^}]*\}\n?`)
)

// InjectMetadata prepends directive lines for the metadata the chart lacks
// (or for every requested field under OverrideAll). Existing lines are never
// touched. When nothing is injected content is returned as is.
func InjectMetadata(content string, metadata *ArrangementMetadata, opts InjectOptions) string {
	if metadata == nil {
		return content
	}

	fields := opts.Fields
	if len(fields) == 0 {
		fields = AllFields
	}
	requested := make(map[Field]bool, len(fields))
	for _, f := range fields {
		requested[f] = true
	}

	var lines []string
	for _, f := range AllFields {
		if !requested[f] {
			continue
		}
		if opts.Strategy != OverrideAll && hasDirective(content, f) {
			continue
		}
		if value, ok := directiveValue(metadata, f); ok {
			lines = append(lines, "{"+string(f)+": "+value+"}")
		}
	}

	if len(lines) == 0 {
		return content
	}
	header := strings.Join(lines, "\n")
	if content == "" {
		return header
	}
	return header + "\n\n" + content
}

func directiveValue(m *ArrangementMetadata, f Field) (string, bool) {
	switch f {
	case FieldKey:
		return m.Key, m.Key != ""
	case FieldTempo:
		return strconv.Itoa(m.Tempo), m.Tempo != 0
	case FieldTime:
		return m.TimeSignature, m.TimeSignature != ""
	case FieldCapo:
		if m.Capo == nil {
			return "", false
		}
		return strconv.Itoa(*m.Capo), true
	}
	return "", false
}

func hasDirective(content string, f Field) bool {
	return directivePatterns[f].MatchString(content)
}

// ExtractMetadata reads the first occurrence of each directive.
func ExtractMetadata(content string) ExtractedMetadata {
	var out ExtractedMetadata
	if content == "" {
		return out
	}

	if v, ok := firstValue(content, FieldKey); ok {
		out.Key = &v
	}
	if v, ok := firstValue(content, FieldTempo); ok {
		p := parseLeadingInt(v)
		out.Tempo = &p
	}
	if v, ok := firstValue(content, FieldTime); ok {
		out.TimeSignature = &v
	}
	if v, ok := firstValue(content, FieldCapo); ok {
		p := parseLeadingInt(v)
		out.Capo = &p
	}
	return out
}

func firstValue(content string, f Field) (string, bool) {
	m := directivePatterns[f].FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// parseLeadingInt mirrors a lenient integer parse: leading whitespace and an
// optional sign, then as many digits as follow. "120 bpm" reads as 120.
func parseLeadingInt(s string) ParsedInt {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return ParsedInt{}
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return ParsedInt{}
	}
	return ParsedInt{Value: v, Valid: true}
}

// HasMetadataDirectives reports whether any of the four directives starts a line.
func HasMetadataDirectives(content string) bool {
	return anyDirective.MatchString(content)
}

// RemoveMetadataDirectives strips every metadata directive line and trims the result.
func RemoveMetadataDirectives(content string) string {
	if content == "" {
		return ""
	}
	return strings.TrimSpace(removableDirective.ReplaceAllString(content, ""))
}
