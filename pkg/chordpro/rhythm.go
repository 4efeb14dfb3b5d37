package chordpro

import (
	"regexp"
	"strings"

	"github.com/songbook-app/songbook/pkg/chord"
)

var (
	bracketPattern = regexp.MustCompile(`\[(.*?)\]`)

	// rhythmSlash matches a "/" used as a beat marker: not sandwiched between
	// a note (or accidental) on the left and a note letter on the right.
	rhythmSlash = regexp.MustCompile(`(?:^|[^A-Gb#])/|/(?:[^A-G]|$)`)

	chordToken = regexp.MustCompile(`[A-G](?:#|b)?(?:maj|min|dim|aug|sus|add|m|M|\+)?[0-9]*(?:(?:sus|add|maj|b|#)[0-9]+)*(?:/[A-G](?:#|b)?)?`)

	keyDirectiveLine = regexp.MustCompile(`(?m)^\{key:\s*([^}]*)\}`)
)

// IsRhythmBracket reports whether bracket content is bar/beat notation rather
// than a single chord. A "|" always marks rhythm; a "/" does unless it reads
// as a slash chord such as A/C#.
//
// This is a character-class heuristic. Spellings like Am7/G trip it because
// the slash follows a digit.
func IsRhythmBracket(content string) bool {
	if strings.Contains(content, "|") {
		return true
	}
	return rhythmSlash.MatchString(content)
}

// TransposeRhythmBrackets shifts the chords inside rhythm brackets, e.g.
// [D / / / | A/C# / / / |], and leaves every other bracket alone. Beat
// markers, bar lines and spacing pass through untouched. A token that fails
// to parse is kept as written.
func TransposeRhythmBrackets(text string, semitones int, preferFlats bool) string {
	if semitones == 0 {
		return text
	}
	return replaceBrackets(text, func(content string) string {
		if !IsRhythmBracket(content) {
			return content
		}
		return transposeTokens(content, semitones, preferFlats)
	})
}

// TransposeChart transposes a whole chart: chord brackets, rhythm brackets
// and the {key: ...} directive.
func TransposeChart(text string, semitones int, preferFlats bool) string {
	if semitones == 0 {
		return text
	}
	out := replaceBrackets(text, func(content string) string {
		if IsRhythmBracket(content) {
			return transposeTokens(content, semitones, preferFlats)
		}
		name := strings.TrimSpace(content)
		transposed, err := chord.TransposeName(name, semitones, preferFlats)
		if err != nil {
			return content
		}
		return strings.Replace(content, name, transposed, 1)
	})
	return keyDirectiveLine.ReplaceAllStringFunc(out, func(line string) string {
		m := keyDirectiveLine.FindStringSubmatch(line)
		key := strings.TrimSpace(m[1])
		transposed, err := chord.TransposeName(key, semitones, preferFlats)
		if err != nil {
			return line
		}
		return "{key: " + transposed + "}"
	})
}

func replaceBrackets(text string, fn func(content string) string) string {
	matches := bracketPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))
	last := 0
	for _, m := range matches {
		sb.WriteString(text[last:m[2]])
		sb.WriteString(fn(text[m[2]:m[3]]))
		last = m[3]
	}
	sb.WriteString(text[last:])
	return sb.String()
}

func transposeTokens(content string, semitones int, preferFlats bool) string {
	spans := chordToken.FindAllStringIndex(content, -1)
	if len(spans) == 0 {
		return content
	}

	var sb strings.Builder
	sb.Grow(len(content))
	last := 0
	for _, span := range spans {
		start, end := span[0], span[1]
		sb.WriteString(content[last:start])
		token := content[start:end]
		if standalone(content, start, end) {
			if transposed, err := chord.TransposeName(token, semitones, preferFlats); err == nil {
				token = transposed
			}
		}
		sb.WriteString(token)
		last = end
	}
	sb.WriteString(content[last:])
	return sb.String()
}

// standalone rejects matches glued to surrounding words, so the "D" in
// "Dance" or "x2D" stays put.
func standalone(s string, start, end int) bool {
	if start > 0 && isWordByte(s[start-1]) {
		return false
	}
	if end < len(s) && (isWordByte(s[end]) || s[end] == '#') {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
