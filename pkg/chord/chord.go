// Package chord parses chord names and shifts them by semitones.
package chord

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidChord is returned when a token is not a recognisable chord name.
var ErrInvalidChord = errors.New("chord: invalid chord")

var (
	sharpNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}
	flatNames  = [12]string{"C", "Db", "D", "Eb", "E", "F", "Gb", "G", "Ab", "A", "Bb", "B"}
)

var letterSemitones = map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}

// qualityPattern accepts the suffixes found on worship charts: m, maj7, sus4,
// add9, m7b5, dim7, 7#9 and friends.
var qualityPattern = regexp.MustCompile(`^(?:maj|min|m|M|dim|aug|sus|add|\+)?[0-9]*(?:(?:sus|add|maj|b|#)[0-9]+)*$`)

// Note is a pitch class spelled with a letter and an accidental.
type Note struct {
	Letter     byte
	Accidental int // -1 flat, 0 natural, +1 sharp
}

// ParseNote reads a note name from the start of s and reports how many bytes
// it consumed.
func ParseNote(s string) (Note, int, error) {
	if s == "" {
		return Note{}, 0, fmt.Errorf("%w: empty note", ErrInvalidChord)
	}
	if _, ok := letterSemitones[s[0]]; !ok {
		return Note{}, 0, fmt.Errorf("%w: %q does not start with A-G", ErrInvalidChord, s)
	}
	n := Note{Letter: s[0]}
	if len(s) > 1 {
		switch s[1] {
		case '#':
			n.Accidental = 1
			return n, 2, nil
		case 'b':
			n.Accidental = -1
			return n, 2, nil
		}
	}
	return n, 1, nil
}

// Semitone returns the pitch class in [0,12).
func (n Note) Semitone() int {
	return mod12(letterSemitones[n.Letter] + n.Accidental)
}

func (n Note) String() string {
	switch n.Accidental {
	case 1:
		return string(n.Letter) + "#"
	case -1:
		return string(n.Letter) + "b"
	default:
		return string(n.Letter)
	}
}

// NoteFromSemitone spells a pitch class using sharps, or flats when preferFlats is set.
func NoteFromSemitone(semitone int, preferFlats bool) Note {
	name := sharpNames[mod12(semitone)]
	if preferFlats {
		name = flatNames[mod12(semitone)]
	}
	n, _, _ := ParseNote(name)
	return n
}

// Chord is a root, a quality suffix and an optional bass note.
type Chord struct {
	Root    Note
	Quality string
	Bass    *Note
}

// Parse reads a chord name such as "Am7", "D/F#" or "Bbmaj7".
func Parse(s string) (Chord, error) {
	root, n, err := ParseNote(s)
	if err != nil {
		return Chord{}, err
	}
	rest := s[n:]

	var bass *Note
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		b, consumed, err := ParseNote(rest[i+1:])
		if err != nil {
			return Chord{}, err
		}
		if i+1+consumed != len(rest) {
			return Chord{}, fmt.Errorf("%w: trailing characters after bass in %q", ErrInvalidChord, s)
		}
		bass = &b
		rest = rest[:i]
	}

	if !qualityPattern.MatchString(rest) {
		return Chord{}, fmt.Errorf("%w: unknown quality %q", ErrInvalidChord, rest)
	}

	return Chord{Root: root, Quality: rest, Bass: bass}, nil
}

// Transpose shifts root and bass by semitones and respells them.
func (c Chord) Transpose(semitones int, preferFlats bool) Chord {
	out := Chord{
		Root:    NoteFromSemitone(c.Root.Semitone()+semitones, preferFlats),
		Quality: c.Quality,
	}
	if c.Bass != nil {
		b := NoteFromSemitone(c.Bass.Semitone()+semitones, preferFlats)
		out.Bass = &b
	}
	return out
}

func (c Chord) String() string {
	var sb strings.Builder
	sb.WriteString(c.Root.String())
	sb.WriteString(c.Quality)
	if c.Bass != nil {
		sb.WriteByte('/')
		sb.WriteString(c.Bass.String())
	}
	return sb.String()
}

// Minor reports whether the quality denotes a minor chord.
func (c Chord) Minor() bool {
	return strings.HasPrefix(c.Quality, "min") ||
		(strings.HasPrefix(c.Quality, "m") && !strings.HasPrefix(c.Quality, "maj"))
}

// flatMajorKeys and flatMinorKeys are the natural-root keys written with flats.
var (
	flatMajorKeys = map[byte]bool{'F': true}
	flatMinorKeys = map[byte]bool{'D': true, 'G': true, 'C': true, 'F': true}
)

// KeyPrefersFlats reports whether a key signature is conventionally spelled
// with flats. Unparseable keys use sharps.
func KeyPrefersFlats(key string) bool {
	c, err := Parse(strings.TrimSpace(key))
	if err != nil {
		return false
	}
	if c.Root.Accidental < 0 {
		return true
	}
	if c.Root.Accidental > 0 {
		return false
	}
	if c.Minor() {
		return flatMinorKeys[c.Root.Letter]
	}
	return flatMajorKeys[c.Root.Letter]
}

// TransposeName parses, shifts and re-renders a chord name in one step.
func TransposeName(name string, semitones int, preferFlats bool) (string, error) {
	c, err := Parse(name)
	if err != nil {
		return name, err
	}
	return c.Transpose(semitones, preferFlats).String(), nil
}

func mod12(n int) int {
	return ((n % 12) + 12) % 12
}
