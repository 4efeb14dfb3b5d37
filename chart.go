// Copyright 2025 The Songbook Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"

	"github.com/songbook-app/songbook/lib"
	"github.com/songbook-app/songbook/pkg/chord"
	"github.com/songbook-app/songbook/pkg/chordpro"
)

func chartCommand(r *runner) cli.Command {
	return cli.Command{
		Name:  "chart",
		Usage: "Transform ChordPro charts read from FILE or stdin",
		Subcommands: []cli.Command{
			{
				Name:      "inject",
				Usage:     "Add key, tempo, time and capo directives",
				ArgsUsage: "[FILE]",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "key", Usage: "Key, e.g. G or Bbm"},
					cli.IntFlag{Name: "tempo", Usage: "Tempo in BPM"},
					cli.StringFlag{Name: "time", Usage: "Time signature, e.g. 6/8"},
					cli.IntFlag{Name: "capo", Usage: "Capo fret; 0 is written as an explicit capo"},
					cli.BoolFlag{Name: "override", Usage: "Prepend every given directive even if the chart has one"},
					cli.StringSliceFlag{Name: "field", Usage: "Restrict to these directives (key, tempo, time, capo)"},
				},
				Action: r.chartInject,
			},
			{
				Name:      "extract",
				Usage:     "Print the directives found in the chart as JSON",
				ArgsUsage: "[FILE]",
				Action:    r.chartExtract,
			},
			{
				Name:      "sanitize",
				Usage:     "Remove key, tempo, time and capo directives",
				ArgsUsage: "[FILE]",
				Action:    r.chartSanitize,
			},
			{
				Name:      "transpose",
				Usage:     "Shift chords, rhythm brackets and the key directive",
				ArgsUsage: "[FILE]",
				Flags: []cli.Flag{
					cli.IntFlag{Name: "semitones, s", Usage: "Semitones to shift, may be negative"},
					cli.BoolFlag{Name: "flats", Usage: "Spell accidentals with flats"},
					cli.StringFlag{Name: "to-key", Usage: "Spell accidentals the way this key does"},
					cli.BoolFlag{Name: "rhythm-only", Usage: "Leave chord brackets and the key directive alone"},
				},
				Action: r.chartTranspose,
			},
		},
	}
}

func (r *runner) chartInject(c *cli.Context) error {
	content, err := lib.ReadInput(c.Args().First())
	if err != nil {
		return err
	}

	meta := &chordpro.ArrangementMetadata{
		Key:           c.String("key"),
		Tempo:         c.Int("tempo"),
		TimeSignature: c.String("time"),
	}
	if c.IsSet("capo") {
		capo := c.Int("capo")
		meta.Capo = &capo
	}

	opts := chordpro.InjectOptions{Strategy: chordpro.PreserveEmbedded}
	if c.Bool("override") {
		opts.Strategy = chordpro.OverrideAll
	}
	for _, f := range c.StringSlice("field") {
		switch field := chordpro.Field(strings.ToLower(f)); field {
		case chordpro.FieldKey, chordpro.FieldTempo, chordpro.FieldTime, chordpro.FieldCapo:
			opts.Fields = append(opts.Fields, field)
		default:
			return fmt.Errorf("unknown field %q", f)
		}
	}

	r.printf("%s", chordpro.InjectMetadata(content, meta, opts))
	return nil
}

func (r *runner) chartExtract(c *cli.Context) error {
	content, err := lib.ReadInput(c.Args().First())
	if err != nil {
		return err
	}
	return r.writeJSON(chordpro.ExtractMetadata(content))
}

func (r *runner) chartSanitize(c *cli.Context) error {
	content, err := lib.ReadInput(c.Args().First())
	if err != nil {
		return err
	}
	r.printf("%s", chordpro.SanitizeContent(content))
	return nil
}

func (r *runner) chartTranspose(c *cli.Context) error {
	content, err := lib.ReadInput(c.Args().First())
	if err != nil {
		return err
	}

	preferFlats := c.Bool("flats")
	if key := c.String("to-key"); key != "" && !c.IsSet("flats") {
		preferFlats = chord.KeyPrefersFlats(key)
	}
	if c.Bool("rhythm-only") {
		r.printf("%s", chordpro.TransposeRhythmBrackets(content, c.Int("semitones"), preferFlats))
		return nil
	}
	r.printf("%s", chordpro.TransposeChart(content, c.Int("semitones"), preferFlats))
	return nil
}
