// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
// Copyright 2024 Tigris Data, Inc.
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

package cfg

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
)

var Version = "dev"

const DefaultConfigPath = "~/.songbook/config.yaml"

// FlagStorage holds the global flags after parsing.
type FlagStorage struct {
	ConfigPath string
	HomeDir    string

	LogLevel   string
	LogFormat  string
	LogFile    string
	NoLogColor bool
}

func NewApp() (app *cli.App) {
	app = cli.NewApp()
	app.Name = "songbook"
	app.Usage = "Transform ChordPro charts and manage the offline song cache"
	app.Version = Version
	app.HideHelp = false

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Value:  DefaultConfigPath,
			Usage:  "Offline cache configuration file (.yaml or .toml).",
			EnvVar: "SONGBOOK_CONFIG",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "Log level: trace, debug, info, warn, error.",
			EnvVar: "SONGBOOK_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:   "log-format",
			Value:  "",
			Usage:  "Log format: console or json. Console is picked automatically on a terminal.",
			EnvVar: "SONGBOOK_LOG_FORMAT",
		},
		cli.StringFlag{
			Name:   "log-file",
			Value:  "",
			Usage:  "Write logs to this file instead of stderr. The file is rotated.",
			EnvVar: "SONGBOOK_LOG_FILE",
		},
		cli.BoolFlag{
			Name:   "no-log-color",
			Usage:  "Disable colors in console logs.",
			EnvVar: "SONGBOOK_NO_LOG_COLOR",
		},
	}

	return
}

// PopulateFlags reads the global flags from c, expanding ~ in paths.
func PopulateFlags(c *cli.Context) (*FlagStorage, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	flags := &FlagStorage{
		HomeDir:    home,
		LogLevel:   c.GlobalString("log-level"),
		LogFormat:  c.GlobalString("log-format"),
		NoLogColor: c.GlobalBool("no-log-color"),
	}

	if flags.ConfigPath, err = homedir.Expand(c.GlobalString("config")); err != nil {
		return nil, fmt.Errorf("expand --config: %w", err)
	}
	if flags.LogFile, err = homedir.Expand(c.GlobalString("log-file")); err != nil {
		return nil, fmt.Errorf("expand --log-file: %w", err)
	}

	return flags, nil
}

// LoadDotEnv loads environment files before flags are parsed so that
// EnvVar defaults see them. Missing files are skipped and variables
// already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return err
		}
		if err := godotenv.Load(expanded); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
