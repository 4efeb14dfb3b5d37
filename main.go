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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/songbook-app/songbook/cfg"
	"github.com/songbook-app/songbook/log"
)

var mainLog = log.GetLogger("main")

// runner carries what every command needs once global flags are parsed.
type runner struct {
	ctx   context.Context
	flags *cfg.FlagStorage
	out   io.Writer
}

func (r *runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newApp(r *runner) *cli.App {
	app := cfg.NewApp()
	app.Before = func(c *cli.Context) (err error) {
		if r.flags, err = cfg.PopulateFlags(c); err != nil {
			return err
		}
		cfg.InitLoggers(r.flags)
		return nil
	}
	app.Commands = []cli.Command{
		chartCommand(r),
		storageCommand(r),
	}
	return app
}

func main() {
	if err := cfg.LoadDotEnv(".env", "~/.songbook/.env"); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{ctx: ctx, out: os.Stdout}
	if err := newApp(r).Run(os.Args); err != nil {
		mainLog.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}
