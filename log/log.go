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

package log

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is the printf-style surface that storage components log through.
// *LogHandle satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Nop returns a handle that discards everything. Handy in tests.
func Nop() *LogHandle {
	logger := zerolog.New(io.Discard).Level(zerolog.Disabled)
	return &LogHandle{Logger: &logger, name: "nop"}
}
