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
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestIsLevelEnabledFollowsConfig(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "warn", Format: "json"}, "test", false, &buf)

	assert.False(t, l.IsLevelEnabled(zerolog.DebugLevel))
	assert.False(t, l.IsLevelEnabled(zerolog.InfoLevel))
	assert.True(t, l.IsLevelEnabled(zerolog.WarnLevel))
	assert.True(t, l.IsLevelEnabled(zerolog.ErrorLevel))

	l.Infof("dropped")
	l.Warnf("kept %d", 1)
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept 1")
	assert.Contains(t, buf.String(), `"module":"test"`)
}

func TestNopDiscardsEverything(t *testing.T) {
	l := Nop()
	assert.False(t, l.IsLevelEnabled(zerolog.ErrorLevel))
	assert.True(t, l.E(errors.New("boom")))
	assert.False(t, l.E(nil))
}
