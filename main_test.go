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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/quota"
	"github.com/songbook-app/songbook/pkg/cache/syncer"
	"github.com/songbook-app/songbook/pkg/chordpro"
)

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	r := &runner{ctx: context.Background(), out: &out}
	require.NoError(t, newApp(r).Run(append([]string{"songbook", "--log-level", "error"}, args...)))
	return out.String()
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestChartInject(t *testing.T) {
	chart := writeFile(t, "grace.cho", "[G]Amazing [C]grace\n")

	out := runApp(t, "chart", "inject", "--key", "G", "--capo", "0", chart)
	assert.Equal(t, "{key: G}\n{capo: 0}\n\n[G]Amazing [C]grace\n", out)
}

func TestChartInjectRestrictedFields(t *testing.T) {
	chart := writeFile(t, "grace.cho", "{key: D}\n[D]Amazing\n")

	out := runApp(t, "chart", "inject", "--override", "--key", "G", "--tempo", "72", "--field", "tempo", chart)
	assert.Equal(t, "{tempo: 72}\n\n{key: D}\n[D]Amazing\n", out)
}

func TestChartExtractAndSanitize(t *testing.T) {
	chart := writeFile(t, "grace.cho", "{key: Bb}\n{tempo: 90bpm}\n[Bb]Amazing\n")

	var meta chordpro.ExtractedMetadata
	require.NoError(t, json.Unmarshal([]byte(runApp(t, "chart", "extract", chart)), &meta))
	require.NotNil(t, meta.Key)
	assert.Equal(t, "Bb", *meta.Key)
	require.NotNil(t, meta.Tempo)
	assert.Equal(t, chordpro.ParsedInt{Value: 90, Valid: true}, *meta.Tempo)
	assert.Nil(t, meta.Capo)

	assert.Equal(t, "[Bb]Amazing", runApp(t, "chart", "sanitize", chart))
}

func TestChartTranspose(t *testing.T) {
	chart := writeFile(t, "riff.cho", "{key: C}\n[C]Hello [D / / / | G / / / |]\n")

	assert.Equal(t, "{key: D}\n[D]Hello [E / / / | A / / / |]\n",
		runApp(t, "chart", "transpose", "--semitones", "2", chart))
	assert.Equal(t, "{key: C}\n[C]Hello [Eb / / / | Ab / / / |]\n",
		runApp(t, "chart", "transpose", "--semitones", "1", "--to-key", "Eb", "--rhythm-only", chart))
}

func TestStorageCommands(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "config.yaml")
	body := "store:\n  driver: bbolt\n  path: " + filepath.Join(dir, "songs.db") +
		"\nquota:\n  probe: static\n  capacity_mb: 1\n"
	require.NoError(t, os.WriteFile(config, []byte(body), 0o600))
	chart := writeFile(t, "grace.cho", "[G]Amazing grace\n")

	out := runApp(t, "--config", config, "storage", "put", "--id", "grace", chart)
	assert.Contains(t, out, "stored song grace")

	var h quota.Health
	require.NoError(t, json.Unmarshal([]byte(runApp(t, "--config", config, "storage", "health")), &h))
	assert.True(t, h.Supported)
	assert.Equal(t, quota.StatusHealthy, h.Status)
	assert.Equal(t, 1, h.Records.Records[index.KindSong])
	assert.Equal(t, 1, h.Records.SyncQueue)
	assert.False(t, h.Persisted)

	assert.Equal(t, "persistent storage granted\n", runApp(t, "--config", config, "storage", "persist"))
	require.NoError(t, json.Unmarshal([]byte(runApp(t, "--config", config, "storage", "health")), &h))
	assert.True(t, h.Persisted)

	var result cleaner.CleanupResult
	require.NoError(t, json.Unmarshal([]byte(runApp(t, "--config", config, "storage", "cleanup", "--strategy", "orphans")), &result))
	assert.Zero(t, result.ItemsDeleted)

	var auto cleaner.AutoCleanupResult
	require.NoError(t, json.Unmarshal([]byte(runApp(t, "--config", config, "storage", "cleanup")), &auto))
	assert.Zero(t, auto.TotalCleaned)

	export := filepath.Join(dir, "export")
	var sum syncer.Summary
	require.NoError(t, json.Unmarshal([]byte(runApp(t, "--config", config, "storage", "sync", "--export-dir", export)), &sum))
	assert.Equal(t, syncer.Summary{Completed: 1}, sum)

	data, err := os.ReadFile(filepath.Join(export, "song", "grace.cho"))
	require.NoError(t, err)
	assert.Equal(t, "[G]Amazing grace\n", string(data))
}
