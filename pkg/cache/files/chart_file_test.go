package files

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

func TestContainerAtomicCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grace.cho")

	if err := os.WriteFile(path, []byte("old chart"), 0o600); err != nil {
		t.Fatalf("failed to seed original file: %v", err)
	}

	container, err := OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer returned error: %v", err)
	}
	if _, err := container.Write([]byte("new chart")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// before commit, the on-disk file should still contain old data
	persisted, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(persisted) != "old chart" {
		t.Fatalf("expected on-disk data %q before commit, got %q", "old chart", string(persisted))
	}

	if err := container.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	finalData, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading final file failed: %v", err)
	}
	if string(finalData) != "new chart" {
		t.Fatalf("final file contents %q, want %q", string(finalData), "new chart")
	}

	if _, err := container.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after commit, got %v", err)
	}
	if err := container.Close(); err != nil {
		t.Fatalf("Close after Commit failed: %v", err)
	}
}

func TestContainerCloseDiscardsStagedData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "draft.cho")

	container, err := OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer returned error: %v", err)
	}
	if _, err := container.Write([]byte("abandoned")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := container.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := container.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("target should not exist, stat err %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging file left behind: %v", entries)
	}
}

func TestWriteFileCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song", "grace.cho")

	if err := WriteFile(path, []byte("[G]Amazing")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "[G]Amazing" {
		t.Fatalf("unexpected contents %q", string(data))
	}
}

func TestChartPath(t *testing.T) {
	root := t.TempDir()

	got, err := ChartPath(root, index.KindArrangement, "arr-1")
	if err != nil {
		t.Fatalf("ChartPath failed: %v", err)
	}
	if want := filepath.Join(root, "arrangement", "arr-1.cho"); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	for _, id := range []string{"", ".", "..", "../etc/passwd", `a\b`, "a/b"} {
		if _, err := ChartPath(root, index.KindSong, id); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("id %q: expected ErrInvalidName, got %v", id, err)
		}
	}
}
