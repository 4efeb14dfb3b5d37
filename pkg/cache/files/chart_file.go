package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

var (
	// ErrClosed is returned if an operation is attempted on a closed container.
	ErrClosed = errors.New("chart file container is closed")
	// ErrInvalidName rejects ids that would escape the export root.
	ErrInvalidName = errors.New("chart file: invalid record name")
)

// Extension is appended to exported chart files.
const Extension = ".cho"

// Container stages a file; writes land in a temporary file next to the
// target until Commit renames it into place.
type Container struct {
	mu        sync.Mutex
	file      *os.File
	finalPath string
	tempPath  string
	closed    bool
}

// OpenContainer prepares a staging file for path. The target is untouched
// until Commit.
func OpenContainer(path string) (*Container, error) {
	if path == "" {
		return nil, errors.New("chart file path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chart directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &Container{
		file:      tempFile,
		finalPath: path,
		tempPath:  tempFile.Name(),
	}, nil
}

// Write appends p to the staged file.
func (c *Container) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.file.Write(p)
}

// Commit syncs the staged file and renames it over the target.
func (c *Container) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true

	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		_ = os.Remove(c.tempPath)
		return err
	}
	if err := c.file.Close(); err != nil {
		_ = os.Remove(c.tempPath)
		return err
	}
	if err := os.Rename(c.tempPath, c.finalPath); err != nil {
		_ = os.Remove(c.tempPath)
		return fmt.Errorf("commit chart file: %w", err)
	}
	return nil
}

// Close discards the staged data unless Commit already ran. It is safe to
// defer right after OpenContainer.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.file.Close()
	return os.Remove(c.tempPath)
}

// WriteFile replaces path with data atomically.
func WriteFile(path string, data []byte) error {
	c, err := OpenContainer(path)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Write(data); err != nil {
		return err
	}
	return c.Commit()
}

// ChartPath maps a record to root/<kind>/<id>.cho, rejecting ids that are
// not a single path element.
func ChartPath(root string, kind index.Kind, id string) (string, error) {
	for _, part := range []string{string(kind), id} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, part)
		}
	}
	return filepath.Join(root, string(kind), id+Extension), nil
}
