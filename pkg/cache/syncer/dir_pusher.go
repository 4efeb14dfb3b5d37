package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/songbook-app/songbook/pkg/cache/files"
)

// DirPusher mirrors records into Root/<kind>/<id>.cho. Pointing Root at a
// folder that another tool replicates gives offline edits a way out without
// a network client here.
type DirPusher struct {
	Root string
}

func (p DirPusher) Push(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Root == "" {
		return errors.New("dir pusher: root directory is not configured")
	}

	path, err := files.ChartPath(p.Root, change.Item.RecordKind, change.Item.RecordID)
	if err != nil {
		return err
	}

	if change.Deleted {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return RetryableError{Err: fmt.Errorf("dir pusher: remove %s: %w", path, err)}
		}
		return nil
	}
	if err := files.WriteFile(path, change.Record.Data); err != nil {
		return RetryableError{Err: fmt.Errorf("dir pusher: write %s: %w", path, err)}
	}
	return nil
}
