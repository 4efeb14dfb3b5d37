package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

// ErrUnsupported reports that no storage estimate is available. Callers fail open.
var ErrUnsupported = errors.New("storage quota: estimate unsupported")

// Estimate is a storage reading in bytes.
type Estimate struct {
	Usage uint64 `json:"usage"`
	Quota uint64 `json:"quota"`
}

// Probe reads current storage usage.
type Probe interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// StaticProbe reports fixed values. A zero Quota means unsupported.
type StaticProbe struct {
	Usage uint64
	Quota uint64
}

func (p StaticProbe) Estimate(ctx context.Context) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	if p.Quota == 0 {
		return Estimate{}, ErrUnsupported
	}
	return Estimate{Usage: p.Usage, Quota: p.Quota}, nil
}

// VolumeProbe reports the usage of the volume holding Path.
type VolumeProbe struct {
	Path string
}

func (p VolumeProbe) Estimate(ctx context.Context) (Estimate, error) {
	stat, err := disk.UsageWithContext(ctx, existingParent(p.Path))
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if stat.Total == 0 {
		return Estimate{}, ErrUnsupported
	}
	return Estimate{Usage: stat.Used, Quota: stat.Total}, nil
}

// DirProbe sums the file sizes under Dir. Capacity is the budget; when zero
// the size of the underlying volume is used instead.
type DirProbe struct {
	Dir      string
	Capacity uint64
}

func (p DirProbe) Estimate(ctx context.Context) (Estimate, error) {
	var used uint64
	err := filepath.WalkDir(p.Dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}
		used += uint64(info.Size())
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Estimate{}, err
	}

	capacity := p.Capacity
	if capacity == 0 {
		vol, err := VolumeProbe{Path: p.Dir}.Estimate(ctx)
		if err != nil {
			return Estimate{}, err
		}
		capacity = vol.Quota
	}
	return Estimate{Usage: used, Quota: capacity}, nil
}

// StoreProbe takes usage from the store itself. Database files keep their
// size after deletes, so a cleanup only shows up through this figure.
// Capacity is the budget; when zero the volume holding Path is used.
type StoreProbe struct {
	Store    index.UsageReporter
	Path     string
	Capacity uint64
}

func (p StoreProbe) Estimate(ctx context.Context) (Estimate, error) {
	if p.Store == nil {
		return Estimate{}, ErrUnsupported
	}
	used, err := p.Store.InUseBytes(ctx)
	if err != nil {
		return Estimate{}, err
	}

	capacity := p.Capacity
	if capacity == 0 {
		if p.Path == "" {
			return Estimate{}, ErrUnsupported
		}
		vol, err := VolumeProbe{Path: p.Path}.Estimate(ctx)
		if err != nil {
			return Estimate{}, err
		}
		capacity = vol.Quota
	}
	return Estimate{Usage: used, Quota: capacity}, nil
}

// existingParent walks up until it finds a path that exists, so a store
// directory that was not created yet still resolves to its volume.
func existingParent(path string) string {
	if path == "" {
		return "."
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
