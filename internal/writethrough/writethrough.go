// Package writethrough implements the optional write-through path:
// writes are forwarded to the backing file, and whole-block
// writes are mirrored into the cache via the engine, so a subsequent
// read doesn't have to repopulate from a slower backing store.
package writethrough

import (
	"github.com/wfraser/backfsd/internal/backing"
	"github.com/wfraser/backfsd/internal/cacheengine"
	"github.com/wfraser/backfsd/pkg/backfslog"
	"github.com/wfraser/backfsd/pkg/retry"
)

var log = backfslog.New("writethrough")

// Path mirrors backing writes into the cache engine.
type Path struct {
	backing   *backing.Store
	engine    *cacheengine.Engine
	blockSize int64
	retryer   *retry.Retryer
}

// New creates a write-through path over backing, keeping engine's
// cached copy of each whole-block write current.
func New(backing *backing.Store, engine *cacheengine.Engine, blockSize int64) *Path {
	return &Path{
		backing:   backing,
		engine:    engine,
		blockSize: blockSize,
		retryer:   retry.New(retry.DefaultConfig()),
	}
}

// Write forwards buf to relPath at offset in the backing tree, then
// reconciles every block the write touches: a whole-block write is
// mirrored into the cache (retried up to 5 times on a transient
// disk-full from the engine's own eviction path); a partial write
// invalidates the affected block so a later read repopulates it from
// backing.
func (p *Path) Write(relPath string, offset int64, buf []byte, mtime int64) (int, error) {
	f, err := p.backing.OpenWrite(relPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.WriteAt(buf, offset)
	if err != nil {
		return n, err
	}

	if werr := p.reconcileBlocks(relPath, offset, int64(n), mtime); werr != nil {
		log.Warn("write-through: cache reconciliation for %s failed: %v", relPath, werr)
	}
	return n, nil
}

func (p *Path) reconcileBlocks(relPath string, offset, length, mtime int64) error {
	first := offset / p.blockSize
	last := (offset + length - 1) / p.blockSize

	for block := first; block <= last; block++ {
		blockStart := block * p.blockSize
		blockEnd := blockStart + p.blockSize

		// The write is whole for this block only if it covers the block's
		// full range; anything less (a partial overlap at either edge)
		// just invalidates, letting the next read repopulate from backing.
		whole := offset <= blockStart && offset+length >= blockEnd
		if !whole {
			if err := p.engine.TryInvalidateBlock(relPath, uint64(block)); err != nil {
				return err
			}
			continue
		}

		buf := make([]byte, p.blockSize)
		n, _, err := p.backing.ReadBlock(relPath, uint64(block), p.blockSize, buf)
		if err != nil {
			return err
		}

		if err := p.retryer.Do(func() error {
			return p.engine.Add(relPath, uint64(block), buf[:n], mtime)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Truncate truncates relPath to size in the backing tree and
// invalidates every cached block at or beyond the new end.
func (p *Path) Truncate(relPath string, size int64) error {
	if err := p.backing.Truncate(relPath, size); err != nil {
		return err
	}
	block := uint64(size / p.blockSize)
	return p.engine.InvalidateBlocksAbove(relPath, block)
}

// Unlink removes relPath from the backing tree and invalidates its
// cached blocks.
func (p *Path) Unlink(relPath string) error {
	if err := p.backing.Unlink(relPath); err != nil {
		return err
	}
	return p.engine.TryInvalidateFile(relPath)
}

// Rename moves relOld to relNew in the backing tree, then in the cache.
// If the cache rename fails, the backing rename is undone.
func (p *Path) Rename(relOld, relNew string) error {
	if err := p.backing.Rename(relOld, relNew); err != nil {
		return err
	}
	if err := p.engine.Rename(relOld, relNew); err != nil {
		if undoErr := p.backing.Rename(relNew, relOld); undoErr != nil {
			log.Error("write-through: rename %s -> %s failed (%v) and undo also failed: %v", relOld, relNew, err, undoErr)
		}
		return err
	}
	return nil
}
