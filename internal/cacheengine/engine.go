// Package cacheengine composes the bucket store, block map, and space
// accountant into the public cache operations: Fetch, Add, the
// invalidation family, Rename, HasFile, and FreeOrphanBuckets. Every
// operation runs under a single mutex; fsll, bucket, and blockmap
// perform no locking of their own.
package cacheengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/wfraser/backfsd/internal/blockmap"
	"github.com/wfraser/backfsd/internal/bucket"
	"github.com/wfraser/backfsd/internal/fsll"
	"github.com/wfraser/backfsd/internal/metrics"
	"github.com/wfraser/backfsd/internal/space"
	"github.com/wfraser/backfsd/pkg/backfslog"
	"github.com/wfraser/backfsd/pkg/bferrors"
)

var log = backfslog.New("cacheengine")

// mkdirAll is swapped out by tests to simulate the cache device
// running out of space during map-directory creation.
var mkdirAll = os.MkdirAll

// Engine is the cache engine's single entry point. All exported methods
// acquire mu; none of bucket.Store, blockmap.Store, or space.Accountant
// is safe to drive concurrently without it.
type Engine struct {
	mu sync.Mutex

	buckets   *bucket.Store
	maps      *blockmap.Store
	space     *space.Accountant
	blockSize int64
	metrics   *metrics.Collector
}

// SetMetrics attaches a Prometheus collector that eviction and orphan
// sweeps report into, in addition to whatever internal/fuse separately
// records for reads.
func (e *Engine) SetMetrics(c *metrics.Collector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = c
}

// Init creates or opens the cache rooted at cacheDir, enumerating
// existing buckets for the startup used-bytes estimate and launching
// the background corrector. It refuses to start if a previously
// persisted block size disagrees with blockSizeBytes; passing zero
// adopts the persisted size (or the default on a fresh cache).
func Init(cacheDir string, cacheSizeBytes, blockSizeBytes int64) (*Engine, error) {
	bucketsDir := filepath.Join(cacheDir, "buckets")
	mapDir := filepath.Join(cacheDir, "map")

	buckets, err := bucket.Open(bucketsDir, blockSizeBytes)
	if err != nil {
		return nil, err
	}
	maps, err := blockmap.Open(mapDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		buckets:   buckets,
		maps:      maps,
		blockSize: buckets.BlockSize,
	}
	e.space = space.NewAccountant(cacheDir, cacheSizeBytes, e.evictTailLocked)

	usedPaths, err := buckets.UsedPaths()
	if err != nil {
		return nil, err
	}
	e.space.SeedEstimate(usedPaths, e.blockSize)
	e.space.RunCorrector(e.blockSize)

	log.Info("initialized cache at %s: %d buckets, block size %d", cacheDir, len(usedPaths), e.blockSize)
	return e, nil
}

// BlockSize reports the effective block size, which may have been read
// back from the persisted bucket_size marker when the configured value
// was zero.
func (e *Engine) BlockSize() int64 {
	return e.blockSize
}

// evictTailLocked is the space.Evictor the Accountant calls to make
// room. Every caller into space.Accountant already holds e.mu, so this
// may touch e.buckets and e.maps directly.
func (e *Engine) evictTailLocked() (int64, bool, error) {
	mapEntry, hadParent, freed, ok, err := e.buckets.FreeTailUsed()
	if err != nil || !ok {
		return 0, ok, err
	}
	if hadParent {
		e.maps.UnlinkPath(mapEntry)
	}
	if e.metrics != nil {
		e.metrics.RecordCacheEviction()
	}
	return freed, true, nil
}

// Fetch reads len(buf) bytes at offset from the cached copy of
// (path, block), validating it against the caller's mtime.
func (e *Engine) Fetch(path string, block uint64, offset int64, buf []byte, mtime int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if offset < 0 || offset+int64(len(buf)) > e.blockSize {
		return 0, bferrors.BadInput("cacheengine.Fetch", path,
			fmt.Errorf("offset %d + len %d exceeds block size %d", offset, len(buf), e.blockSize))
	}
	if len(buf) == 0 {
		return 0, nil
	}

	bucketPath, ok := e.maps.Lookup(path, block)
	if !ok {
		return 0, bferrors.Absent("cacheengine.Fetch", path)
	}

	e.buckets.Promote(bucketPath)

	stored, ok := e.maps.ReadMtime(path)
	if !ok || stored != mtime {
		if err := e.invalidateFileLocked(path); err != nil {
			log.Warn("fetch: invalidating stale %s: %v", path, err)
		}
		return 0, bferrors.BackingChanged("cacheengine.Fetch", path)
	}

	dataPath := filepath.Join(bucketPath, "data")
	info, err := os.Stat(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			// The map entry leads to a bucket without data: drop the
			// entry so the caller's Add repopulates the block.
			e.maps.Unlink(path, block)
			return 0, bferrors.Absent("cacheengine.Fetch", path)
		}
		return 0, bferrors.InvariantViolation("cacheengine.Fetch", path, err.Error())
	}
	if offset >= info.Size() {
		return 0, nil
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return 0, bferrors.InvariantViolation("cacheengine.Fetch", path, err.Error())
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("cacheengine: read %s: %w", dataPath, err)
	}
	return n, nil
}

// Add stores buf as block of path, stamped with mtime. A block already
// cached with data present is a no-op success, coalescing racing
// misses.
func (e *Engine) Add(path string, block uint64, buf []byte, mtime int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if int64(len(buf)) > e.blockSize {
		return bferrors.Overflow("cacheengine.Add", path,
			fmt.Errorf("%d exceeds block size %d", len(buf), e.blockSize))
	}
	if len(buf) == 0 {
		return nil
	}

	if existing, ok := e.maps.Lookup(path, block); ok && fsll.Exists(existing, "data") {
		log.Debug("add: block %d of %s already cached, coalescing", block, path)
		return nil
	}

	mapDir := e.maps.Dir(path)
	if err := mkdirAll(mapDir, 0700); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			freed, evicted, evErr := e.evictTailLocked()
			if evErr != nil {
				return evErr
			}
			if evicted {
				e.space.Release(freed)
				return bferrors.TransientDiskFull("cacheengine.Add", path)
			}
		}
		return fmt.Errorf("cacheengine: mkdir %s: %w", mapDir, err)
	}

	if err := e.space.MakeSpaceAvailable(int64(len(buf))); err != nil {
		return err
	}

	id, bucketPath, err := e.buckets.Acquire()
	if err != nil {
		return err
	}
	log.Debug("add: bucket %d for block %d of %s", id, block, path)

	entry := filepath.Join(mapDir, strconv.FormatUint(block, 10))
	if err := e.maps.Link(path, block, bucketPath); err != nil {
		return err
	}
	fsll.MakeLink(bucketPath, "parent", entry)
	if err := e.maps.WriteMtime(path, mtime); err != nil {
		return err
	}

	dataPath := filepath.Join(bucketPath, "data")
	written, err := e.writeDataWithEvictionRetry(dataPath, buf)
	if err != nil {
		return err
	}
	finalSize := written
	if info, statErr := os.Stat(dataPath); statErr == nil {
		finalSize = info.Size()
	}

	e.buckets.InsertUsedHead(bucketPath)
	e.space.Commit(bucketPath, finalSize)
	e.buckets.DumpQueues()
	return nil
}

// writeDataWithEvictionRetry writes buf to dataPath, forcibly evicting
// the used-queue tail and retrying the unwritten remainder whenever the
// write comes up short or hits ENOSPC. A non-ENOSPC error is fatal.
func (e *Engine) writeDataWithEvictionRetry(dataPath string, buf []byte) (int64, error) {
	f, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("cacheengine: open %s: %w", dataPath, err)
	}
	defer f.Close()

	var total int
	for total < len(buf) {
		n, err := f.Write(buf[total:])
		total += n
		if err == nil {
			continue
		}
		if !errors.Is(err, syscall.ENOSPC) {
			return int64(total), fmt.Errorf("cacheengine: write %s: %w", dataPath, err)
		}
		freed, evicted, evErr := e.evictTailLocked()
		if evErr != nil {
			return int64(total), evErr
		}
		if !evicted {
			return int64(total), bferrors.TransientDiskFull("cacheengine.Add", dataPath)
		}
		e.space.Release(freed)
	}
	return int64(total), nil
}

// InvalidateBlock frees the bucket holding (path, block), warning if
// absent.
func (e *Engine) InvalidateBlock(path string, block uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidateBlockLocked(path, block, false)
}

// TryInvalidateBlock is InvalidateBlock but tolerates absence silently.
func (e *Engine) TryInvalidateBlock(path string, block uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidateBlockLocked(path, block, true)
}

func (e *Engine) invalidateBlockLocked(path string, block uint64, silent bool) error {
	bucketPath, ok := e.maps.Lookup(path, block)
	if !ok {
		if !silent {
			log.Warn("invalidate_block: no map entry for %s block %d", path, block)
		}
		return nil
	}

	_, _, freed, err := e.buckets.Free(bucketPath)
	if err != nil {
		return err
	}
	e.maps.Unlink(path, block)
	e.space.Release(freed)
	return nil
}

// InvalidateFile invalidates every cached block of path and removes its
// mtime record, warning if nothing was cached.
func (e *Engine) InvalidateFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocks, err := e.maps.Blocks(path)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		log.Warn("invalidate_file: no cached blocks for %s", path)
	}
	return e.invalidateBlocksLocked(path, blocks)
}

// TryInvalidateFile is InvalidateFile but tolerates absence silently.
func (e *Engine) TryInvalidateFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocks, err := e.maps.Blocks(path)
	if err != nil {
		return err
	}
	return e.invalidateBlocksLocked(path, blocks)
}

func (e *Engine) invalidateFileLocked(path string) error {
	blocks, err := e.maps.Blocks(path)
	if err != nil {
		return err
	}
	return e.invalidateBlocksLocked(path, blocks)
}

func (e *Engine) invalidateBlocksLocked(path string, blocks []uint64) error {
	for _, b := range blocks {
		if err := e.invalidateBlockLocked(path, b, true); err != nil {
			return err
		}
	}
	e.maps.RemoveMtime(path)
	return nil
}

// InvalidateBlocksAbove invalidates every cached block of path at index
// >= block, used after a write-through truncate.
func (e *Engine) InvalidateBlocksAbove(path string, block uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocks, err := e.maps.Blocks(path)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b < block {
			continue
		}
		if err := e.invalidateBlockLocked(path, b, true); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves the map subtree for oldPath to newPath. A source that no
// longer exists is success (nothing to do).
func (e *Engine) Rename(oldPath, newPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maps.Rename(oldPath, newPath)
}

// HasFile reports the total cached size for path and whether anything
// is cached for it at all.
func (e *Engine) HasFile(path string) (size int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maps.HasFile(path)
}

// FreeOrphanBuckets sweeps every bucket whose data exists but whose
// parent back-link is absent or dangling, returning it to the free
// queue and releasing its size from used_size.
func (e *Engine) FreeOrphanBuckets() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	orphans, err := e.buckets.Orphans()
	if err != nil {
		return err
	}
	for _, p := range orphans {
		freed, err := e.buckets.FreeOrphan(p)
		if err != nil {
			return err
		}
		e.space.Release(freed)
	}
	if e.metrics != nil {
		e.metrics.RecordOrphanSweep(len(orphans))
	}
	return nil
}

// Used reports the engine's current used-bytes estimate, for metrics.
func (e *Engine) Used() int64 {
	return e.space.Used()
}
