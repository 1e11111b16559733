// Package space implements the used-bytes accounting and eviction
// orchestration: the live budget tracked against a configured
// cap and the device's free space, and the background corrector that
// reconciles the optimistic startup estimate.
package space

import (
	"fmt"
	"os"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/wfraser/backfsd/pkg/backfslog"
)

var log = backfslog.New("space")

// Evictor is the callback the Accountant uses to free the tail of the
// used queue. It returns the number of bytes freed, whether there was
// anything left to evict, and any error. internal/cacheengine supplies
// this, composing internal/bucket.Store.FreeTailUsed with
// internal/blockmap's unlink-and-trim step.
type Evictor func() (freedBytes int64, evicted bool, err error)

// Accountant tracks bytes in use against a configured cap and the
// live device-free space, and drives eviction to make room for new
// additions.
type Accountant struct {
	mu sync.Mutex

	cacheDir      string
	configuredCap int64 // 0 means device-bounded only
	used          int64

	// unchecked tracks buckets enumerated at startup whose exact size
	// hasn't yet been confirmed by the background corrector; cache_add
	// skips crediting used_size for a bucket still in this set, since
	// the corrector will account for it once it runs.
	unchecked map[string]bool

	evict Evictor
}

// NewAccountant creates an Accountant for the cache rooted at
// cacheDir, with the given configured cap (0 = device-bounded).
func NewAccountant(cacheDir string, configuredCap int64, evict Evictor) *Accountant {
	return &Accountant{
		cacheDir:      cacheDir,
		configuredCap: configuredCap,
		unchecked:     make(map[string]bool),
		evict:         evict,
	}
}

// SeedEstimate records the optimistic startup estimate: every bucket
// enumerated at Init is assumed full (count * blockSize) until the
// background corrector visits it and subtracts the shortfall.
func (a *Accountant) SeedEstimate(bucketPaths []string, blockSize int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.used = int64(len(bucketPaths)) * blockSize
	for _, p := range bucketPaths {
		a.unchecked[p] = true
	}
}

// Used returns the current used-bytes estimate.
func (a *Accountant) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// deviceFree reports the live free space on the filesystem backing
// cacheDir, via statfs.
func deviceFree(cacheDir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(cacheDir, &stat); err != nil {
		return 0, fmt.Errorf("space: statfs %s: %w", cacheDir, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// MakeSpaceAvailable ensures len bytes of headroom exist against both
// the configured cap and the live device-free space, evicting the
// used-queue tail repeatedly until the shortfall reaches zero (or
// there is nothing left to evict).
func (a *Accountant) MakeSpaceAvailable(length int64) error {
	for {
		a.mu.Lock()
		shortfall := int64(0)
		if a.configuredCap > 0 {
			if over := a.used + length - a.configuredCap; over > shortfall {
				shortfall = over
			}
		}
		a.mu.Unlock()

		free, err := deviceFree(a.cacheDir)
		if err != nil {
			return err
		}
		if over := length - free; over > shortfall {
			shortfall = over
		}

		if shortfall <= 0 {
			return nil
		}

		freed, evicted, err := a.evict()
		if err != nil {
			return err
		}
		if !evicted {
			// Nothing left to evict; let the caller's own ENOSPC handling
			// (retry with EAGAIN) take over rather than loop forever.
			return nil
		}
		a.Release(freed)
	}
}

// Commit credits used_size for a completed Add, based on the final
// on-disk size of the bucket's data file rather than the sum of
// individual Write return values from any internal retry loop. It is
// applied exactly once per completed Add, so an ENOSPC-driven retry
// cannot drift the counter.
func (a *Accountant) Commit(bucketPath string, finalSize int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unchecked[bucketPath] {
		// The corrector will account for this bucket; don't double-credit.
		return
	}
	a.used += finalSize
}

// Release decrements used_size for one freed bucket. It is the sole
// function in this codebase that ever subtracts from used_size on the
// eviction path, so a bucket can never be debited twice.
func (a *Accountant) Release(freedBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.used -= freedBytes
	if a.used < 0 {
		a.used = 0
	}
}

// RunCorrector launches the background goroutine that visits every
// bucket seeded by SeedEstimate, opens its data file, and subtracts the
// shortfall between the optimistic block_size estimate and its actual
// size. A panic inside the corrector is propagated (via conc.WaitGroup)
// rather than silently swallowed.
func (a *Accountant) RunCorrector(blockSize int64) {
	var wg conc.WaitGroup
	wg.Go(func() {
		a.mu.Lock()
		paths := make([]string, 0, len(a.unchecked))
		for p := range a.unchecked {
			paths = append(paths, p)
		}
		a.mu.Unlock()

		var errs error
		var adjustment int64
		for _, p := range paths {
			info, err := os.Stat(p + "/data")
			if err != nil {
				if !os.IsNotExist(err) {
					errs = multierr.Append(errs, err)
				}
				continue
			}
			adjustment -= blockSize - info.Size()
		}

		a.mu.Lock()
		a.used += adjustment
		if a.used < 0 {
			a.used = 0
		}
		for _, p := range paths {
			delete(a.unchecked, p)
		}
		a.mu.Unlock()

		if errs != nil {
			log.Warn("used-bytes corrector finished with errors: %v", errs)
		} else {
			log.Info("used-bytes corrector reconciled %d buckets", len(paths))
		}
	})
	go wg.Wait()
}
