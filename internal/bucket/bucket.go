// Package bucket implements the bucket store: numbered
// directories under <cache>/buckets/, each either holding one block's
// data (the used queue) or empty and awaiting reuse (the free queue),
// linked together via internal/fsll.
package bucket

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wfraser/backfsd/internal/fsll"
	"github.com/wfraser/backfsd/pkg/backfslog"
	"github.com/wfraser/backfsd/pkg/bferrors"
)

var log = backfslog.New("bucket")

// ID is a bucket's persistent, never-recycled numeric identifier.
type ID uint64

const (
	sizeFile    = "bucket_size"
	counterFile = "next_bucket_number"
	headName    = "head"
	tailName    = "tail"
	freeHead    = "free_head"
	freeTail    = "free_tail"
)

// Store owns the <cache>/buckets directory: the used/free queues and
// the bucket-id allocator.
type Store struct {
	Dir       string
	BlockSize int64
}

// DefaultBlockSize is used when no block size is configured and none
// has been persisted by a previous mount.
const DefaultBlockSize = 128 * 1024

// Open initializes (or validates) the bucket store at dir. If a
// bucket_size has already been persisted there, it must match
// blockSize or Open fails; otherwise blockSize is persisted. A
// blockSize of zero means "use whatever is persisted", falling back to
// DefaultBlockSize on a fresh cache.
func Open(dir string, blockSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("bucket: mkdir %s: %w", dir, err)
	}

	sizePath := filepath.Join(dir, sizeFile)
	data, err := os.ReadFile(sizePath)
	if err == nil {
		persisted, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("bucket: corrupt %s: %w", sizePath, perr)
		}
		if blockSize == 0 {
			blockSize = persisted
		} else if persisted != blockSize {
			return nil, fmt.Errorf(
				"bucket: configured block size %d does not match persisted size %d in %s",
				blockSize, persisted, sizePath)
		}
	} else if os.IsNotExist(err) {
		if blockSize == 0 {
			blockSize = DefaultBlockSize
		}
		if werr := os.WriteFile(sizePath, []byte(strconv.FormatInt(blockSize, 10)+"\n"), 0600); werr != nil {
			return nil, fmt.Errorf("bucket: write %s: %w", sizePath, werr)
		}
	} else {
		return nil, fmt.Errorf("bucket: read %s: %w", sizePath, err)
	}

	return &Store{Dir: dir, BlockSize: blockSize}, nil
}

// Path returns the directory for bucket id.
func (s *Store) Path(id ID) string {
	return filepath.Join(s.Dir, strconv.FormatUint(uint64(id), 10))
}

// PathToNumber decodes the trailing bucket id from a bucket directory
// path. A path with no trailing digits is an explicit error, never a
// bare 0, since bucket 0 is a legitimate id.
func PathToNumber(path string) (ID, error) {
	n, err := fsll.NumberOf(path)
	if err != nil {
		return 0, bferrors.InvariantViolation("bucket.PathToNumber", path, err.Error())
	}
	return ID(n), nil
}

func (s *Store) nextCounter() (ID, error) {
	counterPath := filepath.Join(s.Dir, counterFile)
	var next uint64
	if data, err := os.ReadFile(counterPath); err == nil {
		next, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("bucket: read %s: %w", counterPath, err)
	}

	if err := os.WriteFile(counterPath, []byte(strconv.FormatUint(next+1, 10)+"\n"), 0600); err != nil {
		return 0, fmt.Errorf("bucket: write %s: %w", counterPath, err)
	}
	return ID(next), nil
}

// Acquire returns a bucket ready to hold data: either reused from the
// head of the free queue (already disconnected from it) or freshly
// allocated with the next counter value. It is not yet linked into the
// used queue; the caller does that once data/parent/mtime are written,
// so a crash mid-add leaves an orphan rather than a used-queue bucket
// with no data.
func (s *Store) Acquire() (ID, string, error) {
	if headPath, ok := fsll.GetLink(s.Dir, freeHead); ok {
		id, err := PathToNumber(headPath)
		if err != nil {
			return 0, "", err
		}
		fsll.Disconnect(s.Dir, headPath, freeHead, freeTail)
		return id, headPath, nil
	}

	id, err := s.nextCounter()
	if err != nil {
		return 0, "", err
	}
	path, err := fsll.MakeEntry(s.Dir, uint64(id))
	if err != nil {
		return 0, "", err
	}
	return id, path, nil
}

// InsertUsedHead links a newly populated bucket into the head of the
// used queue.
func (s *Store) InsertUsedHead(path string) {
	fsll.InsertAsHead(s.Dir, path, headName, tailName)
}

// Promote moves an existing used bucket to the head of the used queue
// (an access, i.e. a fetch or an add-on-already-cached-block).
func (s *Store) Promote(path string) {
	fsll.ToHead(s.Dir, path, headName, tailName)
}

// Tail returns the path of the current used-queue tail, the next
// eviction candidate, or ok=false if the used queue is empty.
func (s *Store) Tail() (string, bool) {
	return fsll.GetLink(s.Dir, tailName)
}

// Free evicts the bucket at path: it is disconnected from the used
// queue, its parent back-link is cleared, its data file is removed, and
// it is reinserted at the tail of the free queue with its id preserved.
// It returns the map entry the bucket's parent symlink pointed to (if
// any) so the caller (internal/blockmap, via cacheengine) can unlink
// that map entry and trim empty directories, and the freed byte count
// so internal/space can credit it back exactly once.
func (s *Store) Free(path string) (mapEntry string, hadParent bool, freedBytes int64, err error) {
	mapEntry, hadParent = fsll.GetLink(path, "parent")

	dataPath := filepath.Join(path, "data")
	if info, statErr := os.Stat(dataPath); statErr == nil {
		freedBytes = info.Size()
	}

	fsll.Disconnect(s.Dir, path, headName, tailName)
	fsll.MakeLink(path, "parent", "")

	if rmErr := os.Remove(dataPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return mapEntry, hadParent, 0, fmt.Errorf("bucket: remove %s: %w", dataPath, rmErr)
	}

	fsll.InsertAsTail(s.Dir, path, freeHead, freeTail)
	return mapEntry, hadParent, freedBytes, nil
}

// DumpQueues logs the used and free queues end-to-end at debug level,
// gated by internal/fsll.Dump's own debug-level check. Called once per
// completed Add, just before the engine releases the lock.
func (s *Store) DumpQueues() {
	fsll.Dump(s.Dir, headName, tailName)
	fsll.Dump(s.Dir, freeHead, freeTail)
}

// FreeTailUsed evicts the current tail of the used queue, the
// mechanism make_space_available repeats until enough room is freed.
// ok is false if the used queue is empty (nothing left to evict).
func (s *Store) FreeTailUsed() (mapEntry string, hadParent bool, freedBytes int64, ok bool, err error) {
	path, exists := s.Tail()
	if !exists {
		return "", false, 0, false, nil
	}
	mapEntry, hadParent, freedBytes, err = s.Free(path)
	return mapEntry, hadParent, freedBytes, true, err
}

// UsedPaths walks every numbered bucket directory and returns the ones
// currently holding data, for Init's startup used-bytes estimate.
func (s *Store) UsedPaths() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("bucket: readdir %s: %w", s.Dir, err)
	}

	var used []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(entry.Name(), 10, 64); err != nil {
			continue
		}
		path := filepath.Join(s.Dir, entry.Name())
		if fsll.Exists(path, "data") {
			used = append(used, path)
		}
	}
	return used, nil
}

// Orphans walks every numbered bucket directory and returns the ones
// whose data exists but whose parent link is absent or dangles: state
// a crash mid-Add can leave behind. It does not free them; callers use
// FreeOrphan (via FreeOrphanBuckets in internal/cacheengine) after
// confirming the dangle.
func (s *Store) Orphans() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("bucket: readdir %s: %w", s.Dir, err)
	}

	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(entry.Name(), 10, 64); err != nil {
			continue // head/tail/free_head/free_tail or other non-numeric entries
		}

		path := filepath.Join(s.Dir, entry.Name())
		if !fsll.Exists(path, "data") {
			continue
		}

		parent, hasParent := fsll.GetLink(path, "parent")
		if !hasParent {
			orphans = append(orphans, path)
			continue
		}
		if _, err := os.Lstat(parent); err != nil {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// FreeOrphan frees a bucket already confirmed orphaned by Orphans,
// without attempting to resolve (and unlink) a map entry, since by
// definition an orphan's parent link is absent or dangling. It returns
// the freed byte count so the caller can release it from used_size:
// an orphan's data was already counted as used by the startup estimate
// or a prior Commit.
func (s *Store) FreeOrphan(path string) (freedBytes int64, err error) {
	dataPath := filepath.Join(path, "data")
	if info, statErr := os.Stat(dataPath); statErr == nil {
		freedBytes = info.Size()
	}
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("bucket: remove %s: %w", dataPath, err)
	}
	fsll.MakeLink(path, "parent", "")

	// An orphan may or may not still be correctly threaded into the used
	// queue (that's exactly the corruption this sweep recovers from);
	// disconnect defensively before reinserting into the free queue.
	fsll.Disconnect(s.Dir, path, headName, tailName)
	fsll.InsertAsTail(s.Dir, path, freeHead, freeTail)
	log.Warn("freed orphan bucket %s", path)
	return freedBytes, nil
}
