// Package backing provides read (and, in write-through mode, write)
// access to the tree being cached: the direct filesystem passthrough
// the FUSE read/write callbacks fall back to on a cache miss, factored
// out so internal/fuse and internal/writethrough can share it.
package backing

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wfraser/backfsd/pkg/backfslog"
	"github.com/wfraser/backfsd/pkg/pathutil"
)

var log = backfslog.New("backing")

// Store resolves paths relative to the mounted backing directory.
type Store struct {
	Root string
}

// New creates a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

// Resolve joins a FUSE-relative path onto the backing root. A path that
// would escape the root (a relative path whose ".." elements climb out
// of it) is not joined: Resolve logs a warning and returns the backing
// root itself in its place, so no returned path lies outside the root.
func (s *Store) Resolve(relPath string) string {
	full, err := pathutil.SecureJoin(s.Root, relPath)
	if err != nil {
		log.Warn("rejecting path outside backing root: %v", err)
		return filepath.Join(s.Root, "")
	}
	return full
}

// Stat returns os.FileInfo for relPath in the backing tree.
func (s *Store) Stat(relPath string) (os.FileInfo, error) {
	return os.Stat(s.Resolve(relPath))
}

// Mtime returns the backing file's modification time as Unix seconds,
// the value cache entries are stamped and validated against.
func (s *Store) Mtime(relPath string) (int64, error) {
	info, err := s.Stat(relPath)
	if err != nil {
		return 0, err
	}
	return info.ModTime().Unix(), nil
}

// ReadBlock reads one block_size-aligned window of relPath, returning
// however many bytes are available (short on the file's last block)
// and the file's current mtime.
func (s *Store) ReadBlock(relPath string, block uint64, blockSize int64, buf []byte) (n int, mtime int64, err error) {
	f, err := os.Open(s.Resolve(relPath))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	mtime = info.ModTime().Unix()

	offset := int64(block) * blockSize
	if offset >= info.Size() {
		return 0, mtime, nil
	}

	n, err = f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, mtime, fmt.Errorf("backing: read %s: %w", relPath, err)
	}
	return n, mtime, nil
}

// OpenWrite opens relPath in the backing tree for a write-through
// write, creating it if absent.
func (s *Store) OpenWrite(relPath string) (*os.File, error) {
	path := s.Resolve(relPath)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("backing: open %s for write: %w", relPath, err)
	}
	return f, nil
}

// Truncate truncates relPath in the backing tree to size.
func (s *Store) Truncate(relPath string, size int64) error {
	if err := os.Truncate(s.Resolve(relPath), size); err != nil {
		return fmt.Errorf("backing: truncate %s: %w", relPath, err)
	}
	return nil
}

// Unlink removes relPath from the backing tree.
func (s *Store) Unlink(relPath string) error {
	if err := os.Remove(s.Resolve(relPath)); err != nil {
		return fmt.Errorf("backing: remove %s: %w", relPath, err)
	}
	return nil
}

// Rename moves relOld to relNew in the backing tree.
func (s *Store) Rename(relOld, relNew string) error {
	if err := os.Rename(s.Resolve(relOld), s.Resolve(relNew)); err != nil {
		return fmt.Errorf("backing: rename %s -> %s: %w", relOld, relNew, err)
	}
	return nil
}
