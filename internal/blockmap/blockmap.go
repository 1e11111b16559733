// Package blockmap implements the block map: a directory tree
// under <cache>/map rooted at the cache directory that mirrors the
// backing tree. Each leaf map<P>/<B> is a symlink to the bucket
// directory holding that block; the sibling map<P>/mtime records the
// backing file's modification time at the point any block of P was
// last added.
package blockmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wfraser/backfsd/internal/fsll"
	"github.com/wfraser/backfsd/pkg/backfslog"
)

var log = backfslog.New("blockmap")

const mtimeName = "mtime"

// Store owns the <cache>/map directory.
type Store struct {
	Root string
}

// Open ensures the map root directory exists.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("blockmap: mkdir %s: %w", root, err)
	}
	return &Store{Root: root}, nil
}

// Dir returns the map directory that would hold backingPath's block
// entries.
func (s *Store) Dir(backingPath string) string {
	return filepath.Join(s.Root, backingPath)
}

func (s *Store) entryPath(backingPath string, block uint64) string {
	return filepath.Join(s.Dir(backingPath), strconv.FormatUint(block, 10))
}

// Lookup returns the bucket directory path a block entry points to, or
// ok=false if no entry exists.
func (s *Store) Lookup(backingPath string, block uint64) (string, bool) {
	dir := s.Dir(backingPath)
	return fsll.GetLink(dir, strconv.FormatUint(block, 10))
}

// Link creates (or overwrites) the map entry for backingPath/block to
// point at bucketPath, creating every intermediate directory (mode
// 0700) along the way.
func (s *Store) Link(backingPath string, block uint64, bucketPath string) error {
	dir := s.Dir(backingPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	fsll.MakeLink(dir, strconv.FormatUint(block, 10), bucketPath)
	return nil
}

// Unlink removes the map entry for backingPath/block, then trims any
// now-empty map directories, up to (not including) the map root.
func (s *Store) Unlink(backingPath string, block uint64) {
	dir := s.Dir(backingPath)
	fsll.MakeLink(dir, strconv.FormatUint(block, 10), "")
	s.TrimDirectory(dir)
}

// UnlinkPath removes the map entry symlink at the given absolute path
// (as returned by internal/bucket's parent back-link) and trims any
// now-empty map directories above it. Used by internal/cacheengine when
// evicting a bucket reached via the used-queue tail rather than via a
// known (backingPath, block) pair.
func (s *Store) UnlinkPath(path string) {
	dir := filepath.Dir(path)
	fsll.MakeLink(dir, filepath.Base(path), "")
	s.TrimDirectory(dir)
}

// WriteMtime stamps backingPath's map directory with mtime, the moment
// any of its blocks were last added.
func (s *Store) WriteMtime(backingPath string, mtime int64) error {
	dir := s.Dir(backingPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, mtimeName), []byte(strconv.FormatInt(mtime, 10)+"\n"), 0600)
}

// ReadMtime reads the mtime stamped for backingPath, or ok=false if
// absent or unreadable.
func (s *Store) ReadMtime(backingPath string) (int64, bool) {
	data, err := os.ReadFile(filepath.Join(s.Dir(backingPath), mtimeName))
	if err != nil {
		return 0, false
	}
	mtime, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return mtime, true
}

// RemoveMtime deletes backingPath's mtime file, if any.
func (s *Store) RemoveMtime(backingPath string) {
	_ = os.Remove(filepath.Join(s.Dir(backingPath), mtimeName))
}

// Blocks lists the decimal block indices present directly under
// backingPath's map directory.
func (s *Store) Blocks(backingPath string) ([]uint64, error) {
	dir := s.Dir(backingPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blockmap: readdir %s: %w", dir, err)
	}

	var blocks []uint64
	for _, entry := range entries {
		n, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue // mtime, or a subdirectory for a nested backing path
		}
		blocks = append(blocks, n)
	}
	return blocks, nil
}

// TrimDirectory walks upward from dir, unlinking empty map directories
// (removing a stale mtime file along the way), stopping at the map
// root.
func (s *Store) TrimDirectory(dir string) {
	for {
		if dir == s.Root || dir == "." || dir == string(filepath.Separator) {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}

		// An mtime file on its own doesn't keep a directory alive, but
		// any other entry (a surviving block, a subdirectory) does.
		foundMtime := false
		for _, e := range entries {
			if e.Name() == mtimeName && !e.IsDir() {
				foundMtime = true
				continue
			}
			log.Debug("trim_directory: %s still has %q", dir, e.Name())
			return
		}

		if foundMtime {
			if err := os.Remove(filepath.Join(dir, mtimeName)); err != nil {
				log.Error("trim_directory: unlink %s/%s: %v", dir, mtimeName, err)
				return
			}
		}

		if err := os.Remove(dir); err != nil {
			log.Warn("trim_directory: remove %s: %v", dir, err)
			return
		}

		dir = filepath.Dir(dir)
	}
}

// HasFile recursively sums the data file sizes of every block cached
// under backingPath, following subdirectories the way the backing tree
// nests. ok is false if backingPath has no map entry at all.
func (s *Store) HasFile(backingPath string) (size int64, ok bool) {
	dir := s.Dir(backingPath)
	total, found, err := s.sumDir(dir)
	if err != nil {
		return 0, false
	}
	return total, found
}

func (s *Store) sumDir(dir string) (int64, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}

	var total int64
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if name == mtimeName {
			found = true
			continue
		}
		full := filepath.Join(dir, name)
		if entry.IsDir() {
			sub, subFound, err := s.sumDir(full)
			if err != nil {
				return 0, false, err
			}
			total += sub
			found = found || subFound
			continue
		}

		// A block entry: a symlink named with a decimal index.
		if _, err := strconv.ParseUint(name, 10, 64); err != nil {
			continue
		}
		bucketPath, ok := fsll.GetLink(dir, name)
		if !ok {
			continue
		}
		if info, err := os.Stat(filepath.Join(bucketPath, "data")); err == nil {
			total += info.Size()
			found = true
		}
	}
	return total, found, nil
}

// Rename moves the map subtree for oldBacking to newBacking and
// rewrites every descendant block entry's owning bucket's parent
// back-link to point at its new map path. If the rename itself fails
// because there is nothing to rename, that is success (nothing to do).
func (s *Store) Rename(oldBacking, newBacking string) error {
	oldDir := s.Dir(oldBacking)
	newDir := s.Dir(newBacking)

	if err := os.MkdirAll(filepath.Dir(newDir), 0700); err != nil {
		return err
	}

	if err := os.Rename(oldDir, newDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("blockmap: rename %s -> %s: %w", oldDir, newDir, err)
	}

	return s.relinkParents(newDir)
}

func (s *Store) relinkParents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)

		if entry.IsDir() {
			if err := s.relinkParents(full); err != nil {
				return err
			}
			continue
		}
		if name == mtimeName {
			continue
		}
		if _, err := strconv.ParseUint(name, 10, 64); err != nil {
			continue
		}

		bucketPath, ok := fsll.GetLink(dir, name)
		if !ok {
			continue
		}
		fsll.MakeLink(bucketPath, "parent", full)
	}
	return nil
}
