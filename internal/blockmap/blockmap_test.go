package blockmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wfraser/backfsd/internal/fsll"
)

func TestLinkAndLookup(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bucketDir := t.TempDir()
	if err := s.Link("/some/file", 3, bucketDir); err != nil {
		t.Fatalf("Link: %v", err)
	}

	got, ok := s.Lookup("/some/file", 3)
	if !ok || got != bucketDir {
		t.Fatalf("Lookup = (%q, %v), want (%q, true)", got, ok, bucketDir)
	}

	if _, ok := s.Lookup("/some/file", 4); ok {
		t.Error("expected no entry for an unlinked block")
	}
}

func TestUnlinkTrimsEmptyDirectories(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	bucketDir := t.TempDir()
	if err := s.Link("/a/b/file", 0, bucketDir); err != nil {
		t.Fatal(err)
	}

	mapDir := s.Dir("/a/b/file")
	if _, err := os.Stat(mapDir); err != nil {
		t.Fatalf("map dir should exist: %v", err)
	}

	s.Unlink("/a/b/file", 0)

	if _, err := os.Stat(mapDir); !os.IsNotExist(err) {
		t.Error("expected map directory removed once its last block entry is unlinked")
	}
	// the "a" parent directory (now also empty) should be trimmed too, up to root
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Error("expected empty parent directory trimmed as well")
	}
}

func TestUnlinkKeepsMtimeWhileBlocksRemain(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	bucketDir := t.TempDir()
	if err := s.Link("/some/file", 0, bucketDir); err != nil {
		t.Fatal(err)
	}
	if err := s.Link("/some/file", 1, bucketDir); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteMtime("/some/file", 42); err != nil {
		t.Fatal(err)
	}

	// Removing one of two blocks (a truncate, say) must not disturb the
	// surviving block's mtime record.
	s.Unlink("/some/file", 1)
	if mtime, ok := s.ReadMtime("/some/file"); !ok || mtime != 42 {
		t.Fatalf("ReadMtime after partial unlink = (%d, %v), want (42, true)", mtime, ok)
	}

	// Removing the last block trims the mtime and the directory with it.
	s.Unlink("/some/file", 0)
	if _, ok := s.ReadMtime("/some/file"); ok {
		t.Error("expected mtime trimmed along with the last block entry")
	}
	if _, err := os.Stat(s.Dir("/some/file")); !os.IsNotExist(err) {
		t.Error("expected map directory removed once its last block entry is unlinked")
	}
}

func TestMtimeRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.ReadMtime("/no/such/file"); ok {
		t.Error("expected no mtime for an unknown file")
	}

	if err := s.WriteMtime("/some/file", 1234567890); err != nil {
		t.Fatalf("WriteMtime: %v", err)
	}
	mtime, ok := s.ReadMtime("/some/file")
	if !ok || mtime != 1234567890 {
		t.Fatalf("ReadMtime = (%d, %v), want (1234567890, true)", mtime, ok)
	}

	s.RemoveMtime("/some/file")
	if _, ok := s.ReadMtime("/some/file"); ok {
		t.Error("expected mtime removed")
	}
}

func TestBlocksListsNumericEntriesOnly(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	bucketDir := t.TempDir()
	if err := s.Link("/some/file", 0, bucketDir); err != nil {
		t.Fatal(err)
	}
	if err := s.Link("/some/file", 5, bucketDir); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteMtime("/some/file", 42); err != nil {
		t.Fatal(err)
	}

	blocks, err := s.Blocks("/some/file")
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	seen := map[uint64]bool{}
	for _, b := range blocks {
		seen[b] = true
	}
	if len(blocks) != 2 || !seen[0] || !seen[5] {
		t.Fatalf("Blocks = %v, want [0 5]", blocks)
	}
}

func TestHasFileSumsBucketSizes(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	bucketsDir := t.TempDir()
	b0 := filepath.Join(bucketsDir, "0")
	b1 := filepath.Join(bucketsDir, "1")
	if err := os.Mkdir(b0, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(b1, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b0, "data"), []byte("12345678"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b1, "data"), []byte("abcd"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.Link("/some/file", 0, b0); err != nil {
		t.Fatal(err)
	}
	if err := s.Link("/some/file", 1, b1); err != nil {
		t.Fatal(err)
	}

	size, ok := s.HasFile("/some/file")
	if !ok {
		t.Fatal("HasFile: expected ok=true")
	}
	if size != 12 {
		t.Fatalf("HasFile size = %d, want 12", size)
	}

	if _, ok := s.HasFile("/no/such/file"); ok {
		t.Error("expected ok=false for a file with no map entries")
	}
}

func TestRenameRelinksParents(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	bucketDir := t.TempDir()
	if err := s.Link("/old/name", 0, bucketDir); err != nil {
		t.Fatal(err)
	}

	if err := s.Rename("/old/name", "/new/name"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, ok := s.Lookup("/old/name", 0); ok {
		t.Error("expected old map entry gone after rename")
	}
	got, ok := s.Lookup("/new/name", 0)
	if !ok || got != bucketDir {
		t.Fatalf("Lookup after rename = (%q, %v), want (%q, true)", got, ok, bucketDir)
	}

	parent, ok := fsll.GetLink(bucketDir, "parent")
	if !ok {
		t.Fatal("expected bucket's parent back-link updated after rename")
	}
	wantParent := filepath.Join(s.Dir("/new/name"), "0")
	if parent != wantParent {
		t.Fatalf("bucket parent = %q, want %q", parent, wantParent)
	}
}

func TestRenameNoSourceIsNotError(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Rename("/nonexistent", "/also/nonexistent"); err != nil {
		t.Fatalf("Rename of a nonexistent source should succeed as a no-op: %v", err)
	}
}
