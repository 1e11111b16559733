package writethrough

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wfraser/backfsd/internal/backing"
	"github.com/wfraser/backfsd/internal/cacheengine"
)

func newTestPath(t *testing.T) (*Path, string) {
	t.Helper()
	root := t.TempDir()
	b := backing.New(root)
	e, err := cacheengine.Init(t.TempDir(), 32, 8)
	if err != nil {
		t.Fatal(err)
	}
	return New(b, e, 8), root
}

func TestWriteWholeBlockMirrorsToCache(t *testing.T) {
	p, root := newTestPath(t)

	if err := os.WriteFile(filepath.Join(root, "file"), make([]byte, 8), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := p.Write("file", 0, []byte("ABCDEFGH"), 1000)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 8 {
		t.Fatalf("Write returned n=%d, want 8", n)
	}

	got, err := os.ReadFile(filepath.Join(root, "file"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ABCDEFGH" {
		t.Fatalf("backing file = %q, want ABCDEFGH", got)
	}

	buf := make([]byte, 8)
	cn, cerr := p.engine.Fetch("file", 0, 0, buf, 1000)
	if cerr != nil {
		t.Fatalf("expected whole-block write to populate the cache, Fetch failed: %v", cerr)
	}
	if cn != 8 || string(buf) != "ABCDEFGH" {
		t.Fatalf("cached content = %q (n=%d), want ABCDEFGH (n=8)", buf[:cn], cn)
	}
}

func TestWritePartialBlockInvalidatesCache(t *testing.T) {
	p, root := newTestPath(t)
	filePath := filepath.Join(root, "file")
	if err := os.WriteFile(filePath, []byte("AAAAAAAA"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := p.engine.Add("file", 0, []byte("AAAAAAAA"), 1000); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Write("file", 2, []byte("BB"), 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := p.engine.Fetch("file", 0, 0, buf, 1001); err == nil {
		t.Error("expected a partial-block write to invalidate the cached block")
	}
}

func TestTruncateInvalidatesBlocksAbove(t *testing.T) {
	p, root := newTestPath(t)
	filePath := filepath.Join(root, "file")
	if err := os.WriteFile(filePath, make([]byte, 16), 0644); err != nil {
		t.Fatal(err)
	}

	if err := p.engine.Add("file", 0, []byte("AAAAAAAA"), 1000); err != nil {
		t.Fatal(err)
	}
	if err := p.engine.Add("file", 1, []byte("BBBBBBBB"), 1000); err != nil {
		t.Fatal(err)
	}

	if err := p.Truncate("file", 8); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := p.engine.Fetch("file", 0, 0, buf, 1000); err != nil {
		t.Errorf("expected block 0 to remain cached after truncate to its boundary: %v", err)
	}
	if _, err := p.engine.Fetch("file", 1, 0, buf, 1000); err == nil {
		t.Error("expected block 1 invalidated after truncate below it")
	}
}

func TestUnlinkInvalidatesFile(t *testing.T) {
	p, root := newTestPath(t)
	filePath := filepath.Join(root, "file")
	if err := os.WriteFile(filePath, []byte("AAAAAAAA"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := p.engine.Add("file", 0, []byte("AAAAAAAA"), 1000); err != nil {
		t.Fatal(err)
	}

	if err := p.Unlink("file"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := p.engine.Fetch("file", 0, 0, buf, 1000); err == nil {
		t.Error("expected cached block invalidated after Unlink")
	}
}
