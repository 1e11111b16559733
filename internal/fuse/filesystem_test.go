package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/wfraser/backfsd/internal/backing"
	"github.com/wfraser/backfsd/internal/cacheengine"
	"github.com/wfraser/backfsd/internal/metrics"
	"github.com/wfraser/backfsd/internal/writethrough"
)

const (
	testBlockSize = 8
	testCacheSize = 1024
)

type FileSystemSuite struct {
	suite.Suite
	backingDir string
	fsys       *FileSystem
}

func (s *FileSystemSuite) SetupTest() {
	s.backingDir = s.T().TempDir()
	engine, err := cacheengine.Init(s.T().TempDir(), testCacheSize, testBlockSize)
	s.Require().NoError(err)

	s.fsys = NewFileSystem(backing.New(s.backingDir), engine, nil, "1.2.3", &Config{
		BlockSizeBytes: testBlockSize,
		DefaultMode:    0644,
	})
}

func TestFileSystemSuite(t *testing.T) {
	suite.Run(t, new(FileSystemSuite))
}

func (s *FileSystemSuite) writeBackingFile(name string, contents []byte) {
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.backingDir, name), contents, 0644))
}

func (s *FileSystemSuite) TestLookupServesControlAndVersionPseudoFiles() {
	root := &DirectoryNode{fsys: s.fsys, path: ""}
	// Lookup creates child inodes, which requires root to be attached to
	// a go-fuse node tree.
	_ = fs.NewNodeFS(root, &fs.Options{})

	var out gofuse.EntryOut
	_, errno := root.Lookup(context.Background(), controlFileName, &out)
	s.Equal(syscall.Errno(0), errno)

	_, errno = root.Lookup(context.Background(), versionFileName, &out)
	s.Equal(syscall.Errno(0), errno)
}

func (s *FileSystemSuite) TestLookupMissingFileReturnsENOENT() {
	root := &DirectoryNode{fsys: s.fsys, path: ""}

	var out gofuse.EntryOut
	_, errno := root.Lookup(context.Background(), "nope.txt", &out)
	s.Equal(syscall.ENOENT, errno)
}

func (s *FileSystemSuite) TestLookupFindsBackingFile() {
	s.writeBackingFile("hello.txt", []byte("hi"))
	root := &DirectoryNode{fsys: s.fsys, path: ""}
	_ = fs.NewNodeFS(root, &fs.Options{})

	var out gofuse.EntryOut
	_, errno := root.Lookup(context.Background(), "hello.txt", &out)
	s.Equal(syscall.Errno(0), errno)
}

func (s *FileSystemSuite) TestReaddirListsBackingEntriesPlusPseudoFiles() {
	s.writeBackingFile("a.txt", []byte("a"))
	s.writeBackingFile("b.txt", []byte("b"))
	root := &DirectoryNode{fsys: s.fsys, path: ""}

	stream, errno := root.Readdir(context.Background())
	s.Equal(syscall.Errno(0), errno)

	names := map[string]bool{}
	for stream.HasNext() {
		entry, entryErrno := stream.Next()
		s.Require().Equal(syscall.Errno(0), entryErrno)
		names[entry.Name] = true
	}
	s.True(names["a.txt"])
	s.True(names["b.txt"])
	s.True(names[controlFileName])
	s.True(names[versionFileName])
}

func (s *FileSystemSuite) TestFileHandleReadRoundTripsThroughBackingOnMiss() {
	contents := []byte("0123456789ABCDEF")
	s.writeBackingFile("data.bin", contents)

	node := &FileNode{fsys: s.fsys, path: "data.bin"}
	fh := &FileHandle{fsys: s.fsys, node: node}

	dest := make([]byte, len(contents))
	result, errno := fh.Read(context.Background(), dest, 0)
	s.Equal(syscall.Errno(0), errno)

	got, status := result.Bytes(dest)
	s.Equal(gofuse.OK, status)
	s.Equal(contents, got)
}

func (s *FileSystemSuite) TestFileHandleReadSecondPassIsCacheHit() {
	contents := []byte("0123456789ABCDEF")
	s.writeBackingFile("data.bin", contents)

	node := &FileNode{fsys: s.fsys, path: "data.bin"}
	fh := &FileHandle{fsys: s.fsys, node: node}

	first := make([]byte, len(contents))
	_, errno := fh.Read(context.Background(), first, 0)
	s.Require().Equal(syscall.Errno(0), errno)

	second := make([]byte, len(contents))
	result, errno := fh.Read(context.Background(), second, 0)
	s.Require().Equal(syscall.Errno(0), errno)
	got, status := result.Bytes(second)
	s.Require().Equal(gofuse.OK, status)
	s.Equal(contents, got)

	stats := s.fsys.GetStats()
	s.GreaterOrEqual(stats.CacheHits, int64(1))
}

func (s *FileSystemSuite) TestFileHandleWriteWithoutWriteThroughReturnsEROFS() {
	node := &FileNode{fsys: s.fsys, path: "data.bin"}
	fh := &FileHandle{fsys: s.fsys, node: node}

	n, errno := fh.Write(context.Background(), []byte("x"), 0)
	s.Equal(uint32(0), n)
	s.Equal(syscall.EROFS, errno)
}

func (s *FileSystemSuite) TestFileNodeOpenForWriteWithoutWriteThroughReturnsEROFS() {
	node := &FileNode{fsys: s.fsys, path: "data.bin"}
	_, _, errno := node.Open(context.Background(), uint32(syscall.O_WRONLY))
	s.Equal(syscall.EROFS, errno)
}

func (s *FileSystemSuite) TestControlNodeWriteDispatchesToHandler() {
	s.writeBackingFile("data.bin", []byte("x"))
	node := &ControlNode{fsys: s.fsys}

	n, errno := node.Write(context.Background(), nil, []byte("noop"), 0)
	s.Equal(uint32(len("noop")), n)
	s.Equal(syscall.Errno(0), errno)
}

func (s *FileSystemSuite) TestControlNodeWriteUnknownCommandReturnsErrno() {
	node := &ControlNode{fsys: s.fsys}

	_, errno := node.Write(context.Background(), nil, []byte("bogus"), 0)
	s.NotEqual(syscall.Errno(0), errno)
}

func (s *FileSystemSuite) newWriteThroughFS() *FileSystem {
	s.T().Helper()
	backingDir := s.T().TempDir()
	engine, err := cacheengine.Init(s.T().TempDir(), testCacheSize, testBlockSize)
	s.Require().NoError(err)

	b := backing.New(backingDir)
	wt := writethrough.New(b, engine, testBlockSize)
	return NewFileSystem(b, engine, wt, "1.2.3", &Config{
		BlockSizeBytes: testBlockSize,
		DefaultMode:    0644,
	})
}

func (s *FileSystemSuite) TestUnlinkWithoutWriteThroughReturnsEROFS() {
	root := &DirectoryNode{fsys: s.fsys, path: ""}
	errno := root.Unlink(context.Background(), "data.bin")
	s.Equal(syscall.EROFS, errno)
}

func (s *FileSystemSuite) TestUnlinkRemovesBackingFileAndInvalidatesCache() {
	fsys := s.newWriteThroughFS()
	filePath := filepath.Join(fsys.backing.Root, "data.bin")
	s.Require().NoError(os.WriteFile(filePath, []byte("AAAAAAAA"), 0644))
	s.Require().NoError(fsys.engine.Add("data.bin", 0, []byte("AAAAAAAA"), 1000))

	root := &DirectoryNode{fsys: fsys, path: ""}
	errno := root.Unlink(context.Background(), "data.bin")
	s.Equal(syscall.Errno(0), errno)

	_, err := os.Stat(filePath)
	s.True(os.IsNotExist(err))

	buf := make([]byte, testBlockSize)
	_, ferr := fsys.engine.Fetch("data.bin", 0, 0, buf, 1000)
	s.Error(ferr)
}

func (s *FileSystemSuite) TestSetattrWithoutWriteThroughReturnsEROFS() {
	node := &FileNode{fsys: s.fsys, path: "data.bin"}
	in := &gofuse.SetAttrIn{}
	in.Valid = gofuse.FATTR_SIZE
	in.Size = 0

	var out gofuse.AttrOut
	errno := node.Setattr(context.Background(), nil, in, &out)
	s.Equal(syscall.EROFS, errno)
}

func (s *FileSystemSuite) TestSetattrTruncateInvalidatesBlocksAbove() {
	fsys := s.newWriteThroughFS()
	filePath := filepath.Join(fsys.backing.Root, "data.bin")
	s.Require().NoError(os.WriteFile(filePath, make([]byte, 16), 0644))
	s.Require().NoError(fsys.engine.Add("data.bin", 0, []byte("AAAAAAAA"), 1000))
	s.Require().NoError(fsys.engine.Add("data.bin", 1, []byte("BBBBBBBB"), 1000))

	node := &FileNode{fsys: fsys, path: "data.bin"}
	in := &gofuse.SetAttrIn{}
	in.Valid = gofuse.FATTR_SIZE
	in.Size = testBlockSize

	var out gofuse.AttrOut
	errno := node.Setattr(context.Background(), nil, in, &out)
	s.Equal(syscall.Errno(0), errno)

	buf := make([]byte, testBlockSize)
	_, err := fsys.engine.Fetch("data.bin", 0, 0, buf, 1000)
	s.NoError(err)
	_, err = fsys.engine.Fetch("data.bin", 1, 0, buf, 1000)
	s.Error(err)
}

func (s *FileSystemSuite) TestRenameWithoutWriteThroughReturnsEROFS() {
	root := &DirectoryNode{fsys: s.fsys, path: ""}
	errno := root.Rename(context.Background(), "old.bin", root, "new.bin", 0)
	s.Equal(syscall.EROFS, errno)
}

func (s *FileSystemSuite) TestRenameMovesBackingFile() {
	fsys := s.newWriteThroughFS()
	s.Require().NoError(os.WriteFile(filepath.Join(fsys.backing.Root, "old.bin"), []byte("hi"), 0644))

	root := &DirectoryNode{fsys: fsys, path: ""}
	errno := root.Rename(context.Background(), "old.bin", root, "new.bin", 0)
	s.Equal(syscall.Errno(0), errno)

	_, err := os.Stat(filepath.Join(fsys.backing.Root, "old.bin"))
	s.True(os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(fsys.backing.Root, "new.bin"))
	s.NoError(err)
}

func (s *FileSystemSuite) TestReadRecordsMetricsOnMissThenHit() {
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "backfs_test_fs_metrics"})
	s.Require().NoError(err)
	s.fsys.SetMetrics(collector)

	contents := []byte("ABCDEFGH") // exactly one block
	s.writeBackingFile("data.bin", contents)

	node := &FileNode{fsys: s.fsys, path: "data.bin"}
	fh := &FileHandle{fsys: s.fsys, node: node}

	dest := make([]byte, len(contents))
	_, errno := fh.Read(context.Background(), dest, 0)
	s.Require().Equal(syscall.Errno(0), errno)
	s.Equal(float64(1), testutil.ToFloat64(collector.CacheMisses()))
	s.Equal(float64(1), testutil.ToFloat64(collector.CacheAdds()))

	_, errno = fh.Read(context.Background(), dest, 0)
	s.Require().Equal(syscall.Errno(0), errno)
	s.Equal(float64(1), testutil.ToFloat64(collector.CacheHits()))
}

func (s *FileSystemSuite) TestVersionNodeReadServesVersionWithTrailingNewline() {
	node := &VersionNode{fsys: s.fsys}

	dest := make([]byte, 64)
	result, errno := node.Read(context.Background(), nil, dest, 0)
	s.Equal(syscall.Errno(0), errno)

	got, status := result.Bytes(dest)
	s.Equal(gofuse.OK, status)
	s.Equal("1.2.3\n", string(got))
}
