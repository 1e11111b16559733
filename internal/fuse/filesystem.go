package fuse

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/wfraser/backfsd/internal/backing"
	"github.com/wfraser/backfsd/internal/bufpool"
	"github.com/wfraser/backfsd/internal/cacheengine"
	"github.com/wfraser/backfsd/internal/control"
	"github.com/wfraser/backfsd/internal/metrics"
	"github.com/wfraser/backfsd/internal/writethrough"
	"github.com/wfraser/backfsd/pkg/backfslog"
)

var log = backfslog.New("fuse")

const (
	controlFileName = ".backfs_control"
	versionFileName = ".backfs_version"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem implements the FUSE filesystem interface over a backing
// directory, serving reads through the cache engine and, when
// WriteThrough is set, mirroring writes into it.
type FileSystem struct {
	fs.Inode

	backing      *backing.Store
	engine       *cacheengine.Engine
	control      *control.Handler
	writeThrough *writethrough.Path
	bufs         *bufpool.Pool

	config  *Config
	version string

	stats   *Stats
	metrics *metrics.Collector
}

// SetMetrics attaches a Prometheus collector that Read mirrors its hit
// and miss counts into, in addition to the in-process Stats struct.
func (fsys *FileSystem) SetMetrics(c *metrics.Collector) {
	fsys.metrics = c
}

// Config represents FUSE filesystem configuration
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	BlockSizeBytes int64 `yaml:"block_size_bytes"`

	DefaultUID  uint32 `yaml:"default_uid"`
	DefaultGID  uint32 `yaml:"default_gid"`
	DefaultMode uint32 `yaml:"default_mode"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`

	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	Errors int64 `json:"errors"`
}

// NewFileSystem creates a FUSE filesystem serving backingStore through
// engine. writeThroughPath may be nil, in which case writes are refused
// with EROFS.
func NewFileSystem(backingStore *backing.Store, engine *cacheengine.Engine, writeThroughPath *writethrough.Path, version string, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  safeIntToUint32(os.Getuid()),
			DefaultGID:  safeIntToUint32(os.Getgid()),
			DefaultMode: 0644,
		}
	}
	if config.BlockSizeBytes <= 0 {
		config.BlockSizeBytes = 128 * 1024
	}
	blockSize := config.BlockSizeBytes

	return &FileSystem{
		backing:      backingStore,
		engine:       engine,
		control:      control.New(engine),
		writeThrough: writeThroughPath,
		bufs:         bufpool.New(int(blockSize)),
		config:       config,
		version:      version,
		stats:        &Stats{},
	}
}

// Root returns the root inode.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: fsys, path: ""}
}

// GetStats returns a snapshot of current filesystem statistics.
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()

	return &Stats{
		Lookups:      fsys.stats.Lookups,
		Opens:        fsys.stats.Opens,
		Reads:        fsys.stats.Reads,
		Writes:       fsys.stats.Writes,
		BytesRead:    fsys.stats.BytesRead,
		BytesWritten: fsys.stats.BytesWritten,
		CacheHits:    fsys.stats.CacheHits,
		CacheMisses:  fsys.stats.CacheMisses,
		Errors:       fsys.stats.Errors,
	}
}

// DirectoryNode represents a directory, backed directly by the
// corresponding directory in the backing tree.
type DirectoryNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

// Lookup resolves name under this directory. At the root, the two
// control pseudo-files are served without touching the backing tree.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.mu.Lock()
	n.fsys.stats.Lookups++
	n.fsys.stats.mu.Unlock()

	if n.path == "" {
		switch name {
		case controlFileName:
			return n.NewInode(ctx, &ControlNode{fsys: n.fsys}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
		case versionFileName:
			return n.NewInode(ctx, &VersionNode{fsys: n.fsys}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
		}
	}

	childPath := n.joinPath(name)
	info, err := n.fsys.backing.Stat(childPath)
	if err != nil {
		return nil, syscall.ENOENT
	}

	if info.IsDir() {
		return n.createDirectoryNode(ctx, childPath), 0
	}
	return n.createFileNode(ctx, childPath, info), 0
}

// Readdir lists the backing directory corresponding to this node.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.fsys.backing.Resolve(n.path))
	if err != nil {
		n.fsys.stats.mu.Lock()
		n.fsys.stats.Errors++
		n.fsys.stats.mu.Unlock()
		log.Warn("readdir %s: %v", n.path, err)
		return nil, syscall.EIO
	}

	out := make([]fuse.DirEntry, 0, len(entries)+2)
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.IsDir() {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	if n.path == "" {
		out = append(out,
			fuse.DirEntry{Name: controlFileName, Mode: fuse.S_IFREG},
			fuse.DirEntry{Name: versionFileName, Mode: fuse.S_IFREG})
	}

	return fs.NewListDirStream(out), 0
}

// Getattr reports the backing directory's attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.fsys.backing.Stat(n.path)
	if err != nil {
		return syscall.ENOENT
	}
	out.Mode = n.fsys.config.DefaultMode | uint32(fuse.S_IFDIR)
	out.Uid = n.fsys.config.DefaultUID
	out.Gid = n.fsys.config.DefaultGID
	mtime := safeInt64ToUint64(info.ModTime().Unix())
	out.Mtime, out.Atime, out.Ctime = mtime, mtime, mtime
	return 0
}

// Unlink removes name from this directory in the backing tree and
// invalidates its cached blocks, via the write-through path.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.writeThrough == nil {
		return syscall.EROFS
	}
	if err := n.fsys.writeThrough.Unlink(n.joinPath(name)); err != nil {
		log.Warn("unlink %s: %v", n.joinPath(name), err)
		return syscall.EIO
	}
	return 0
}

// Rename moves name (in this directory) to newName (in newParent),
// via the write-through path.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.writeThrough == nil {
		return syscall.EROFS
	}

	destDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EINVAL
	}

	if err := n.fsys.writeThrough.Rename(n.joinPath(name), destDir.joinPath(newName)); err != nil {
		log.Warn("rename %s -> %s: %v", n.joinPath(name), destDir.joinPath(newName), err)
		return syscall.EIO
	}
	return 0
}

func (n *DirectoryNode) joinPath(name string) string {
	if n.path == "" {
		return name
	}
	return filepath.Join(n.path, name)
}

func (n *DirectoryNode) createFileNode(ctx context.Context, path string, info os.FileInfo) *fs.Inode {
	node := &FileNode{fsys: n.fsys, path: path, size: info.Size(), mtime: info.ModTime().Unix()}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
}

func (n *DirectoryNode) createDirectoryNode(ctx context.Context, path string) *fs.Inode {
	node := &DirectoryNode{fsys: n.fsys, path: path}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFDIR})
}

// FileNode represents a regular file backed by a file in the backing
// tree, with reads served through the cache engine.
type FileNode struct {
	fs.Inode
	fsys  *FileSystem
	path  string
	size  int64
	mtime int64
}

// Setattr handles truncate (the only attribute change this filesystem
// honors beyond reporting current backing-file attributes): a size
// change is forwarded to the write-through path, which invalidates any
// cached blocks at or beyond the new end.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if f.fsys.writeThrough == nil {
			return syscall.EROFS
		}
		if err := f.fsys.writeThrough.Truncate(f.path, int64(size)); err != nil {
			log.Warn("truncate %s to %d: %v", f.path, size, err)
			return syscall.EIO
		}
	}
	return f.Getattr(ctx, fh, out)
}

// Open opens a file for reading (and, in write-through mode, writing).
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.fsys.stats.mu.Lock()
	f.fsys.stats.Opens++
	f.fsys.stats.mu.Unlock()

	wantsWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if wantsWrite && f.fsys.writeThrough == nil {
		return nil, 0, syscall.EROFS
	}

	return &FileHandle{fsys: f.fsys, node: f}, 0, 0
}

// Getattr reports the backing file's current attributes.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := f.fsys.backing.Stat(f.path)
	if err != nil {
		return syscall.ENOENT
	}
	out.Mode = f.fsys.config.DefaultMode
	out.Size = safeInt64ToUint64(info.Size())
	out.Uid = f.fsys.config.DefaultUID
	out.Gid = f.fsys.config.DefaultGID
	mtime := safeInt64ToUint64(info.ModTime().Unix())
	out.Mtime, out.Atime, out.Ctime = mtime, mtime, mtime
	return 0
}

// FileHandle serves reads (per-block, through the cache engine) and,
// when write-through is enabled, writes.
type FileHandle struct {
	fsys *FileSystem
	node *FileNode
}

// Read serves dest from offset off, fetching each overlapping block
// from the cache engine and falling back to a direct backing read (plus
// an Add to populate the cache) on a miss.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.fsys.stats.mu.Lock()
	fh.fsys.stats.Reads++
	fh.fsys.stats.mu.Unlock()

	blockSize := fh.fsys.config.BlockSizeBytes
	path := fh.node.path

	mtime, err := fh.fsys.backing.Mtime(path)
	if err != nil {
		return nil, syscall.ENOENT
	}

	total := 0
	for total < len(dest) {
		abs := off + int64(total)
		block := uint64(abs / blockSize)
		blockOff := abs % blockSize
		want := len(dest) - total
		if max := int(blockSize - blockOff); want > max {
			want = max
		}

		n, ferr := fh.fsys.engine.Fetch(path, block, blockOff, dest[total:total+want], mtime)
		if ferr == nil && n > 0 {
			fh.fsys.stats.mu.Lock()
			fh.fsys.stats.CacheHits++
			fh.fsys.stats.mu.Unlock()
			if fh.fsys.metrics != nil {
				fh.fsys.metrics.RecordCacheHit()
			}
			total += n
			if n < want {
				break // short block: end of file
			}
			continue
		}

		fh.fsys.stats.mu.Lock()
		fh.fsys.stats.CacheMisses++
		fh.fsys.stats.mu.Unlock()
		if fh.fsys.metrics != nil {
			fh.fsys.metrics.RecordCacheMiss()
		}

		buf := fh.fsys.bufs.Get()
		bn, bmtime, rerr := fh.fsys.backing.ReadBlock(path, block, blockSize, buf)
		if rerr != nil {
			fh.fsys.stats.mu.Lock()
			fh.fsys.stats.Errors++
			fh.fsys.stats.mu.Unlock()
			fh.fsys.bufs.Put(buf)
			return nil, syscall.EIO
		}
		if bn == 0 || int(blockOff) >= bn {
			fh.fsys.bufs.Put(buf)
			break // end of file
		}

		if addErr := fh.fsys.engine.Add(path, block, buf[:bn], bmtime); addErr != nil {
			log.Warn("read: populating cache for %s block %d: %v", path, block, addErr)
		} else if fh.fsys.metrics != nil {
			fh.fsys.metrics.RecordCacheAdd()
		}

		n = copy(dest[total:total+want], buf[int(blockOff):bn])
		fh.fsys.bufs.Put(buf)
		total += n
		if bn-int(blockOff) < want {
			break
		}
	}

	fh.fsys.stats.mu.Lock()
	fh.fsys.stats.BytesRead += int64(total)
	fh.fsys.stats.mu.Unlock()

	return fuse.ReadResultData(dest[:total]), 0
}

// Write forwards to the write-through path.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if fh.fsys.writeThrough == nil {
		return 0, syscall.EROFS
	}

	fh.fsys.stats.mu.Lock()
	fh.fsys.stats.Writes++
	fh.fsys.stats.mu.Unlock()

	n, err := fh.fsys.writeThrough.Write(fh.node.path, off, data, time.Now().Unix())
	if err != nil {
		fh.fsys.stats.mu.Lock()
		fh.fsys.stats.Errors++
		fh.fsys.stats.mu.Unlock()
		log.Warn("write %s at %d: %v", fh.node.path, off, err)
		return 0, syscall.EIO
	}

	fh.fsys.stats.mu.Lock()
	fh.fsys.stats.BytesWritten += int64(n)
	fh.fsys.stats.mu.Unlock()

	return safeIntToUint32(n), 0
}

// ControlNode serves /.backfs_control: writes are parsed as commands.
type ControlNode struct {
	fs.Inode
	fsys *FileSystem
}

func (n *ControlNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (n *ControlNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if err := n.fsys.control.Handle(string(data)); err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return 0, errno
		}
		return 0, syscall.EIO
	}
	return safeIntToUint32(len(data)), 0
}

func (n *ControlNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0600
	return 0
}

// VersionNode serves the read-only /.backfs_version pseudo-file.
type VersionNode struct {
	fs.Inode
	fsys *FileSystem
}

func (n *VersionNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *VersionNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	body := n.fsys.version + "\n"
	if off >= int64(len(body)) {
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData([]byte(body[off:])), 0
}

func (n *VersionNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(n.fsys.version) + 1)
	return 0
}
