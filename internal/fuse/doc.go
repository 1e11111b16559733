/*
Package fuse mounts the cache engine and backing tree as a POSIX
filesystem.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Kernel VFS Layer                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        github.com/hanwen/go-fuse/v2          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               This Package                   │
	│  DirectoryNode / FileNode / FileHandle        │
	│  ControlNode (/.backfs_control)               │
	│  VersionNode (/.backfs_version)                │
	└─────────────────────────────────────────────┘
	           │                        │
	┌──────────────────┐     ┌────────────────────┐
	│ internal/backing  │     │ internal/cacheengine│
	│ (passthrough I/O) │     │ (block cache)        │
	└──────────────────┘     └────────────────────┘

Lookup, Readdir, and Getattr go straight to the backing tree: BackFS
caches block data, not metadata or directory structure. Read tries the
cache engine first and falls back to a direct backing read (populating
the cache for next time) on a miss, including a stale-mtime miss.
Write, when the mount is configured for write-through, forwards to
internal/writethrough; otherwise file handles opened for writing are
refused with EROFS.

# Control and version files

The root directory additionally serves two pseudo-files that never
touch the backing tree: /.backfs_control, write-only, accepting the
commands internal/control.Handler parses; and /.backfs_version,
read-only, reporting the running daemon's version string.

# Mounting

	fsys := fuse.NewFileSystem(backingStore, engine, writeThroughPath, version, config)
	mgr := fuse.NewMountManager(fsys, mountConfig)
	if err := mgr.Mount(ctx); err != nil {
		log.Fatal(err)
	}
	defer mgr.Unmount()
	mgr.Wait()

MountManager wraps go-fuse's own Mount/Unmount lifecycle, adding mount
point validation, a /proc/mounts based already-mounted check, and a
lazy-then-forced unmount fallback.
*/
package fuse
