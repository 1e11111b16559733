// Command backfsd mounts a persistent FUSE block cache in front of a
// backing directory, configured from a YAML file, BACKFS_* environment
// variables, and flags, in that order of precedence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wfraser/backfsd/internal/backing"
	"github.com/wfraser/backfsd/internal/cacheengine"
	"github.com/wfraser/backfsd/internal/config"
	"github.com/wfraser/backfsd/internal/fuse"
	"github.com/wfraser/backfsd/internal/metrics"
	"github.com/wfraser/backfsd/internal/writethrough"
	"github.com/wfraser/backfsd/pkg/backfslog"
)

// version is stamped into the /.backfs_version pseudo-file.
const version = "0.1.0"

var log = backfslog.New("main")

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "path to a YAML config file")
	cacheDir := flag.String("cache-dir", "", "override: cache directory")
	backingDir := flag.String("backing-dir", "", "override: directory to cache")
	mountPoint := flag.String("mount", "", "override: where to mount")
	cacheSize := flag.Int64("cache-size-bytes", 0, "override: cache size in bytes (0 = device-bounded)")
	blockSize := flag.Int64("block-size-bytes", 0, "override: block size in bytes (0 = default)")
	writeThroughFlag := flag.Bool("write-through", false, "override: enable write-through caching")
	flag.Parse()

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			log.Error("loading config file: %v", err)
			return 1
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Error("loading environment overrides: %v", err)
		return 1
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *backingDir != "" {
		cfg.BackingDir = *backingDir
	}
	if *mountPoint != "" {
		cfg.MountPoint = *mountPoint
	}
	if *cacheSize != 0 {
		cfg.CacheSizeBytes = *cacheSize
	}
	if *blockSize != 0 {
		cfg.BlockSizeBytes = *blockSize
	}
	if *writeThroughFlag {
		cfg.WriteThrough = true
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration: %v", err)
		return 1
	}

	level, err := backfslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Error("%v", err)
		return 1
	}
	backfslog.SetLevel(level)

	engine, err := cacheengine.Init(cfg.CacheDir, cfg.CacheSizeBytes, cfg.BlockSizeBytes)
	if err != nil {
		log.Error("initializing cache engine: %v", err)
		return 1
	}
	printCacheSize(engine.Used(), cfg.CacheSizeBytes)

	backingStore := backing.New(cfg.BackingDir)

	var writeThroughPath *writethrough.Path
	if cfg.WriteThrough {
		writeThroughPath = writethrough.New(backingStore, engine, engine.BlockSize())
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Addr:      cfg.Metrics.Addr,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		log.Error("initializing metrics: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := collector.Start(ctx); err != nil {
		log.Error("starting metrics server: %v", err)
		return 1
	}
	defer func() { _ = collector.Stop(context.Background()) }()

	engine.SetMetrics(collector)
	go reportUsedBytesPeriodically(ctx, engine, collector)

	fsys := fuse.NewFileSystem(backingStore, engine, writeThroughPath, version, &fuse.Config{
		MountPoint:     cfg.MountPoint,
		ReadOnly:       cfg.ReadOnly,
		AllowOther:     cfg.AllowOther,
		BlockSizeBytes: engine.BlockSize(),
		DefaultUID:     uint32(os.Getuid()),
		DefaultGID:     uint32(os.Getgid()),
		DefaultMode:    0644,
	})
	fsys.SetMetrics(collector)

	mgr := fuse.NewMountManager(fsys, &fuse.MountConfig{
		MountPoint: cfg.MountPoint,
		Options: &fuse.MountOptions{
			ReadOnly:     cfg.ReadOnly,
			AllowOther:   cfg.AllowOther,
			DefaultPerms: true,
			MaxWrite:     128 * 1024,
			FSName:       "backfs",
			Subtype:      "backfs",
		},
		Permissions: &fuse.Permissions{
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
			FileMode: 0644,
			DirMode:  0755,
		},
	})

	if err := mgr.Mount(ctx); err != nil {
		log.Error("mounting: %v", err)
		return 1
	}

	watcher := fuse.NewMountWatcher(mgr, 30*time.Second)
	watcher.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received %v, unmounting", sig)
		watcher.Stop()
		if err := mgr.Unmount(); err != nil {
			log.Error("unmount: %v", err)
		}
	}()

	mgr.Wait()
	return 0
}

// reportUsedBytesPeriodically mirrors the engine's used-bytes estimate
// into the cache_used_bytes gauge until ctx is cancelled.
func reportUsedBytesPeriodically(ctx context.Context, engine *cacheengine.Engine, collector *metrics.Collector) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetCacheUsedBytes(engine.Used())
		}
	}
}

func printCacheSize(used, configured int64) {
	size := configured
	if size == 0 {
		size = used // device-bounded: report what's actually on disk
	}
	human, unit := humanize(size)
	usedHuman, usedUnit := humanize(used)
	fmt.Printf("cache size %.2f %s (currently using %.2f %s)\n", human, unit, usedHuman, usedUnit)
}

func humanize(bytes int64) (float64, string) {
	switch {
	case bytes > 1024*1024*1024:
		return float64(bytes) / (1024 * 1024 * 1024), "GiB"
	case bytes > 1024*1024:
		return float64(bytes) / (1024 * 1024), "MiB"
	case bytes > 1024:
		return float64(bytes) / 1024, "KiB"
	default:
		return float64(bytes), "B"
	}
}
