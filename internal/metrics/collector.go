package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes the cache engine's counters and gauge over an HTTP
// /metrics endpoint.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheAdds      prometheus.Counter
	cacheEvictions prometheus.Counter
	orphanSweeps   prometheus.Counter
	cacheUsedBytes prometheus.Gauge

	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a metrics collector and registers its metrics.
// When config is disabled, the returned Collector's recording methods
// are no-ops and Start does nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Addr:      ":9405",
			Path:      "/metrics",
			Namespace: "backfs",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:   config,
		registry: registry,
	}

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of block cache hits.",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of block cache misses.",
	})
	c.cacheAdds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_adds_total",
		Help:      "Total number of blocks added to the cache.",
	})
	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_evictions_total",
		Help:      "Total number of buckets evicted from the tail of the cache.",
	})
	c.orphanSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "orphan_sweeps_total",
		Help:      "Total number of orphan buckets freed by free_orphans.",
	})
	c.cacheUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "cache_used_bytes",
		Help:      "Current estimated bytes used by the cache.",
	})

	for _, m := range []prometheus.Collector{
		c.cacheHits, c.cacheMisses, c.cacheAdds, c.cacheEvictions, c.orphanSweeps, c.cacheUsedBytes,
	} {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// Start serves the registry over HTTP in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheHit increments the cache-hit counter.
func (c *Collector) RecordCacheHit() {
	if !c.config.Enabled {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss increments the cache-miss counter.
func (c *Collector) RecordCacheMiss() {
	if !c.config.Enabled {
		return
	}
	c.cacheMisses.Inc()
}

// RecordCacheAdd increments the cache-add counter.
func (c *Collector) RecordCacheAdd() {
	if !c.config.Enabled {
		return
	}
	c.cacheAdds.Inc()
}

// RecordCacheEviction increments the eviction counter.
func (c *Collector) RecordCacheEviction() {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.Inc()
}

// RecordOrphanSweep adds freedBuckets to the orphan-sweep counter.
func (c *Collector) RecordOrphanSweep(freedBuckets int) {
	if !c.config.Enabled || freedBuckets <= 0 {
		return
	}
	c.orphanSweeps.Add(float64(freedBuckets))
}

// CacheHits exposes the hit counter for test assertions.
func (c *Collector) CacheHits() prometheus.Counter {
	return c.cacheHits
}

// CacheMisses exposes the miss counter for test assertions.
func (c *Collector) CacheMisses() prometheus.Counter {
	return c.cacheMisses
}

// CacheAdds exposes the add counter for test assertions.
func (c *Collector) CacheAdds() prometheus.Counter {
	return c.cacheAdds
}

// CacheEvictions exposes the eviction counter for test assertions (e.g.
// via prometheus/client_golang/prometheus/testutil.ToFloat64).
func (c *Collector) CacheEvictions() prometheus.Counter {
	return c.cacheEvictions
}

// OrphanSweeps exposes the orphan-sweep counter for test assertions.
func (c *Collector) OrphanSweeps() prometheus.Counter {
	return c.orphanSweeps
}

// SetCacheUsedBytes sets the current cache-used-bytes gauge.
func (c *Collector) SetCacheUsedBytes(used int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheUsedBytes.Set(float64(used))
}
