/*
Package metrics exposes the cache engine's counters and gauge over
Prometheus.

	┌─────────────┐      ┌──────────────────┐
	│  Collector  │─────▶│ /metrics (promhttp)│
	└─────────────┘      └──────────────────┘

Six series are tracked: cache_hits_total, cache_misses_total,
cache_adds_total, cache_evictions_total, orphan_sweeps_total (all
counters), and cache_used_bytes (a gauge). Each is prefixed with the
configured namespace (backfs by default).

	c, err := metrics.NewCollector(&metrics.Config{Enabled: true, Addr: ":9405"})
	if err != nil {
		log.Fatal(err)
	}
	c.Start(ctx)
	defer c.Stop(ctx)

When Config.Enabled is false, NewCollector returns a Collector whose
recording methods are no-ops and whose Start does nothing, so callers
never need to branch on whether metrics are on.
*/
package metrics
