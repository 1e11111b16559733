/*
Package config loads the daemon's startup settings.

Configuration is resolved in increasing precedence: compiled-in
defaults (NewDefault), a YAML file (LoadFromFile), then BACKFS_*
environment variables (LoadFromEnv).

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Fields cover the cache directory and size, the block size, the backing
and mount directories, write-through mode, and the metrics endpoint.
There is deliberately no S3-endpoint or replication configuration: this
daemon caches a local or network-mounted backing tree, not an object
store.
*/
package config
