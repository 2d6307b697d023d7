// Package config provides 12-factor configuration management for multiproc.
//
// Configuration starts from Default, is optionally overlaid by a YAML or TOML
// file, and is finally overridden by environment variables. CLI flags can
// override all of them for development flexibility.
//
// Configuration Sections:
//   - Supervisor: worker count, wait-loop timeout, pending work capacity
//   - Process: synchronization group capacity, stop timeout
//   - Logging: Log level and output format
//
// Example Usage:
//
//	cfg, err := config.LoadFile("multiproc.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("running %d workers\n", cfg.Supervisor.Workers)
//
// Environment Variables:
//   - MULTIPROC_WORKERS, MULTIPROC_TIMEOUT, MULTIPROC_PENDING_CAPACITY
//   - MULTIPROC_SYNC_CAPACITY, MULTIPROC_STOP_TIMEOUT
//   - LOG_LEVEL, LOG_DEV
package config
