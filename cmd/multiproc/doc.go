// Package main is the multiproc demo command.
//
// Every mode spawns worker processes by re-executing this binary, so the
// same executable is both frontend and backend.
//
// Modes:
//   - ping: send pings without waiting
//   - syncping: synchronous pings that return once the worker is done
//   - pingpong: worker replies, frontend polls its channel
//   - shm: frontend and worker share a numeric grid
//   - manager: supervised pool, runs until SIGINT or SIGTERM
//   - manager-bg: supervised pool on a background goroutine for -duration
//
// Configuration:
//   - Environment variables (MULTIPROC_*, LOG_LEVEL, LOG_DEV)
//   - -config file (YAML or TOML), env still overrides it
//   - CLI flags override both
//
// Usage:
//
//	./multiproc -mode syncping -log-level debug
//	./multiproc -mode manager -workers 8 -timeout 1s -dev
//	./multiproc -mode shm -rows 512 -cols 512
package main
