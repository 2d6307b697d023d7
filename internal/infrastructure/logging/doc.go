// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every worker process and supervisor receives its own logger at
// construction (see ForProcess). Worker children rebuild an equivalent
// logger from the level and mode passed in their bootstrap message, so both
// sides of a worker log under the same name.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	wlog := logger.ForProcess("WorkerProcess", "worker-0")
//	wlog.Info("preRun", zap.String("segment", "mp-worker-0-grid"))
package logging
