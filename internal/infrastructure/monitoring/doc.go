/*
Package monitoring collects Prometheus metrics for a supervisor and its
workers.

# Overview

Each Metrics value owns a registry, so tests and embedded supervisors never
collide on metric names. All record methods accept a nil receiver.

# Metrics

- Envelopes received and sent, by kind
- Handler failures and durations, by kind
- Unroutable readiness and broken worker channels
- Dispatches, backpressure rejections and pending depth
- Workers by lifecycle state
- Synchronous round trip latency
- Idle loop ticks and uptime

# Usage

	metrics := monitoring.NewMetrics(nil)
	metrics.RecordReceived("ready")

	timer := monitoring.NewTimer(metrics, "ready")
	err := handle(env)
	timer.Stop(err)

	values, _ := metrics.Gather()
*/
package monitoring
