// Package demo holds the example workers and scenarios the multiproc command
// runs: fire-and-forget pings, synchronous pings, ping/pong over a polled
// channel, a shared numeric grid and a supervised worker pool.
package demo
