// Package poll waits for any of several descriptors to become readable, with
// a timeout and a wake-up channel another goroutine can trigger. Interrupted
// system calls are retried with the remaining time, so signal delivery never
// ends a wait early.
package poll
