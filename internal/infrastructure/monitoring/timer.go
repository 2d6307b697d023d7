package monitoring

import "time"

// Timer measures one handler run
type Timer struct {
	start   time.Time
	metrics *Metrics
	kind    string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, kind string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		kind:    kind,
	}
}

// Stop records the elapsed time and, when err is set, a handler error.
func (t *Timer) Stop(err error) time.Duration {
	elapsed := time.Since(t.start)
	t.metrics.ObserveHandler(t.kind, elapsed)
	if err != nil {
		t.metrics.RecordHandlerError(t.kind)
	}
	return elapsed
}
