package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of one supervisor and its workers.
// Every instance registers on its own registry so several supervisors can
// live in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	Unroutable       prometheus.Counter
	TransportBroken  prometheus.Counter

	// Dispatch metrics
	Dispatches   prometheus.Counter
	Backpressure prometheus.Counter
	PendingDepth prometheus.Gauge

	// Worker metrics
	WorkersByState *prometheus.GaugeVec
	RoundTrip      prometheus.Histogram

	// Loop metrics
	LoopTicks prometheus.Counter
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for summaries and tests
type Snapshot struct {
	Received        int64
	Sent            int64
	HandlerErrors   int64
	Unroutable      int64
	TransportBroken int64
	Dispatches      int64
	Backpressure    int64
	Pending         int64
	LoopTicks       int64
	RoundTrips      int64
	RoundTripTotal  float64 // seconds, summed
}

// NewMetrics creates a metrics collector on reg, or on a fresh registry when
// reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multiproc_messages_received_total",
				Help: "Envelopes received from workers",
			},
			[]string{"kind"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multiproc_messages_sent_total",
				Help: "Envelopes sent to workers",
			},
			[]string{"kind"},
		),
		HandlerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multiproc_handler_errors_total",
				Help: "Message handler failures",
			},
			[]string{"kind"},
		),
		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "multiproc_handler_duration_seconds",
				Help:    "Supervisor message handler duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"kind"},
		),
		Unroutable: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "multiproc_unroutable_total",
				Help: "Readiness on descriptors with no registered worker",
			},
		),
		TransportBroken: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "multiproc_transport_broken_total",
				Help: "Worker channels found broken",
			},
		),

		Dispatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "multiproc_dispatches_total",
				Help: "Work units handed to an available worker",
			},
		),
		Backpressure: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "multiproc_no_available_worker_total",
				Help: "Work units rejected because no worker and no queue room was left",
			},
		),
		PendingDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "multiproc_pending_work",
				Help: "Work units waiting for a worker",
			},
		),

		WorkersByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "multiproc_workers",
				Help: "Workers by lifecycle state",
			},
			[]string{"state"},
		),
		RoundTrip: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "multiproc_round_trip_seconds",
				Help:    "Synchronous call duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		LoopTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "multiproc_loop_ticks_total",
				Help: "Supervisor wait timeouts with nothing readable",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "multiproc_uptime_seconds",
			Help: "Seconds since the metrics were created",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordReceived records an envelope read from a worker
func (m *Metrics) RecordReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
	m.update(func(s *Snapshot) { s.Received++ })
}

// RecordSent records an envelope written to a worker
func (m *Metrics) RecordSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
	m.update(func(s *Snapshot) { s.Sent++ })
}

// RecordHandlerError records a failed message handler
func (m *Metrics) RecordHandlerError(kind string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(kind).Inc()
	m.update(func(s *Snapshot) { s.HandlerErrors++ })
}

// ObserveHandler records how long a handler ran
func (m *Metrics) ObserveHandler(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordUnroutable records readiness nobody owns
func (m *Metrics) RecordUnroutable() {
	if m == nil {
		return
	}
	m.Unroutable.Inc()
	m.update(func(s *Snapshot) { s.Unroutable++ })
}

// RecordTransportBroken records a worker channel that failed
func (m *Metrics) RecordTransportBroken() {
	if m == nil {
		return
	}
	m.TransportBroken.Inc()
	m.update(func(s *Snapshot) { s.TransportBroken++ })
}

// RecordDispatch records work handed to a worker
func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.Dispatches.Inc()
	m.update(func(s *Snapshot) { s.Dispatches++ })
}

// RecordBackpressure records work rejected for lack of workers
func (m *Metrics) RecordBackpressure() {
	if m == nil {
		return
	}
	m.Backpressure.Inc()
	m.update(func(s *Snapshot) { s.Backpressure++ })
}

// SetPending sets the pending work depth
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingDepth.Set(float64(n))
	m.update(func(s *Snapshot) { s.Pending = int64(n) })
}

// SetWorkerStates replaces the per-state worker gauges.
func (m *Metrics) SetWorkerStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.WorkersByState.Reset()
	for state, n := range counts {
		m.WorkersByState.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveRoundTrip records one synchronous call
func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.RoundTrip.Observe(d.Seconds())
	m.update(func(s *Snapshot) {
		s.RoundTrips++
		s.RoundTripTotal += d.Seconds()
	})
}

// IncLoopTicks records an idle wait timeout
func (m *Metrics) IncLoopTicks() {
	if m == nil {
		return
	}
	m.LoopTicks.Inc()
	m.update(func(s *Snapshot) { s.LoopTicks++ })
}

// Snapshot returns a copy of the current values
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Metrics) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
}
