package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters tracks per-component operational counts. Every dropped or
// failed event increments a counter here so silent loss stays visible
// to operators, both through /api/status and the Prometheus registry.
type Counters struct {
	Received       atomic.Int64
	Malformed      atomic.Int64
	Stale          atomic.Int64
	ClockCorrected atomic.Int64
	QueueDropped   atomic.Int64
	StorageErrors  atomic.Int64
	Evicted        atomic.Int64
	AlertsFired    atomic.Int64
	NotifyFailures atomic.Int64

	lastEviction atomic.Int64 // unix seconds, 0 = never
}

// New returns a zeroed counter set.
func New() *Counters {
	return &Counters{}
}

// MarkEviction records the completion time of an eviction pass.
func (c *Counters) MarkEviction(t time.Time) {
	c.lastEviction.Store(t.Unix())
}

// LastEviction returns the time of the last eviction pass, or the zero
// time if none has run.
func (c *Counters) LastEviction() time.Time {
	sec := c.lastEviction.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Snapshot returns the counters as a plain map for the status endpoint.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"received":        c.Received.Load(),
		"malformed":       c.Malformed.Load(),
		"stale":           c.Stale.Load(),
		"clock_corrected": c.ClockCorrected.Load(),
		"queue_dropped":   c.QueueDropped.Load(),
		"storage_errors":  c.StorageErrors.Load(),
		"evicted":         c.Evicted.Load(),
		"alerts_fired":    c.AlertsFired.Load(),
		"notify_failures": c.NotifyFailures.Load(),
	}
}

// Register exposes the counters through a Prometheus registerer.
func (c *Counters) Register(reg prometheus.Registerer) {
	counter := func(name, help string, v *atomic.Int64) {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: "sensorhub", Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	counter("readings_received_total", "Readings received from the broker", &c.Received)
	counter("readings_malformed_total", "Readings dropped as malformed", &c.Malformed)
	counter("readings_stale_total", "Readings dropped as stale duplicates", &c.Stale)
	counter("readings_clock_corrected_total", "Readings with server-substituted timestamps", &c.ClockCorrected)
	counter("queue_dropped_total", "Readings dropped on consumer queue overflow", &c.QueueDropped)
	counter("storage_errors_total", "Durable-write failures", &c.StorageErrors)
	counter("readings_evicted_total", "Readings removed by retention eviction", &c.Evicted)
	counter("alerts_fired_total", "Alert state transitions dispatched", &c.AlertsFired)
	counter("notify_failures_total", "Notification deliveries that failed", &c.NotifyFailures)

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "sensorhub", Name: "last_eviction_timestamp_seconds", Help: "Unix time of the last eviction pass"},
		func() float64 { return float64(c.lastEviction.Load()) },
	))
}
