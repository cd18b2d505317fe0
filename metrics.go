package theatre

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across runtimes.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a node. All counters are
// lock-free (atomic int64). Instances from NewMetrics are published to
// expvar under the "theatre.<n>." prefix for inspection via /debug/vars.
type Metrics struct {
	FramesSent     atomic.Int64
	FramesReceived atomic.Int64
	BytesSent      atomic.Int64
	BytesReceived  atomic.Int64

	MessagesSent         atomic.Int64
	MessagesReceived     atomic.Int64
	MessagesDeadLettered atomic.Int64

	RequestsTotal    atomic.Int64
	RequestsTimedOut atomic.Int64
	RequestsFailed   atomic.Int64

	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	ProtocolErrors    atomic.Int64
	BreakerTrips      atomic.Int64

	ActivationsTotal  atomic.Int64
	ActivationsFailed atomic.Int64

	// gauges, set by the owner at init time
	actorCountFn   func() int
	pendingCountFn func() int
}

// NewMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique expvar prefix via a monotonic sequence.
func NewMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "theatre." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}
	for name, v := range m.counters() {
		publish(name, atomicVar(v))
	}
	publish("actors_active", expvar.Func(func() any {
		if m.actorCountFn != nil {
			return m.actorCountFn()
		}
		return 0
	}))
	publish("requests_pending", expvar.Func(func() any {
		if m.pendingCountFn != nil {
			return m.pendingCountFn()
		}
		return 0
	}))

	return m
}

func (m *Metrics) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"frames_sent":            &m.FramesSent,
		"frames_received":        &m.FramesReceived,
		"bytes_sent":             &m.BytesSent,
		"bytes_received":         &m.BytesReceived,
		"messages_sent":          &m.MessagesSent,
		"messages_received":      &m.MessagesReceived,
		"messages_dead_lettered": &m.MessagesDeadLettered,
		"requests_total":         &m.RequestsTotal,
		"requests_timed_out":     &m.RequestsTimedOut,
		"requests_failed":        &m.RequestsFailed,
		"connections_opened":     &m.ConnectionsOpened,
		"connections_closed":     &m.ConnectionsClosed,
		"protocol_errors":        &m.ProtocolErrors,
		"breaker_trips":          &m.BreakerTrips,
		"activations_total":      &m.ActivationsTotal,
		"activations_failed":     &m.ActivationsFailed,
	}
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := make(map[string]int64, 20)
	for name, v := range m.counters() {
		snap[name] = v.Load()
	}
	if m.actorCountFn != nil {
		snap["actors_active"] = int64(m.actorCountFn())
	}
	if m.pendingCountFn != nil {
		snap["requests_pending"] = int64(m.pendingCountFn())
	}
	return snap
}
