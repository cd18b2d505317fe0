package theatre

import (
	"expvar"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := &Metrics{}
	m.FramesSent.Add(3)
	m.RequestsTimedOut.Add(2)
	m.actorCountFn = func() int { return 7 }

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap["frames_sent"])
	assert.Equal(t, int64(2), snap["requests_timed_out"])
	assert.Equal(t, int64(7), snap["actors_active"])
	assert.NotContains(t, snap, "requests_pending")
	assert.Len(t, snap, len(m.counters())+1)
}

func TestNewMetrics_PublishesExpvar(t *testing.T) {
	m := NewMetrics()
	m.BreakerTrips.Add(1)
	m.pendingCountFn = func() int { return 4 }

	prefix := "theatre." + strconv.FormatInt(metricsSeq.Load(), 10) + "."
	v := expvar.Get(prefix + "breaker_trips")
	if assert.NotNil(t, v) {
		assert.Equal(t, "1", v.String())
	}
	pending := expvar.Get(prefix + "requests_pending")
	if assert.NotNil(t, pending) {
		assert.Equal(t, "4", pending.String())
	}

	// a second instance gets its own namespace
	NewMetrics()
	var n int
	expvar.Do(func(kv expvar.KeyValue) {
		if strings.HasSuffix(kv.Key, ".breaker_trips") && strings.HasPrefix(kv.Key, "theatre.") {
			n++
		}
	})
	assert.GreaterOrEqual(t, n, 2)
}
