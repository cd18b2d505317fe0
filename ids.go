package theatre

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
)

// CorrelationID links a future call to its response. It is a comparable
// value: two ids are equal when every part is equal. Ids issued by one
// IDGenerator never repeat within its lifetime.
type CorrelationID struct {
	ProcessID uint32
	Parts     [4]uint32
}

func (id CorrelationID) IsZero() bool {
	return id == CorrelationID{}
}

func (id CorrelationID) String() string {
	return fmt.Sprintf("%08x-%08x%08x%08x%08x",
		id.ProcessID, id.Parts[3], id.Parts[2], id.Parts[1], id.Parts[0])
}

// shard returns a cheap hash of the counters for sharded tables.
func (id CorrelationID) shard(n uint32) uint32 {
	return (id.Parts[0] ^ id.Parts[1]*31 ^ id.ProcessID*131) % n
}

// IDGenerator issues correlation ids and batch ids for one process. It is
// an explicit object, owned by whoever needs process-scoped ids, so two
// runtimes in the same binary never share counters.
type IDGenerator struct {
	processID uint32

	mu    sync.Mutex
	parts [4]uint32

	batch atomic.Uint32
}

// NewIDGenerator returns a generator stamping processID on every id.
func NewIDGenerator(processID uint32) *IDGenerator {
	return &IDGenerator{processID: processID}
}

// DefaultProcessID derives a 4-byte process identity from the OS pid and
// a random salt, so restarts of the same pid do not reuse ids.
func DefaultProcessID() uint32 {
	return uint32(os.Getpid())<<16 ^ rand.Uint32()
}

func (g *IDGenerator) ProcessID() uint32 { return g.processID }

// Next returns the next correlation id. Counters cascade: when a less
// significant part wraps to zero the next part is incremented.
func (g *IDGenerator) Next() CorrelationID {
	g.mu.Lock()
	for i := range g.parts {
		g.parts[i]++
		if g.parts[i] != 0 {
			break
		}
	}
	id := CorrelationID{ProcessID: g.processID, Parts: g.parts}
	g.mu.Unlock()
	return id
}

// NextBatch returns the next 4-byte batch id; it wraps silently.
func (g *IDGenerator) NextBatch() uint32 {
	return g.batch.Add(1)
}

// seed positions the counters; used by tests to exercise overflow.
func (g *IDGenerator) seed(parts [4]uint32) {
	g.mu.Lock()
	g.parts = parts
	g.mu.Unlock()
}
