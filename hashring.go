package theatre

import (
	"sort"
	"strconv"
	"sync/atomic"
)

const defaultVirtualNodes = 150

// HashRing is a consistent hash ring mapping actor addresses to the
// endpoints serving them. Reads are lock-free (atomic pointer load).
// Writes rebuild the ring immutably and swap the pointer.
type HashRing struct {
	vnodesPer int
	state     atomic.Pointer[ringState]
}

type ringState struct {
	vnodes  []vnode
	members []string // sorted
}

type vnode struct {
	hash     uint64
	endpoint string
}

// NewHashRing returns an empty ring placing vnodes virtual nodes per
// endpoint (defaultVirtualNodes when vnodes <= 0).
func NewHashRing(vnodes int) *HashRing {
	if vnodes <= 0 {
		vnodes = defaultVirtualNodes
	}
	r := &HashRing{vnodesPer: vnodes}
	r.state.Store(&ringState{})
	return r
}

// Lookup returns the endpoint responsible for key.
// Returns ("", false) if the ring is empty.
func (r *HashRing) Lookup(key string) (string, bool) {
	s := r.state.Load()
	switch len(s.members) {
	case 0:
		return "", false
	case 1:
		return s.members[0], true
	}
	h := fnvHash64(key)
	idx := sort.Search(len(s.vnodes), func(i int) bool {
		return s.vnodes[i].hash >= h
	})
	if idx >= len(s.vnodes) {
		idx = 0 // wrap around
	}
	return s.vnodes[idx].endpoint, true
}

// Set rebuilds the ring with the given endpoints. Deterministic: the same
// set always produces the same ring regardless of input order.
func (r *HashRing) Set(endpoints []string) {
	sorted := make([]string, 0, len(endpoints))
	seen := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		if !seen[e] {
			seen[e] = true
			sorted = append(sorted, e)
		}
	}
	sort.Strings(sorted)

	vnodes := make([]vnode, 0, len(sorted)*r.vnodesPer)
	for _, ep := range sorted {
		for i := 0; i < r.vnodesPer; i++ {
			key := ep + "#" + strconv.Itoa(i)
			vnodes = append(vnodes, vnode{hash: fnvHash64(key), endpoint: ep})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool {
		return vnodes[i].hash < vnodes[j].hash
	})

	r.state.Store(&ringState{vnodes: vnodes, members: sorted})
}

// Add inserts endpoint, rebuilding the ring.
func (r *HashRing) Add(endpoint string) {
	r.Set(append(r.Members(), endpoint))
}

// Remove drops endpoint, rebuilding the ring.
func (r *HashRing) Remove(endpoint string) {
	members := r.Members()
	kept := members[:0]
	for _, m := range members {
		if m != endpoint {
			kept = append(kept, m)
		}
	}
	r.Set(kept)
}

// Members returns the current endpoints (sorted).
func (r *HashRing) Members() []string {
	s := r.state.Load()
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

func (r *HashRing) Len() int { return len(r.state.Load().members) }

// fnvHash64 returns the FNV-1a 64-bit hash of s.
// Inline implementation avoids the allocation from fnv.New64a()
// and the string→[]byte copy.
func fnvHash64(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
