package theatre

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRing_EmptyRing(t *testing.T) {
	r := NewHashRing(0)
	_, ok := r.Lookup("anything")
	if ok {
		t.Fatal("expected empty ring to return false")
	}
}

func TestHashRing_SingleEndpoint(t *testing.T) {
	r := NewHashRing(0)
	r.Set([]string{"10.0.0.1:7400"})

	for i := 0; i < 100; i++ {
		ep, ok := r.Lookup(fmt.Sprintf("key-%d", i))
		if !ok {
			t.Fatal("expected lookup to succeed")
		}
		if ep != "10.0.0.1:7400" {
			t.Fatalf("expected 10.0.0.1:7400, got %s", ep)
		}
	}
}

func TestHashRing_Deterministic(t *testing.T) {
	r1 := NewHashRing(0)
	r1.Set([]string{"10.0.0.3:7400", "10.0.0.1:7400", "10.0.0.2:7400"}) // unsorted input

	r2 := NewHashRing(0)
	r2.Set([]string{"10.0.0.2:7400", "10.0.0.1:7400", "10.0.0.3:7400"}) // different order

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("actor-%d", i)
		h1, _ := r1.Lookup(key)
		h2, _ := r2.Lookup(key)
		if h1 != h2 {
			t.Fatalf("key %q: ring1=%s ring2=%s: not deterministic", key, h1, h2)
		}
	}
}

func TestHashRing_Distribution(t *testing.T) {
	r := NewHashRing(0)
	endpoints := []string{"10.0.0.1:7400", "10.0.0.2:7400", "10.0.0.3:7400"}
	r.Set(endpoints)

	counts := make(map[string]int)
	const n = 10_000
	for i := 0; i < n; i++ {
		ep, ok := r.Lookup(fmt.Sprintf("key-%d", i))
		if !ok {
			t.Fatal("expected lookup to succeed")
		}
		counts[ep]++
	}

	// With 3 endpoints and 150 vnodes each, expect roughly 33% per endpoint.
	// Allow 15–50% range to avoid flaky tests.
	for _, h := range endpoints {
		pct := float64(counts[h]) / float64(n) * 100
		if pct < 15 || pct > 50 {
			t.Fatalf("endpoint %s got %.1f%% of keys (expected 15–50%%)", h, pct)
		}
		t.Logf("endpoint %s: %d keys (%.1f%%)", h, counts[h], pct)
	}
}

func TestHashRing_MembershipChange(t *testing.T) {
	r := NewHashRing(0)
	r.Set([]string{"10.0.0.1:7400", "10.0.0.2:7400", "10.0.0.3:7400"})

	// Record assignments with 3 endpoints.
	before := make(map[string]string)
	const n = 1000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		ep, _ := r.Lookup(key)
		before[key] = ep
	}

	// Remove 10.0.0.3:7400.
	r.Set([]string{"10.0.0.1:7400", "10.0.0.2:7400"})

	moved := 0
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		ep, _ := r.Lookup(key)
		if ep != before[key] {
			moved++
		}
		// Keys that were on 10.0.0.3:7400 must move.
		if before[key] == "10.0.0.3:7400" && ep == "10.0.0.3:7400" {
			t.Fatalf("key %q still on removed endpoint 10.0.0.3:7400", key)
		}
	}

	// Consistent hashing: only ~1/3 of keys should move (those on 10.0.0.3:7400).
	// Allow up to 50% to avoid flakiness.
	pct := float64(moved) / float64(n) * 100
	if pct > 55 {
		t.Fatalf("%.1f%% of keys moved, too many for consistent hashing", pct)
	}
	t.Logf("%d/%d keys moved (%.1f%%)", moved, n, pct)
}

func TestHashRing_Members(t *testing.T) {
	r := NewHashRing(0)
	if len(r.Members()) != 0 {
		t.Fatal("expected empty members")
	}

	r.Set([]string{"10.0.0.2:7400", "10.0.0.1:7400"})
	m := r.Members()
	if len(m) != 2 || m[0] != "10.0.0.1:7400" || m[1] != "10.0.0.2:7400" {
		t.Fatalf("expected sorted [10.0.0.1:7400 10.0.0.2:7400], got %v", m)
	}
}

func TestHashRing_AddRemove(t *testing.T) {
	r := NewHashRing(16)
	r.Add("10.0.0.1:7400")
	r.Add("10.0.0.2:7400")
	r.Add("10.0.0.1:7400")
	assert.Equal(t, []string{"10.0.0.1:7400", "10.0.0.2:7400"}, r.Members())
	assert.Equal(t, 2, r.Len())

	r.Remove("10.0.0.1:7400")
	assert.Equal(t, []string{"10.0.0.2:7400"}, r.Members())

	for i := 0; i < 50; i++ {
		ep, ok := r.Lookup(fmt.Sprintf("worker:%d", i))
		require.True(t, ok)
		assert.Equal(t, "10.0.0.2:7400", ep)
	}

	r.Remove("10.0.0.2:7400")
	_, ok := r.Lookup("worker:1")
	assert.False(t, ok)
}

func TestHashRing_MembersIsCopy(t *testing.T) {
	r := NewHashRing(0)
	r.Set([]string{"a:1", "b:1"})
	m := r.Members()
	m[0] = "mutated"
	assert.Equal(t, []string{"a:1", "b:1"}, r.Members())
}
