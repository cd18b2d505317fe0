package theatre

import (
	"log/slog"
	"sync"
	"time"
)

type ActorRegistry struct {
	actors map[Ref]*Actor
	mu     sync.RWMutex
}

func NewActorRegistry() *ActorRegistry {
	return &ActorRegistry{
		actors: make(map[Ref]*Actor),
	}
}

func (am *ActorRegistry) Register(a *Actor) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.actors[a.ref] = a
}

func (am *ActorRegistry) Lookup(ref Ref) *Actor {
	am.mu.RLock()
	defer am.mu.RUnlock()

	return am.actors[ref]
}

// Remove deregisters ref and returns the actor that was registered.
func (am *ActorRegistry) Remove(ref Ref) *Actor {
	am.mu.Lock()
	defer am.mu.Unlock()

	a := am.actors[ref]
	delete(am.actors, ref)
	return a
}

// RemoveIf deregisters ref only while it still maps to a.
func (am *ActorRegistry) RemoveIf(ref Ref, a *Actor) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	if am.actors[ref] != a {
		return false
	}
	delete(am.actors, ref)
	return true
}

// RemoveIdle deregisters actors with no message for longer than timeout
// and nothing queued, and returns them. The caller shuts them down outside
// the registry lock.
func (am *ActorRegistry) RemoveIdle(timeout time.Duration) []*Actor {
	am.mu.Lock()
	defer am.mu.Unlock()

	var idle []*Actor
	cutoff := coarseNow.Load() - int64(timeout/time.Second)
	for ref, a := range am.actors {
		if a.lastMessage.Load() < cutoff && a.Pending() == 0 {
			slog.Info("actor idle, shutting down", "type", ref.Type, "id", ref.ID)
			delete(am.actors, ref)
			idle = append(idle, a)
		}
	}
	return idle
}

// RemoveAll deregisters and returns every actor.
func (am *ActorRegistry) RemoveAll() []*Actor {
	am.mu.Lock()
	defer am.mu.Unlock()

	all := make([]*Actor, 0, len(am.actors))
	for ref, a := range am.actors {
		all = append(all, a)
		delete(am.actors, ref)
	}
	return all
}

func (am *ActorRegistry) Count() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.actors)
}

// Pending returns the number of messages queued across all actors.
func (am *ActorRegistry) Pending() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	n := 0
	for _, a := range am.actors {
		n += a.Pending()
	}
	return n
}

// Types returns the number of active actors per type.
func (am *ActorRegistry) Types() map[string]int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	types := make(map[string]int)
	for ref := range am.actors {
		types[ref.Type]++
	}
	return types
}

// All returns a snapshot of the registered actors.
func (am *ActorRegistry) All() []*Actor {
	am.mu.RLock()
	defer am.mu.RUnlock()
	all := make([]*Actor, 0, len(am.actors))
	for _, a := range am.actors {
		all = append(all, a)
	}
	return all
}
