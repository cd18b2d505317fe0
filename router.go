package theatre

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Router maps address namespaces to remote endpoints and keeps one
// ClientSession per endpoint. A namespace served by several endpoints is
// spread over them with a consistent hash ring keyed by the full address,
// so one actor always lands on the same endpoint while membership holds.
//
// Router implements Dispatcher.
type Router struct {
	opts []SessionOption

	mu       sync.RWMutex
	routes   map[string]*HashRing
	fallback *HashRing
	sessions map[string]*ClientSession
	closed   bool
}

// NewRouter returns an empty router. opts apply to every session it opens.
func NewRouter(opts ...SessionOption) *Router {
	return &Router{
		opts:     opts,
		routes:   make(map[string]*HashRing),
		sessions: make(map[string]*ClientSession),
	}
}

// AddRoute serves namespace from endpoints, replacing any previous route.
// Namespace "*" routes every namespace without a route of its own.
func (r *Router) AddRoute(namespace string, endpoints ...string) {
	ring := NewHashRing(0)
	ring.Set(endpoints)

	r.mu.Lock()
	defer r.mu.Unlock()
	if namespace == "*" {
		r.fallback = ring
		return
	}
	r.routes[namespace] = ring
}

func (r *Router) RemoveRoute(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if namespace == "*" {
		r.fallback = nil
		return
	}
	delete(r.routes, namespace)
}

// Routes returns the configured namespaces, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns := make([]string, 0, len(r.routes))
	for k := range r.routes {
		ns = append(ns, k)
	}
	sort.Strings(ns)
	return ns
}

// Resolve returns the endpoint serving to.
func (r *Router) Resolve(to Address) (string, error) {
	r.mu.RLock()
	ring, ok := r.routes[to.Namespace()]
	if !ok {
		ring = r.fallback
	}
	r.mu.RUnlock()

	if ring == nil {
		return "", fmt.Errorf("%w: no route for %q", ErrUnknownNamespace, to.Namespace())
	}
	ep, ok := ring.Lookup(string(to))
	if !ok {
		return "", fmt.Errorf("%w: no endpoints for %q", ErrUnknownNamespace, to.Namespace())
	}
	return ep, nil
}

// Session returns the session for endpoint, opening it on first use.
func (r *Router) Session(endpoint string) (*ClientSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[endpoint]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrSessionClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[endpoint]; ok {
		return s, nil
	}
	s = NewClientSession(endpoint, r.opts...)
	r.sessions[endpoint] = s
	slog.Debug("router opened session", "endpoint", endpoint)
	return s, nil
}

// Sessions returns a snapshot of the open sessions keyed by endpoint.
func (r *Router) Sessions() map[string]*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ClientSession, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}
	return out
}

func (r *Router) sessionFor(to Address) (*ClientSession, error) {
	ep, err := r.Resolve(to)
	if err != nil {
		return nil, err
	}
	return r.Session(ep)
}

func (r *Router) Tell(ctx context.Context, from, to Address, payload any, headers map[string]string) error {
	s, err := r.sessionFor(to)
	if err != nil {
		return err
	}
	return s.Tell(ctx, from, to, payload, headers)
}

func (r *Router) Ask(ctx context.Context, from, to Address, payload any, headers map[string]string, timeout time.Duration) (*Future, error) {
	s, err := r.sessionFor(to)
	if err != nil {
		return nil, err
	}
	return s.Ask(ctx, from, to, payload, headers, timeout)
}

// Close closes every session. Further calls fail with ErrSessionClosed.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*ClientSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Pending returns the number of outstanding requests across all sessions.
func (r *Router) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		n += s.Pending()
	}
	return n
}
