package theatre

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Creator func() Receiver

type Descriptor struct {
	Name   string
	Create Creator
}

// activationGate deduplicates concurrent activation attempts for the same
// actor. Stored in Host.activating (sync.Map keyed by Ref).
type activationGate struct {
	done  chan struct{}
	actor *Actor
}

// Host runs actors in-process and implements Dispatcher, so a Server can
// route inbound messages to it. Addresses are "<actor type>:<id>"; the
// first message to an address activates the actor, and actors with no
// traffic for the idle timeout are deactivated.
//
// Messages for actor types the host does not know go to the remote
// dispatcher, when one is set (see Node).
type Host struct {
	config      hostConfig
	descriptors sync.Map // map[string]*Descriptor
	actors      *ActorRegistry
	activating  sync.Map // map[Ref]*activationGate

	executor Executor
	pool     *WorkerPool // owned executor, nil when supplied by the caller

	remote atomic.Pointer[dispatcherRef]

	metrics *Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

type dispatcherRef struct{ d Dispatcher }

func NewHost(opts ...HostOption) *Host {
	cfg := defaultHostConfig()
	for _, o := range opts {
		o(&cfg)
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		config:  cfg,
		actors:  NewActorRegistry(),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.executor != nil {
		h.executor = cfg.executor
	} else {
		h.pool = NewWorkerPool(cfg.workers)
		h.executor = h.pool
	}
	metrics.actorCountFn = h.actors.Count
	return h
}

func (m *Host) Start() {
	slog.Info("host starting", "types", m.registeredTypes())
	go m.cleanup()
}

// Stop rejects new messages, waits up to the drain timeout for queued ones,
// then shuts every actor down. Safe to call multiple times.
func (m *Host) Stop() {
	m.stopOnce.Do(func() {
		slog.Info("host stopping", "actors", m.actors.Count())

		// phase 1: set draining flag to reject new external messages
		m.draining.Store(true)

		// wait for in-flight messages to be processed or timeout
		m.waitForDrain()

		// phase 2: stop the cleanup loop
		close(m.done)

		// phase 3: shut down all actors
		m.shutdownAll(m.actors.RemoveAll())
		m.cancel()

		if m.pool != nil {
			m.pool.Close()
		}
	})
}

// Metrics returns the host's operational metrics.
func (m *Host) Metrics() *Metrics {
	return m.metrics
}

// SetRemote installs the dispatcher used for actor types not registered
// on this host.
func (m *Host) SetRemote(d Dispatcher) {
	if d == nil {
		m.remote.Store(nil)
		return
	}
	m.remote.Store(&dispatcherRef{d: d})
}

func (m *Host) remoteDispatcher() Dispatcher {
	if r := m.remote.Load(); r != nil {
		return r.d
	}
	return nil
}

func (m *Host) waitForDrain() {
	deadline := time.After(m.config.drainTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			slog.Warn("host drain timeout reached", "pending", m.actors.Pending())
			return
		case <-ticker.C:
			if m.actors.Pending() == 0 {
				return
			}
		}
	}
}

func (m *Host) RegisterActor(name string, creator Creator) {
	m.descriptors.Store(name, &Descriptor{
		Name:   name,
		Create: creator,
	})
}

func (m *Host) hasDescriptor(typeName string) bool {
	_, ok := m.descriptors.Load(typeName)
	return ok
}

func (m *Host) getDescriptor(typeName string) *Descriptor {
	v, ok := m.descriptors.Load(typeName)
	if !ok {
		return nil
	}
	return v.(*Descriptor)
}

// HasType reports whether actors of typeName run on this host.
func (m *Host) HasType(typeName string) bool { return m.hasDescriptor(typeName) }

func (m *Host) registeredTypes() []string {
	var types []string
	m.descriptors.Range(func(k, _ any) bool {
		types = append(types, k.(string))
		return true
	})
	sort.Strings(types)
	return types
}

// Tell delivers a fire-and-forget message.
func (m *Host) Tell(ctx context.Context, from, to Address, payload any, headers map[string]string) error {
	ref, err := ParseAddress(to)
	if err != nil {
		return err
	}
	if m.draining.Load() {
		return ErrHostDraining
	}
	if !m.hasDescriptor(ref.Type) {
		if r := m.remoteDispatcher(); r != nil {
			return r.Tell(ctx, from, to, payload, headers)
		}
		return ErrUnregisteredActor
	}

	m.metrics.MessagesSent.Add(1)
	return m.deliver(ref, envelope{from: from, body: payload, headers: headers})
}

// Ask delivers a future call. The future resolves with the actor's Reply,
// faults when its receiver fails, and is canceled with ErrRequestTimeout
// once timeout elapses (timeout <= 0 selects the host default).
func (m *Host) Ask(ctx context.Context, from, to Address, payload any, headers map[string]string, timeout time.Duration) (*Future, error) {
	ref, err := ParseAddress(to)
	if err != nil {
		return nil, err
	}
	if m.draining.Load() {
		return nil, ErrHostDraining
	}
	if !m.hasDescriptor(ref.Type) {
		if r := m.remoteDispatcher(); r != nil {
			return r.Ask(ctx, from, to, payload, headers, timeout)
		}
		return nil, ErrUnregisteredActor
	}
	if timeout <= 0 {
		timeout = m.config.requestTimeout
	}

	m.metrics.RequestsTotal.Add(1)
	f := newFuture()
	timer := time.AfterFunc(timeout, func() {
		if f.resolve(Result{State: StateCanceled, Err: ErrRequestTimeout}) {
			m.metrics.RequestsTimedOut.Add(1)
		}
	})
	f.OnComplete(func(Result) { timer.Stop() })

	if err := m.deliver(ref, envelope{from: from, body: payload, headers: headers, future: f}); err != nil {
		f.resolve(Result{State: StateFaulted, Err: err})
		return nil, err
	}
	return f, nil
}

// Send is Tell with an anonymous sender.
func (m *Host) Send(ref Ref, body interface{}) error {
	return m.Tell(context.Background(), "", ref.Address(), body, nil)
}

// Request asks ref and waits for the reply.
func (m *Host) Request(ctx context.Context, ref Ref, body interface{}) (interface{}, error) {
	f, err := m.Ask(ctx, "", ref.Address(), body, nil, 0)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// deliver queues env on the actor for ref, activating it when needed. An
// actor that is shutting down rejects the message; a fresh activation then
// takes it.
func (m *Host) deliver(ref Ref, env envelope) error {
	for attempt := 0; attempt < 3; attempt++ {
		a := m.actors.Lookup(ref)
		if a == nil {
			a = m.activate(ref)
			if a == nil {
				m.deadLetter(ref, env, ErrUnregisteredActor)
				return ErrUnregisteredActor
			}
		}
		if err := a.Send(env); err == nil {
			m.metrics.MessagesReceived.Add(1)
			return nil
		}
		m.actors.RemoveIf(ref, a)
	}
	m.deadLetter(ref, env, ErrProcessorClosed)
	return ErrProcessorClosed
}

// redeliver hands back messages queued behind an actor's shutdown.
func (m *Host) redeliver(ref Ref, envs []envelope) {
	for _, env := range envs {
		if _, ok := env.body.(Shutdown); ok {
			continue
		}
		if env.future != nil && env.future.Resolved() {
			continue
		}
		if m.draining.Load() {
			m.deadLetter(ref, env, ErrHostDraining)
			continue
		}
		m.deliver(ref, env)
	}
}

func (m *Host) deadLetter(ref Ref, env envelope, err error) {
	m.metrics.MessagesDeadLettered.Add(1)
	if env.future != nil {
		env.future.resolve(Result{State: StateFaulted, Err: err})
	}
	if m.config.deadLetterHandler != nil {
		m.config.deadLetterHandler(ref.Address(), env.body, err)
	}
}

// activate creates the actor for ref using the activation gate, so
// concurrent first messages produce a single instance.
func (m *Host) activate(ref Ref) *Actor {
	gate := &activationGate{done: make(chan struct{})}
	if existing, loaded := m.activating.LoadOrStore(ref, gate); loaded {
		// Another caller is already creating this actor. Wait for it.
		existingGate := existing.(*activationGate)
		<-existingGate.done
		return existingGate.actor
	}

	defer func() {
		close(gate.done)
		m.activating.Delete(ref)
	}()

	// Double-check: actor may have been registered while we waited.
	if a := m.actors.Lookup(ref); a != nil {
		gate.actor = a
		return a
	}

	d := m.getDescriptor(ref.Type)
	if d == nil {
		return nil
	}

	receiver, err := m.create(d)
	if err != nil {
		m.metrics.ActivationsFailed.Add(1)
		slog.Error("failed to create actor", "type", ref.Type, "id", ref.ID, "error", err)
		return nil
	}

	a := NewActor(m, ref, receiver, m.ctx)
	m.actors.Register(a)
	m.metrics.ActivationsTotal.Add(1)

	gate.actor = a
	return a
}

func (m *Host) create(d *Descriptor) (r Receiver, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	r = d.Create()
	if r == nil {
		return nil, errors.New("creator returned nil receiver")
	}
	return r, nil
}

// Deactivate stops the actor for ref, if active, and waits for it.
func (m *Host) Deactivate(ref Ref) {
	if a := m.actors.Remove(ref); a != nil {
		a.Shutdown(m.config.drainTimeout)
	}
}

// ActiveActors returns the number of activated actors.
func (m *Host) ActiveActors() int { return m.actors.Count() }

func (m *Host) shutdownAll(actors []*Actor) {
	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Shutdown(m.config.drainTimeout)
		}(a)
	}
	wg.Wait()
}

func (m *Host) cleanup() {
	ticker := time.NewTicker(m.config.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if idle := m.actors.RemoveIdle(m.config.idleTimeout); len(idle) > 0 {
				m.shutdownAll(idle)
			}
		}
	}
}
