package theatre

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Node is one process of a theatre deployment: a Host running local
// actors, a Server exposing them over the wire, and a Router reaching
// actors hosted elsewhere. Tell and Ask go local when the actor type is
// registered here and remote otherwise.
type Node struct {
	name    string
	ids     *IDGenerator
	metrics *Metrics

	Host   *Host
	Server *Server
	Router *Router

	adminAddr string
	admin     *AdminServer

	stopOnce sync.Once
}

// NewNode builds a node from cfg. Nothing listens for traffic until Start,
// except that the server socket is bound so Addr is known.
func NewNode(cfg NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ids := NewIDGenerator(DefaultProcessID())
	metrics := NewMetrics()
	transport := append(cfg.TransportOptions(),
		WithNodeName(cfg.Name),
		WithIDGenerator(ids),
		WithMetrics(metrics),
	)

	srv, err := NewServer(cfg.Listen, append(cfg.ServerOptions(), WithServerTransport(transport...))...)
	if err != nil {
		return nil, err
	}

	router := NewRouter(append(cfg.SessionOptions(), WithSessionTransport(transport...))...)
	for _, rt := range cfg.Routes {
		router.AddRoute(rt.Namespace, rt.Endpoints...)
	}
	metrics.pendingCountFn = router.Pending

	host := NewHost(append(cfg.HostOptions(), WithHostMetrics(metrics))...)
	host.SetRemote(router)

	return &Node{
		name:      cfg.Name,
		ids:       ids,
		metrics:   metrics,
		Host:      host,
		Server:    srv,
		Router:    router,
		adminAddr: cfg.Admin,
	}, nil
}

func (n *Node) Name() string      { return n.name }
func (n *Node) Addr() string      { return n.Server.Addr() }
func (n *Node) Metrics() *Metrics { return n.metrics }
func (n *Node) ProcessID() uint32 { return n.ids.ProcessID() }

// RegisterActor runs actors of type name on this node and exposes them
// to remote callers.
func (n *Node) RegisterActor(name string, creator Creator) {
	n.Host.RegisterActor(name, creator)
	n.Server.Bind(name, n.Host)
}

// Start begins serving. Non-blocking.
func (n *Node) Start() error {
	n.Host.Start()
	n.Server.Start()
	if n.adminAddr != "" {
		as, err := NewAdminServer(n, n.adminAddr)
		if err != nil {
			return err
		}
		n.admin = as
		as.Start()
	}
	slog.Info("node started", "name", n.name, "addr", n.Addr(), "process_id", n.ProcessID())
	return nil
}

// Run starts the node and blocks until ctx is done, then stops it.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return n.Stop()
	})
	return g.Wait()
}

// Stop shuts the node down: no new inbound connections, local actors
// drained, remote sessions closed. Idempotent.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		slog.Info("node stopping", "name", n.name)
		if n.admin != nil {
			n.admin.Stop()
		}

		var g errgroup.Group
		g.Go(n.Server.Stop)
		g.Go(func() error {
			n.Host.Stop()
			return nil
		})
		err = g.Wait()
		n.Router.Close()
	})
	return err
}

// Tell delivers a fire-and-forget message to any actor the node can reach.
func (n *Node) Tell(ctx context.Context, from, to Address, payload any, headers map[string]string) error {
	return n.Host.Tell(ctx, from, to, payload, headers)
}

// Ask delivers a future call to any actor the node can reach.
func (n *Node) Ask(ctx context.Context, from, to Address, payload any, headers map[string]string, timeout time.Duration) (*Future, error) {
	return n.Host.Ask(ctx, from, to, payload, headers, timeout)
}

// Request asks ref and waits for the reply.
func (n *Node) Request(ctx context.Context, ref Ref, body any) (any, error) {
	return n.Host.Request(ctx, ref, body)
}
