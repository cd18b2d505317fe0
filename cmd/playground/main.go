// playground spins up 3 nodes, each hosting one actor type and routing
// the other two over the binary transport, sends messages and cross-node
// requests, then blocks so you can explore the admin endpoints.
//
// Run:
//
//	go run ./cmd/playground
//
// Admin endpoints (per node):
//
//	GET /status                 node state, metrics, registered types
//	GET /sessions               outbound sessions and breaker state
//	GET /actors                 all local actors
//	GET /actor?type=echo&id=1   where an actor lives
//	GET /debug/vars             expvar metrics
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/ironfang-ltd/go-theatre"
)

// echoReceiver replies with whatever it receives.
type echoReceiver struct {
	name string
}

func (e *echoReceiver) Receive(ctx *theatre.Context) error {
	switch msg := ctx.Message.(type) {
	case theatre.Initialize:
		fmt.Printf("  [%s/%s] initialized\n", e.name, ctx.ActorRef.ID)
	case theatre.Shutdown:
		fmt.Printf("  [%s/%s] shutting down\n", e.name, ctx.ActorRef.ID)
	case string:
		fmt.Printf("  [%s/%s] received: %q from %q\n", e.name, ctx.ActorRef.ID, msg, ctx.From)
		if ctx.ExpectsReply() {
			ctx.Reply(fmt.Sprintf("echo from %s: %s", e.name, msg))
		}
	default:
		fmt.Printf("  [%s/%s] received: %T %v\n", e.name, ctx.ActorRef.ID, msg, msg)
	}
	return nil
}

// counterReceiver counts increments and answers reads.
type counterReceiver struct {
	name  string
	count int64
}

func (c *counterReceiver) Receive(ctx *theatre.Context) error {
	switch msg := ctx.Message.(type) {
	case int64:
		c.count += msg
	case string:
		if msg == "get" && ctx.ExpectsReply() {
			ctx.Reply(c.count)
		}
	}
	return nil
}

// greeterReceiver asks echo/<id> on another node before answering, which
// exercises a request made from inside an actor.
type greeterReceiver struct {
	name string
}

func (g *greeterReceiver) Receive(ctx *theatre.Context) error {
	name, ok := ctx.Message.(string)
	if !ok {
		return nil
	}
	echoed, err := ctx.Request(theatre.NewRef("echo", ctx.ActorRef.ID), "hello "+name)
	if err != nil {
		return err
	}
	if ctx.ExpectsReply() {
		ctx.Reply(fmt.Sprintf("%s says: %v", g.name, echoed))
	}
	return nil
}

func main() {
	theatre.InitLogger(slog.LevelInfo)

	types := []string{"echo", "counter", "greeter"}
	nodes := make([]*theatre.Node, len(types))

	// Phase 1: create nodes so every listen address is known.
	for i := range nodes {
		n, err := theatre.NewNode(theatre.NodeConfig{
			Name:   fmt.Sprintf("node-%d", i+1),
			Listen: "127.0.0.1:0",
			Admin:  fmt.Sprintf("127.0.0.1:%d", 9090+i),
			Host: theatre.HostConfig{
				IdleTimeout: theatre.Duration(5 * time.Minute),
			},
		})
		if err != nil {
			log.Fatalf("node %d: %v", i+1, err)
		}
		nodes[i] = n
	}

	// Phase 2: register one type per node and route the rest.
	for i, n := range nodes {
		name := n.Name()
		switch types[i] {
		case "echo":
			n.RegisterActor("echo", func() theatre.Receiver { return &echoReceiver{name: name} })
		case "counter":
			n.RegisterActor("counter", func() theatre.Receiver { return &counterReceiver{name: name} })
		case "greeter":
			n.RegisterActor("greeter", func() theatre.Receiver { return &greeterReceiver{name: name} })
		}
		for j, other := range nodes {
			if j != i {
				n.Router.AddRoute(types[j], other.Addr())
			}
		}
	}

	// Phase 3: start.
	for i, n := range nodes {
		if err := n.Start(); err != nil {
			log.Fatalf("start %s: %v", n.Name(), err)
		}
		fmt.Printf("%s started  hosts=%s  admin=http://127.0.0.1:%d  transport=%s\n",
			n.Name(), types[i], 9090+i, n.Addr())
	}
	fmt.Println()

	ctx := context.Background()

	fmt.Println("--- Sending messages ---")
	for _, n := range nodes {
		if err := n.Tell(ctx, "", theatre.NewRef("echo", "1").Address(), "hello from "+n.Name(), nil); err != nil {
			log.Printf("tell error: %v", err)
		}
		if err := n.Tell(ctx, "", theatre.NewRef("counter", "hits").Address(), int64(1), nil); err != nil {
			log.Printf("tell error: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	fmt.Println()

	fmt.Println("--- Sending cross-node requests ---")
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *theatre.Node) {
			defer wg.Done()
			resp, err := n.Request(ctx, theatre.NewRef("greeter", "1"), n.Name())
			if err != nil {
				fmt.Printf("  %s request error: %v\n", n.Name(), err)
				return
			}
			fmt.Printf("  %s got reply: %v\n", n.Name(), resp)
		}(n)
	}
	wg.Wait()

	hits, err := nodes[0].Request(ctx, theatre.NewRef("counter", "hits"), "get")
	if err != nil {
		fmt.Printf("  counter read error: %v\n", err)
	} else {
		fmt.Printf("  counter/hits = %v\n", hits)
	}

	fmt.Println()
	fmt.Println("--- Nodes running. Try these endpoints: ---")
	for i, n := range nodes {
		admin := fmt.Sprintf("127.0.0.1:%d", 9090+i)
		fmt.Printf("  %s:\n", n.Name())
		fmt.Printf("    curl http://%s/status\n", admin)
		fmt.Printf("    curl http://%s/sessions\n", admin)
		fmt.Printf("    curl http://%s/actors\n", admin)
		fmt.Printf("    curl http://%s/debug/vars\n", admin)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	fmt.Println("\nShutting down...")
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].Stop()
		fmt.Printf("%s stopped\n", nodes[i].Name())
	}
}
