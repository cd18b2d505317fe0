// transport-demo starts a server on localhost, connects a client session
// and demonstrates a fire-and-forget message, a correlated ping/pong and a
// call that times out.
//
// Run:  go run ./cmd/transport-demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/ironfang-ltd/go-theatre"
)

// pongDispatcher answers "ping" with "pong" and never answers "sleep".
type pongDispatcher struct {
	told chan any
}

func (d *pongDispatcher) Tell(_ context.Context, from, to theatre.Address, payload any, _ map[string]string) error {
	fmt.Printf("[server] tell  from=%q to=%s payload=%v\n", from, to, payload)
	d.told <- payload
	return nil
}

func (d *pongDispatcher) Ask(_ context.Context, from, to theatre.Address, payload any, _ map[string]string, timeout time.Duration) (*theatre.Future, error) {
	fmt.Printf("[server] ask   from=%q to=%s payload=%v timeout=%s\n", from, to, payload, timeout)
	switch payload {
	case "ping":
		return theatre.CompletedFuture(theatre.Result{Payload: "pong", State: theatre.StateCompleted}), nil
	case "sleep":
		f := theatre.NewFuture()
		time.AfterFunc(time.Second, func() {
			f.Complete(theatre.Result{Payload: "too late", State: theatre.StateCompleted})
		})
		return f, nil
	}
	return nil, fmt.Errorf("unsupported payload %v", payload)
}

func main() {
	theatre.InitLogger(slog.LevelInfo)

	d := &pongDispatcher{told: make(chan any, 1)}

	srv, err := theatre.NewServer("127.0.0.1:0", theatre.WithServerTransport(theatre.WithNodeName("demo-server")))
	if err != nil {
		log.Fatalf("NewServer: %v", err)
	}
	srv.Bind("demo", d)
	srv.Start()
	defer srv.Stop()

	sess := theatre.NewClientSession(srv.Addr(), theatre.WithSessionTransport(theatre.WithNodeName("demo-client")))
	defer sess.Close()

	ctx := context.Background()
	if _, err := sess.Connect(ctx); err != nil {
		log.Fatalf("Connect: %v", err)
	}
	fmt.Printf("server listening on %s, client connected from %s\n", srv.Addr(), sess.LocalAddr())

	fmt.Println("\n--- Tell ---")
	if err := sess.Tell(ctx, "demo:client", "demo:1", "hello", nil); err != nil {
		log.Fatalf("Tell: %v", err)
	}
	select {
	case <-d.told:
	case <-time.After(3 * time.Second):
		log.Fatal("timeout waiting for tell")
	}

	fmt.Println("\n--- Ask ping ---")
	reply, err := sess.Call(ctx, "demo:client", "demo:1", "ping", 2*time.Second)
	if err != nil {
		log.Fatalf("Call: %v", err)
	}
	fmt.Printf("[client] reply=%v pending=%d\n", reply, sess.Pending())

	fmt.Println("\n--- Ask that times out ---")
	_, err = sess.Call(ctx, "demo:client", "demo:1", "sleep", 200*time.Millisecond)
	switch {
	case errors.Is(err, theatre.ErrRequestTimeout):
		fmt.Printf("[client] timed out as expected: %v\n", err)
	default:
		log.Fatalf("expected timeout, got %v", err)
	}

	fmt.Println("\nDemo complete.")
}
