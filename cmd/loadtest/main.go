// loadtest drives Tell/Ask traffic from client nodes to a server node over
// the binary RPC transport on localhost.
//
// Run:  go run ./cmd/loadtest -profile medium -clients 4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironfang-ltd/go-theatre"
)

type profile struct {
	name        string
	actors      int
	workers     int
	bulkSize    int
	idleTimeout time.Duration
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		actors:      1_000,
		workers:     10,
		bulkSize:    64,
		idleTimeout: 2 * time.Second,
		memLimitGiB: 2,
	},
	"medium": {
		name:        "medium",
		actors:      10_000,
		workers:     20,
		bulkSize:    128,
		idleTimeout: 5 * time.Second,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		actors:      100_000,
		workers:     50,
		bulkSize:    256,
		idleTimeout: 10 * time.Second,
		memLimitGiB: 4,
	},
}

// loadReceiver echoes string requests and tracks lifecycle events.
type loadReceiver struct {
	inits     *atomic.Int64
	shutdowns *atomic.Int64
}

func (r *loadReceiver) Receive(ctx *theatre.Context) error {
	switch msg := ctx.Message.(type) {
	case theatre.Initialize:
		r.inits.Add(1)
	case theatre.Shutdown:
		r.shutdowns.Add(1)
	case string:
		if ctx.ExpectsReply() {
			ctx.Reply(msg)
		}
	}
	return nil
}

type nodeEntry struct {
	node *theatre.Node
	name string
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	clientCount := flag.Int("clients", 2, "number of client nodes")
	actorsFlag := flag.Int("actors", 0, "actor pool size (overrides profile)")
	workersFlag := flag.Int("workers", 0, "workers per client (overrides profile)")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	memlimit := flag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	sendpct := flag.Int("sendpct", 70, "percentage of Tell vs Ask (0-100)")
	codec := flag.String("codec", "bin", "payload codec: bin or gob")
	adminBase := flag.Int("admin", 0, "first admin port (0 = no admin servers)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}
	if *actorsFlag > 0 {
		p.actors = *actorsFlag
	}
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}
	if *sendpct < 0 || *sendpct > 100 {
		fmt.Fprintf(os.Stderr, "sendpct must be 0-100\n")
		os.Exit(1)
	}
	if *clientCount < 1 {
		fmt.Fprintf(os.Stderr, "clients must be >= 1\n")
		os.Exit(1)
	}

	theatre.InitLogger(slog.LevelWarn)

	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		debug.SetGCPercent(-1)
		gcInfo = fmt.Sprintf("GOGC=off  GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	fmt.Printf("go-theatre rpc load test\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  clients:  %d\n", *clientCount)
	fmt.Printf("  actors:   %d\n", p.actors)
	fmt.Printf("  workers:  %d per client (x%d = %d total)\n", p.workers, *clientCount, p.workers**clientCount)
	fmt.Printf("  mix:      %d%% tell / %d%% ask\n", *sendpct, 100-*sendpct)
	fmt.Printf("  codec:    %s  bulk=%d\n", *codec, p.bulkSize)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Printf("  GC:       %s\n", gcInfo)
	fmt.Println()

	var inits, shutdowns atomic.Int64

	server, err := theatre.NewNode(nodeConfig(p, "server", *codec, adminAddr(*adminBase, 0), nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "server node: %v\n", err)
		os.Exit(1)
	}
	server.RegisterActor("worker", func() theatre.Receiver {
		return &loadReceiver{inits: &inits, shutdowns: &shutdowns}
	})
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}

	nodes := []*nodeEntry{{node: server, name: "server"}}
	routes := []theatre.RouteConfig{{Namespace: "worker", Endpoints: []string{server.Addr()}}}
	for i := range *clientCount {
		name := "client-" + strconv.Itoa(i+1)
		n, err := theatre.NewNode(nodeConfig(p, name, *codec, adminAddr(*adminBase, i+1), routes))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			os.Exit(1)
		}
		if err := n.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%s start: %v\n", name, err)
			os.Exit(1)
		}
		nodes = append(nodes, &nodeEntry{node: n, name: name})
	}
	fmt.Printf("server listening on %s\n\n", server.Addr())

	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUTime()

	var wg sync.WaitGroup
	var totalTells, totalAsks, totalErrors atomic.Int64
	sendThreshold := float64(*sendpct) / 100.0

	for _, ne := range nodes[1:] {
		for range p.workers {
			wg.Add(1)
			go func(n *theatre.Node) {
				defer wg.Done()
				ctx := context.Background()
				for {
					select {
					case <-stop:
						return
					default:
					}

					ref := theatre.NewRef("worker", strconv.Itoa(rand.IntN(p.actors)))
					if rand.Float64() < sendThreshold {
						if err := n.Tell(ctx, "", ref.Address(), "ping", nil); err != nil {
							if errors.Is(err, theatre.ErrSessionClosed) {
								return
							}
							totalErrors.Add(1)
							continue
						}
						totalTells.Add(1)
					} else {
						if _, err := n.Request(ctx, ref, "echo"); err != nil {
							totalErrors.Add(1)
						}
						totalAsks.Add(1)
					}
				}
			}(ne.node)
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(nodes, time.Since(start).Truncate(time.Second), &inits, &shutdowns)
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	fmt.Printf("\n--- stopping nodes ---\n")
	for _, ne := range nodes[1:] {
		ne.node.Stop()
	}
	server.Stop()

	elapsed := time.Since(start)
	cpu := processCPUTime() - cpuStart
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  CPU time:        %s (%.1f cores)\n", cpu.Truncate(time.Millisecond), cpu.Seconds()/elapsed.Seconds())
	fmt.Printf("  Total tells:     %d\n", totalTells.Load())
	fmt.Printf("  Total asks:      %d\n", totalAsks.Load())
	fmt.Printf("  Errors:          %d\n", totalErrors.Load())
	fmt.Printf("  Actor inits:     %d\n", inits.Load())
	fmt.Printf("  Actor shutdowns: %d\n", shutdowns.Load())
	totalOps := totalTells.Load() + totalAsks.Load()
	fmt.Printf("  Aggregate RPS:   %.0f\n\n", float64(totalOps)/elapsed.Seconds())

	printProgress(nodes, elapsed.Truncate(time.Second), &inits, &shutdowns)
}

func adminAddr(base, index int) string {
	if base == 0 {
		return ""
	}
	return "127.0.0.1:" + strconv.Itoa(base+index)
}

func nodeConfig(p profile, name, codec, admin string, routes []theatre.RouteConfig) theatre.NodeConfig {
	return theatre.NodeConfig{
		Name:   name,
		Listen: "127.0.0.1:0",
		Admin:  admin,
		Transport: theatre.TransportConfig{
			Codec:    codec,
			BulkSize: p.bulkSize,
		},
		Session: theatre.SessionConfig{
			RequestTimeout: theatre.Duration(3 * time.Second),
		},
		Host: theatre.HostConfig{
			IdleTimeout:     theatre.Duration(p.idleTimeout),
			RequestTimeout:  theatre.Duration(3 * time.Second),
			CleanupInterval: theatre.Duration(500 * time.Millisecond),
		},
		Routes: routes,
	}
}

func printProgress(nodes []*nodeEntry, elapsed time.Duration, inits, shutdowns *atomic.Int64) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s] inits=%d shutdowns=%d\n", elapsed, inits.Load(), shutdowns.Load())
	fmt.Printf("  %-9s %10s %10s %10s %10s %10s %10s %8s %10s\n",
		"NODE", "FRAMES_TX", "FRAMES_RX", "MSG_TX", "REQ", "TIMEOUT", "PENDING", "ACTORS", "MSG/S")
	for _, ne := range nodes {
		s := ne.node.Metrics().Snapshot()
		rate := float64(0)
		if secs > 0 {
			rate = float64(s["messages_sent"]) / secs
		}
		fmt.Printf("  %-9s %10d %10d %10d %10d %10d %10d %8d %10.0f\n",
			ne.name,
			s["frames_sent"],
			s["frames_received"],
			s["messages_sent"],
			s["requests_total"],
			s["requests_timed_out"],
			s["requests_pending"],
			s["actors_active"],
			rate,
		)
	}
	fmt.Println()
}
