// theatre-node runs a single node from a TOML config file. It hosts an
// "echo" actor type, useful for probing a deployment, and reloads the log
// level and route table whenever the config file changes.
//
// Run:  go run ./cmd/theatre-node -config node.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ironfang-ltd/go-theatre"
)

type echoReceiver struct{}

func (echoReceiver) Receive(ctx *theatre.Context) error {
	if ctx.ExpectsReply() {
		ctx.Reply(ctx.Message)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "node.toml", "path to the node config file")
	flag.Parse()

	theatre.InitLogger(slog.LevelInfo)

	cfg, err := theatre.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyLogLevel(cfg)

	node, err := theatre.NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
	node.RegisterActor("echo", func() theatre.Receiver { return echoReceiver{} })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchConfig(ctx, *configPath, node, cfg)

	if err := node.Run(ctx); err != nil {
		slog.Error("node stopped with error", "error", err)
		os.Exit(1)
	}
}

func applyLogLevel(cfg theatre.NodeConfig) {
	level, err := theatre.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("ignoring log level", "error", err)
		return
	}
	theatre.SetLogLevel(level)
}

// applyRoutes brings the router in line with cfg, dropping namespaces
// that are no longer configured.
func applyRoutes(node *theatre.Node, prev, next theatre.NodeConfig) {
	keep := make(map[string]bool, len(next.Routes))
	for _, r := range next.Routes {
		keep[r.Namespace] = true
		node.Router.AddRoute(r.Namespace, r.Endpoints...)
	}
	for _, r := range prev.Routes {
		if !keep[r.Namespace] {
			node.Router.RemoveRoute(r.Namespace)
		}
	}
}

// watchConfig watches the directory holding path, since editors often
// replace the file rather than write it in place.
func watchConfig(ctx context.Context, path string, node *theatre.Node, current theatre.NodeConfig) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config watcher unavailable", "error", err)
		return
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		slog.Error("config watcher unavailable", "path", path, "error", err)
		return
	}

	target := filepath.Clean(path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			next, err := theatre.LoadNodeConfig(path)
			if err != nil {
				slog.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			if next.Listen != current.Listen || next.Name != current.Name {
				slog.Warn("config reload ignores name and listen changes until restart")
			}
			applyLogLevel(next)
			applyRoutes(node, current, next)
			current = next
			slog.Info("config reloaded", "path", path, "routes", len(next.Routes))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
