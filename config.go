package theatre

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings such as
// "250ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// NodeConfig is the file form of a Node. Zero values keep the component
// defaults.
//
//	name = "orders-1"
//	listen = "0.0.0.0:7400"
//	admin = "127.0.0.1:7401"
//	log_level = "info"
//
//	[transport]
//	codec = "bin"
//	max_frame_size = 16777216
//
//	[[route]]
//	namespace = "billing"
//	endpoints = ["10.0.0.5:7400", "10.0.0.6:7400"]
type NodeConfig struct {
	Name     string `toml:"name"`
	Listen   string `toml:"listen"`
	Admin    string `toml:"admin"`
	LogLevel string `toml:"log_level"`

	Transport TransportConfig `toml:"transport"`
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	Breaker   BreakerSettings `toml:"breaker"`
	Host      HostConfig      `toml:"host"`
	Routes    []RouteConfig   `toml:"route"`
}

type TransportConfig struct {
	Codec            string   `toml:"codec"`
	MaxFrameSize     int      `toml:"max_frame_size"`
	BulkSize         int      `toml:"bulk_size"`
	WriteTimeout     Duration `toml:"write_timeout"`
	ReadTimeout      Duration `toml:"read_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

type ServerConfig struct {
	AskTimeout Duration `toml:"ask_timeout"`
}

type SessionConfig struct {
	DialTimeout    Duration `toml:"dial_timeout"`
	ConnectRetries int      `toml:"connect_retries"`
	BackoffMin     Duration `toml:"backoff_min"`
	BackoffMax     Duration `toml:"backoff_max"`
	RequestTimeout Duration `toml:"request_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
}

type BreakerSettings struct {
	Threshold int      `toml:"threshold"`
	Window    Duration `toml:"window"`
	Cooldown  Duration `toml:"cooldown"`
}

type HostConfig struct {
	IdleTimeout     Duration `toml:"idle_timeout"`
	RequestTimeout  Duration `toml:"request_timeout"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	DrainTimeout    Duration `toml:"drain_timeout"`
	MailboxBudget   int      `toml:"mailbox_budget"`
	Workers         int      `toml:"workers"`
}

type RouteConfig struct {
	Namespace string   `toml:"namespace"`
	Endpoints []string `toml:"endpoints"`
}

// LoadNodeConfig reads and validates a TOML node config.
func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("theatre: load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		slog.Warn("config has unknown keys", "path", path, "keys", fmt.Sprint(undecoded))
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, fmt.Errorf("theatre: load config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseNodeConfig decodes a TOML document.
func ParseNodeConfig(data string) (NodeConfig, error) {
	var cfg NodeConfig
	if _, err := toml.Decode(data, &cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, cfg.Validate()
}

func (c NodeConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Namespace == "" {
			return fmt.Errorf("route %d: namespace is required", i)
		}
		if len(r.Endpoints) == 0 {
			return fmt.Errorf("route %q: no endpoints", r.Namespace)
		}
		if seen[r.Namespace] {
			return fmt.Errorf("route %q: duplicate namespace", r.Namespace)
		}
		seen[r.Namespace] = true
	}
	return nil
}

func (c NodeConfig) TransportOptions() []TransportOption {
	t := c.Transport
	var opts []TransportOption
	if t.Codec != "" {
		opts = append(opts, WithCodecKey(t.Codec))
	}
	if t.MaxFrameSize > 0 {
		opts = append(opts, WithMaxFrameSize(t.MaxFrameSize))
	}
	if t.BulkSize > 0 {
		opts = append(opts, WithBulkSize(t.BulkSize))
	}
	if t.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(t.WriteTimeout.D()))
	}
	if t.ReadTimeout > 0 {
		opts = append(opts, WithReadTimeout(t.ReadTimeout.D()))
	}
	if t.HandshakeTimeout > 0 {
		opts = append(opts, WithHandshakeTimeout(t.HandshakeTimeout.D()))
	}
	return opts
}

func (c NodeConfig) ServerOptions() []ServerOption {
	var opts []ServerOption
	if c.Server.AskTimeout > 0 {
		opts = append(opts, WithAskTimeout(c.Server.AskTimeout.D()))
	}
	return opts
}

func (c NodeConfig) SessionOptions() []SessionOption {
	s := c.Session
	var opts []SessionOption
	if s.DialTimeout > 0 {
		opts = append(opts, WithDialTimeout(s.DialTimeout.D()))
	}
	if s.ConnectRetries > 0 {
		lo, hi := s.BackoffMin.D(), s.BackoffMax.D()
		if lo <= 0 {
			lo = 50 * time.Millisecond
		}
		if hi < lo {
			hi = 40 * lo
		}
		opts = append(opts, WithConnectRetry(s.ConnectRetries, lo, hi))
	}
	if s.RequestTimeout > 0 {
		opts = append(opts, WithDefaultTimeout(s.RequestTimeout.D()))
	}
	if s.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(s.SweepInterval.D()))
	}
	if b := c.Breaker; b.Threshold > 0 || b.Window > 0 || b.Cooldown > 0 {
		opts = append(opts, WithBreaker(BreakerConfig{
			Threshold: b.Threshold,
			Window:    b.Window.D(),
			Cooldown:  b.Cooldown.D(),
		}))
	}
	return opts
}

func (c NodeConfig) HostOptions() []HostOption {
	h := c.Host
	var opts []HostOption
	if h.IdleTimeout > 0 {
		opts = append(opts, WithIdleTimeout(h.IdleTimeout.D()))
	}
	if h.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(h.RequestTimeout.D()))
	}
	if h.CleanupInterval > 0 {
		opts = append(opts, WithCleanupInterval(h.CleanupInterval.D()))
	}
	if h.DrainTimeout > 0 {
		opts = append(opts, WithDrainTimeout(h.DrainTimeout.D()))
	}
	if h.MailboxBudget > 0 {
		opts = append(opts, WithMailboxBudget(h.MailboxBudget))
	}
	if h.Workers > 0 {
		opts = append(opts, WithWorkers(h.Workers))
	}
	return opts
}
