package theatre

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name = "orders-1"
listen = "127.0.0.1:7400"
admin = "127.0.0.1:7401"
log_level = "debug"

[transport]
codec = "gob"
max_frame_size = 1048576
bulk_size = 64
write_timeout = "2s"
read_timeout = "45s"

[server]
ask_timeout = "3s"

[session]
connect_retries = 5
backoff_min = "10ms"
request_timeout = "1500ms"

[breaker]
threshold = 4
cooldown = "500ms"

[host]
idle_timeout = "1m"
workers = 8

[[route]]
namespace = "billing"
endpoints = ["10.0.0.5:7400", "10.0.0.6:7400"]

[[route]]
namespace = "*"
endpoints = ["10.0.0.9:7400"]
`

func TestParseNodeConfig(t *testing.T) {
	cfg, err := ParseNodeConfig(sampleConfig)
	require.NoError(t, err)

	want := NodeConfig{
		Name:     "orders-1",
		Listen:   "127.0.0.1:7400",
		Admin:    "127.0.0.1:7401",
		LogLevel: "debug",
		Transport: TransportConfig{
			Codec:        "gob",
			MaxFrameSize: 1 << 20,
			BulkSize:     64,
			WriteTimeout: Duration(2 * time.Second),
			ReadTimeout:  Duration(45 * time.Second),
		},
		Server: ServerConfig{AskTimeout: Duration(3 * time.Second)},
		Session: SessionConfig{
			ConnectRetries: 5,
			BackoffMin:     Duration(10 * time.Millisecond),
			RequestTimeout: Duration(1500 * time.Millisecond),
		},
		Breaker: BreakerSettings{Threshold: 4, Cooldown: Duration(500 * time.Millisecond)},
		Host:    HostConfig{IdleTimeout: Duration(time.Minute), Workers: 8},
		Routes: []RouteConfig{
			{Namespace: "billing", Endpoints: []string{"10.0.0.5:7400", "10.0.0.6:7400"}},
			{Namespace: "*", Endpoints: []string{"10.0.0.9:7400"}},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestNodeConfig_OptionsApply(t *testing.T) {
	cfg, err := ParseNodeConfig(sampleConfig)
	require.NoError(t, err)

	tc := defaultTransportConfig()
	for _, o := range cfg.TransportOptions() {
		o(&tc)
	}
	assert.Equal(t, "gob", tc.codecKey)
	assert.Equal(t, 1<<20, tc.maxFrameSize)
	assert.Equal(t, 64, tc.bulkSize)
	assert.Equal(t, 2*time.Second, tc.writeTimeout)
	assert.Equal(t, 45*time.Second, tc.readTimeout)
	assert.Equal(t, defaultHandshakeTimeout, tc.handshakeTimeout)

	sc := defaultServerConfig()
	for _, o := range cfg.ServerOptions() {
		o(&sc)
	}
	assert.Equal(t, 3*time.Second, sc.askTimeout)

	ss := defaultSessionConfig()
	for _, o := range cfg.SessionOptions() {
		o(&ss)
	}
	assert.Equal(t, 5, ss.connectRetries)
	assert.Equal(t, 10*time.Millisecond, ss.backoffMin)
	assert.Equal(t, 400*time.Millisecond, ss.backoffMax)
	assert.Equal(t, 1500*time.Millisecond, ss.requestTimeout)
	assert.Equal(t, 4, ss.breaker.Threshold)
	assert.Equal(t, 500*time.Millisecond, ss.breaker.Cooldown)

	hc := defaultHostConfig()
	for _, o := range cfg.HostOptions() {
		o(&hc)
	}
	assert.Equal(t, time.Minute, hc.idleTimeout)
	assert.Equal(t, 8, hc.workers)
	assert.Equal(t, 5*time.Second, hc.drainTimeout)
}

func TestNodeConfig_EmptySectionsKeepDefaults(t *testing.T) {
	cfg, err := ParseNodeConfig(`listen = ":0"`)
	require.NoError(t, err)
	assert.Empty(t, cfg.TransportOptions())
	assert.Empty(t, cfg.ServerOptions())
	assert.Empty(t, cfg.SessionOptions())
	assert.Empty(t, cfg.HostOptions())
}

func TestNodeConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing listen", `name = "x"`},
		{"bad log level", "listen = \":0\"\nlog_level = \"loud\""},
		{"route without namespace", "listen = \":0\"\n[[route]]\nendpoints = [\"a:1\"]"},
		{"route without endpoints", "listen = \":0\"\n[[route]]\nnamespace = \"a\""},
		{"duplicate route", "listen = \":0\"\n[[route]]\nnamespace = \"a\"\nendpoints = [\"a:1\"]\n[[route]]\nnamespace = \"a\"\nendpoints = [\"b:1\"]"},
		{"bad duration", "listen = \":0\"\n[host]\nidle_timeout = \"soon\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNodeConfig(tt.doc)
			assert.Error(t, err)
		})
	}
}

func TestLoadNodeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig+"\nunknown_key = 1\n"), 0o644))

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "orders-1", cfg.Name)

	_, err = LoadNodeConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.D())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{
		"debug": "DEBUG", "": "INFO", "INFO": "INFO", "warning": "WARN", " error ": "ERROR",
	} {
		lvl, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, lvl.String(), in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
