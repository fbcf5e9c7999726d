package wantq

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/pslog"
	"pkt.systems/wantq/client"
	"pkt.systems/wantq/internal/pathutil"
)

const (
	// DefaultServer is the queue server base URL used when none is configured.
	DefaultServer = "http://127.0.0.1:8080"
	// DefaultConfigFileName is the file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultHTTPTimeout bounds each request/response call.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultHandshakeTimeout bounds the persistent connection handshake.
	DefaultHandshakeTimeout = client.DefaultHandshakeTimeout
	// DefaultWriteTimeout bounds each frame written on the persistent connection.
	DefaultWriteTimeout = client.DefaultWriteTimeout
	// DefaultMaxMessageSize caps inbound frames on the persistent connection.
	DefaultMaxMessageSize = client.DefaultMaxMessageSize
	// DefaultMetricsListen is the Prometheus scrape endpoint; empty disables it.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener; empty disables it.
	DefaultPprofListen = ""
	// DefaultLogLevel is the CLI log level when none is configured.
	DefaultLogLevel = "info"

	configDirEnv = "WANTQ_CONFIG_DIR"
)

// Config collects everything needed to connect to a queue server and run a
// consuming session. The zero value is completed by Validate.
type Config struct {
	// Server is the HTTP(S) base URL of the queue server.
	Server string
	// Username and Password enable HTTP basic auth when Username is set.
	Username string
	Password string
	// HTTPTimeout bounds each request/response call.
	HTTPTimeout time.Duration
	// HandshakeTimeout bounds the persistent connection handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame written on the persistent connection.
	WriteTimeout time.Duration
	// MaxMessageSize caps inbound frames on the persistent connection.
	MaxMessageSize int64
	// Workers bounds concurrent handlers. Zero uses GOMAXPROCS, negative is unbounded.
	Workers int
	// Reconnect controls how a session recovers from connection loss.
	Reconnect client.ReconnectPolicy
	// ReconnectSet reports whether Reconnect was supplied by the caller.
	ReconnectSet bool

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen enables the Prometheus /metrics endpoint on this address.
	MetricsListen string
	// PprofListen enables /debug/pprof on this address.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Server = strings.TrimSpace(c.Server)
	if c.Server == "" {
		c.Server = DefaultServer
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("config: server: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: server scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("config: server %q has no host", c.Server)
	}
	if c.Password != "" && c.Username == "" {
		return errors.New("config: password given without username")
	}
	if c.HTTPTimeout < 0 {
		return errors.New("config: http timeout must be >= 0")
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.HandshakeTimeout < 0 {
		return errors.New("config: handshake timeout must be >= 0")
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout < 0 {
		return errors.New("config: write timeout must be >= 0")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize < 0 {
		return errors.New("config: max message size must be >= 0")
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if !c.ReconnectSet {
		c.Reconnect = client.DefaultReconnectPolicy()
		c.ReconnectSet = true
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: profiling metrics require metrics-listen")
	}
	if endpoint := strings.TrimSpace(c.OTLPEndpoint); endpoint != "" {
		if _, err := resolveOTLPTarget(endpoint); err != nil {
			return fmt.Errorf("config: otlp endpoint: %w", err)
		}
	}
	return nil
}

// BasicAuth reports whether credentials are configured.
func (c Config) BasicAuth() bool {
	return c.Username != ""
}

// ClientOptions translates the config into client options.
func (c Config) ClientOptions(logger pslog.Logger) []client.Option {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithHTTPTimeout(c.HTTPTimeout),
	}
	if c.BasicAuth() {
		opts = append(opts, client.WithBasicAuth(c.Username, c.Password))
	}
	return opts
}

// SessionOptions translates the config into session options.
func (c Config) SessionOptions(logger pslog.Logger) []client.SessionOption {
	return []client.SessionOption{
		client.WithSessionLogger(logger),
		client.WithWorkers(c.Workers),
		client.WithReconnectPolicy(c.Reconnect),
		client.WithMaxMessageSize(c.MaxMessageSize),
		client.WithHandshakeTimeout(c.HandshakeTimeout),
		client.WithWriteTimeout(c.WriteTimeout),
	}
}

// NewClient validates a copy of the config and builds a client from it.
func (c Config) NewClient(logger pslog.Logger) (*client.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return client.New(c.Server, c.ClientOptions(logger)...)
}

// ParseSize parses a human readable byte size such as "16MiB" or "512 kB".
func ParseSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", raw, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("parse size %q: too large", raw)
	}
	return int64(n), nil
}

// HumanizeBytes formats n the way ParseSize accepts it, without spaces.
func HumanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// DefaultConfigDir returns the default configuration directory ($HOME/.wantq),
// overridden by WANTQ_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(configDirEnv)); override != "" {
		return pathutil.ExpandAbs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wantq"), nil
}

// DefaultConfigPath returns DefaultConfigDir joined with DefaultConfigFileName.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
