package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
)

type Config struct {
	Service     Service           `koanf:"service"`
	Router      Router            `koanf:"router"`
	Session     Session           `koanf:"session"`
	DeadRouter  DeadRouter        `koanf:"dead_router"`
	Channel     Channel           `koanf:"channel"`
	Peers       []Peer            `koanf:"peers"`
	AbstractMap map[string]string `koanf:"abstract_map"`
}

// Peer is a statically configured peer router: its physical endpoint and
// the address its channel listener answers on.
type Peer struct {
	Endpoint string `koanf:"endpoint"`
	Address  string `koanf:"address"`
}

type Service struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type Router struct {
	// Endpoint is this node's physical URI, e.g. physical://host:7400/hub.
	Endpoint         string `koanf:"endpoint"`
	Workers          int    `koanf:"workers"`
	QueueDepth       int    `koanf:"queue_depth"`
	DefaultTTL       int    `koanf:"default_ttl"`
	MaxEndpointDepth int    `koanf:"max_endpoint_depth"`
	MachineName      string `koanf:"machine_name"`
}

type Session struct {
	KeepAliveMs         int `koanf:"keep_alive_ms"`
	TimeoutMs           int `koanf:"timeout_ms"`
	MaxAsyncKeepAliveMs int `koanf:"max_async_keep_alive_ms"`
}

type DeadRouter struct {
	Enabled        bool `koanf:"enabled"`
	TTLMs          int  `koanf:"ttl_ms"`
	ScanIntervalMs int  `koanf:"scan_interval_ms"`
}

type Channel struct {
	Listen         string    `koanf:"listen"`
	Compress       bool      `koanf:"compress"`
	DialTimeoutMs  int       `koanf:"dial_timeout_ms"`
	WriteTimeoutMs int       `koanf:"write_timeout_ms"`
	MaxFrameBytes  int       `koanf:"max_frame_bytes"`
	TLS            TLSConfig `koanf:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MSGROUTER_ROUTER__ENDPOINT → router.endpoint
	if err := k.Load(env.Provider("MSGROUTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MSGROUTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: Service{
			InstanceID:             "msgrouter-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Router: Router{
			Workers:          4,
			QueueDepth:       256,
			DefaultTTL:       5,
			MaxEndpointDepth: endpoint.DefaultMaxDepth,
		},
		Session: Session{
			KeepAliveMs: 5000,
			TimeoutMs:   10000,
		},
		DeadRouter: DeadRouter{
			Enabled:        true,
			TTLMs:          15000,
			ScanIntervalMs: 5000,
		},
		Channel: Channel{
			Listen:         ":7400",
			DialTimeoutMs:  5000,
			WriteTimeoutMs: 10000,
			MaxFrameBytes:  16777216,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Router.Endpoint == "" {
		return fmt.Errorf("config: router.endpoint is required")
	}
	ep, err := endpoint.NewParser(c.Router.MaxEndpointDepth).Parse(c.Router.Endpoint)
	if err != nil {
		return fmt.Errorf("config: router.endpoint is invalid: %w", err)
	}
	if !ep.IsPhysical() {
		return fmt.Errorf("config: router.endpoint must be physical (got %s)", ep)
	}
	if c.Router.Workers <= 0 {
		return fmt.Errorf("config: router.workers must be > 0 (got %d)", c.Router.Workers)
	}
	if c.Router.QueueDepth <= 0 {
		return fmt.Errorf("config: router.queue_depth must be > 0 (got %d)", c.Router.QueueDepth)
	}
	if c.Router.DefaultTTL <= 0 || c.Router.DefaultTTL > 255 {
		return fmt.Errorf("config: router.default_ttl must be in 1..255 (got %d)", c.Router.DefaultTTL)
	}
	if c.Router.MaxEndpointDepth < 1 {
		return fmt.Errorf("config: router.max_endpoint_depth must be >= 1 (got %d)", c.Router.MaxEndpointDepth)
	}
	if c.Session.KeepAliveMs <= 0 {
		return fmt.Errorf("config: session.keep_alive_ms must be > 0 (got %d)", c.Session.KeepAliveMs)
	}
	if c.Session.TimeoutMs < c.Session.KeepAliveMs {
		return fmt.Errorf("config: session.timeout_ms (%d) must be >= session.keep_alive_ms (%d)",
			c.Session.TimeoutMs, c.Session.KeepAliveMs)
	}
	if c.DeadRouter.Enabled && c.DeadRouter.TTLMs <= 0 {
		return fmt.Errorf("config: dead_router.ttl_ms must be > 0 when detection is enabled (got %d)", c.DeadRouter.TTLMs)
	}
	if c.Channel.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: channel.max_frame_bytes must be > 0 (got %d)", c.Channel.MaxFrameBytes)
	}
	if c.Channel.DialTimeoutMs <= 0 {
		return fmt.Errorf("config: channel.dial_timeout_ms must be > 0 (got %d)", c.Channel.DialTimeoutMs)
	}
	if c.Channel.WriteTimeoutMs <= 0 {
		return fmt.Errorf("config: channel.write_timeout_ms must be > 0 (got %d)", c.Channel.WriteTimeoutMs)
	}
	for i, p := range c.Peers {
		if p.Endpoint == "" || p.Address == "" {
			return fmt.Errorf("config: peers[%d] needs both endpoint and address", i)
		}
		ep, err := endpoint.NewParser(c.Router.MaxEndpointDepth).Parse(p.Endpoint)
		if err != nil {
			return fmt.Errorf("config: peers[%d].endpoint is invalid: %w", i, err)
		}
		if !ep.IsPhysical() {
			return fmt.Errorf("config: peers[%d].endpoint must be physical (got %s)", i, ep)
		}
	}
	return nil
}

// DeadRouterTTL returns the receipt TTL, zero when detection is disabled.
func (c *Config) DeadRouterTTL() time.Duration {
	if !c.DeadRouter.Enabled {
		return 0
	}
	return time.Duration(c.DeadRouter.TTLMs) * time.Millisecond
}

// BuildParser constructs the endpoint parser with the configured abstract
// map. Invalid mappings are logged and skipped, not fatal.
func (c *Config) BuildParser(logger *zap.Logger) *endpoint.Parser {
	p := endpoint.NewParser(c.Router.MaxEndpointDepth)
	for name, uri := range c.AbstractMap {
		if err := p.MapAbstract(name, uri); err != nil {
			logger.Warn("ignoring invalid abstract mapping",
				zap.String("name", name),
				zap.String("uri", uri),
				zap.Error(err),
			)
		}
	}
	return p
}

// BuildTLSConfig creates a *tls.Config from the channel TLS settings. Returns nil if TLS is disabled.
func (ch *Channel) BuildTLSConfig() (*tls.Config, error) {
	if !ch.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if ch.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(ch.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if ch.TLS.CertFile != "" && ch.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(ch.TLS.CertFile, ch.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
