package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func validConfig() *Config {
	return &Config{
		Service: Service{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Router: Router{
			Endpoint:         "physical://node-a:7400/hub",
			Workers:          4,
			QueueDepth:       256,
			DefaultTTL:       5,
			MaxEndpointDepth: 3,
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
			MaxFrameBytes:  1 << 20,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Router.Endpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty router.endpoint")
	}
}

func TestValidate_LogicalEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Router.Endpoint = "logical://svc/router"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for logical router.endpoint")
	}
}

func TestValidate_MalformedEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Router.Endpoint = "physical://host:notaport"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for malformed router.endpoint")
	}
}

func TestValidate_WorkersZero(t *testing.T) {
	cfg := validConfig()
	cfg.Router.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for router.workers = 0")
	}
}

func TestValidate_TTLOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Router.DefaultTTL = 300
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for default_ttl > 255")
	}
}

func TestValidate_KeepAliveZero(t *testing.T) {
	cfg := validConfig()
	cfg.Session.KeepAliveMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for session.keep_alive_ms = 0")
	}
}

func TestValidate_TimeoutBelowKeepAlive(t *testing.T) {
	cfg := validConfig()
	cfg.Session.TimeoutMs = 1000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for timeout below keep-alive")
	}
}

func TestValidate_DeadRouterEnabledNeedsTTL(t *testing.T) {
	cfg := validConfig()
	cfg.DeadRouter.TTLMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled detection without ttl_ms")
	}

	cfg.DeadRouter.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled detection must not need a TTL: %v", err)
	}
	if cfg.DeadRouterTTL() != 0 {
		t.Error("disabled detection must report a zero TTL")
	}
}

func TestValidate_MaxFrameBytesZero(t *testing.T) {
	cfg := validConfig()
	cfg.Channel.MaxFrameBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for channel.max_frame_bytes = 0")
	}
}

func TestValidate_Peers(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = []Peer{{Endpoint: "physical://hub-b:7400", Address: "hub-b:7400"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid peer rejected: %v", err)
	}

	cfg.Peers = []Peer{{Endpoint: "physical://hub-b:7400"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer without address")
	}

	cfg.Peers = []Peer{{Endpoint: "logical://hub-b", Address: "hub-b:7400"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-physical peer endpoint")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
router:
  endpoint: "physical://node-a:7400/hub"
abstract_map:
  backup: "logical://svc/backup"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.Workers != 4 || cfg.Session.KeepAliveMs != 5000 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_EnvOverrideEndpoint(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MSGROUTER_ROUTER__ENDPOINT", "physical://env-node:7400")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.Endpoint != "physical://env-node:7400" {
		t.Errorf("expected endpoint from env, got %q", cfg.Router.Endpoint)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MSGROUTER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyEndpointFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MSGROUTER_ROUTER__ENDPOINT", "")

	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error for empty endpoint via env")
	}
}

func TestBuildParser_AbstractMap(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := cfg.BuildParser(zap.NewNop())
	ep, err := p.Parse("abstract://backup")
	if err != nil {
		t.Fatal(err)
	}
	if ep.String() != "logical://svc/backup" {
		t.Errorf("abstract resolved to %s", ep)
	}
}

func TestBuildParser_InvalidMappingSkipped(t *testing.T) {
	cfg := validConfig()
	cfg.AbstractMap = map[string]string{"bad": "physical://host:70000"}
	p := cfg.BuildParser(zap.NewNop())

	// Unmapped and invalid mappings both fall back to logical://<name>.
	ep, err := p.Parse("abstract://bad")
	if err != nil {
		t.Fatal(err)
	}
	if ep.String() != "logical://bad" {
		t.Errorf("fallback = %s", ep)
	}
}
