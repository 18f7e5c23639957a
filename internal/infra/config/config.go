package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"statemux/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Mux       MuxConfig       `yaml:"mux"`
	Engine    EngineConfig    `yaml:"engine"`
	States    []StateConfig   `yaml:"states,omitempty"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Journal   JournalConfig   `yaml:"journal"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// MuxConfig holds the multiplexer settings.
type MuxConfig struct {
	Name            string        `yaml:"name"` // instance name for logs and mDNS
	DefaultState    string        `yaml:"default_state"`
	StrictDefault   bool          `yaml:"strict_default"` // unknown default_state fails startup
	SwitchDelay     time.Duration `yaml:"switch_delay"`
	PostSwitchDelay time.Duration `yaml:"post_switch_delay"`
	StatesDir       string        `yaml:"states_dir"` // scanned for state-* fragments; empty = inline states only
}

// EngineConfig selects and configures the overlay engine.
type EngineConfig struct {
	Type         string        `yaml:"type"` // "configfs", "gpio", "memory"
	ConfigfsRoot string        `yaml:"configfs_root"`
	VerifyStatus bool          `yaml:"verify_status"` // require status == "applied" after writing dtbo
	GPIOBackend  string        `yaml:"gpio_backend"`  // "periph" (edge builds) or "mock"
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures fail-fast protection around the engine.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // open -> half-open
	Interval    time.Duration `yaml:"interval"` // closed-state count reset period
}

// StateConfig defines one inline state. Name carries the "state-" prefix.
// Exactly one of File or Pins is set.
type StateConfig struct {
	Name string      `yaml:"name"`
	File string      `yaml:"file,omitempty"`
	Pins map[int]int `yaml:"pins,omitempty"`
}

// GatewayConfig holds HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	MDNS      bool            `yaml:"mdns"` // requires the "mdns" build tag

	// AllowedOrigins are extra WebSocket origin patterns; loopback is always allowed.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig limits state-changing gateway requests per client.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"` // 0 = unlimited
	Burst          int `yaml:"burst"`
}

// JournalConfig holds switch journal settings.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // records older than this are pruned daily; 0 keeps all
}

// SchedulerConfig holds scheduled switch settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig switches to State on Schedule.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	State    string `yaml:"state"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultConfigfsRoot is where the kernel exposes device-tree overlays.
const DefaultConfigfsRoot = "/sys/kernel/config/device-tree/overlays"

// defaultDataDir returns the persistent data directory under $HOME/.statemux.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".statemux")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Mux: MuxConfig{
			Name: "mux0",
		},
		Engine: EngineConfig{
			Type:         "configfs",
			ConfigfsRoot: DefaultConfigfsRoot,
			VerifyStatus: true,
			GPIOBackend:  "periph",
			Breaker: BreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8787",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 60,
				Burst:          10,
			},
		},
		Journal: JournalConfig{
			Enabled:   false,
			Path:      filepath.Join(defaultDataDir(), "journal.db"),
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads path, applies MUXD_* environment overrides, decrypts "enc:"
// secrets and validates the result. A missing file yields the defaults.
// Every failure wraps domain.ErrConfigLoad.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Relative paths in the file are relative to the file.
	resolveRelative(cfg, filepath.Dir(absPath))

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MUXD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolveRelative(cfg *Config, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Mux.StatesDir = abs(cfg.Mux.StatesDir)
	for i := range cfg.States {
		cfg.States[i].File = abs(cfg.States[i].File)
	}
}

// ApplyEnvOverrides maps MUXD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MUXD_NAME"); v != "" {
		cfg.Mux.Name = v
	}
	if v := os.Getenv("MUXD_DEFAULT_STATE"); v != "" {
		cfg.Mux.DefaultState = v
	}
	if v := os.Getenv("MUXD_STRICT_DEFAULT"); v == "true" {
		cfg.Mux.StrictDefault = true
	}
	if v := os.Getenv("MUXD_SWITCH_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mux.SwitchDelay = d
		}
	}
	if v := os.Getenv("MUXD_POST_SWITCH_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mux.PostSwitchDelay = d
		}
	}
	if v := os.Getenv("MUXD_STATES_DIR"); v != "" {
		cfg.Mux.StatesDir = v
	}
	if v := os.Getenv("MUXD_ENGINE"); v != "" {
		cfg.Engine.Type = v
	}
	if v := os.Getenv("MUXD_CONFIGFS_ROOT"); v != "" {
		cfg.Engine.ConfigfsRoot = v
	}
	if v := os.Getenv("MUXD_GPIO_BACKEND"); v != "" {
		cfg.Engine.GPIOBackend = v
	}
	if v := os.Getenv("MUXD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MUXD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MUXD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MUXD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MUXD_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("MUXD_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MUXD_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("MUXD_JOURNAL_ENABLED"); v == "true" {
		cfg.Journal.Enabled = true
	}
	if v := os.Getenv("MUXD_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// StateName strips the external "state-" prefix. ok is false when the
// prefix is missing or nothing follows it.
func StateName(external string) (name string, ok bool) {
	if !strings.HasPrefix(external, "state-") {
		return "", false
	}
	name = strings.TrimPrefix(external, "state-")
	return name, name != ""
}
