package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateMux(cfg, ve)
	validateEngine(cfg, ve)
	validateStates(cfg, ve)
	validateLogger(cfg, ve)
	validateGateway(cfg, ve)
	validateJournal(cfg, ve)
	validateScheduler(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateMux(cfg *Config, ve *ValidationError) {
	if cfg.Mux.SwitchDelay < 0 {
		ve.Add("mux.switch_delay must be >= 0")
	}
	if cfg.Mux.PostSwitchDelay < 0 {
		ve.Add("mux.post_switch_delay must be >= 0")
	}
	if cfg.Mux.StrictDefault && cfg.Mux.DefaultState == "" {
		ve.Add("mux.strict_default requires mux.default_state")
	}
}

func validateEngine(cfg *Config, ve *ValidationError) {
	switch cfg.Engine.Type {
	case "configfs":
		if cfg.Engine.ConfigfsRoot == "" {
			ve.Add("engine.configfs_root is required for the configfs engine")
		}
	case "gpio":
		if cfg.Engine.GPIOBackend != "periph" && cfg.Engine.GPIOBackend != "mock" {
			ve.Add("engine.gpio_backend %q is invalid (want: periph, mock)", cfg.Engine.GPIOBackend)
		}
	case "memory":
	default:
		ve.Add("engine.type %q is invalid (want: configfs, gpio, memory)", cfg.Engine.Type)
	}

	b := cfg.Engine.Breaker
	if b.Enabled {
		if b.MaxFailures == 0 {
			ve.Add("engine.breaker.max_failures must be > 0")
		}
		if b.Timeout <= 0 {
			ve.Add("engine.breaker.timeout must be > 0")
		}
		if b.Interval < 0 {
			ve.Add("engine.breaker.interval must be >= 0")
		}
	}
}

func validateStates(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.States {
		name, ok := StateName(s.Name)
		if !ok {
			ve.Add("states[%d].name %q must start with \"state-\" followed by a name", i, s.Name)
			continue
		}
		if seen[name] {
			ve.Add("states[%d]: duplicate state %q", i, name)
		}
		seen[name] = true

		hasFile, hasPins := s.File != "", len(s.Pins) > 0
		if hasFile == hasPins {
			ve.Add("states[%d] (%s): exactly one of file or pins is required", i, name)
		}
		for pin, level := range s.Pins {
			if pin < 0 {
				ve.Add("states[%d] (%s): pin %d must be >= 0", i, name, pin)
			}
			if level != 0 && level != 1 {
				ve.Add("states[%d] (%s): pin %d level must be 0 or 1", i, name, pin)
			}
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
		for _, r := range tok.Roles {
			if r != "admin" && r != "operator" && r != "viewer" {
				ve.Add("gateway.auth.tokens[%d]: role %q is invalid (want: admin, operator, viewer)", i, r)
			}
		}
	}
	if cfg.Gateway.RateLimit.RequestsPerMin < 0 {
		ve.Add("gateway.rate_limit.requests_per_min must be >= 0")
	}
	if cfg.Gateway.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit.burst must be >= 0")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		ve.Add("journal.path is required when journal is enabled")
	}
	if cfg.Journal.Retention < 0 {
		ve.Add("journal.retention must be >= 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		} else if seen[t.Name] {
			ve.Add("scheduler.tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = true
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if t.State == "" {
			ve.Add("scheduler.tasks[%d].state is required", i)
		}
	}
}
