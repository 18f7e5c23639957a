// Package integration holds end-to-end tests that exercise the full stack,
// optionally against a real kernel configfs.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from the environment.
type Config struct {
	ConfigfsRoot string // MUXD_IT_CONFIGFS_ROOT, e.g. /sys/kernel/config/device-tree/overlays
	StatesDir    string // MUXD_IT_STATES_DIR, directory of state-*.dtbo files for that kernel
	TestTimeout  time.Duration
	SkipSlow     bool
}

// LoadConfig loads integration test configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		ConfigfsRoot: os.Getenv("MUXD_IT_CONFIGFS_ROOT"),
		StatesDir:    os.Getenv("MUXD_IT_STATES_DIR"),
		TestTimeout:  60 * time.Second,
		SkipSlow:     os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoConfigfs skips the test unless a configfs overlays directory and
// a states directory are provided.
func SkipIfNoConfigfs(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.ConfigfsRoot == "" || cfg.StatesDir == "" {
		t.Skip("Skipping configfs integration test: MUXD_IT_CONFIGFS_ROOT and MUXD_IT_STATES_DIR not set")
	}
	if _, err := os.Stat(cfg.ConfigfsRoot); err != nil {
		t.Skipf("Skipping configfs integration test: %v", err)
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
