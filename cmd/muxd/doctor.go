package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"statemux/internal/infra/config"
	"statemux/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var errNoConfig = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Overlay engine", Fn: checkEngine},
		{Name: "States", Fn: checkStates},
		{Name: "Scheduler", Fn: checkScheduler},
		{Name: "Journal", Fn: checkJournal},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Println("muxd doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before starting muxd.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nmuxd should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! muxd is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("config file not found at %s, using defaults", cfgPath),
				Fix:     "Create muxd.yaml or pass --config PATH",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and the values listed above",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkEngine verifies the overlay engine can be reached.
func checkEngine(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}

	switch cfg.Engine.Type {
	case "configfs":
		info, err := os.Stat(cfg.Engine.ConfigfsRoot)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("configfs overlays directory unavailable: %v", err),
				Fix:     "Mount configfs (mount -t configfs none /sys/kernel/config) on a kernel with CONFIG_OF_OVERLAY",
			}
		}
		if !info.IsDir() {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s is not a directory", cfg.Engine.ConfigfsRoot),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("configfs overlays at %s", cfg.Engine.ConfigfsRoot),
		}
	case "gpio":
		if cfg.Engine.GPIOBackend == "mock" {
			return CheckResult{
				Status:  StatusWarn,
				Message: "gpio engine uses the mock backend, no pins are driven",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: "gpio engine with periph backend (requires an edge build)",
		}
	default:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s engine applies nothing to hardware", cfg.Engine.Type),
		}
	}
}

// checkStates discovers the configured states and resolves the default.
func checkStates(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}

	states, err := discoverStates(context.Background(), cfg, discardLogger())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
		}
	}
	defer states.release()

	if len(states.entries) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no states configured",
			Fix:     "Add states to the config or set mux.states_dir to a directory of state-* files",
		}
	}

	names := make([]string, len(states.entries))
	for i, st := range states.entries {
		names[i] = st.name
	}
	if def := cfg.Mux.DefaultState; def != "" && !states.seen[def] {
		res := CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("default state %q not found, %q would be used", def, names[0]),
		}
		if cfg.Mux.StrictDefault {
			res.Status = StatusFail
			res.Message = fmt.Sprintf("default state %q not found and strict_default is set", def)
		}
		return res
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d state(s): %s", len(names), strings.Join(names, ", ")),
	}
}

// checkScheduler verifies every task parses and targets a known state.
func checkScheduler(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.Scheduler.Enabled {
		return CheckResult{Status: StatusPass, Message: "scheduler disabled"}
	}

	states, err := discoverStates(context.Background(), cfg, discardLogger())
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, states could not be discovered"}
	}
	defer states.release()

	var problems []string
	for _, t := range cfg.Scheduler.Tasks {
		if _, err := scheduling.ParseSchedule(t.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", t.Name, err))
		}
		if !states.seen[t.State] {
			problems = append(problems, fmt.Sprintf("%s: unknown state %q", t.Name, t.State))
		}
	}
	if len(problems) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: strings.Join(problems, "; "),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d task(s) scheduled", len(cfg.Scheduler.Tasks)),
	}
}

// checkJournal verifies the journal directory exists and is writable.
func checkJournal(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "journal disabled"}
	}

	absDir, _ := filepath.Abs(filepath.Dir(cfg.Journal.Path))
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("journal directory %s cannot be created: %v", absDir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
		}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("journal directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("journal at %s", cfg.Journal.Path),
	}
}

// checkGateway verifies the listen address is free and auth is sound.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}

	if len(cfg.Gateway.Auth.Tokens) == 0 && !isLoopback(cfg.Gateway.Addr) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is reachable from the network but no auth tokens are configured", cfg.Gateway.Addr),
			Fix:     "Add gateway.auth.tokens or bind to 127.0.0.1",
		}
	}

	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot listen on %s: %v (is muxd already running?)", cfg.Gateway.Addr, err),
		}
	}
	ln.Close()

	if len(cfg.Gateway.Auth.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s available, auth disabled on loopback", cfg.Gateway.Addr),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s available, %d token(s)", cfg.Gateway.Addr, len(cfg.Gateway.Auth.Tokens)),
	}
}

// checkDiskSpace checks free space on the journal partition.
func checkDiskSpace(cfg *config.Config) CheckResult {
	dataDir := "."
	if cfg != nil && cfg.Journal.Enabled {
		dataDir = filepath.Dir(cfg.Journal.Path)
	}

	absDir, _ := filepath.Abs(dataDir)
	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusPass,
			Message: "data directory does not exist yet, space check skipped",
		}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "could not determine disk space (df command failed)",
		}
	}
	return parseDF(string(out))
}

// parseDF interprets `df -h` output for a single mount.
func parseDF(out string) CheckResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}

	available := fields[3]
	usePercent := fields[4]

	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	if pct >= 95 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move journal.path to a different partition",
		}
	}
	if pct >= 85 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}
