// Package daemon installs muxd as a systemd unit (linux) or launchd agent
// (darwin).
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// ServiceName is the default unit and agent name.
const ServiceName = "muxd"

const launchdLabelPrefix = "io.statemux."

var (
	systemdUnitDir = "/etc/systemd/system"
	runCommand     = func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).CombinedOutput()
	}
)

// DaemonConfig holds parameters for service installation.
type DaemonConfig struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	HomeDir    string
	LogPath    string // launchd only; systemd logs to the journal
	// EnvFile is an optional systemd EnvironmentFile, typically holding
	// MUXD_CONFIG_KEY for encrypted gateway tokens.
	EnvFile string
}

// DaemonStatus holds the status of an installed service.
type DaemonStatus struct {
	Running bool
	PID     int
}

// DefaultConfig returns a DaemonConfig with platform defaults. On linux the
// service runs as root because configfs overlays need it.
func DefaultConfig() DaemonConfig {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/muxd"
	}

	if runtime.GOOS == "linux" {
		return DaemonConfig{
			Name:       ServiceName,
			BinaryPath: binary,
			ConfigPath: "/etc/muxd/muxd.yaml",
			WorkDir:    "/var/lib/muxd",
			User:       "root",
			HomeDir:    "/root",
			EnvFile:    "/etc/muxd/env",
		}
	}

	username, homeDir := "root", "/root"
	if u, err := user.Current(); err == nil {
		username, homeDir = u.Username, u.HomeDir
	}
	return DaemonConfig{
		Name:       ServiceName,
		BinaryPath: binary,
		ConfigPath: filepath.Join(homeDir, ".config", "muxd", "muxd.yaml"),
		WorkDir:    filepath.Join(homeDir, ".statemux"),
		User:       username,
		HomeDir:    homeDir,
		LogPath:    filepath.Join(homeDir, ".statemux", "logs"),
	}
}

// Validate checks the DaemonConfig for correctness.
func (c *DaemonConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t\n") {
		return fmt.Errorf("service name %q must not contain slashes or whitespace", c.Name)
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	if c.ConfigPath != "" && !filepath.IsAbs(c.ConfigPath) {
		abs, err := filepath.Abs(c.ConfigPath)
		if err != nil {
			return fmt.Errorf("config path %q: %w", c.ConfigPath, err)
		}
		c.ConfigPath = abs
	}
	return nil
}

// Install installs and starts the service on the current platform.
func Install(cfg DaemonConfig) error {
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall stops and removes the service on the current platform.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status reports whether the service is running.
func Status(name string) (*DaemonStatus, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func render(name, text string, cfg DaemonConfig) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- systemd ---

const systemdTemplate = `[Unit]
Description=statemux state multiplexer ({{.Name}})
After=local-fs.target sys-kernel-config.mount
Wants=sys-kernel-config.mount

[Service]
Type=simple
ExecStart={{.BinaryPath}} run --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=45
Environment=HOME={{.HomeDir}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg DaemonConfig) (string, error) {
	return render("systemd", systemdTemplate, cfg)
}

func systemdUnitPath(name string) string {
	return filepath.Join(systemdUnitDir, name+".service")
}

func installSystemd(cfg DaemonConfig) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(systemdUnitPath(cfg.Name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", cfg.Name},
	} {
		if out, err := runCommand(args[0], args[1:]...); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	// Best effort: the unit may already be stopped or disabled.
	runCommand("systemctl", "disable", "--now", name)

	if err := os.Remove(systemdUnitPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	runCommand("systemctl", "daemon-reload")
	return nil
}

func statusSystemd(name string) (*DaemonStatus, error) {
	out, _ := runCommand("systemctl", "show", "--property=ActiveState,MainPID", name)
	return parseSystemdShow(string(out)), nil
}

// parseSystemdShow reads `systemctl show --property=ActiveState,MainPID`.
func parseSystemdShow(out string) *DaemonStatus {
	status := &DaemonStatus{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			status.Running = value == "active"
		case "MainPID":
			status.PID, _ = strconv.Atoi(value)
		}
	}
	if !status.Running {
		status.PID = 0
	}
	return status
}

// --- launchd ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabelPrefix + `{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg DaemonConfig) (string, error) {
	return render("launchd", launchdTemplate, cfg)
}

func launchdPlistPath(home, name string) string {
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabelPrefix+name+".plist")
}

func installLaunchd(cfg DaemonConfig) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.LogPath, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	plistPath := launchdPlistPath(cfg.HomeDir, cfg.Name)
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if out, err := runCommand("launchctl", "load", plistPath); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	return nil
}

func uninstallLaunchd(name string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	plistPath := launchdPlistPath(home, name)
	runCommand("launchctl", "unload", plistPath)
	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func statusLaunchd(name string) (*DaemonStatus, error) {
	out, err := runCommand("launchctl", "list", launchdLabelPrefix+name)
	if err != nil {
		return &DaemonStatus{}, nil
	}
	return parseLaunchctlList(string(out)), nil
}

// parseLaunchctlList reads the `"PID" = 123;` line of `launchctl list LABEL`.
func parseLaunchctlList(out string) *DaemonStatus {
	status := &DaemonStatus{Running: true}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"PID"`) {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if len(fields) >= 3 {
			status.PID, _ = strconv.Atoi(fields[len(fields)-1])
		}
	}
	return status
}
