package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"statemux/cmd/muxd/daemon"
	"statemux/internal/infra/config"
	"statemux/internal/infra/logger"
	"statemux/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Println("muxd", version)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") || os.Args[1] == "run" {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cmd, args := os.Args[1], positional(os.Args[2:])
	var err error
	switch cmd {
	case "states":
		err = runStates()
	case "get":
		err = runGet()
	case "set":
		err = runSet(args)
	case "list":
		err = runList()
	case "history":
		err = runHistory(args)
	case "status":
		err = runStatus()
	case "watch":
		err = runWatch()
	case "discover":
		err = runDiscover()
	case "doctor":
		err = runDoctor()
	case "daemon":
		err = runDaemon(args)
	case "encrypt":
		err = runEncrypt(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'muxd --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`muxd - named-state configuration multiplexer

USAGE:
    muxd [COMMAND] [FLAGS]

COMMANDS:
    run         Run the multiplexer daemon (default)
    states      List the states the config would register
    get         Print the active state of a running daemon
    set NAME    Switch a running daemon to NAME
    list        List states of a running daemon, active one marked
    history [N] Show the last N switch attempts
    status      Show daemon status
    watch       Stream switch events
    discover    Find gateways on the local network (mdns builds)
    doctor      Run health checks on your setup
    daemon      Manage muxd as a system service
                Subcommands: install, uninstall, status
    encrypt V   Encrypt V for use as an "enc:" config value (needs MUXD_CONFIG_KEY)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./muxd.yaml)
    --gateway ADDR     Gateway address for client commands (default: from config)
    --token TOKEN      Gateway token for client commands

CONFIGURATION:
    Config file: ./muxd.yaml
    Environment: MUXD_* variables override config

EXAMPLES:
    muxd --config /etc/muxd/muxd.yaml
    muxd set spi
    muxd history 20
    muxd daemon install`)
}

// flagValue returns the value of --name VALUE or --name=VALUE.
func flagValue(name string) string {
	long := "--" + name
	for i, arg := range os.Args {
		if arg == long && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, long+"="); ok {
			return v
		}
	}
	return ""
}

// positional strips --flag VALUE pairs from args.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") {
			if !strings.Contains(a, "=") && i+1 < len(args) {
				i++
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

func configPath() string {
	if p := flagValue("config"); p != "" {
		return p
	}
	if p := os.Getenv("MUXD_CONFIG"); p != "" {
		return p
	}
	return "muxd.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, cfg.Mux.Name)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, cfg.Mux.Name)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Engine, states, multiplexer, journal, scheduler, gateway
	rt, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("teardown error", "error", err)
		}
	}()

	cur, _ := rt.Mux.CurrentState()
	log.Info("muxd running",
		"version", version,
		"engine", cfg.Engine.Type,
		"states", len(rt.Mux.ListStates()),
		"state", cur,
		"gateway", rt.Gateway != nil,
		"journal", rt.Journal != nil,
		"scheduler", rt.Scheduler != nil,
	)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-rt.Errs:
		return err
	}
}

func runDaemon(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: muxd daemon <install|uninstall|status>")
	}

	switch args[0] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall(daemon.ServiceName)
	case "status":
		status, err := daemon.Status(daemon.ServiceName)
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("muxd is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("muxd is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", args[0])
	}
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: MUXD_CONFIG_KEY=... muxd encrypt VALUE")
	}
	key := os.Getenv("MUXD_CONFIG_KEY")
	if key == "" {
		return fmt.Errorf("MUXD_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], key)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
