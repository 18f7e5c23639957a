package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"statemux/internal/adapter/discovery"
	"statemux/internal/adapter/gateway"
	"statemux/internal/adapter/journal"
	"statemux/internal/adapter/source"
	"statemux/internal/domain"
	"statemux/internal/infra/config"
	"statemux/internal/infra/logger"
	"statemux/internal/infra/middleware"
	"statemux/internal/usecase/eventbus"
	"statemux/internal/usecase/mux"
	"statemux/internal/usecase/scheduling"
)

// stateEntry is a discovered state not yet owned by a multiplexer.
type stateEntry struct {
	name string
	frag domain.Fragment
}

// collector gathers discovered states in registration order.
type collector struct {
	entries []stateEntry
	seen    map[string]bool
}

func (c *collector) RegisterState(name string, frag domain.Fragment) error {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[name] {
		return domain.NewSubSystemError("source", "collector.RegisterState", domain.ErrDuplicate, name)
	}
	c.seen[name] = true
	c.entries = append(c.entries, stateEntry{name: name, frag: frag})
	return nil
}

func (c *collector) release() {
	for _, e := range c.entries {
		e.frag.Release()
	}
	c.entries = nil
}

// discoverStates loads inline states first, then the states directory.
func discoverStates(ctx context.Context, cfg *config.Config, log *slog.Logger) (*collector, error) {
	sources := []source.Source{&source.ConfigSource{States: cfg.States, Logger: log}}
	if cfg.Mux.StatesDir != "" {
		sources = append(sources, &source.DirSource{Dir: cfg.Mux.StatesDir, Logger: log})
	}
	c := &collector{}
	if _, err := source.Load(ctx, c, sources...); err != nil {
		c.release()
		return nil, fmt.Errorf("discover states: %w", err)
	}
	return c, nil
}

// Runtime holds the running components of a muxd instance.
type Runtime struct {
	Mux       *mux.Multiplexer
	Bus       *eventbus.Bus
	Journal   *journal.SQLiteJournal // nil when disabled
	Scheduler *scheduling.Scheduler  // nil when disabled
	Gateway   *gateway.Server        // nil when disabled
	Metrics   *gateway.Metrics

	// Errs receives fatal errors from background components.
	Errs chan error

	log      *slog.Logger
	cancel   context.CancelFunc
	stopRec  func()
	bgDone   chan struct{}
	bgActive int
}

// initRuntime wires every component from cfg and starts the background
// services. The returned Runtime must be closed.
func initRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	states, err := discoverStates(ctx, cfg, logger.Component(log, "source"))
	if err != nil {
		return nil, err
	}
	if len(states.entries) == 0 {
		return nil, fmt.Errorf("no states configured (set states or mux.states_dir)")
	}

	engine, err := buildEngine(cfg.Engine, states.entries, logger.Component(log, "engine"))
	if err != nil {
		states.release()
		return nil, err
	}

	bus := eventbus.New(logger.Component(log, "eventbus"))
	m := mux.New(engine.engine, mux.Options{Logger: logger.Component(log, "mux"), Bus: bus})

	for i, st := range states.entries {
		if err := m.RegisterState(st.name, st.frag); err != nil {
			for _, rest := range states.entries[i:] {
				rest.frag.Release()
			}
			m.Close(ctx)
			bus.Close()
			return nil, fmt.Errorf("register %s: %w", st.name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &Runtime{
		Mux:    m,
		Bus:    bus,
		Errs:   make(chan error, 4),
		log:    log,
		cancel: cancel,
		bgDone: make(chan struct{}, 4),
	}

	if err := rt.start(runCtx, cfg, engine); err != nil {
		closeCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		rt.Close(closeCtx)
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) start(ctx context.Context, cfg *config.Config, engine engineStack) error {
	log := rt.log

	// The journal subscribes before initialization so the default state's
	// activation is recorded.
	if cfg.Journal.Enabled {
		j, err := journal.NewSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		rt.Journal = j
		rt.stopRec = journal.Record(rt.Bus, j, logger.Component(log, "journal"))
	}

	if err := rt.Mux.Initialize(ctx, mux.InitOptions{
		Default:         cfg.Mux.DefaultState,
		StrictDefault:   cfg.Mux.StrictDefault,
		SwitchDelay:     cfg.Mux.SwitchDelay,
		PostSwitchDelay: cfg.Mux.PostSwitchDelay,
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if cfg.Scheduler.Enabled || (rt.Journal != nil && cfg.Journal.Retention > 0) {
		rt.Scheduler = scheduling.NewScheduler(rt.Mux, logger.Component(log, "scheduler"))
		if cfg.Scheduler.Enabled {
			for _, t := range cfg.Scheduler.Tasks {
				if err := rt.Scheduler.AddTask(scheduling.Task{
					Name:     t.Name,
					Schedule: t.Schedule,
					State:    t.State,
					OneShot:  t.OneShot,
				}); err != nil {
					return fmt.Errorf("scheduler: %w", err)
				}
			}
		}
		if rt.Journal != nil && cfg.Journal.Retention > 0 {
			j, retention := rt.Journal, cfg.Journal.Retention
			err := rt.Scheduler.AddJob("journal-prune", "@daily", func(ctx context.Context) error {
				n, err := j.Prune(ctx, time.Now().Add(-retention))
				if err == nil && n > 0 {
					log.Info("journal pruned", "records", n)
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		if err := rt.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	if cfg.Gateway.Enabled {
		if err := rt.startGateway(ctx, cfg, engine); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) startGateway(ctx context.Context, cfg *config.Config, engine engineStack) error {
	gwLog := logger.Component(rt.log, "gateway")

	var auth gateway.Authenticator
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		if !isLoopback(cfg.Gateway.Addr) {
			return fmt.Errorf("gateway: %s is not a loopback address and no auth tokens are configured", cfg.Gateway.Addr)
		}
		gwLog.Warn("gateway auth disabled on loopback address", "addr", cfg.Gateway.Addr)
		auth = gateway.OpenAuth{}
	} else {
		tokens := make([]gateway.Token, 0, len(cfg.Gateway.Auth.Tokens))
		for _, t := range cfg.Gateway.Auth.Tokens {
			tokens = append(tokens, gateway.Token{
				Token: t.Token,
				Name:  t.Name,
				Roles: t.Roles,
			})
		}
		auth = gateway.NewStaticTokenAuth(tokens)
	}

	srv := gateway.NewServer(rt.Bus, auth, cfg.Gateway.Addr, gwLog)
	srv.AllowOrigins(cfg.Gateway.AllowedOrigins...)
	srv.Use(middleware.SecurityHeaders)
	srv.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RequestsPerMin: cfg.Gateway.RateLimit.RequestsPerMin,
		BurstSize:      cfg.Gateway.RateLimit.Burst,
		WritesOnly:     true,
	}))

	deps := gateway.HandlerDeps{
		Mux:          rt.Mux,
		Bus:          rt.Bus,
		Logger:       gwLog,
		BreakerState: engine.breakerState,
		Overlays:     engine.overlays,
		Instance:     cfg.Mux.Name,
		Version:      version,
	}
	if rt.Journal != nil {
		deps.Journal = rt.Journal
	}
	rt.Metrics = gateway.RegisterRESTHandlers(srv, deps)
	gateway.RegisterDefaultHandlers(srv, deps)
	rt.Gateway = srv

	rt.goBackground(func() {
		if err := srv.Start(ctx); err != nil {
			rt.Errs <- err
		}
	})

	if cfg.Gateway.MDNS {
		_, portStr, _ := net.SplitHostPort(cfg.Gateway.Addr)
		port, _ := strconv.Atoi(portStr)
		disc := discovery.New(logger.Component(rt.log, "discovery"))
		meta := map[string]string{"version": version, "engine": cfg.Engine.Type}
		rt.goBackground(func() {
			if err := disc.Advertise(ctx, cfg.Mux.Name, port, meta); err != nil && !errors.Is(err, context.Canceled) {
				gwLog.Warn("mdns advertisement stopped", "error", err)
			}
		})
	}
	return nil
}

func (rt *Runtime) goBackground(fn func()) {
	rt.bgActive++
	go func() {
		defer func() { rt.bgDone <- struct{}{} }()
		fn()
	}()
}

// Close stops background services, tears the multiplexer down (deactivating
// the active state) and closes the journal.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.cancel()

	if rt.Scheduler != nil {
		rt.Scheduler.Stop()
	}
	if rt.Gateway != nil {
		rt.Gateway.Stop(ctx)
	}
	for ; rt.bgActive > 0; rt.bgActive-- {
		select {
		case <-rt.bgDone:
		case <-ctx.Done():
			rt.bgActive = 0
		}
	}
	if rt.Metrics != nil {
		rt.Metrics.Stop()
	}

	var errs []error
	if err := rt.Mux.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mux: %w", err))
	}
	// Drain so the journal sees the final events before it closes.
	rt.Bus.Close()
	if rt.stopRec != nil {
		rt.stopRec()
	}
	if rt.Journal != nil {
		if err := rt.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
