package main

import (
	"fmt"
	"io"
	"log/slog"

	"statemux/internal/adapter/overlay"
	"statemux/internal/adapter/overlay/gpio"
	"statemux/internal/domain"
	"statemux/internal/infra/config"
)

// engineStack is the overlay engine with its optional breaker.
type engineStack struct {
	engine   domain.OverlayEngine
	breaker  *overlay.BreakerEngine // nil when disabled
	overlays func() int             // nil when the engine keeps no session table
}

// breakerState reports the breaker state for the status endpoint.
func (e engineStack) breakerState() string {
	if e.breaker == nil {
		return "disabled"
	}
	return e.breaker.State().String()
}

// buildEngine creates the configured engine, wrapped in the circuit breaker
// (when enabled) and tracing. The mock GPIO backend exposes every pin used
// by states, starting low.
func buildEngine(cfg config.EngineConfig, states []stateEntry, logger *slog.Logger) (engineStack, error) {
	var (
		inner domain.OverlayEngine
		err   error
	)
	switch cfg.Type {
	case "configfs":
		inner, err = overlay.NewConfigfsEngine(overlay.ConfigfsOptions{
			Root:         cfg.ConfigfsRoot,
			VerifyStatus: cfg.VerifyStatus,
			Logger:       logger,
		})
	case "gpio":
		var backend gpio.Backend
		switch cfg.GPIOBackend {
		case "mock":
			mock := gpio.NewMockBackend()
			for _, st := range states {
				if pm, ok := st.frag.(*gpio.PinMap); ok {
					for _, pin := range pm.Pins() {
						mock.AddPin(pin, 0)
					}
				}
			}
			backend = mock
		default:
			backend, err = gpio.NewPeriphBackend()
		}
		if err == nil {
			inner = gpio.NewEngine(backend, logger, nil)
		}
	case "memory":
		inner = overlay.NewMemoryEngine(nil)
	default:
		return engineStack{}, fmt.Errorf("unknown engine type %q", cfg.Type)
	}
	if err != nil {
		return engineStack{}, fmt.Errorf("%s engine: %w", cfg.Type, err)
	}

	stack := engineStack{engine: inner}
	switch e := inner.(type) {
	case *overlay.ConfigfsEngine:
		stack.overlays = func() int { return len(e.Sessions()) }
	case *overlay.MemoryEngine:
		stack.overlays = e.Active
	}
	if cfg.Breaker.Enabled {
		stack.breaker = overlay.NewBreakerEngine(inner, overlay.BreakerSettings{
			Name:        cfg.Type,
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		}, logger)
		stack.engine = stack.breaker
	}
	stack.engine = overlay.NewTracedEngine(stack.engine, cfg.Type)
	return stack, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
