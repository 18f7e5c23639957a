package gpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"statemux/internal/adapter/overlay"
	"statemux/internal/domain"
)

type session struct {
	previous map[int]int // pin -> level before activation
	order    []int
}

// Engine drives PinMap fragments on a Backend.
type Engine struct {
	backend Backend
	logger  *slog.Logger
	tokens  *overlay.TokenSource

	mu       sync.Mutex
	sessions map[domain.SessionToken]*session
}

// NewEngine creates a GPIO engine on backend.
func NewEngine(backend Backend, logger *slog.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:  backend,
		logger:   logger,
		tokens:   overlay.NewTokenSource(now),
		sessions: make(map[domain.SessionToken]*session),
	}
}

// Activate implements domain.OverlayEngine. Every pin's previous level is
// captured before anything is written. If a write fails, pins already
// written are restored and the error is returned.
func (e *Engine) Activate(_ context.Context, frag domain.Fragment) (domain.SessionToken, error) {
	pm, ok := frag.(*PinMap)
	if !ok {
		return "", domain.NewSubSystemError("engine", "GPIO.Activate", domain.ErrFragmentKind, frag.Kind())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pins := pm.Pins()
	prev := make(map[int]int, len(pins))
	for _, pin := range pins {
		v, err := e.backend.Read(pin)
		if err != nil {
			return "", fmt.Errorf("read pin %d: %w", pin, err)
		}
		prev[pin] = v
	}

	for i, pin := range pins {
		if err := e.backend.Write(pin, pm.Levels[pin]); err != nil {
			if rerr := e.restore(pins[:i], prev); rerr != nil {
				e.logger.Error("gpio: failed to undo partial activation", "error", rerr)
			}
			return "", fmt.Errorf("write pin %d: %w", pin, err)
		}
	}

	token := e.tokens.Next()
	e.sessions[token] = &session{previous: prev, order: pins}
	e.logger.Debug("gpio state applied", "session", token, "pins", len(pins))
	return token, nil
}

// Deactivate implements domain.OverlayEngine. Pins are restored in reverse
// order. The session is kept when any restore fails so it can be retried.
func (e *Engine) Deactivate(_ context.Context, token domain.SessionToken) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[token]
	if !ok {
		return domain.NewSubSystemError("engine", "GPIO.Deactivate", domain.ErrUnknownSession, string(token))
	}
	if err := e.restore(s.order, s.previous); err != nil {
		return err
	}
	delete(e.sessions, token)
	e.logger.Debug("gpio state reverted", "session", token)
	return nil
}

func (e *Engine) restore(pins []int, prev map[int]int) error {
	var errs []error
	for i := len(pins) - 1; i >= 0; i-- {
		pin := pins[i]
		if err := e.backend.Write(pin, prev[pin]); err != nil {
			errs = append(errs, fmt.Errorf("restore pin %d: %w", pin, err))
		}
	}
	return errors.Join(errs...)
}

var _ domain.OverlayEngine = (*Engine)(nil)
