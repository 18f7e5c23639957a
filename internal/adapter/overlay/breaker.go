package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"statemux/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerSettings configures BreakerEngine. Zero fields take defaults.
type BreakerSettings struct {
	Name        string
	MaxFailures uint32        // consecutive failures before opening
	Timeout     time.Duration // open -> half-open
	Interval    time.Duration // closed-state count reset period
}

// BreakerEngine wraps an engine with a circuit breaker. After MaxFailures
// consecutive engine failures further calls fail fast with ErrEngineOpen
// until Timeout elapses. Calls are never retried.
type BreakerEngine struct {
	inner   domain.OverlayEngine
	breaker *gobreaker.CircuitBreaker[domain.SessionToken]
}

// NewBreakerEngine wraps inner.
func NewBreakerEngine(inner domain.OverlayEngine, cfg BreakerSettings, logger *slog.Logger) *BreakerEngine {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	name := cfg.Name
	if name == "" {
		name = "overlay"
	}

	cb := gobreaker.NewCircuitBreaker[domain.SessionToken](gobreaker.Settings{
		Name:        "engine:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller mistakes say nothing about the engine's health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrFragmentKind) ||
				errors.Is(err, domain.ErrUnknownSession)
		},
	})
	return &BreakerEngine{inner: inner, breaker: cb}
}

// Activate implements domain.OverlayEngine.
func (b *BreakerEngine) Activate(ctx context.Context, frag domain.Fragment) (domain.SessionToken, error) {
	token, err := b.breaker.Execute(func() (domain.SessionToken, error) {
		return b.inner.Activate(ctx, frag)
	})
	return token, wrapBreakerErr(err)
}

// Deactivate implements domain.OverlayEngine.
func (b *BreakerEngine) Deactivate(ctx context.Context, session domain.SessionToken) error {
	_, err := b.breaker.Execute(func() (domain.SessionToken, error) {
		return "", b.inner.Deactivate(ctx, session)
	})
	return wrapBreakerErr(err)
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerEngine) State() gobreaker.State {
	return b.breaker.State()
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", domain.ErrEngineOpen, err)
	}
	return err
}

var _ domain.OverlayEngine = (*BreakerEngine)(nil)
