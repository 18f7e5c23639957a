// Package mux holds a fixed catalog of named states and switches the live
// configuration between them, one state at a time.
//
// A switch deactivates the current state through the overlay engine, waits
// the switch delay, activates the target and waits the post-switch delay.
// The whole sequence runs under a single mutex, so concurrent switch
// requests never interleave. Readers of the current state never block.
package mux

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"statemux/internal/domain"
)

const subsystem = "mux"

type state struct {
	name     string
	fragment domain.Fragment
}

// Options configures a Multiplexer. Zero values are valid.
type Options struct {
	Logger *slog.Logger
	Bus    domain.EventBus // can be nil

	// Sleep suspends the caller for the settle delays. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// InitOptions are fixed by Initialize for the lifetime of the multiplexer.
type InitOptions struct {
	// Default names the state applied at initialization. Empty selects the
	// first registered state.
	Default string
	// StrictDefault makes an unknown Default an error instead of falling
	// back to the first registered state.
	StrictDefault bool

	SwitchDelay     time.Duration // between deactivate and activate
	PostSwitchDelay time.Duration // after activate
}

// Status is a point-in-time view of the multiplexer.
type Status struct {
	Current         string        `json:"current"`
	Active          bool          `json:"active"`
	States          []string      `json:"states"`
	SwitchDelay     time.Duration `json:"switch_delay"`
	PostSwitchDelay time.Duration `json:"post_switch_delay"`
	Initialized     bool          `json:"initialized"`
	Closed          bool          `json:"closed"`
}

// Multiplexer owns the state catalog and the switch protocol.
//
// The catalog is filled by RegisterState and frozen by Initialize; after
// that it is read without locking. current and session change only with mu
// held. current is additionally published through an atomic pointer so
// CurrentState never waits for an in-flight switch.
type Multiplexer struct {
	engine domain.OverlayEngine
	logger *slog.Logger
	bus    domain.EventBus
	sleep  func(time.Duration)
	now    func() time.Time

	states []*state
	byName map[string]*state
	sealed atomic.Bool

	switchDelay     time.Duration
	postSwitchDelay time.Duration

	mu      sync.Mutex
	current atomic.Pointer[state]
	session domain.SessionToken
	closed  bool
}

// New creates an empty multiplexer driving the given engine.
func New(engine domain.OverlayEngine, opts Options) *Multiplexer {
	if engine == nil {
		panic("mux.New: engine is nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Multiplexer{
		engine: engine,
		logger: opts.Logger,
		bus:    opts.Bus,
		sleep:  opts.Sleep,
		now:    opts.Now,
		byName: make(map[string]*state),
	}
}

// RegisterState appends a state to the catalog. The multiplexer takes
// ownership of frag and releases it in Close. Only valid before Initialize.
func (m *Multiplexer) RegisterState(name string, frag domain.Fragment) error {
	const op = "Mux.RegisterState"
	if m.sealed.Load() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrAlreadyInitialized, name)
	}
	if name == "" {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidStateName, "empty name")
	}
	if _, dup := m.byName[name]; dup {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidStateName, fmt.Sprintf("duplicate name %q", name))
	}
	if frag == nil {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, fmt.Sprintf("state %q has no fragment", name))
	}

	s := &state{name: name, fragment: frag}
	m.states = append(m.states, s)
	m.byName[name] = s
	m.logger.Debug("discovered state", "state", name, "kind", frag.Kind())
	return nil
}

// Initialize freezes the catalog, fixes the delays and applies the default
// state. A failure to apply the default is logged and does not fail
// initialization; the multiplexer is then left with nothing active.
func (m *Multiplexer) Initialize(ctx context.Context, opts InitOptions) error {
	const op = "Mux.Initialize"
	if m.sealed.Load() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrAlreadyInitialized, "")
	}
	if len(m.states) == 0 {
		m.logger.Error("no states found")
		return domain.NewSubSystemError(subsystem, op, domain.ErrNoStates, "")
	}
	if opts.SwitchDelay < 0 || opts.PostSwitchDelay < 0 {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "delays must not be negative")
	}

	def := m.states[0]
	if opts.Default != "" {
		if s, ok := m.byName[opts.Default]; ok {
			def = s
		} else if opts.StrictDefault {
			return domain.NewSubSystemError(subsystem, op, domain.ErrDefaultNotFound, opts.Default)
		} else {
			m.logger.Warn("default state not registered, using first state",
				"default", opts.Default, "state", def.name)
		}
	}

	m.switchDelay = opts.SwitchDelay
	m.postSwitchDelay = opts.PostSwitchDelay
	m.sealed.Store(true)

	if err := m.SwitchTo(ctx, def.name); err != nil {
		m.logger.Error("failed to set default state", "state", def.name, "error", err)
	}

	m.publish(ctx, domain.EventMuxInitialized, domain.SwitchEvent{
		ID:     generateULID(m.now()),
		To:     def.name,
		Active: m.currentName(),
	})
	return nil
}

// CurrentState returns the name of the active state. ok is false when no
// state is active. It never blocks on an in-flight switch.
func (m *Multiplexer) CurrentState() (name string, ok bool) {
	s := m.current.Load()
	if s == nil {
		return "", false
	}
	return s.name, true
}

// ListStates returns every registered name in registration order.
func (m *Multiplexer) ListStates() []string {
	names := make([]string, len(m.states))
	for i, s := range m.states {
		names[i] = s.name
	}
	return names
}

// HasState reports whether name is in the catalog.
func (m *Multiplexer) HasState(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Status returns a snapshot for status endpoints.
func (m *Multiplexer) Status() Status {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	cur, ok := m.CurrentState()
	return Status{
		Current:         cur,
		Active:          ok,
		States:          m.ListStates(),
		SwitchDelay:     m.switchDelay,
		PostSwitchDelay: m.postSwitchDelay,
		Initialized:     m.sealed.Load(),
		Closed:          closed,
	}
}

// Close deactivates the active state and releases every fragment. If
// deactivation fails the error is returned, nothing is released and Close
// may be called again. Close after a successful Close is a no-op.
func (m *Multiplexer) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	var from string
	if cur := m.current.Load(); cur != nil {
		from = cur.name
		if err := m.engine.Deactivate(ctx, m.session); err != nil {
			m.mu.Unlock()
			m.logger.Error("teardown: failed to remove overlay", "state", cur.name, "error", err)
			return &domain.OverlayError{Op: "deactivate", State: cur.name, Err: err}
		}
		m.current.Store(nil)
		m.session = ""
	}
	m.closed = true
	m.sealed.Store(true)
	m.mu.Unlock()

	var errs []error
	for _, s := range m.states {
		if err := s.fragment.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", s.name, err))
		}
	}

	m.publish(ctx, domain.EventMuxClosed, domain.SwitchEvent{ID: generateULID(m.now()), From: from})
	return errors.Join(errs...)
}

func (m *Multiplexer) currentName() string {
	name, _ := m.CurrentState()
	return name
}

func (m *Multiplexer) publish(ctx context.Context, typ domain.EventType, p domain.SwitchEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewSwitchEvent(typ, m.now(), p))
}

// Event IDs share one monotonic entropy source, so IDs stamped within the
// same millisecond still differ and sort in issue order.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func generateULID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}
