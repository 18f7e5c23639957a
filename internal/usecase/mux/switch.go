package mux

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"statemux/internal/domain"
	"statemux/internal/infra/tracer"
)

var errEmptySession = errors.New("engine returned an empty session token")

// SwitchTo makes name the active state.
//
// Unknown names fail with ErrUnknownState before the lock is taken. If name
// is already active nothing happens: no engine calls and no delays.
// Otherwise the current state is deactivated, the switch delay elapses, the
// target is activated and the post-switch delay elapses, all while holding
// the lock. A failed deactivate leaves the previous state active. A failed
// activate leaves nothing active; the previous state is not restored.
//
// ctx carries tracing and logging values only. An in-flight switch cannot
// be cancelled; callers wanting a deadline must race the call themselves.
func (m *Multiplexer) SwitchTo(ctx context.Context, name string) error {
	const op = "Mux.SwitchTo"
	if !m.sealed.Load() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrNotInitialized, name)
	}
	target, ok := m.byName[name]
	if !ok {
		m.logger.Warn("no such state", "state", name)
		return domain.NewSubSystemError(subsystem, op, domain.ErrUnknownState, name)
	}

	ctx, span := tracer.StartSpan(ctx, "mux.switch", trace.WithAttributes(tracer.StringAttr("mux.target", name)))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	start := m.now()
	from, changed, err := m.transition(ctx, target)
	elapsed := m.now().Sub(start)

	ev := domain.SwitchEvent{
		ID:         generateULID(start),
		From:       from,
		To:         name,
		Active:     m.currentName(),
		DurationMs: elapsed.Milliseconds(),
	}
	switch {
	case err != nil:
		tracer.RecordError(span, err)
		ev.Error = err.Error()
		ev.Code = string(domain.ErrorCodeOf(err))
		m.publish(ctx, domain.EventStateSwitchFailed, ev)
	case !changed:
		tracer.SetOK(span)
		m.publish(ctx, domain.EventStateUnchanged, ev)
	default:
		tracer.SetOK(span)
		m.logger.Info("state switched", "from", from, "to", name, "duration", elapsed)
		m.publish(ctx, domain.EventStateSwitched, ev)
	}
	return err
}

// transition runs the switch protocol under the lock. from is the state
// active when the lock was acquired; changed is false for the no-op path.
func (m *Multiplexer) transition(ctx context.Context, target *state) (from string, changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", false, domain.NewSubSystemError(subsystem, "Mux.SwitchTo", domain.ErrClosed, target.name)
	}

	cur := m.current.Load()
	if cur != nil {
		from = cur.name
	}
	if cur == target {
		m.logger.Debug("nothing to do, state remains", "state", cur.name)
		return from, false, nil
	}

	if cur != nil {
		m.logger.Debug("removing overlay", "state", cur.name)
		if err := m.engine.Deactivate(ctx, m.session); err != nil {
			return from, false, &domain.OverlayError{Op: "deactivate", State: cur.name, Err: err}
		}
		m.current.Store(nil)
		m.session = ""
	}

	if m.switchDelay > 0 {
		m.sleep(m.switchDelay)
	}

	m.logger.Debug("adding overlay", "state", target.name)
	session, err := m.engine.Activate(ctx, target.fragment)
	if err == nil && session == "" {
		err = errEmptySession
	}
	if err != nil {
		return from, true, &domain.OverlayError{Op: "activate", State: target.name, Err: err}
	}
	m.session = session
	m.current.Store(target)

	if m.postSwitchDelay > 0 {
		m.sleep(m.postSwitchDelay)
	}
	return from, true, nil
}

// SessionOf returns the engine session of the active state. It is meant for
// diagnostics; the token is only valid until the next switch.
func (m *Multiplexer) SessionOf() (domain.SessionToken, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current.Load()
	if cur == nil {
		return "", "", fmt.Errorf("no active state")
	}
	return m.session, cur.name, nil
}
