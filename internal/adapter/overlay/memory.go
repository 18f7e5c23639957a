package overlay

import (
	"context"
	"sync"
	"time"

	"statemux/internal/domain"
)

// MemoryOp is one call recorded by MemoryEngine.
type MemoryOp struct {
	Op      string // "activate" or "deactivate"
	Session domain.SessionToken
	Kind    string
	Err     error
}

// MemoryEngine keeps activations in memory. It accepts any fragment kind and
// is used for dry runs. FailActivate and FailDeactivate, when set, are
// consulted before each call and may inject failures.
type MemoryEngine struct {
	FailActivate   func(frag domain.Fragment) error
	FailDeactivate func(session domain.SessionToken) error

	tokens *TokenSource

	mu     sync.Mutex
	active map[domain.SessionToken]domain.Fragment
	ops    []MemoryOp
}

// NewMemoryEngine creates an empty MemoryEngine.
func NewMemoryEngine(now func() time.Time) *MemoryEngine {
	return &MemoryEngine{
		tokens: NewTokenSource(now),
		active: make(map[domain.SessionToken]domain.Fragment),
	}
}

// Activate implements domain.OverlayEngine.
func (e *MemoryEngine) Activate(_ context.Context, frag domain.Fragment) (domain.SessionToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailActivate != nil {
		if err := e.FailActivate(frag); err != nil {
			e.ops = append(e.ops, MemoryOp{Op: "activate", Kind: frag.Kind(), Err: err})
			return "", err
		}
	}
	token := e.tokens.Next()
	e.active[token] = frag
	e.ops = append(e.ops, MemoryOp{Op: "activate", Session: token, Kind: frag.Kind()})
	return token, nil
}

// Deactivate implements domain.OverlayEngine.
func (e *MemoryEngine) Deactivate(_ context.Context, session domain.SessionToken) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	frag, ok := e.active[session]
	if !ok {
		err := domain.NewSubSystemError(subsystem, "Memory.Deactivate", domain.ErrUnknownSession, string(session))
		e.ops = append(e.ops, MemoryOp{Op: "deactivate", Session: session, Err: err})
		return err
	}
	if e.FailDeactivate != nil {
		if err := e.FailDeactivate(session); err != nil {
			e.ops = append(e.ops, MemoryOp{Op: "deactivate", Session: session, Kind: frag.Kind(), Err: err})
			return err
		}
	}
	delete(e.active, session)
	e.ops = append(e.ops, MemoryOp{Op: "deactivate", Session: session, Kind: frag.Kind()})
	return nil
}

// Active returns the number of live sessions.
func (e *MemoryEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Fragment returns the fragment applied by session.
func (e *MemoryEngine) Fragment(session domain.SessionToken) (domain.Fragment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.active[session]
	return f, ok
}

// Ops returns a copy of the call log.
func (e *MemoryEngine) Ops() []MemoryOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MemoryOp(nil), e.ops...)
}

var _ domain.OverlayEngine = (*MemoryEngine)(nil)
