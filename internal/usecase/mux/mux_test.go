package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statemux/internal/domain"
)

// --- test doubles ---

type testFragment struct {
	id         string
	released   atomic.Int32
	releaseErr error
}

func (f *testFragment) Kind() string { return "test" }
func (f *testFragment) Release() error {
	f.released.Add(1)
	return f.releaseErr
}

type call struct {
	op      string // "activate" or "deactivate"
	frag    string
	session domain.SessionToken
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []call
	next     int
	live     map[domain.SessionToken]string
	delay    time.Duration
	failAct  map[string]error // fragment id -> error
	failDeac error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{live: make(map[domain.SessionToken]string), failAct: make(map[string]error)}
}

func (e *fakeEngine) Activate(_ context.Context, frag domain.Fragment) (domain.SessionToken, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := frag.(*testFragment).id
	if err := e.failAct[id]; err != nil {
		e.calls = append(e.calls, call{op: "activate", frag: id})
		return "", err
	}
	e.next++
	tok := domain.SessionToken(fmt.Sprintf("s%d", e.next))
	e.live[tok] = id
	e.calls = append(e.calls, call{op: "activate", frag: id, session: tok})
	return tok, nil
}

func (e *fakeEngine) Deactivate(_ context.Context, session domain.SessionToken) error {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{op: "deactivate", frag: e.live[session], session: session})
	if e.failDeac != nil {
		return e.failDeac
	}
	if _, ok := e.live[session]; !ok {
		return domain.ErrUnknownSession
	}
	delete(e.live, session)
	return nil
}

func (e *fakeEngine) snapshot() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]call, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *fakeEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slept)
}

func newTestMux(t *testing.T, engine *fakeEngine, sleeper *sleepRecorder, names ...string) (*Multiplexer, map[string]*testFragment) {
	t.Helper()
	opts := Options{Logger: slog.Default()}
	if sleeper != nil {
		opts.Sleep = sleeper.sleep
	}
	m := New(engine, opts)
	frags := make(map[string]*testFragment, len(names))
	for _, n := range names {
		f := &testFragment{id: "frag-" + n}
		frags[n] = f
		require.NoError(t, m.RegisterState(n, f))
	}
	return m, frags
}

// --- registration & initialization ---

func TestRegisterStateRejectsDuplicate(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a")
	err := m.RegisterState("a", &testFragment{id: "other"})
	assert.ErrorIs(t, err, domain.ErrInvalidStateName)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, []string{"a"}, m.ListStates())
}

func TestRegisterStateRejectsEmptyName(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil)
	assert.ErrorIs(t, m.RegisterState("", &testFragment{}), domain.ErrInvalidStateName)
}

func TestRegisterStateRejectsNilFragment(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil)
	assert.ErrorIs(t, m.RegisterState("a", nil), domain.ErrInvalidInput)
}

func TestRegisterStateAfterInitialize(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a")
	require.NoError(t, m.Initialize(context.Background(), InitOptions{}))
	assert.ErrorIs(t, m.RegisterState("b", &testFragment{}), domain.ErrAlreadyInitialized)
}

func TestInitializeNoStates(t *testing.T) {
	engine := newFakeEngine()
	m, _ := newTestMux(t, engine, nil)
	err := m.Initialize(context.Background(), InitOptions{})
	assert.ErrorIs(t, err, domain.ErrNoStates)
	assert.Equal(t, domain.CodeNoStates, domain.ErrorCodeOf(err))
	assert.Empty(t, engine.snapshot())
}

func TestInitializeTwice(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a")
	require.NoError(t, m.Initialize(context.Background(), InitOptions{}))
	assert.ErrorIs(t, m.Initialize(context.Background(), InitOptions{}), domain.ErrAlreadyInitialized)
}

func TestInitializeNegativeDelay(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a")
	err := m.Initialize(context.Background(), InitOptions{SwitchDelay: -time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestInitializeDefaultResolution(t *testing.T) {
	tests := []struct {
		name    string
		def     string
		strict  bool
		want    string
		wantErr error
	}{
		{name: "explicit", def: "b", want: "b"},
		{name: "empty selects first", def: "", want: "a"},
		{name: "unknown falls back to first", def: "zzz", want: "a"},
		{name: "unknown strict", def: "zzz", strict: true, wantErr: domain.ErrDefaultNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMux(t, newFakeEngine(), nil, "a", "b")
			err := m.Initialize(context.Background(), InitOptions{Default: tt.def, StrictDefault: tt.strict})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				_, ok := m.CurrentState()
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			cur, ok := m.CurrentState()
			assert.True(t, ok)
			assert.Equal(t, tt.want, cur)
		})
	}
}

func TestInitializeDefaultActivationFailureIsNotFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.failAct["frag-a"] = errors.New("bus error")
	m, _ := newTestMux(t, engine, nil, "a", "b")

	require.NoError(t, m.Initialize(context.Background(), InitOptions{}))
	_, ok := m.CurrentState()
	assert.False(t, ok)

	// Still usable afterwards.
	require.NoError(t, m.SwitchTo(context.Background(), "b"))
	cur, _ := m.CurrentState()
	assert.Equal(t, "b", cur)
}

func TestSwitchBeforeInitialize(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a")
	assert.ErrorIs(t, m.SwitchTo(context.Background(), "a"), domain.ErrNotInitialized)
}

// --- switching ---

func TestEndToEnd(t *testing.T) {
	engine := newFakeEngine()
	m, _ := newTestMux(t, engine, nil, "a", "b")
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "b"}))
	cur, ok := m.CurrentState()
	require.True(t, ok)
	assert.Equal(t, "b", cur)

	calls := engine.snapshot()
	require.Len(t, calls, 1)
	bSession := calls[0].session
	engine.reset()

	require.NoError(t, m.SwitchTo(ctx, "a"))
	cur, _ = m.CurrentState()
	assert.Equal(t, "a", cur)

	calls = engine.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, call{op: "deactivate", frag: "frag-b", session: bSession}, calls[0])
	assert.Equal(t, "activate", calls[1].op)
	assert.Equal(t, "frag-a", calls[1].frag)
}

func TestIdempotentReswitch(t *testing.T) {
	engine := newFakeEngine()
	sleeper := &sleepRecorder{}
	m, _ := newTestMux(t, engine, sleeper, "a", "b")
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "a", SwitchDelay: 10 * time.Millisecond, PostSwitchDelay: 5 * time.Millisecond}))
	require.NoError(t, m.SwitchTo(ctx, "b"))

	calls := len(engine.snapshot())
	sleeps := sleeper.count()

	require.NoError(t, m.SwitchTo(ctx, "b"))
	assert.Len(t, engine.snapshot(), calls, "no engine calls for the active state")
	assert.Equal(t, sleeps, sleeper.count(), "no delays for the active state")
}

func TestSwitchDelays(t *testing.T) {
	engine := newFakeEngine()
	sleeper := &sleepRecorder{}
	m, _ := newTestMux(t, engine, sleeper, "a", "b")
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx, InitOptions{SwitchDelay: 30 * time.Millisecond, PostSwitchDelay: 7 * time.Millisecond}))
	require.NoError(t, m.SwitchTo(ctx, "b"))

	// Two delays per applied switch, including the default one.
	assert.Equal(t, []time.Duration{
		30 * time.Millisecond, 7 * time.Millisecond,
		30 * time.Millisecond, 7 * time.Millisecond,
	}, sleeper.slept)
}

func TestZeroDelaysDoNotSleep(t *testing.T) {
	sleeper := &sleepRecorder{}
	m, _ := newTestMux(t, newFakeEngine(), sleeper, "a", "b")
	require.NoError(t, m.Initialize(context.Background(), InitOptions{}))
	require.NoError(t, m.SwitchTo(context.Background(), "b"))
	assert.Zero(t, sleeper.count())
}

func TestUnknownTarget(t *testing.T) {
	engine := newFakeEngine()
	m, _ := newTestMux(t, engine, nil, "a", "b")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{}))
	before, _, err := m.SessionOf()
	require.NoError(t, err)
	engine.reset()

	err = m.SwitchTo(ctx, "nonexistent")
	assert.ErrorIs(t, err, domain.ErrUnknownState)
	assert.Equal(t, domain.CodeUnknownState, domain.ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "nonexistent")

	cur, _ := m.CurrentState()
	assert.Equal(t, "a", cur)
	after, _, err := m.SessionOf()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, engine.snapshot())
}

func TestPartialFailureOnActivate(t *testing.T) {
	engine := newFakeEngine()
	m, _ := newTestMux(t, engine, nil, "a", "b")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "a"}))

	engineErr := errors.New("overlay apply failed")
	engine.failAct["frag-b"] = engineErr

	err := m.SwitchTo(ctx, "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOverlayFailed)
	assert.ErrorIs(t, err, engineErr)
	var oe *domain.OverlayError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "activate", oe.Op)
	assert.Equal(t, "b", oe.State)

	cur, ok := m.CurrentState()
	assert.False(t, ok)
	assert.Empty(t, cur)
	_, _, err = m.SessionOf()
	assert.Error(t, err)

	// Switching back to a is a real activation, not a no-op.
	engine.reset()
	require.NoError(t, m.SwitchTo(ctx, "a"))
	calls := engine.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "activate", calls[0].op)
	assert.Equal(t, "frag-a", calls[0].frag)
	cur, _ = m.CurrentState()
	assert.Equal(t, "a", cur)
}

func TestFailedDeactivatePreservesReality(t *testing.T) {
	engine := newFakeEngine()
	sleeper := &sleepRecorder{}
	m, _ := newTestMux(t, engine, sleeper, "a", "b")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "a", SwitchDelay: time.Second}))
	session, _, err := m.SessionOf()
	require.NoError(t, err)
	sleeps := sleeper.count()

	engineErr := errors.New("revert refused")
	engine.failDeac = engineErr

	err = m.SwitchTo(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrOverlayFailed)
	assert.ErrorIs(t, err, engineErr)
	var oe *domain.OverlayError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "deactivate", oe.Op)

	cur, ok := m.CurrentState()
	assert.True(t, ok)
	assert.Equal(t, "a", cur)
	after, _, err := m.SessionOf()
	require.NoError(t, err)
	assert.Equal(t, session, after)
	assert.Equal(t, sleeps, sleeper.count(), "no delay after a failed deactivate")
}

func TestEmptySessionTokenIsAFailure(t *testing.T) {
	m := New(emptyTokenEngine{}, Options{})
	require.NoError(t, m.RegisterState("a", &testFragment{}))
	require.NoError(t, m.Initialize(context.Background(), InitOptions{}))
	_, ok := m.CurrentState()
	assert.False(t, ok)
	assert.ErrorIs(t, m.SwitchTo(context.Background(), "a"), domain.ErrOverlayFailed)
}

type emptyTokenEngine struct{}

func (emptyTokenEngine) Activate(context.Context, domain.Fragment) (domain.SessionToken, error) {
	return "", nil
}
func (emptyTokenEngine) Deactivate(context.Context, domain.SessionToken) error { return nil }

func TestSameNameReappliedGetsNewSession(t *testing.T) {
	engine := newFakeEngine()
	m, _ := newTestMux(t, engine, nil, "a", "b")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{}))
	first, _, _ := m.SessionOf()

	require.NoError(t, m.SwitchTo(ctx, "b"))
	require.NoError(t, m.SwitchTo(ctx, "a"))
	second, _, _ := m.SessionOf()
	assert.NotEqual(t, first, second)
}

func TestExclusion(t *testing.T) {
	engine := newFakeEngine()
	engine.delay = 2 * time.Millisecond
	m, _ := newTestMux(t, engine, nil, "a", "b", "c")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "a", SwitchDelay: time.Millisecond}))

	var wg sync.WaitGroup
	targets := []string{"b", "c", "a", "c", "b", "a", "b", "c"}
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.SwitchTo(ctx, target))
		}()
	}
	wg.Wait()

	calls := engine.snapshot()
	require.NotEmpty(t, calls)
	require.Equal(t, "activate", calls[0].op)
	last := calls[0]
	for i := 1; i < len(calls); i += 2 {
		require.Less(t, i+1, len(calls), "deactivate without a following activate")
		deac, act := calls[i], calls[i+1]
		require.Equal(t, "deactivate", deac.op, "call %d", i)
		require.Equal(t, last.session, deac.session, "deactivate must target the last activation")
		require.Equal(t, "activate", act.op, "call %d", i+1)
		last = act
	}

	cur, ok := m.CurrentState()
	require.True(t, ok)
	assert.Equal(t, "frag-"+cur, last.frag, "current is the target of the last switch")
}

func TestListingOrder(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "zeta", "alpha", "mid")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "mid"}))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.ListStates())
	require.NoError(t, m.SwitchTo(ctx, "alpha"))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.ListStates())
}

func TestListStatesReturnsCopy(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a", "b")
	names := m.ListStates()
	names[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, m.ListStates())
}

func TestIndependentInstances(t *testing.T) {
	e1, e2 := newFakeEngine(), newFakeEngine()
	m1, _ := newTestMux(t, e1, nil, "a", "b")
	m2, _ := newTestMux(t, e2, nil, "a", "b")
	ctx := context.Background()
	require.NoError(t, m1.Initialize(ctx, InitOptions{Default: "a"}))
	require.NoError(t, m2.Initialize(ctx, InitOptions{Default: "b"}))

	c1, _ := m1.CurrentState()
	c2, _ := m2.CurrentState()
	assert.Equal(t, "a", c1)
	assert.Equal(t, "b", c2)
}

// --- teardown ---

func TestCloseDeactivatesAndReleases(t *testing.T) {
	engine := newFakeEngine()
	m, frags := newTestMux(t, engine, nil, "a", "b")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{Default: "b"}))
	engine.reset()

	require.NoError(t, m.Close(ctx))
	calls := engine.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "deactivate", calls[0].op)
	assert.Equal(t, "frag-b", calls[0].frag)
	for name, f := range frags {
		assert.Equal(t, int32(1), f.released.Load(), "fragment %s", name)
	}

	_, ok := m.CurrentState()
	assert.False(t, ok)
	assert.ErrorIs(t, m.SwitchTo(ctx, "a"), domain.ErrClosed)

	// Second close is a no-op.
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, int32(1), frags["a"].released.Load())
}

func TestCloseDeactivateFailure(t *testing.T) {
	engine := newFakeEngine()
	m, frags := newTestMux(t, engine, nil, "a")
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, InitOptions{}))

	engine.failDeac = errors.New("busy")
	err := m.Close(ctx)
	assert.ErrorIs(t, err, domain.ErrOverlayFailed)
	assert.Zero(t, frags["a"].released.Load(), "fragments kept while overlay is applied")
	cur, _ := m.CurrentState()
	assert.Equal(t, "a", cur)

	engine.failDeac = nil
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, int32(1), frags["a"].released.Load())
}

func TestCloseJoinsReleaseErrors(t *testing.T) {
	m := New(newFakeEngine(), Options{})
	errA := errors.New("a stuck")
	require.NoError(t, m.RegisterState("a", &testFragment{id: "frag-a", releaseErr: errA}))
	require.NoError(t, m.RegisterState("b", &testFragment{id: "frag-b"}))

	err := m.Close(context.Background())
	assert.ErrorIs(t, err, errA)
}

func TestStatus(t *testing.T) {
	m, _ := newTestMux(t, newFakeEngine(), nil, "a", "b")
	st := m.Status()
	assert.False(t, st.Initialized)
	assert.False(t, st.Active)

	require.NoError(t, m.Initialize(context.Background(), InitOptions{Default: "b", SwitchDelay: time.Millisecond}))
	st = m.Status()
	assert.True(t, st.Initialized)
	assert.True(t, st.Active)
	assert.Equal(t, "b", st.Current)
	assert.Equal(t, []string{"a", "b"}, st.States)
	assert.Equal(t, time.Millisecond, st.SwitchDelay)
}
