package overlay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statemux/internal/domain"
)

type otherFragment struct{}

func (otherFragment) Kind() string   { return "pins" }
func (otherFragment) Release() error { return nil }

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestTokenSourceMonotonic(t *testing.T) {
	src := NewTokenSource(fixedNow)
	prev := src.Next()
	for i := 0; i < 100; i++ {
		next := src.Next()
		require.Greater(t, string(next), string(prev))
		prev = next
	}
}

func TestLoadBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state-uart.dtbo")
	require.NoError(t, os.WriteFile(path, []byte{0xd0, 0x0d, 0xfe, 0xed}, 0o644))

	b, err := LoadBlob(path)
	require.NoError(t, err)
	assert.Equal(t, KindDTBO, b.Kind())
	assert.Equal(t, path, b.Source)
	assert.Len(t, b.Data(), 4)

	require.NoError(t, b.Release())
	assert.Nil(t, b.Data())
	require.NoError(t, b.Release())
}

func TestLoadBlobErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadBlob(filepath.Join(dir, "missing.dtbo"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.dtbo")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadBlob(empty)
	assert.ErrorContains(t, err, "empty")
}

// --- configfs ---

func newConfigfs(t *testing.T, verify bool) (*ConfigfsEngine, string) {
	t.Helper()
	root := t.TempDir()
	e, err := NewConfigfsEngine(ConfigfsOptions{Root: root, VerifyStatus: verify, Logger: slog.Default()})
	require.NoError(t, err)
	return e, root
}

func TestConfigfsRootMustBeDir(t *testing.T) {
	_, err := NewConfigfsEngine(ConfigfsOptions{Root: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewConfigfsEngine(ConfigfsOptions{Root: file})
	assert.ErrorContains(t, err, "not a directory")
}

func TestConfigfsActivateDeactivate(t *testing.T) {
	e, root := newConfigfs(t, false)
	ctx := context.Background()

	tok, err := e.Activate(ctx, NewBlob([]byte("overlay-bytes")))
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	data, err := os.ReadFile(filepath.Join(root, string(tok), "dtbo"))
	require.NoError(t, err)
	assert.Equal(t, "overlay-bytes", string(data))
	assert.Equal(t, []domain.SessionToken{tok}, e.Sessions())

	require.NoError(t, e.Deactivate(ctx, tok))
	_, err = os.Stat(filepath.Join(root, string(tok)))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, e.Sessions())
}

func TestConfigfsSameBlobTwiceGetsDistinctSessions(t *testing.T) {
	e, _ := newConfigfs(t, false)
	blob := NewBlob([]byte("x"))

	a, err := e.Activate(context.Background(), blob)
	require.NoError(t, err)
	b, err := e.Activate(context.Background(), blob)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, e.Sessions(), 2)
}

func TestConfigfsRejectsForeignFragment(t *testing.T) {
	e, root := newConfigfs(t, false)
	_, err := e.Activate(context.Background(), otherFragment{})
	require.ErrorIs(t, err, domain.ErrFragmentKind)

	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries)
}

func TestConfigfsRejectsReleasedBlob(t *testing.T) {
	e, _ := newConfigfs(t, false)
	blob := NewBlob([]byte("x"))
	require.NoError(t, blob.Release())
	_, err := e.Activate(context.Background(), blob)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConfigfsVerifyStatusFailureCleansUp(t *testing.T) {
	// A plain directory never grows a status attribute.
	e, root := newConfigfs(t, true)
	_, err := e.Activate(context.Background(), NewBlob([]byte("x")))
	require.ErrorContains(t, err, "status")

	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries)
	assert.Empty(t, e.Sessions())
}

func TestConfigfsDeactivateUnknownSession(t *testing.T) {
	e, _ := newConfigfs(t, false)
	err := e.Deactivate(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
	assert.Equal(t, domain.ErrorCode("UNKNOWN_SESSION"), domain.ErrorCodeOf(err))
}

// --- memory ---

func TestMemoryEngine(t *testing.T) {
	e := NewMemoryEngine(nil)
	ctx := context.Background()
	blob := NewBlob([]byte("x"))

	tok, err := e.Activate(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Active())
	f, ok := e.Fragment(tok)
	require.True(t, ok)
	assert.Same(t, blob, f)

	require.NoError(t, e.Deactivate(ctx, tok))
	assert.Equal(t, 0, e.Active())
	assert.ErrorIs(t, e.Deactivate(ctx, tok), domain.ErrUnknownSession)

	ops := e.Ops()
	require.Len(t, ops, 3)
	assert.Equal(t, "activate", ops[0].Op)
	assert.Equal(t, "deactivate", ops[1].Op)
	assert.Error(t, ops[2].Err)
}

func TestMemoryEngineInjectedFailures(t *testing.T) {
	e := NewMemoryEngine(nil)
	boom := errors.New("boom")
	ctx := context.Background()

	e.FailActivate = func(domain.Fragment) error { return boom }
	_, err := e.Activate(ctx, otherFragment{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.Active())

	e.FailActivate = nil
	tok, err := e.Activate(ctx, otherFragment{})
	require.NoError(t, err)

	e.FailDeactivate = func(domain.SessionToken) error { return boom }
	assert.ErrorIs(t, e.Deactivate(ctx, tok), boom)
	assert.Equal(t, 1, e.Active(), "failed deactivate keeps the session")
}

// --- breaker ---

func TestBreakerPassesThrough(t *testing.T) {
	inner := NewMemoryEngine(nil)
	b := NewBreakerEngine(inner, BreakerSettings{}, slog.Default())

	tok, err := b.Activate(context.Background(), otherFragment{})
	require.NoError(t, err)
	require.NoError(t, b.Deactivate(context.Background(), tok))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := NewMemoryEngine(nil)
	calls := 0
	inner.FailActivate = func(domain.Fragment) error {
		calls++
		return errors.New("i2c bus stuck")
	}
	b := NewBreakerEngine(inner, BreakerSettings{MaxFailures: 3, Timeout: time.Minute}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := b.Activate(context.Background(), otherFragment{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrEngineOpen)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Activate(context.Background(), otherFragment{})
	require.ErrorIs(t, err, domain.ErrEngineOpen)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, calls, "open breaker must not reach the engine")
}

func TestBreakerIgnoresCallerMistakes(t *testing.T) {
	b := NewBreakerEngine(NewMemoryEngine(nil), BreakerSettings{MaxFailures: 1}, slog.Default())
	for i := 0; i < 3; i++ {
		err := b.Deactivate(context.Background(), "missing")
		require.ErrorIs(t, err, domain.ErrUnknownSession)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

// --- traced ---

func TestTracedEnginePassesThrough(t *testing.T) {
	inner := NewMemoryEngine(nil)
	e := NewTracedEngine(inner, "memory")

	tok, err := e.Activate(context.Background(), otherFragment{})
	require.NoError(t, err)
	require.NoError(t, e.Deactivate(context.Background(), tok))
	assert.ErrorIs(t, e.Deactivate(context.Background(), tok), domain.ErrUnknownSession)

	inner.FailActivate = func(domain.Fragment) error { return errors.New("x") }
	_, err = e.Activate(context.Background(), otherFragment{})
	assert.Error(t, err)
}
