package attr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statemux/internal/domain"
)

type fakeMux struct {
	current string
	states  []string
	got     []string
}

func (f *fakeMux) CurrentState() (string, bool) { return f.current, f.current != "" }
func (f *fakeMux) ListStates() []string         { return f.states }
func (f *fakeMux) SwitchTo(_ context.Context, name string) error {
	f.got = append(f.got, name)
	for _, s := range f.states {
		if s == name {
			f.current = name
			return nil
		}
	}
	return domain.NewSubSystemError("mux", "Mux.SwitchTo", domain.ErrUnknownState, name)
}

func TestShowState(t *testing.T) {
	m := &fakeMux{states: []string{"a", "b"}}
	a := New(m)
	assert.Equal(t, "\n", a.ShowState())

	m.current = "b"
	assert.Equal(t, "b\n", a.ShowState())
}

func TestShowAvailableStates(t *testing.T) {
	a := New(&fakeMux{states: []string{"uart", "spi", "i2c"}})
	assert.Equal(t, "uart spi i2c \n", a.ShowAvailableStates())

	assert.Equal(t, "\n", New(&fakeMux{}).ShowAvailableStates())
}

func TestShowAvailableStatesTruncates(t *testing.T) {
	var states []string
	for i := 0; i < 1000; i++ {
		states = append(states, strings.Repeat("x", 9))
	}
	out := New(&fakeMux{states: states}).ShowAvailableStates()
	assert.Len(t, out, 4091)
	assert.True(t, strings.HasSuffix(out, "xxxxxxxxx \n"))

	tokens := strings.Fields(out)
	assert.Len(t, tokens, 409)
	for _, tok := range tokens {
		assert.Equal(t, "xxxxxxxxx", tok)
	}
}

func TestShowAvailableStatesSkipsNameThatDoesNotFit(t *testing.T) {
	long := strings.Repeat("y", PageSize)
	out := New(&fakeMux{states: []string{"uart", long, "spi"}}).ShowAvailableStates()
	assert.Equal(t, "uart \n", out)
}

func TestStoreStateStripsTrailingNewlines(t *testing.T) {
	m := &fakeMux{states: []string{"uart"}}
	a := New(m)

	n, err := a.StoreState(context.Background(), []byte("uart\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []string{"uart"}, m.got)
	assert.Equal(t, "uart\n", a.ShowState())
}

func TestStoreStateKeepsOtherWhitespace(t *testing.T) {
	m := &fakeMux{states: []string{"uart"}}
	_, err := New(m).StoreState(context.Background(), []byte(" uart\n"))
	assert.True(t, errors.Is(err, domain.ErrUnknownState))
	assert.Equal(t, []string{" uart"}, m.got)
}

func TestStoreStateUnknown(t *testing.T) {
	m := &fakeMux{states: []string{"uart"}, current: "uart"}
	n, err := New(m).StoreState(context.Background(), []byte("nope\n"))
	require.ErrorIs(t, err, domain.ErrUnknownState)
	assert.Zero(t, n)
	assert.Equal(t, "uart", m.current)
}
