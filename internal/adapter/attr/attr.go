// Package attr renders the multiplexer as line-oriented text attributes:
// "state" (read/write) and "available_states" (read-only).
package attr

import (
	"bytes"
	"context"
	"strings"
)

// PageSize caps the length of a rendered attribute.
const PageSize = 4096

// Mux is the part of the multiplexer the attributes need.
type Mux interface {
	CurrentState() (string, bool)
	ListStates() []string
	SwitchTo(ctx context.Context, name string) error
}

// Attributes exposes a Mux as text attributes.
type Attributes struct {
	mux Mux
}

// New returns the attributes of m.
func New(m Mux) *Attributes {
	return &Attributes{mux: m}
}

// ShowState returns the active state name followed by a newline, or a lone
// newline when nothing is active.
func (a *Attributes) ShowState() string {
	name, _ := a.mux.CurrentState()
	return name + "\n"
}

// ShowAvailableStates returns every state name followed by a space, then a
// newline. Listing stops before the first name that would not fit in
// PageSize together with its space and the final newline, so only whole
// names are emitted and the output always ends in a newline.
func (a *Attributes) ShowAvailableStates() string {
	var b strings.Builder
	for _, name := range a.mux.ListStates() {
		if b.Len() >= PageSize-len(name)-3 {
			break
		}
		b.WriteString(name)
		b.WriteByte(' ')
	}
	b.WriteByte('\n')
	return b.String()
}

// StoreState switches to the name in buf with trailing newlines removed.
// It returns len(buf) on success.
func (a *Attributes) StoreState(ctx context.Context, buf []byte) (int, error) {
	name := string(bytes.TrimRight(buf, "\n"))
	if err := a.mux.SwitchTo(ctx, name); err != nil {
		return 0, err
	}
	return len(buf), nil
}
