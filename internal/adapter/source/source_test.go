package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statemux/internal/adapter/overlay"
	"statemux/internal/adapter/overlay/gpio"
	"statemux/internal/domain"
	"statemux/internal/infra/config"
)

type recorder struct {
	names []string
	frags []domain.Fragment
	fail  map[string]error
}

func (r *recorder) RegisterState(name string, frag domain.Fragment) error {
	if err := r.fail[name]; err != nil {
		return err
	}
	r.names = append(r.names, name)
	r.frags = append(r.frags, frag)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStateName(t *testing.T) {
	tests := []struct {
		file string
		want string
		ok   bool
	}{
		{"state-uart.dtbo", "uart", true},
		{"state-spi-fast.yaml", "spi-fast", true},
		{"state-.dtbo", "", false},
		{"uart.dtbo", "", false},
		{"State-uart.dtbo", "", false},
	}
	for _, tt := range tests {
		got, ok := stateName(tt.file)
		assert.Equal(t, tt.want, got, tt.file)
		assert.Equal(t, tt.ok, ok, tt.file)
	}
}

func TestDirSourceDiscover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state-spi.dtbo", "spi-overlay")
	writeFile(t, dir, "state-leds.yaml", "pins:\n  17: 1\n")
	writeFile(t, dir, "state-audio.dtbo", "audio-overlay")
	writeFile(t, dir, "README.md", "docs")
	writeFile(t, dir, "state-notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "state-subdir"), 0o755))

	src := &DirSource{Dir: dir}
	entries, err := src.Discover(context.Background())
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"audio", "leds", "spi"}, names)
	assert.Equal(t, overlay.KindDTBO, entries[0].Fragment.Kind())
	assert.Equal(t, gpio.KindPins, entries[1].Fragment.Kind())
	assert.Equal(t, filepath.Join(dir, "state-spi.dtbo"), entries[2].Origin)
}

func TestDirSourceMissingDir(t *testing.T) {
	src := &DirSource{Dir: filepath.Join(t.TempDir(), "missing")}
	_, err := src.Discover(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeSourceNotFound, domain.ErrorCodeOf(err))
}

func TestDirSourceInvalidFragment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state-a.dtbo", "ok")
	writeFile(t, dir, "state-b.yaml", "pins:\n  4: 7\n")

	_, err := (&DirSource{Dir: dir}).Discover(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.CodeSourceInvalid, domain.ErrorCodeOf(err))
}

func TestConfigSourceDiscover(t *testing.T) {
	dir := t.TempDir()
	dtbo := writeFile(t, dir, "i2c.dtbo", "i2c-overlay")

	src := &ConfigSource{States: []config.StateConfig{
		{Name: "state-leds", Pins: map[int]int{17: 1}},
		{Name: "no-prefix", Pins: map[int]int{18: 1}},
		{Name: "state-i2c", File: dtbo},
	}}
	entries, err := src.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "leds", entries[0].Name)
	assert.Equal(t, gpio.KindPins, entries[0].Fragment.Kind())
	assert.Equal(t, "i2c", entries[1].Name)
	assert.Equal(t, dtbo, entries[1].Origin)
}

func TestConfigSourceInvalid(t *testing.T) {
	src := &ConfigSource{States: []config.StateConfig{{Name: "state-empty"}}}
	_, err := src.Discover(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoadRegistersInSourceOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state-b.dtbo", "b")
	writeFile(t, dir, "state-a.dtbo", "a")

	reg := &recorder{}
	n, err := Load(context.Background(), reg,
		&DirSource{Dir: dir},
		&ConfigSource{States: []config.StateConfig{{Name: "state-leds", Pins: map[int]int{1: 1}}}},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "leds"}, reg.names)
}

func TestLoadReleasesUnregisteredOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state-a.dtbo", "a")
	writeFile(t, dir, "state-b.dtbo", "b")
	writeFile(t, dir, "state-c.dtbo", "c")

	src := &DirSource{Dir: dir}
	entries, err := src.Discover(context.Background())
	require.NoError(t, err)

	boom := errors.New("duplicate")
	reg := &recorder{fail: map[string]error{"b": boom}}
	stub := &staticSource{entries: entries}
	n, err := Load(context.Background(), reg, stub)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)

	assert.NotNil(t, entries[0].Fragment.(*overlay.Blob).Data(), "registered fragment belongs to the registrar")
	assert.Nil(t, entries[1].Fragment.(*overlay.Blob).Data())
	assert.Nil(t, entries[2].Fragment.(*overlay.Blob).Data())
}

type staticSource struct{ entries []Entry }

func (s *staticSource) Name() string { return "static" }
func (s *staticSource) Discover(context.Context) ([]Entry, error) {
	return s.entries, nil
}
