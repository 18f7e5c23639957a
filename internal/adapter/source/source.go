// Package source discovers state definitions and feeds them to the
// multiplexer. Every external name carries the "state-" prefix, which is
// stripped to form the state name.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"statemux/internal/adapter/overlay"
	"statemux/internal/adapter/overlay/gpio"
	"statemux/internal/domain"
	"statemux/internal/infra/config"
)

const subsystem = "source"

// Entry is one discovered state.
type Entry struct {
	Name     string
	Fragment domain.Fragment
	Origin   string // file or config key it came from
}

// Source yields states in a stable order.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]Entry, error)
}

// Registrar accepts discovered states. *mux.Multiplexer satisfies it.
type Registrar interface {
	RegisterState(name string, frag domain.Fragment) error
}

// Load registers every entry of every source, in source order. On the first
// failure the fragments not yet handed to reg are released and the error is
// returned. It returns the number of states registered.
func Load(ctx context.Context, reg Registrar, sources ...Source) (int, error) {
	n := 0
	for _, src := range sources {
		entries, err := src.Discover(ctx)
		if err != nil {
			return n, fmt.Errorf("%s: %w", src.Name(), err)
		}
		for i, e := range entries {
			if err := reg.RegisterState(e.Name, e.Fragment); err != nil {
				releaseAll(entries[i:])
				return n, fmt.Errorf("%s: register %s: %w", src.Name(), e.Origin, err)
			}
			n++
		}
	}
	return n, nil
}

func releaseAll(entries []Entry) {
	for _, e := range entries {
		_ = e.Fragment.Release()
	}
}

// DirSource scans a directory for state-* files. ".dtbo" files become overlay
// blobs and ".yaml"/".yml" files become GPIO pin maps. Entries come back in
// file name order.
type DirSource struct {
	Dir    string
	Logger *slog.Logger
}

// Name implements Source.
func (d *DirSource) Name() string { return "dir:" + d.Dir }

// Discover implements Source.
func (d *DirSource) Discover(ctx context.Context) ([]Entry, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dirents, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NewSubSystemError(subsystem, "DirSource.Discover", domain.ErrNotFound, d.Dir)
		}
		return nil, fmt.Errorf("read states dir: %w", err)
	}

	var entries []Entry
	for _, de := range dirents {
		if err := ctx.Err(); err != nil {
			releaseAll(entries)
			return nil, err
		}
		if de.IsDir() {
			continue
		}
		file := de.Name()
		name, ok := stateName(file)
		if !ok {
			logger.Debug("skipping non-state file", "file", file)
			continue
		}
		path := filepath.Join(d.Dir, file)
		frag, err := loadFragment(path)
		if err != nil {
			if errors.Is(err, errUnsupported) {
				logger.Debug("skipping file with unknown extension", "file", file)
				continue
			}
			releaseAll(entries)
			return nil, domain.NewSubSystemError(subsystem, "DirSource.Discover", domain.ErrInvalidInput, err.Error())
		}
		entries = append(entries, Entry{Name: name, Fragment: frag, Origin: path})
	}
	return entries, nil
}

// ConfigSource yields the inline states of the configuration file.
type ConfigSource struct {
	States []config.StateConfig
	Logger *slog.Logger
}

// Name implements Source.
func (c *ConfigSource) Name() string { return "config" }

// Discover implements Source.
func (c *ConfigSource) Discover(_ context.Context) ([]Entry, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var entries []Entry
	for i, sc := range c.States {
		name, ok := config.StateName(sc.Name)
		if !ok {
			logger.Debug("skipping config entry without state- prefix", "name", sc.Name)
			continue
		}
		origin := fmt.Sprintf("states[%d]", i)

		var frag domain.Fragment
		var err error
		switch {
		case len(sc.Pins) > 0:
			frag, err = gpio.NewPinMap(sc.Pins)
		case sc.File != "":
			frag, err = loadFragment(sc.File)
			origin = sc.File
		default:
			err = fmt.Errorf("no file or pins")
		}
		if err != nil {
			releaseAll(entries)
			return nil, domain.NewSubSystemError(subsystem, "ConfigSource.Discover", domain.ErrInvalidInput,
				fmt.Sprintf("%s (%s): %v", sc.Name, origin, err))
		}
		entries = append(entries, Entry{Name: name, Fragment: frag, Origin: origin})
	}
	return entries, nil
}

var errUnsupported = errors.New("unsupported fragment file")

func loadFragment(path string) (domain.Fragment, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dtbo":
		return overlay.LoadBlob(path)
	case ".yaml", ".yml":
		return gpio.LoadPinMap(path)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupported, path)
	}
}

// stateName derives the state name from a file name: the "state-" prefix and
// the extension are removed.
func stateName(file string) (string, bool) {
	if !strings.HasPrefix(file, domain.StatePrefix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(file, domain.StatePrefix), filepath.Ext(file))
	return name, name != ""
}
