package overlay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"statemux/internal/domain"
)

const subsystem = "engine"

// ConfigfsOptions configures a ConfigfsEngine.
type ConfigfsOptions struct {
	Root string // overlays directory, usually /sys/kernel/config/device-tree/overlays
	// VerifyStatus reads the overlay's status attribute after loading and
	// fails unless the kernel reports "applied".
	VerifyStatus bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// ConfigfsEngine applies device-tree overlays through the kernel's configfs
// interface. Each activation is an overlay directory named after its session
// token; removing the directory reverts the overlay.
type ConfigfsEngine struct {
	root   string
	verify bool
	logger *slog.Logger
	tokens *TokenSource

	mu       sync.Mutex
	sessions map[domain.SessionToken]string
}

// NewConfigfsEngine checks that opts.Root is a directory and returns an engine
// rooted there.
func NewConfigfsEngine(opts ConfigfsOptions) (*ConfigfsEngine, error) {
	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("configfs root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("configfs root %s is not a directory", opts.Root)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ConfigfsEngine{
		root:     opts.Root,
		verify:   opts.VerifyStatus,
		logger:   opts.Logger,
		tokens:   NewTokenSource(opts.Now),
		sessions: make(map[domain.SessionToken]string),
	}, nil
}

// Activate implements domain.OverlayEngine.
func (e *ConfigfsEngine) Activate(_ context.Context, frag domain.Fragment) (domain.SessionToken, error) {
	const op = "Configfs.Activate"
	blob, ok := frag.(*Blob)
	if !ok {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrFragmentKind, frag.Kind())
	}
	data := blob.Data()
	if data == nil {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "fragment released")
	}

	token := e.tokens.Next()
	dir := filepath.Join(e.root, string(token))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create overlay dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dtbo"), data, 0o644); err != nil {
		e.cleanup(dir)
		return "", fmt.Errorf("load overlay: %w", err)
	}
	if e.verify {
		status, err := os.ReadFile(filepath.Join(dir, "status"))
		if err != nil {
			e.cleanup(dir)
			return "", fmt.Errorf("read overlay status: %w", err)
		}
		if s := string(bytes.TrimSpace(status)); s != "applied" {
			e.cleanup(dir)
			return "", fmt.Errorf("overlay status %q, want applied", s)
		}
	}

	e.mu.Lock()
	e.sessions[token] = dir
	e.mu.Unlock()
	e.logger.Debug("overlay applied", "session", token, "bytes", len(data), "source", blob.Source)
	return token, nil
}

// Deactivate implements domain.OverlayEngine.
func (e *ConfigfsEngine) Deactivate(_ context.Context, session domain.SessionToken) error {
	e.mu.Lock()
	dir, ok := e.sessions[session]
	e.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError(subsystem, "Configfs.Deactivate", domain.ErrUnknownSession, string(session))
	}
	// On configfs rmdir of the overlay directory is the removal request;
	// RemoveAll tries that first.
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove overlay: %w", err)
	}

	e.mu.Lock()
	delete(e.sessions, session)
	e.mu.Unlock()
	e.logger.Debug("overlay removed", "session", session)
	return nil
}

// Sessions lists the live sessions in token order.
func (e *ConfigfsEngine) Sessions() []domain.SessionToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.SessionToken, 0, len(e.sessions))
	for t := range e.sessions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *ConfigfsEngine) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to clean up overlay dir", "dir", dir, "error", err)
	}
}

var _ domain.OverlayEngine = (*ConfigfsEngine)(nil)
