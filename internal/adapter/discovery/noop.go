//go:build !mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"statemux/internal/domain"
)

// NoopDiscoverer is used when mDNS support is not compiled in.
type NoopDiscoverer struct {
	logger *slog.Logger
}

// New returns a discoverer that finds nothing. Build with -tags mdns for
// real discovery.
func New(logger *slog.Logger) Discoverer {
	return &NoopDiscoverer{logger: logger}
}

// Scan returns no peers.
func (n *NoopDiscoverer) Scan(_ context.Context) ([]Peer, error) {
	return nil, nil
}

// Advertise fails immediately.
func (n *NoopDiscoverer) Advertise(_ context.Context, instance string, _ int, _ map[string]string) error {
	n.logger.Warn("mdns requested but not compiled in (build with -tags mdns)", "instance", instance)
	return fmt.Errorf("mdns advertise: %w", domain.ErrDisabled)
}
