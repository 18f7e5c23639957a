//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const scanTimeout = 3 * time.Second

// MDNSDiscoverer uses mDNS/DNS-SD.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

// New returns the mDNS discoverer.
func New(logger *slog.Logger) Discoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Scan browses for statemux gateways.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		peers []Peer
		wg    sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			p := entryToPeer(entry)
			mu.Lock()
			peers = append(peers, p)
			mu.Unlock()
			d.logger.Debug("mdns found gateway", "instance", p.Instance, "address", p.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, serviceType, domainName, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make([]Peer, len(peers))
	copy(out, peers)
	return out, nil
}

// Advertise registers the gateway. It blocks until ctx is cancelled.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	server, err := zeroconf.Register(instance, serviceType, domainName, port, txtRecords(metadata), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	d.logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToPeer(entry *zeroconf.ServiceEntry) Peer {
	var address string
	port := strconv.Itoa(entry.Port)
	if len(entry.AddrIPv4) > 0 {
		address = net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	} else if len(entry.AddrIPv6) > 0 {
		address = net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	}
	return Peer{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		Metadata: parseTXTRecords(entry.Text),
	}
}
