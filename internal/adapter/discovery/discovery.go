// Package discovery advertises running muxd gateways on the local network
// and finds them again from the CLI.
package discovery

import (
	"context"
	"strings"
)

const (
	serviceType = "_statemux._tcp"
	domainName  = "local."
)

// Peer is a gateway found on the network.
type Peer struct {
	Instance string
	Address  string // host:port
	Metadata map[string]string
}

// Discoverer scans for and advertises gateways.
type Discoverer interface {
	// Scan browses the network until ctx is done or the scan window elapses.
	Scan(ctx context.Context) ([]Peer, error)
	// Advertise registers this gateway and blocks until ctx is cancelled.
	Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error
}

func txtRecords(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	return txt
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
