// Package mdns finds the desktop controller by browsing DNS-SD on the local
// network.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

const (
	DefaultService = "_desklink._tcp"
	DefaultDomain  = "local."
)

var ErrNoCandidate = errors.New("mdns: browse ended without a candidate")

// Browser implements transport.Discoverer. The first resolved entry whose
// service type carries the expected prefix wins.
type Browser struct {
	service string
	domain  string
	log     *zap.Logger
}

func NewBrowser(service, domain string, log *zap.Logger) *Browser {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Browser{service: service, domain: domain, log: log.Named("mdns")}
}

// Discover browses until a matching entry resolves or ctx is done. The
// browse is stopped as soon as a candidate is picked.
func (b *Browser) Discover(ctx context.Context) (transport.Endpoint, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("mdns: resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(browseCtx, b.service, b.domain, entries); err != nil {
		return transport.Endpoint{}, fmt.Errorf("mdns: browse %s: %w", b.service, err)
	}
	b.log.Debug("browsing", zap.String("service", b.service), zap.String("domain", b.domain))

	prefix := servicePrefix(b.service)
	for {
		select {
		case <-ctx.Done():
			return transport.Endpoint{}, ctx.Err()
		case e, ok := <-entries:
			if !ok {
				if ctx.Err() != nil {
					return transport.Endpoint{}, ctx.Err()
				}
				return transport.Endpoint{}, ErrNoCandidate
			}
			ep, match := endpointFrom(e, prefix)
			if !match {
				b.log.Debug("skipping entry", zap.String("instance", e.Instance), zap.String("service", e.Service))
				continue
			}
			b.log.Info("resolved", zap.String("instance", ep.Instance), zap.String("addr", ep.Addr()))
			return ep, nil
		}
	}
}

// servicePrefix returns the leading label of a service type, e.g. "_desklink"
// for "_desklink._tcp".
func servicePrefix(service string) string {
	label, _, _ := strings.Cut(strings.TrimPrefix(service, "."), ".")
	return label
}

// endpointFrom accepts e when its service type starts with prefix and it has
// a usable address. IPv4 is preferred.
func endpointFrom(e *zeroconf.ServiceEntry, prefix string) (transport.Endpoint, bool) {
	if e == nil || e.Port <= 0 || !strings.HasPrefix(e.Service, prefix) {
		return transport.Endpoint{}, false
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return transport.Endpoint{}, false
	}
	return transport.Endpoint{Instance: e.Instance, Host: host, Port: e.Port}, true
}
