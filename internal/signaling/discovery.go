package signaling

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/1ureka/peerlink/internal/failure"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	serviceType   = "_peerlink._tcp"
	serviceDomain = "local."
	idTextKey     = "id="
)

// Advertisement is an endpoint published over mDNS.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise publishes e on the local network under its current ID.
func Advertise(e *Endpoint) (*Advertisement, error) {
	id := e.ID()
	server, err := zeroconf.Register("peerlink-"+id[:8], serviceType, serviceDomain, e.Port(),
		[]string{idTextKey + id}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	util.LogInfo("advertising endpoint on the local network")
	return &Advertisement{server: server}, nil
}

// Update republishes the advertisement after a reroll.
func (a *Advertisement) Update(id string) {
	a.server.SetText([]string{idTextKey + id})
}

// Stop withdraws the advertisement.
func (a *Advertisement) Stop() {
	a.server.Shutdown()
}

// Browse looks for an advertised endpoint with the given ID (any endpoint
// when id is empty) and returns its WebSocket URL.
func Browse(ctx context.Context, id string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if u, ok := entryURL(entry, id); ok {
				select {
				case found <- u:
				default:
				}
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return "", fmt.Errorf("failed to browse: %w", err)
	}

	select {
	case u := <-found:
		util.LogInfo("found endpoint at %s", u)
		return u, nil
	case <-ctx.Done():
		return "", failure.New(failure.CodeTimeout, "signaling.Browse", ctx.Err())
	}
}

// entryURL builds the WebSocket URL for an mDNS entry carrying the wanted ID.
func entryURL(entry *zeroconf.ServiceEntry, want string) (string, bool) {
	var id string
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, idTextKey); ok {
			id = v
		}
	}
	if id == "" || (want != "" && id != want) {
		return "", false
	}

	switch {
	case len(entry.AddrIPv4) > 0:
		return endpointURL(entry.AddrIPv4[0].String(), entry.Port, id), true
	case len(entry.AddrIPv6) > 0:
		return endpointURL(entry.AddrIPv6[0].String(), entry.Port, id), true
	default:
		return "", false
	}
}
