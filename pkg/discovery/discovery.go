// Package discovery advertises relay servers on the local network over mDNS and finds them from clients.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_wikisync._tcp"
	DefaultDomain  = "local."
)

// Server is a relay found on the network.
type Server struct {
	Instance string
	Host     string
	Port     int
	// Version is taken from the txtv TXT record.
	Version string
}

// URL returns the http base url of the relay.
func (s Server) URL() string {
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Advertise registers the relay until the returned func is called.
func Advertise(instance, service, domain string, port int, logger *slog.Logger) (shutdown func(), err error) {
	server, err := zeroconf.Register(instance, service, domain, port, []string{"txtv=1", "path=/rooms"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mdns service: %w", err)
	}
	logger.Info("advertising relay", "instance", instance, "service", service, "port", port)
	return server.Shutdown, nil
}

// Browse collects relays answering within ctx.
func Browse(ctx context.Context, service, domain string) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Server, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var out []Server
		for entry := range results {
			if s, ok := fromEntry(entry); ok {
				out = append(out, s)
			}
		}
		found <- out
	}(entries)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mdns services: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) (Server, bool) {
	s := Server{Instance: entry.Instance, Port: entry.Port}
	switch {
	case len(entry.AddrIPv4) > 0:
		s.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		s.Host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		s.Host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return s, false
	}
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "txtv="); ok {
			s.Version = v
		}
	}
	return s, true
}
