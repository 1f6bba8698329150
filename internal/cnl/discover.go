package cnl

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service gateways advertise.
const ServiceType = "_can-server._tcp"

const mdnsDomain = "local."

// Gateway is one discovered cannelloni endpoint.
type Gateway struct {
	Instance string            `json:"instance" yaml:"instance"`
	Host     string            `json:"host" yaml:"host"`
	Addr     string            `json:"addr" yaml:"addr"`
	Meta     map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Browse collects gateways answering within timeout (or until ctx ends).
// Results are sorted by instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	seen := map[string]Gateway{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if g, ok := gatewayFromEntry(e); ok {
					seen[g.Instance] = g
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done

	out := make([]Gateway, 0, len(seen))
	for _, g := range seen {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func gatewayFromEntry(e *zeroconf.ServiceEntry) (Gateway, bool) {
	if e == nil || e.Port <= 0 {
		return Gateway{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	}
	host := strings.TrimSuffix(e.HostName, ".")
	addrHost := host
	if ip != nil {
		addrHost = ip.String()
	}
	if addrHost == "" {
		return Gateway{}, false
	}
	return Gateway{
		Instance: e.Instance,
		Host:     host,
		Addr:     net.JoinHostPort(addrHost, strconv.Itoa(e.Port)),
		Meta:     parseTXT(e.Text),
	}, true
}

// parseTXT turns "key=value" records into a map; bare keys map to "".
func parseTXT(txt []string) map[string]string {
	if len(txt) == 0 {
		return nil
	}
	m := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			m[k] = v
		}
	}
	return m
}

// Advertisement is a registered mDNS service.
type Advertisement struct{ srv *zeroconf.Server }

// Shutdown withdraws the service.
func (a *Advertisement) Shutdown() {
	if a != nil && a.srv != nil {
		a.srv.Shutdown()
	}
}

// Advertise registers a gateway listening on port. meta entries become
// TXT records ("key=value").
func Advertise(instance string, port int, meta map[string]string) (*Advertisement, error) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+meta[k])
	}
	srv, err := zeroconf.Register(instance, ServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertisement{srv: srv}, nil
}
