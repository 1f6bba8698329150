package cnl

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestGatewayFromEntry(t *testing.T) {
	e := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "can-server-lab"},
		HostName:      "lab.local.",
		Port:          20000,
		Text:          []string{"backend=socketcan:can0", "version=1.2.0", "flag"},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	}
	g, ok := gatewayFromEntry(e)
	if !ok {
		t.Fatalf("entry rejected")
	}
	if g.Addr != "192.168.1.20:20000" || g.Host != "lab.local" || g.Instance != "can-server-lab" {
		t.Fatalf("unexpected gateway %+v", g)
	}
	if g.Meta["backend"] != "socketcan:can0" || g.Meta["version"] != "1.2.0" {
		t.Fatalf("meta = %v", g.Meta)
	}
	if _, ok := g.Meta["flag"]; !ok {
		t.Fatalf("bare key dropped: %v", g.Meta)
	}
}

func TestGatewayFromEntryFallbacks(t *testing.T) {
	v6 := &zeroconf.ServiceEntry{Port: 1, AddrIPv6: []net.IP{net.ParseIP("fe80::1")}}
	if g, ok := gatewayFromEntry(v6); !ok || g.Addr != "[fe80::1]:1" {
		t.Fatalf("ipv6 entry: %+v %v", g, ok)
	}
	host := &zeroconf.ServiceEntry{Port: 2, HostName: "gw.local."}
	if g, ok := gatewayFromEntry(host); !ok || g.Addr != "gw.local:2" {
		t.Fatalf("hostname entry: %+v %v", g, ok)
	}
	for _, e := range []*zeroconf.ServiceEntry{nil, {Port: 0, HostName: "x."}, {Port: 5}} {
		if _, ok := gatewayFromEntry(e); ok {
			t.Fatalf("entry %+v accepted", e)
		}
	}
}
