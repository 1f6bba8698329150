package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/kstaniek/go-canio/internal/cnl"
)

// instanceName returns the configured mDNS name or can-server-<hostname>.
func instanceName(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("can-server-%s", host)
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// startMDNS advertises the gateway; the returned func withdraws it.
func startMDNS(cfg *appConfig, addr string) (func(), error) {
	port, err := listenPort(addr)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("mdns: no port in listen address %q", addr)
	}
	kind, _, _ := strings.Cut(cfg.backend, ":")
	ad, err := cnl.Advertise(instanceName(cfg), port, map[string]string{
		"backend": kind,
		"version": version,
		"commit":  commit,
	})
	if err != nil {
		return nil, err
	}
	return ad.Shutdown, nil
}
