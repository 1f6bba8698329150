//go:build linux

package main

import (
	"log/slog"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/socketcan"
)

// openSocketCAN brings the interface up (reprogramming the bitrate when
// one is configured) and opens a raw socket on it.
func openSocketCAN(cfg *appConfig, iface string, l *slog.Logger) (can.Device, error) {
	b := socketcan.NewBuilder().Up().FD(cfg.fd).Logger(l)
	if cfg.bitrate > 0 {
		b.Bitrate(uint32(cfg.bitrate))
	}
	return asDevice(b.Open(iface))
}

func splitPlatform(dev can.Device) (*backend, bool, error) {
	d, ok := dev.(*socketcan.Device)
	if !ok {
		return nil, false, nil
	}
	tx, rx, err := d.Split()
	b, err := fromHalves(tx, rx, err)
	return b, true, err
}
