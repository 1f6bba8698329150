//go:build !linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-canio/internal/can"
)

func openSocketCAN(_ *appConfig, iface string, _ *slog.Logger) (can.Device, error) {
	return nil, fmt.Errorf("socketcan %s: %w", iface, can.ErrUnsupported)
}

// SocketCAN devices never open here, so there is nothing to split.
func splitPlatform(can.Device) (*backend, bool, error) { return nil, false, nil }
