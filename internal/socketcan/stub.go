//go:build !linux

package socketcan

import (
	"fmt"

	"github.com/kstaniek/go-canio/internal/can"
)

// Device is unavailable off Linux; Open always fails.
type Device struct{}

func (*Device) Close() error { return can.ErrUnsupported }

func unsupported(iface string) error {
	return fmt.Errorf("socketcan %s: %w", iface, can.ErrUnsupported)
}

func openDevice(iface string, _ Config) (*Device, error) { return nil, unsupported(iface) }

func QueryLink(iface string) (LinkInfo, error) { return LinkInfo{}, unsupported(iface) }
func SetLinkUp(iface string, _ bool) error     { return unsupported(iface) }
func SetBitrate(iface string, _ uint32) error  { return unsupported(iface) }
func SetListenOnly(iface string, _ bool) error { return unsupported(iface) }

func init() {
	can.Register("socketcan", func(iface string) (can.Device, error) {
		return nil, unsupported(iface)
	})
}
