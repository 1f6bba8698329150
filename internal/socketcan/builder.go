// Package socketcan is the Linux SocketCAN driver: a raw AF_CAN socket
// bound to one interface, with kernel acceptance filters and link
// configuration over rtnetlink. Other platforms get a stub whose Open
// fails with can.ErrUnsupported.
package socketcan

import (
	"fmt"
	"log/slog"
)

// DefaultFilterBanks matches the kernel's CAN_RAW_FILTER_MAX.
const DefaultFilterBanks = 512

// Config holds socket and link settings applied by Builder.Open.
type Config struct {
	// Bitrate, when non-zero, is programmed into the controller. The link
	// is taken down for the change and brought back up.
	Bitrate uint32
	// ListenOnly, when non-nil, sets or clears the controller's
	// listen-only mode (link is cycled like for Bitrate).
	ListenOnly *bool
	// Up brings the link up before binding if it is down.
	Up bool
	// ReceiveOwn delivers this socket's own transmissions back to it.
	ReceiveOwn bool
	// NoLoopback stops local echo of transmissions to other sockets on
	// this host.
	NoLoopback bool
	// FD enables CAN FD frames (64-byte payloads) on the socket.
	FD          bool
	FilterBanks int
	Logger      *slog.Logger
}

// Builder configures the link and socket before binding.
type Builder struct{ cfg Config }

// NewBuilder returns a builder with default settings.
func NewBuilder() *Builder { return &Builder{} }

// The setters below record one setting each and return b for chaining.
func (b *Builder) Bitrate(bps uint32) *Builder    { b.cfg.Bitrate = bps; return b }
func (b *Builder) ListenOnly(on bool) *Builder    { b.cfg.ListenOnly = &on; return b }
func (b *Builder) Up() *Builder                   { b.cfg.Up = true; return b }
func (b *Builder) ReceiveOwn(on bool) *Builder    { b.cfg.ReceiveOwn = on; return b }
func (b *Builder) Loopback(on bool) *Builder      { b.cfg.NoLoopback = !on; return b }
func (b *Builder) FD(on bool) *Builder            { b.cfg.FD = on; return b }
func (b *Builder) FilterBanks(n int) *Builder     { b.cfg.FilterBanks = n; return b }
func (b *Builder) Logger(l *slog.Logger) *Builder { b.cfg.Logger = l; return b }
func (b *Builder) Config() Config                 { return b.cfg }
func (b *Builder) WithConfig(c Config) *Builder   { b.cfg = c; return b }

// Open configures the link as requested and binds a socket to iface.
func (b *Builder) Open(iface string) (*Device, error) {
	cfg := b.cfg
	if cfg.FilterBanks == 0 {
		cfg.FilterBanks = DefaultFilterBanks
	}
	return openDevice(iface, cfg)
}

// Open binds to iface with default settings, leaving the link as is.
func Open(iface string) (*Device, error) { return NewBuilder().Open(iface) }

// Binding exposes Open and NewBuilder through can.Binder.
type Binding struct{}

func (Binding) Open(iface string) (*Device, error) { return Open(iface) }
func (Binding) Builder() *Builder                  { return NewBuilder() }

// State is the controller's error state as reported by the kernel.
type State uint32

const (
	StateErrorActive State = iota
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateErrorActive:
		return "error-active"
	case StateErrorWarning:
		return "error-warning"
	case StateErrorPassive:
		return "error-passive"
	case StateBusOff:
		return "bus-off"
	case StateStopped:
		return "stopped"
	case StateSleeping:
		return "sleeping"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// LinkInfo is a snapshot of a CAN interface.
type LinkInfo struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	Up          bool   `json:"up" yaml:"up"`
	Bitrate     uint32 `json:"bitrate" yaml:"bitrate"`
	SamplePoint uint32 `json:"sample_point" yaml:"sample_point"` // tenths of a percent
	ClockHz     uint32 `json:"clock_hz" yaml:"clock_hz"`
	State       State  `json:"state" yaml:"state"`
	ListenOnly  bool   `json:"listen_only" yaml:"listen_only"`
	TxErrors    uint16 `json:"tx_errors" yaml:"tx_errors"`
	RxErrors    uint16 `json:"rx_errors" yaml:"rx_errors"`
	BusOff      uint32 `json:"bus_off" yaml:"bus_off"`
	Restarts    uint32 `json:"restarts" yaml:"restarts"`
}

// MarshalText renders State by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
