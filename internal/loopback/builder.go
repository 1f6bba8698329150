package loopback

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
)

// OverrunPolicy decides what a full receive queue does to new frames.
type OverrunPolicy int

const (
	// PolicyBlock holds frames in the sender's transmit slots until the
	// receiver makes room. Nothing is lost.
	PolicyBlock OverrunPolicy = iota
	// PolicyDrop discards the frame for that receiver and counts an overrun.
	PolicyDrop
)

func (p OverrunPolicy) String() string {
	if p == PolicyDrop {
		return "drop"
	}
	return "block"
}

// ParsePolicy accepts "block" or "drop".
func ParsePolicy(s string) (OverrunPolicy, error) {
	switch s {
	case "block", "":
		return PolicyBlock, nil
	case "drop":
		return PolicyDrop, nil
	}
	return PolicyBlock, fmt.Errorf("%w: overrun policy %q", can.ErrSyntax, s)
}

// Defaults mirror a small controller: three transmit mailboxes and
// fourteen filter banks.
const (
	DefaultRxCapacity  = 64
	DefaultTxSlots     = 3
	DefaultFilterBanks = 14
)

// Config holds per-port settings.
type Config struct {
	RxCapacity  int
	TxSlots     int
	FilterBanks int
	ReceiveOwn  bool
	Policy      OverrunPolicy
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RxCapacity <= 0 {
		c.RxCapacity = DefaultRxCapacity
	}
	if c.TxSlots <= 0 {
		c.TxSlots = DefaultTxSlots
	}
	if c.FilterBanks == 0 {
		c.FilterBanks = DefaultFilterBanks
	}
	c.Logger = logging.Or(c.Logger)
	return c
}

// Builder configures a port before attaching it.
type Builder struct{ cfg Config }

// NewBuilder starts from the defaults above.
func NewBuilder() *Builder { return &Builder{} }

// RxCapacity sets the receive queue length.
func (b *Builder) RxCapacity(n int) *Builder { b.cfg.RxCapacity = n; return b }

// TxSlots sets how many frames may wait for delivery.
func (b *Builder) TxSlots(n int) *Builder { b.cfg.TxSlots = n; return b }

// FilterBanks bounds the acceptance filter list (<0: unbounded).
func (b *Builder) FilterBanks(n int) *Builder { b.cfg.FilterBanks = n; return b }

// ReceiveOwn makes the port receive the frames it sends.
func (b *Builder) ReceiveOwn(on bool) *Builder { b.cfg.ReceiveOwn = on; return b }

// Policy sets what a full receive queue does.
func (b *Builder) Policy(p OverrunPolicy) *Builder { b.cfg.Policy = p; return b }

// Logger sets the port logger; nil means the process logger.
func (b *Builder) Logger(l *slog.Logger) *Builder { b.cfg.Logger = l; return b }

// Config returns the settings collected so far.
func (b *Builder) Config() Config { return b.cfg }

// WithConfig replaces all settings at once.
func (b *Builder) WithConfig(c Config) *Builder { b.cfg = c; return b }

// Open attaches a port to the named bus, creating the bus on first use.
func (b *Builder) Open(name string) (*Port, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty bus name", can.ErrSyntax)
	}
	cfg := b.cfg.withDefaults()
	p := &Port{handle: handle{n: attach(name, cfg), tx: true, rx: true}}
	return p, nil
}

// Open attaches a port with default settings.
func Open(name string) (*Port, error) { return NewBuilder().Open(name) }

// Binding exposes Open and NewBuilder through can.Binder.
type Binding struct{}

var _ can.Binder[*Port, *Builder] = Binding{}

func (Binding) Open(name string) (*Port, error) { return Open(name) }
func (Binding) Builder() *Builder               { return NewBuilder() }

func init() {
	can.Register("loopback", func(name string) (can.Device, error) {
		return Open(name)
	})
}
