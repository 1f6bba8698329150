package cnl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/transport"
)

const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 3 * time.Second
	writeTimeout            = 5 * time.Second
)

// Conn is a CAN device reached through a cannelloni TCP gateway. The
// embedded Port supplies the frame I/O contracts.
type Conn struct {
	*transport.Port
	addr string
	nc   net.Conn
	log  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ can.Device = (*Conn)(nil)

// Config holds the client settings.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	TxQueue          int
	RxQueue          int
	FilterBanks      int
	Logger           *slog.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Builder configures a Conn before dialing.
type Builder struct{ cfg Config }

// NewBuilder returns a builder with default settings.
func NewBuilder() *Builder { return &Builder{} }

// The setters below record one setting each and return b for chaining.
func (b *Builder) DialTimeout(d time.Duration) *Builder      { b.cfg.DialTimeout = d; return b }
func (b *Builder) HandshakeTimeout(d time.Duration) *Builder { b.cfg.HandshakeTimeout = d; return b }
func (b *Builder) TxQueue(n int) *Builder                    { b.cfg.TxQueue = n; return b }
func (b *Builder) RxQueue(n int) *Builder                    { b.cfg.RxQueue = n; return b }
func (b *Builder) FilterBanks(n int) *Builder                { b.cfg.FilterBanks = n; return b }
func (b *Builder) Logger(l *slog.Logger) *Builder            { b.cfg.Logger = l; return b }
func (b *Builder) Config() Config                            { return b.cfg }
func (b *Builder) WithConfig(c Config) *Builder              { b.cfg = c; return b }

// Open dials addr ("host:port") with a background context.
func (b *Builder) Open(addr string) (*Conn, error) { return b.Dial(context.Background(), addr) }

// Dial connects to addr and performs the cannelloni handshake.
func (b *Builder) Dial(ctx context.Context, addr string) (*Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: empty gateway address", can.ErrSyntax)
	}
	cfg := b.cfg
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.dial = d.DialContext
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	nc, err := cfg.dial(dctx, "tcp", addr)
	if err != nil {
		metrics.IncError(metrics.ErrDial)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := Handshake(ctx, nc, cfg.HandshakeTimeout); err != nil {
		metrics.IncError(metrics.ErrHandshake)
		_ = nc.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newConn(addr, nc, cfg), nil
}

// Dial connects to addr with default settings.
func Dial(ctx context.Context, addr string) (*Conn, error) { return NewBuilder().Dial(ctx, addr) }

// Open connects to addr with default settings.
func Open(addr string) (*Conn, error) { return NewBuilder().Open(addr) }

// NewConn wraps an already handshaken connection, e.g. one side of a
// net.Pipe or an accepted gateway client.
func NewConn(nc net.Conn, cfg Config) *Conn {
	return newConn(nc.RemoteAddr().String(), nc, cfg)
}

func newConn(addr string, nc net.Conn, cfg Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		addr:   addr,
		nc:     nc,
		log:    logging.Or(cfg.Logger).With("remote", addr),
		cancel: cancel,
	}
	codec := &Codec{}
	var batch [1]can.Frame
	c.Port = transport.NewPort(ctx, transport.PortConfig{
		Driver:      metrics.DriverCNL,
		TxQueue:     cfg.TxQueue,
		RxQueue:     cfg.RxQueue,
		FilterBanks: cfg.FilterBanks,
		Logger:      c.log,
		OnClose:     c.shutdown,
	}, func(f can.Frame) error {
		batch[0] = f
		_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := codec.EncodeTo(nc, batch[:])
		return err
	})
	c.log.Info("cnl_connected")
	c.wg.Add(1)
	go c.readLoop(ctx, codec)
	return c
}

// RemoteAddr returns the gateway address.
func (c *Conn) RemoteAddr() string { return c.addr }

func (c *Conn) shutdown() error {
	c.cancel()
	err := c.nc.Close()
	c.wg.Wait()
	c.log.Info("cnl_closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context, codec *Codec) {
	defer c.wg.Done()
	br := bufio.NewReaderSize(c.nc, 4096)
	for {
		f, err := codec.Decode(br)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("cnl_remote_closed")
			} else {
				metrics.IncError(metrics.ErrTCPRead)
				c.log.Warn("cnl_read_error", "error", err)
			}
			c.Fail(err)
			return
		}
		metrics.IncTCPRx()
		c.Deliver(f)
	}
}

// Binding exposes Open and NewBuilder through can.Binder.
type Binding struct{}

var _ can.Binder[*Conn, *Builder] = Binding{}

func (Binding) Open(addr string) (*Conn, error) { return Open(addr) }
func (Binding) Builder() *Builder               { return NewBuilder() }

func init() {
	can.Register("cnl", func(addr string) (can.Device, error) {
		return Open(addr)
	})
}
