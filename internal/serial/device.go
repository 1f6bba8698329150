// Package serial drives the Ampio UART CAN adapter. Frames are carried in
// a small checksummed envelope; a reader goroutine decodes the byte stream
// into a transport.Port, which provides the frame I/O contracts.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/transport"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 50 * time.Millisecond

	readBufSize = 4096
	backoffMin  = 20 * time.Millisecond
	backoffMax  = 500 * time.Millisecond
)

// Device is an open adapter. The embedded Port supplies Send/Recv, their
// context and timeout variants, Split, filters and Buffered.
type Device struct {
	*transport.Port
	name  string
	line  Line
	dec   Decoder
	log   *slog.Logger
	sleep func(context.Context, time.Duration)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ can.Device = (*Device)(nil)

// Config holds the adapter settings.
type Config struct {
	Baud        int
	ReadTimeout time.Duration
	TxQueue     int
	RxQueue     int
	FilterBanks int
	Logger      *slog.Logger

	// open and sleep are replaced in tests.
	open  func(name string, baud int, readTimeout time.Duration) (Line, error)
	sleep func(context.Context, time.Duration)
}

// Builder configures a Device before opening it.
type Builder struct{ cfg Config }

// NewBuilder returns a builder with default settings.
func NewBuilder() *Builder { return &Builder{} }

// The setters below record one setting each and return b for chaining.
func (b *Builder) Baud(n int) *Builder                  { b.cfg.Baud = n; return b }
func (b *Builder) ReadTimeout(d time.Duration) *Builder { b.cfg.ReadTimeout = d; return b }
func (b *Builder) TxQueue(n int) *Builder               { b.cfg.TxQueue = n; return b }
func (b *Builder) RxQueue(n int) *Builder               { b.cfg.RxQueue = n; return b }
func (b *Builder) FilterBanks(n int) *Builder           { b.cfg.FilterBanks = n; return b }
func (b *Builder) Logger(l *slog.Logger) *Builder       { b.cfg.Logger = l; return b }
func (b *Builder) Config() Config                       { return b.cfg }
func (b *Builder) WithConfig(c Config) *Builder         { b.cfg = c; return b }

// Open opens the UART at name and starts the reader.
func (b *Builder) Open(name string) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty serial device", can.ErrSyntax)
	}
	cfg := b.cfg
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.open == nil {
		cfg.open = OpenLine
	}
	if cfg.sleep == nil {
		cfg.sleep = sleepContext
	}
	line, err := cfg.open(name, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return newDevice(name, line, cfg), nil
}

// Open opens name with default settings.
func Open(name string) (*Device, error) { return NewBuilder().Open(name) }

func newDevice(name string, line Line, cfg Config) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		name:   name,
		line:   line,
		log:    logging.Or(cfg.Logger).With("device", name),
		sleep:  cfg.sleep,
		cancel: cancel,
	}
	codec := Codec{}
	d.Port = transport.NewPort(ctx, transport.PortConfig{
		Driver:      metrics.DriverSerial,
		TxQueue:     cfg.TxQueue,
		RxQueue:     cfg.RxQueue,
		FilterBanks: cfg.FilterBanks,
		Logger:      d.log,
		Check:       checkFrame,
		OnClose:     d.shutdown,
	}, func(f can.Frame) error {
		_, err := line.Write(codec.Encode(f))
		return err
	})
	d.log.Info("serial_open", "baud", cfg.Baud)
	d.wg.Add(1)
	go d.readLoop(ctx)
	return d
}

// Name returns the device path.
func (d *Device) Name() string { return d.name }

// checkFrame rejects what the adapter cannot transmit: it only sends
// classic data frames.
func checkFrame(f can.Frame) error {
	if f.Len > 8 {
		return fmt.Errorf("serial: %w: %d bytes", can.ErrFrameLen, f.Len)
	}
	if f.IsRemote() || f.IsError() {
		return fmt.Errorf("serial: %w: remote and error frames", can.ErrUnsupported)
	}
	return nil
}

func (d *Device) shutdown() error {
	d.cancel()
	err := d.line.Close()
	d.wg.Wait()
	d.log.Info("serial_closed")
	return err
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (d *Device) readLoop(ctx context.Context) {
	defer d.wg.Done()
	defer d.log.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.line.Read(buf)
		if n > 0 {
			_, _ = d.dec.Write(buf[:n])
			d.dec.Next(func(f can.Frame) { d.Deliver(f) })
			backoff = backoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			// device removed
			metrics.IncError(metrics.ErrBusRead)
			d.log.Error("serial_device_lost", "error", err)
			d.Fail(err)
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout
		}
		metrics.IncError(metrics.ErrBusRead)
		d.log.Warn("serial_read_error", "error", err, "backoff", backoff)
		d.sleep(ctx, backoff)
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Binding exposes Open and NewBuilder through can.Binder.
type Binding struct{}

var _ can.Binder[*Device, *Builder] = Binding{}

func (Binding) Open(name string) (*Device, error) { return Open(name) }
func (Binding) Builder() *Builder                 { return NewBuilder() }

func init() {
	can.Register("serial", func(name string) (can.Device, error) {
		return Open(name)
	})
}
