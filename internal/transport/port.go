package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
)

// PortConfig sizes a Port. Zero values pick the defaults below.
type PortConfig struct {
	// Driver is the metrics label ("serial", "cnl", ...).
	Driver string
	// TxQueue is the AsyncTx channel size.
	TxQueue int
	// RxQueue is the receive channel size. Frames arriving while it is full
	// are counted as overruns and dropped.
	RxQueue int
	// FilterBanks bounds the software filter list (<0: unbounded).
	FilterBanks int
	Logger      *slog.Logger
	// OnClose releases the driver's resources (serial port, TCP conn). It
	// runs once, after the writer has stopped.
	OnClose func() error
	// Check rejects frames the device cannot carry before they are queued.
	Check func(can.Frame) error
}

const (
	DefaultTxQueue     = 1024
	DefaultRxQueue     = 1024
	DefaultFilterBanks = 64
)

// Port is the frame engine shared by stream-based drivers: transmission
// goes through an AsyncTx writer goroutine, reception is fed by the
// driver's reader loop via Deliver. Port implements the blocking and
// context-aware contracts plus Split, FilterConfig, TxRxState,
// BlockingControl and BufferedIo; drivers embed it.
type Port struct {
	e        *engine
	nonblock atomic.Bool
	split    atomic.Bool
	closed   atomic.Bool
}

// TxHalf is the transmit half of a split Port.
type TxHalf struct {
	e        *engine
	nonblock atomic.Bool
	closed   atomic.Bool
}

// RxHalf is the receive half of a split Port.
type RxHalf struct {
	e        *engine
	nonblock atomic.Bool
	closed   atomic.Bool
}

var (
	_ can.Device                        = (*Port)(nil)
	_ can.AsyncFrameIo[can.Frame]       = (*Port)(nil)
	_ can.SplitTxRx[*TxHalf, *RxHalf]   = (*Port)(nil)
	_ can.FilterConfig[*can.FilterBank] = (*Port)(nil)
	_ can.TxRxState                     = (*Port)(nil)
	_ can.BlockingControl               = (*Port)(nil)
	_ can.TxFrameIo[can.Frame]          = (*TxHalf)(nil)
	_ can.AsyncTxFrameIo[can.Frame]     = (*TxHalf)(nil)
	_ can.RxFrameIo[can.Frame]          = (*RxHalf)(nil)
	_ can.AsyncRxFrameIo[can.Frame]     = (*RxHalf)(nil)
)

type engine struct {
	driver  string
	log     *slog.Logger
	tx      *AsyncTx
	rx      chan can.Frame
	filters *can.FilterTable

	rxMu   sync.Mutex
	peeked bool
	head   can.Frame

	done     chan struct{}
	failOnce sync.Once
	failErr  error

	// Closed when the corresponding half of a split port is closed.
	txGone, rxGone         chan struct{}
	txGoneOnce, rxGoneOnce sync.Once

	refs     atomic.Int32
	closeFn  func() error
	closeErr error
	overruns atomic.Uint64
	check    func(can.Frame) error
}

// NewPort starts the writer goroutine. send performs one blocking device
// write; it is never called concurrently.
func NewPort(parent context.Context, cfg PortConfig, send func(can.Frame) error) *Port {
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = DefaultTxQueue
	}
	if cfg.RxQueue <= 0 {
		cfg.RxQueue = DefaultRxQueue
	}
	if cfg.FilterBanks == 0 {
		cfg.FilterBanks = DefaultFilterBanks
	}
	e := &engine{
		driver:  cfg.Driver,
		log:     logging.Or(cfg.Logger),
		rx:      make(chan can.Frame, cfg.RxQueue),
		filters: can.NewFilterTable(cfg.FilterBanks, nil),
		done:    make(chan struct{}),
		txGone:  make(chan struct{}),
		rxGone:  make(chan struct{}),
		closeFn: cfg.OnClose,
		check:   cfg.Check,
	}
	e.refs.Store(1)
	e.tx = NewAsyncTx(parent, cfg.TxQueue, send, Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBusWrite)
			e.log.Error(e.driver+"_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncTx(e.driver) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBusOverflow)
			metrics.IncWouldBlock(e.driver, metrics.DirTx)
			return fmt.Errorf("%s tx queue full: %w", e.driver, can.ErrWouldBlock)
		},
	})
	return &Port{e: e}
}

// Deliver is called by the driver's reader for every decoded frame. It
// applies the acceptance filters and never blocks; it reports false when
// the frame was filtered out or lost to a full receive queue.
func (p *Port) Deliver(f can.Frame) bool { return p.e.deliver(f) }

// Fail records a fatal reader error and wakes blocked receivers. Frames
// already queued stay readable; after that receivers get err (wrapped
// with can.ErrClosed).
func (p *Port) Fail(err error) { p.e.fail(err) }

// Done is closed once the port has failed or been closed.
func (p *Port) Done() <-chan struct{} { return p.e.done }

// Overruns returns the number of frames dropped because the receive queue
// was full.
func (p *Port) Overruns() uint64 { return p.e.overruns.Load() }

func (e *engine) deliver(f can.Frame) bool {
	if isClosed(e.rxGone) {
		return false
	}
	if !e.filters.Accept(f.ID()) {
		metrics.IncFilterReject(e.driver)
		return false
	}
	select {
	case e.rx <- f:
		return true
	default:
		n := e.overruns.Add(1)
		metrics.IncOverrun(e.driver)
		e.log.Debug("rx_overrun", "driver", e.driver, "id", f.ID().String(), "total", n)
		return false
	}
}

func (e *engine) fail(err error) {
	e.failOnce.Do(func() {
		if err == nil {
			err = can.ErrClosed
		} else if !errors.Is(err, can.ErrClosed) {
			err = fmt.Errorf("%w: %w", can.ErrClosed, err)
		}
		e.failErr = err
		close(e.done)
	})
}

func (e *engine) closedErr() error {
	<-e.done
	return e.failErr
}

func (e *engine) isDone() bool { return isClosed(e.done) }

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// release drops one handle reference; the last one stops the writer and
// runs OnClose.
func (e *engine) release() error {
	if e.refs.Add(-1) > 0 {
		return nil
	}
	e.fail(nil)
	e.tx.Close()
	if e.closeFn != nil {
		e.closeErr = e.closeFn()
	}
	return e.closeErr
}

func (e *engine) send(ctx context.Context, f can.Frame, timeout time.Duration, nonblock bool) error {
	if e.isDone() {
		return e.closedErr()
	}
	if e.check != nil {
		if err := e.check(f); err != nil {
			return err
		}
	}
	if nonblock {
		return e.tx.SendFrame(f)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-e.txGone:
			cancel(can.ErrClosed)
		case <-ctx.Done():
		}
	}()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, can.ErrTimeout)
		defer cancel()
	}
	err := e.tx.SendFrameContext(ctx, f)
	if err != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, can.ErrTimeout), errors.Is(cause, can.ErrClosed):
			return cause
		}
	}
	return err
}

func (e *engine) takePeeked() (can.Frame, bool) {
	e.rxMu.Lock()
	defer e.rxMu.Unlock()
	if !e.peeked {
		return can.Frame{}, false
	}
	e.peeked = false
	return e.head, true
}

func (e *engine) recv(ctx context.Context, timeout time.Duration, nonblock bool) (can.Frame, error) {
	if f, ok := e.takePeeked(); ok {
		metrics.IncRx(e.driver)
		return f, nil
	}
	select {
	case f := <-e.rx:
		metrics.IncRx(e.driver)
		return f, nil
	default:
	}
	if e.isDone() {
		return can.Frame{}, e.closedErr()
	}
	if nonblock {
		metrics.IncWouldBlock(e.driver, metrics.DirRx)
		return can.Frame{}, can.ErrWouldBlock
	}
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case f := <-e.rx:
		metrics.IncRx(e.driver)
		return f, nil
	case <-e.done:
		return can.Frame{}, e.failErr
	case <-e.rxGone:
		return can.Frame{}, can.ErrClosed
	case <-expired:
		return can.Frame{}, can.ErrTimeout
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

func (e *engine) waitNotEmpty(ctx context.Context, nonblock bool) error {
	e.rxMu.Lock()
	ready := e.peeked
	e.rxMu.Unlock()
	if ready {
		return nil
	}
	var f can.Frame
	select {
	case f = <-e.rx:
	default:
		if e.isDone() {
			return e.closedErr()
		}
		if nonblock {
			metrics.IncWouldBlock(e.driver, metrics.DirRx)
			return can.ErrWouldBlock
		}
		select {
		case f = <-e.rx:
		case <-e.done:
			return e.failErr
		case <-e.rxGone:
			return can.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.rxMu.Lock()
	e.head, e.peeked = f, true
	e.rxMu.Unlock()
	return nil
}

func (e *engine) setFilters(fs []can.IDMaskFilter) error { return e.filters.Set(fs) }

func (e *engine) txIdle() (bool, error) {
	if e.isDone() {
		return false, e.closedErr()
	}
	return e.tx.Idle(), nil
}

func (p *Port) check() error {
	if p.split.Load() {
		return can.ErrSplit
	}
	if p.closed.Load() {
		return can.ErrClosed
	}
	return nil
}

func (p *Port) Send(f can.Frame) error { return p.SendContext(context.Background(), f) }

func (p *Port) TrySend(f can.Frame) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.e.send(context.Background(), f, 0, true)
}

func (p *Port) SendTimeout(f can.Frame, timeout time.Duration) error {
	return p.SendTimeoutContext(context.Background(), f, timeout)
}

func (p *Port) SendContext(ctx context.Context, f can.Frame) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.e.send(ctx, f, -1, p.nonblock.Load())
}

func (p *Port) SendTimeoutContext(ctx context.Context, f can.Frame, timeout time.Duration) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.e.send(ctx, f, timeout, p.nonblock.Load())
}

func (p *Port) Recv() (can.Frame, error) { return p.RecvContext(context.Background()) }

func (p *Port) TryRecv() (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.e.recv(context.Background(), 0, true)
}

func (p *Port) RecvTimeout(timeout time.Duration) (can.Frame, error) {
	return p.RecvTimeoutContext(context.Background(), timeout)
}

func (p *Port) RecvContext(ctx context.Context) (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.e.recv(ctx, -1, p.nonblock.Load())
}

func (p *Port) RecvTimeoutContext(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.e.recv(ctx, timeout, p.nonblock.Load())
}

func (p *Port) WaitNotEmpty() error { return p.WaitNotEmptyContext(context.Background()) }

func (p *Port) WaitNotEmptyContext(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.e.waitNotEmpty(ctx, p.nonblock.Load())
}

func (p *Port) SetFilters(fs []can.IDMaskFilter) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.e.setFilters(fs)
}

func (p *Port) ModifyFilters() *can.FilterBank { return p.e.filters.Modify() }

func (p *Port) IsTransmitterIdle() (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	}
	return p.e.txIdle()
}

func (p *Port) SetNonblocking(on bool) error {
	if err := p.check(); err != nil {
		return err
	}
	p.nonblock.Store(on)
	return nil
}

// Buffered wraps the port with host-side rings over tx and rx.
func (p *Port) Buffered(tx, rx []can.Frame) *can.Buffered[can.Frame] {
	return can.NewBuffered[can.Frame](p, tx, rx)
}

// Split hands out halves that may be used from different goroutines. The
// port stops accepting calls; closing both halves closes the device.
func (p *Port) Split() (*TxHalf, *RxHalf, error) {
	if p.closed.Load() {
		return nil, nil, can.ErrClosed
	}
	if p.split.Swap(true) {
		return nil, nil, can.ErrSplit
	}
	p.e.refs.Add(1)
	tx := &TxHalf{e: p.e}
	rx := &RxHalf{e: p.e}
	nb := p.nonblock.Load()
	tx.nonblock.Store(nb)
	rx.nonblock.Store(nb)
	return tx, rx, nil
}

// Close stops the writer, discarding queued frames, and releases the
// driver. Closing a split port returns ErrSplit.
func (p *Port) Close() error {
	if p.split.Load() {
		return can.ErrSplit
	}
	if p.closed.Swap(true) {
		return nil
	}
	return p.e.release()
}

func (t *TxHalf) check() error {
	if t.closed.Load() {
		return can.ErrClosed
	}
	return nil
}

func (t *TxHalf) Send(f can.Frame) error { return t.SendContext(context.Background(), f) }

func (t *TxHalf) TrySend(f can.Frame) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.e.send(context.Background(), f, 0, true)
}

func (t *TxHalf) SendTimeout(f can.Frame, timeout time.Duration) error {
	return t.SendTimeoutContext(context.Background(), f, timeout)
}

func (t *TxHalf) SendContext(ctx context.Context, f can.Frame) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.e.send(ctx, f, -1, t.nonblock.Load())
}

func (t *TxHalf) SendTimeoutContext(ctx context.Context, f can.Frame, timeout time.Duration) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.e.send(ctx, f, timeout, t.nonblock.Load())
}

func (t *TxHalf) IsTransmitterIdle() (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.e.txIdle()
}

func (t *TxHalf) SetNonblocking(on bool) error { t.nonblock.Store(on); return nil }

func (t *TxHalf) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.e.txGoneOnce.Do(func() { close(t.e.txGone) })
	return t.e.release()
}

func (r *RxHalf) check() error {
	if r.closed.Load() {
		return can.ErrClosed
	}
	return nil
}

func (r *RxHalf) Recv() (can.Frame, error) { return r.RecvContext(context.Background()) }

func (r *RxHalf) TryRecv() (can.Frame, error) {
	if err := r.check(); err != nil {
		return can.Frame{}, err
	}
	return r.e.recv(context.Background(), 0, true)
}

func (r *RxHalf) RecvTimeout(timeout time.Duration) (can.Frame, error) {
	return r.RecvTimeoutContext(context.Background(), timeout)
}

func (r *RxHalf) RecvContext(ctx context.Context) (can.Frame, error) {
	if err := r.check(); err != nil {
		return can.Frame{}, err
	}
	return r.e.recv(ctx, -1, r.nonblock.Load())
}

func (r *RxHalf) RecvTimeoutContext(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if err := r.check(); err != nil {
		return can.Frame{}, err
	}
	return r.e.recv(ctx, timeout, r.nonblock.Load())
}

func (r *RxHalf) WaitNotEmpty() error { return r.WaitNotEmptyContext(context.Background()) }

func (r *RxHalf) WaitNotEmptyContext(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.e.waitNotEmpty(ctx, r.nonblock.Load())
}

func (r *RxHalf) SetFilters(fs []can.IDMaskFilter) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.e.setFilters(fs)
}

func (r *RxHalf) ModifyFilters() *can.FilterBank { return r.e.filters.Modify() }

func (r *RxHalf) SetNonblocking(on bool) error { r.nonblock.Store(on); return nil }

func (r *RxHalf) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.e.rxGoneOnce.Do(func() { close(r.e.rxGone) })
	return r.e.release()
}
