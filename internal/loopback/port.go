package loopback

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
)

// handle is the per-handle state shared by Port and its halves.
type handle struct {
	n        *node
	tx, rx   bool // directions this handle owns
	nonblock atomic.Bool
	closed   atomic.Bool
}

func (h *handle) check() error {
	if h.closed.Load() {
		return can.ErrClosed
	}
	return nil
}

func (h *handle) SetNonblocking(on bool) error {
	if err := h.check(); err != nil {
		return err
	}
	h.nonblock.Store(on)
	return nil
}

func (h *handle) close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.n.release(h.tx, h.rx)
	return nil
}

func (h *handle) send(ctx context.Context, f can.Frame, timeout time.Duration, try bool) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.n.send(ctx, &h.closed, f, timeout, try || h.nonblock.Load())
}

func (h *handle) recv(ctx context.Context, timeout time.Duration, try bool) (can.Frame, error) {
	if err := h.check(); err != nil {
		return can.Frame{}, err
	}
	return h.n.recv(ctx, &h.closed, timeout, try || h.nonblock.Load())
}

func (h *handle) waitNotEmpty(ctx context.Context) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.n.waitNotEmpty(ctx, &h.closed, h.nonblock.Load())
}

// Port is a full-duplex handle attached to a loopback bus. A Port is used
// by one goroutine at a time; Split it to transmit and receive
// concurrently.
type Port struct {
	handle
	split atomic.Bool
}

// TxHalf is the transmit half returned by Port.Split.
type TxHalf struct{ handle }

// RxHalf is the receive half returned by Port.Split.
type RxHalf struct{ handle }

var (
	_ can.Device                             = (*Port)(nil)
	_ can.AsyncFrameIo[can.Frame]            = (*Port)(nil)
	_ can.SplitTxRx[*TxHalf, *RxHalf]        = (*Port)(nil)
	_ can.FilterConfig[*can.FilterBank]      = (*Port)(nil)
	_ can.TxRxState                          = (*Port)(nil)
	_ can.BlockingControl                    = (*Port)(nil)
	_ can.BufferedIo[can.Frame, *PortBuffer] = (*Port)(nil)
	_ can.TxFrameIo[can.Frame]               = (*TxHalf)(nil)
	_ can.AsyncTxFrameIo[can.Frame]          = (*TxHalf)(nil)
	_ can.TxRxState                          = (*TxHalf)(nil)
	_ can.RxFrameIo[can.Frame]               = (*RxHalf)(nil)
	_ can.AsyncRxFrameIo[can.Frame]          = (*RxHalf)(nil)
	_ can.FilterConfig[*can.FilterBank]      = (*RxHalf)(nil)
)

// PortBuffer is the buffered form of a Port.
type PortBuffer = can.Buffered[can.Frame]

func (p *Port) check() error {
	if p.split.Load() {
		return can.ErrSplit
	}
	return p.handle.check()
}

// Name returns the bus the port is attached to.
func (p *Port) Name() string { return p.n.bus.name }

func (p *Port) Send(f can.Frame) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.send(context.Background(), f, -1, false)
}

func (p *Port) TrySend(f can.Frame) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.send(context.Background(), f, 0, true)
}

func (p *Port) SendTimeout(f can.Frame, timeout time.Duration) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.send(context.Background(), f, timeout, false)
}

func (p *Port) Recv() (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.recv(context.Background(), -1, false)
}

func (p *Port) TryRecv() (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.recv(context.Background(), 0, true)
}

func (p *Port) RecvTimeout(timeout time.Duration) (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.recv(context.Background(), timeout, false)
}

func (p *Port) WaitNotEmpty() error {
	if err := p.check(); err != nil {
		return err
	}
	return p.waitNotEmpty(context.Background())
}

func (p *Port) SendContext(ctx context.Context, f can.Frame) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.send(ctx, f, -1, false)
}

func (p *Port) SendTimeoutContext(ctx context.Context, f can.Frame, timeout time.Duration) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.send(ctx, f, timeout, false)
}

func (p *Port) RecvContext(ctx context.Context) (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.recv(ctx, -1, false)
}

func (p *Port) RecvTimeoutContext(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if err := p.check(); err != nil {
		return can.Frame{}, err
	}
	return p.recv(ctx, timeout, false)
}

func (p *Port) WaitNotEmptyContext(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.waitNotEmpty(ctx)
}

// SetFilters replaces the acceptance filters of this port.
func (p *Port) SetFilters(fs []can.IDMaskFilter) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.n.setFilters(fs)
}

// ModifyFilters snapshots the filters for editing; see can.FilterBank.
func (p *Port) ModifyFilters() *can.FilterBank { return p.n.filters.Modify() }

func (p *Port) IsTransmitterIdle() (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	}
	return p.n.txIdle()
}

func (p *Port) SetNonblocking(on bool) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.handle.SetNonblocking(on)
}

// Buffered wraps the port with host-side rings over tx and rx.
func (p *Port) Buffered(tx, rx []can.Frame) *PortBuffer {
	return can.NewBuffered[can.Frame](p, tx, rx)
}

// Stats reports queued frames and the receive overrun count.
func (p *Port) Stats() (rxQueued, txQueued int, overruns uint64) { return p.n.stats() }

// Split hands out independent halves. The port itself is unusable
// afterwards; close each half instead.
func (p *Port) Split() (*TxHalf, *RxHalf, error) {
	if err := p.handle.check(); err != nil {
		return nil, nil, err
	}
	if p.split.Swap(true) {
		return nil, nil, can.ErrSplit
	}
	tx := &TxHalf{handle: handle{n: p.n, tx: true}}
	rx := &RxHalf{handle: handle{n: p.n, rx: true}}
	nb := p.nonblock.Load()
	tx.nonblock.Store(nb)
	rx.nonblock.Store(nb)
	return tx, rx, nil
}

// Close detaches the port from its bus. Closing a split port is an error;
// its halves own the attachment.
func (p *Port) Close() error {
	if p.split.Load() {
		return can.ErrSplit
	}
	return p.close()
}

func (t *TxHalf) Send(f can.Frame) error { return t.send(context.Background(), f, -1, false) }
func (t *TxHalf) TrySend(f can.Frame) error {
	return t.send(context.Background(), f, 0, true)
}
func (t *TxHalf) SendTimeout(f can.Frame, timeout time.Duration) error {
	return t.send(context.Background(), f, timeout, false)
}
func (t *TxHalf) SendContext(ctx context.Context, f can.Frame) error {
	return t.send(ctx, f, -1, false)
}
func (t *TxHalf) SendTimeoutContext(ctx context.Context, f can.Frame, timeout time.Duration) error {
	return t.send(ctx, f, timeout, false)
}

func (t *TxHalf) IsTransmitterIdle() (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.n.txIdle()
}

func (t *TxHalf) Close() error { return t.close() }

func (r *RxHalf) Recv() (can.Frame, error) { return r.recv(context.Background(), -1, false) }
func (r *RxHalf) TryRecv() (can.Frame, error) {
	return r.recv(context.Background(), 0, true)
}
func (r *RxHalf) RecvTimeout(timeout time.Duration) (can.Frame, error) {
	return r.recv(context.Background(), timeout, false)
}
func (r *RxHalf) WaitNotEmpty() error { return r.waitNotEmpty(context.Background()) }
func (r *RxHalf) RecvContext(ctx context.Context) (can.Frame, error) {
	return r.recv(ctx, -1, false)
}
func (r *RxHalf) RecvTimeoutContext(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	return r.recv(ctx, timeout, false)
}
func (r *RxHalf) WaitNotEmptyContext(ctx context.Context) error { return r.waitNotEmpty(ctx) }

func (r *RxHalf) SetFilters(fs []can.IDMaskFilter) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.n.setFilters(fs)
}

func (r *RxHalf) ModifyFilters() *can.FilterBank { return r.n.filters.Modify() }

func (r *RxHalf) Close() error { return r.close() }
