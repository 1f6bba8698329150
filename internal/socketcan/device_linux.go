//go:build linux

package socketcan

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
)

// handle is the per-handle state shared by Device and its halves.
type handle struct {
	s        *socket
	nonblock atomic.Bool
	closed   atomic.Bool
}

func (h *handle) check() error {
	if h.closed.Load() {
		return can.ErrClosed
	}
	return nil
}

func (h *handle) close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.s.release()
}

func (h *handle) send(ctx context.Context, f can.Frame, timeout time.Duration, try bool) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.s.send(ctx, &h.closed, f, timeout, try || h.nonblock.Load())
}

func (h *handle) recv(ctx context.Context, timeout time.Duration, try bool) (can.Frame, error) {
	if err := h.check(); err != nil {
		return can.Frame{}, err
	}
	return h.s.recv(ctx, &h.closed, timeout, try || h.nonblock.Load())
}

func (h *handle) waitNotEmpty(ctx context.Context) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.s.waitNotEmpty(ctx, &h.closed, h.nonblock.Load())
}

func (h *handle) setFilters(fs []can.IDMaskFilter) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.s.filters.Set(fs)
}

// Device is a raw CAN socket bound to one interface. Timed and blocking
// calls poll the socket; context variants check ctx every 50ms at most.
type Device struct {
	handle
	split atomic.Bool
}

// TxHalf is the transmit half returned by Device.Split.
type TxHalf struct{ handle }

// RxHalf is the receive half returned by Device.Split.
type RxHalf struct{ handle }

// DeviceBuffer is a Device wrapped with host-side rings.
type DeviceBuffer = can.Buffered[can.Frame]

var (
	_ can.Device                               = (*Device)(nil)
	_ can.AsyncFrameIo[can.Frame]              = (*Device)(nil)
	_ can.SplitTxRx[*TxHalf, *RxHalf]          = (*Device)(nil)
	_ can.FilterConfig[*can.FilterBank]        = (*Device)(nil)
	_ can.TxRxState                            = (*Device)(nil)
	_ can.BlockingControl                      = (*Device)(nil)
	_ can.BufferedIo[can.Frame, *DeviceBuffer] = (*Device)(nil)
	_ can.Binder[*Device, *Builder]            = Binding{}
	_ can.AsyncTxFrameIo[can.Frame]            = (*TxHalf)(nil)
	_ can.TxRxState                            = (*TxHalf)(nil)
	_ can.AsyncRxFrameIo[can.Frame]            = (*RxHalf)(nil)
	_ can.FilterConfig[*can.FilterBank]        = (*RxHalf)(nil)
)

func openDevice(iface string, cfg Config) (*Device, error) {
	if err := configureLink(iface, cfg); err != nil {
		return nil, err
	}
	s, err := openSocket(iface, cfg)
	if err != nil {
		return nil, err
	}
	s.log.Info("socketcan_open", "fd_frames", cfg.FD, "receive_own", cfg.ReceiveOwn)
	return &Device{handle: handle{s: s}}, nil
}

func (d *Device) check() error {
	if d.split.Load() {
		return can.ErrSplit
	}
	return d.handle.check()
}

// Name returns the interface name.
func (d *Device) Name() string { return d.s.iface }

func (d *Device) Send(f can.Frame) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.send(context.Background(), f, -1, false)
}

func (d *Device) TrySend(f can.Frame) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.send(context.Background(), f, -1, true)
}

func (d *Device) SendTimeout(f can.Frame, timeout time.Duration) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.send(context.Background(), f, timeout, false)
}

func (d *Device) SendContext(ctx context.Context, f can.Frame) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.send(ctx, f, -1, false)
}

func (d *Device) SendTimeoutContext(ctx context.Context, f can.Frame, timeout time.Duration) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.send(ctx, f, timeout, false)
}

func (d *Device) Recv() (can.Frame, error) { return d.RecvContext(context.Background()) }

func (d *Device) TryRecv() (can.Frame, error) {
	if err := d.check(); err != nil {
		return can.Frame{}, err
	}
	return d.recv(context.Background(), -1, true)
}

func (d *Device) RecvTimeout(timeout time.Duration) (can.Frame, error) {
	return d.RecvTimeoutContext(context.Background(), timeout)
}

func (d *Device) RecvContext(ctx context.Context) (can.Frame, error) {
	if err := d.check(); err != nil {
		return can.Frame{}, err
	}
	return d.recv(ctx, -1, false)
}

func (d *Device) RecvTimeoutContext(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if err := d.check(); err != nil {
		return can.Frame{}, err
	}
	return d.recv(ctx, timeout, false)
}

func (d *Device) WaitNotEmpty() error { return d.WaitNotEmptyContext(context.Background()) }

func (d *Device) WaitNotEmptyContext(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.waitNotEmpty(ctx)
}

// SetFilters installs kernel acceptance filters (CAN_RAW_FILTER).
func (d *Device) SetFilters(fs []can.IDMaskFilter) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.setFilters(fs)
}

func (d *Device) ModifyFilters() *can.FilterBank { return d.s.filters.Modify() }

// IsTransmitterIdle reports whether the socket send queue is empty.
func (d *Device) IsTransmitterIdle() (bool, error) {
	if err := d.check(); err != nil {
		return false, err
	}
	return d.s.txIdle()
}

func (d *Device) SetNonblocking(on bool) error {
	if err := d.check(); err != nil {
		return err
	}
	d.nonblock.Store(on)
	return nil
}

// Buffered wraps the device with host-side rings over tx and rx.
func (d *Device) Buffered(tx, rx []can.Frame) *DeviceBuffer {
	return can.NewBuffered[can.Frame](d, tx, rx)
}

// Split hands out halves sharing the socket; the fd closes when both
// halves are closed.
func (d *Device) Split() (*TxHalf, *RxHalf, error) {
	if err := d.handle.check(); err != nil {
		return nil, nil, err
	}
	if d.split.Swap(true) {
		return nil, nil, can.ErrSplit
	}
	d.s.refs.Add(1)
	tx := &TxHalf{handle{s: d.s}}
	rx := &RxHalf{handle{s: d.s}}
	nb := d.nonblock.Load()
	tx.nonblock.Store(nb)
	rx.nonblock.Store(nb)
	return tx, rx, nil
}

// Close releases the socket. Closing a split device returns ErrSplit.
func (d *Device) Close() error {
	if d.split.Load() {
		return can.ErrSplit
	}
	return d.close()
}

func (t *TxHalf) Send(f can.Frame) error    { return t.send(context.Background(), f, -1, false) }
func (t *TxHalf) TrySend(f can.Frame) error { return t.send(context.Background(), f, -1, true) }
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
	return t.s.txIdle()
}

func (t *TxHalf) SetNonblocking(on bool) error { t.nonblock.Store(on); return nil }
func (t *TxHalf) Close() error                 { return t.close() }

func (r *RxHalf) Recv() (can.Frame, error)    { return r.recv(context.Background(), -1, false) }
func (r *RxHalf) TryRecv() (can.Frame, error) { return r.recv(context.Background(), -1, true) }
func (r *RxHalf) RecvTimeout(timeout time.Duration) (can.Frame, error) {
	return r.recv(context.Background(), timeout, false)
}
func (r *RxHalf) RecvContext(ctx context.Context) (can.Frame, error) { return r.recv(ctx, -1, false) }
func (r *RxHalf) RecvTimeoutContext(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	return r.recv(ctx, timeout, false)
}
func (r *RxHalf) WaitNotEmpty() error                           { return r.waitNotEmpty(context.Background()) }
func (r *RxHalf) WaitNotEmptyContext(ctx context.Context) error { return r.waitNotEmpty(ctx) }

func (r *RxHalf) SetFilters(fs []can.IDMaskFilter) error { return r.setFilters(fs) }
func (r *RxHalf) ModifyFilters() *can.FilterBank         { return r.s.filters.Modify() }
func (r *RxHalf) SetNonblocking(on bool) error           { r.nonblock.Store(on); return nil }
func (r *RxHalf) Close() error                           { return r.close() }

func init() {
	can.Register("socketcan", func(iface string) (can.Device, error) {
		return Open(iface)
	})
}
