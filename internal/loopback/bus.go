// Package loopback is an in-memory CAN driver. Ports opened on the same bus
// name see each other's frames, much like a vcan interface, and every
// capability of the can package is implemented so the contracts can be
// exercised without hardware.
package loopback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/ring"
)

var (
	busesMu sync.Mutex
	buses   = make(map[string]*bus)
)

// bus owns all node state; every ring and flag below is guarded by mu.
type bus struct {
	name    string
	mu      sync.Mutex
	nodes   []*node
	changed chan struct{}
}

type node struct {
	bus      *bus
	cfg      Config
	log      *slog.Logger
	rx       *ring.Ring[can.Frame]
	tx       *ring.Ring[can.Frame]
	filters  *can.FilterTable
	rxOpen   bool
	txOpen   bool
	closed   bool
	overruns uint64
}

func attach(name string, cfg Config) *node {
	busesMu.Lock()
	defer busesMu.Unlock()
	b := buses[name]
	if b == nil {
		b = &bus{name: name, changed: make(chan struct{})}
		buses[name] = b
	}
	n := &node{
		bus:     b,
		cfg:     cfg,
		log:     cfg.Logger.With("bus", name),
		rx:      ring.New(make([]can.Frame, cfg.RxCapacity)),
		tx:      ring.New(make([]can.Frame, cfg.TxSlots)),
		filters: can.NewFilterTable(cfg.FilterBanks, nil),
		rxOpen:  true,
		txOpen:  true,
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	n.log.Debug("loopback_attach", "nodes", len(b.nodes))
	return n
}

// release closes the directions a handle owned. A closed receive side stops
// taking frames, a closed transmit side loses its queued slots, and once
// both are gone the node detaches.
func (n *node) release(tx, rx bool) {
	b := n.bus
	busesMu.Lock()
	defer busesMu.Unlock()
	b.mu.Lock()
	dropped := 0
	if tx && n.txOpen {
		n.txOpen = false
		dropped = n.tx.Len()
		n.tx.Reset()
	}
	if rx && n.rxOpen {
		n.rxOpen = false
		n.rx.Reset()
	}
	if n.txOpen || n.rxOpen {
		// Senders held back by this receiver may proceed; blocked calls on
		// the closed half wake up and see it.
		b.pumpLocked()
		b.notifyLocked()
		b.mu.Unlock()
		n.log.Debug("loopback_half_closed", "tx", tx, "rx", rx, "dropped_tx", dropped)
		return
	}
	n.closed = true
	for i, m := range b.nodes {
		if m == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			break
		}
	}
	b.pumpLocked()
	b.notifyLocked()
	empty := len(b.nodes) == 0
	b.mu.Unlock()
	if empty && buses[b.name] == b {
		delete(buses, b.name)
	}
	n.log.Debug("loopback_detach", "dropped_tx", dropped)
}

func (b *bus) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// pumpLocked moves frames out of transmit slots for as long as delivery is
// possible. Each node's slots drain in FIFO order.
func (b *bus) pumpLocked() {
	moved := false
	for _, src := range b.nodes {
		for !src.tx.Empty() {
			f, _ := src.tx.Peek()
			if !b.deliverLocked(src, f) {
				break
			}
			src.tx.Pop()
			moved = true
		}
	}
	if moved {
		b.notifyLocked()
	}
}

// deliverLocked hands f to every accepting receiver. A full receiver with
// the block policy holds the frame back (nothing is delivered); with the
// drop policy it loses the frame and counts an overrun.
func (b *bus) deliverLocked(src *node, f can.Frame) bool {
	id := f.ID()
	for _, dst := range b.nodes {
		if !dst.rxOpen || (dst == src && !src.cfg.ReceiveOwn) {
			continue
		}
		if dst.cfg.Policy == PolicyBlock && dst.rx.Full() && dst.filters.Accept(id) {
			return false
		}
	}
	for _, dst := range b.nodes {
		if !dst.rxOpen || (dst == src && !src.cfg.ReceiveOwn) {
			continue
		}
		if !dst.filters.Accept(id) {
			metrics.IncFilterReject(metrics.DriverLoopback)
			continue
		}
		if !dst.rx.Push(f) {
			dst.overruns++
			metrics.IncOverrun(metrics.DriverLoopback)
			dst.log.Debug("rx_overrun", "id", id.String(), "total", dst.overruns)
		}
	}
	return true
}

// wait runs try under the bus lock until it reports done, an error, the
// timeout (negative means none) or ctx ends. It fails with ErrClosed once
// the calling handle is closed. With nonblock set a single failed attempt
// is a would-block.
func (n *node) wait(ctx context.Context, gone *atomic.Bool, timeout time.Duration, nonblock bool, dir string, try func() (bool, error)) error {
	var expired <-chan time.Time
	if timeout >= 0 && !nonblock {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	b := n.bus
	for {
		b.mu.Lock()
		if n.closed || gone.Load() {
			b.mu.Unlock()
			return can.ErrClosed
		}
		done, err := try()
		ch := b.changed
		b.mu.Unlock()
		if done || err != nil {
			return err
		}
		if nonblock {
			metrics.IncWouldBlock(metrics.DriverLoopback, dir)
			return can.ErrWouldBlock
		}
		select {
		case <-ch:
		case <-expired:
			return can.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *node) send(ctx context.Context, gone *atomic.Bool, f can.Frame, timeout time.Duration, nonblock bool) error {
	return n.wait(ctx, gone, timeout, nonblock, metrics.DirTx, func() (bool, error) {
		if n.tx.Full() {
			return false, nil
		}
		n.tx.Push(f)
		metrics.IncTx(metrics.DriverLoopback)
		n.bus.pumpLocked()
		return true, nil
	})
}

func (n *node) recv(ctx context.Context, gone *atomic.Bool, timeout time.Duration, nonblock bool) (can.Frame, error) {
	var out can.Frame
	err := n.wait(ctx, gone, timeout, nonblock, metrics.DirRx, func() (bool, error) {
		f, ok := n.rx.Pop()
		if !ok {
			return false, nil
		}
		out = f
		metrics.IncRx(metrics.DriverLoopback)
		// Space freed: senders held back by this queue may proceed.
		n.bus.pumpLocked()
		n.bus.notifyLocked()
		return true, nil
	})
	return out, err
}

func (n *node) waitNotEmpty(ctx context.Context, gone *atomic.Bool, nonblock bool) error {
	return n.wait(ctx, gone, -1, nonblock, metrics.DirRx, func() (bool, error) {
		return !n.rx.Empty(), nil
	})
}

func (n *node) setFilters(fs []can.IDMaskFilter) error {
	if err := n.filters.Set(fs); err != nil {
		return err
	}
	n.bus.mu.Lock()
	n.bus.pumpLocked()
	n.bus.mu.Unlock()
	return nil
}

func (n *node) txIdle() (bool, error) {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	if n.closed {
		return false, can.ErrClosed
	}
	return n.tx.Empty(), nil
}

func (n *node) stats() (rxQueued, txQueued int, overruns uint64) {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	return n.rx.Len(), n.tx.Len(), n.overruns
}
