package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canio/internal/can"
)

// AsyncTx funnels frame writes through a single goroutine (fan-in) so a
// driver's write path is never entered concurrently. Producers choose how
// to wait for queue space:
//
//	SendFrame         never blocks; a full queue runs OnDrop
//	SendFrameContext  blocks until queued or ctx ends
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Frames still queued when Close runs are discarded. Pending() counts
// frames queued or being written, so Idle reports true only once the
// driver's write call has returned for every accepted frame.
type AsyncTx struct {
	mu      sync.RWMutex // read side: producers; write side: Close
	ch      chan can.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	send    func(can.Frame) error
	hooks   Hooks
	closed  atomic.Bool
	pending atomic.Int64
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when SendFrame finds the queue full; its return value
	// is returned from SendFrame. When nil, SendFrame returns
	// can.ErrWouldBlock.
	OnDrop func() error
}

// ErrAsyncTxClosed is returned for sends after Close. It matches
// can.ErrClosed.
var ErrAsyncTxClosed = fmt.Errorf("async tx: %w", can.ErrClosed)

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			err := a.send(fr)
			a.pending.Add(-1)
			if err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues fr without blocking.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.pending.Add(1)
	select {
	case a.ch <- fr:
		return nil
	default:
		a.pending.Add(-1)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return can.ErrWouldBlock
	}
}

// SendFrameContext queues fr, waiting for space until ctx is done. The
// frame is either queued whole or not at all.
func (a *AsyncTx) SendFrameContext(ctx context.Context, fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.pending.Add(1)
	select {
	case a.ch <- fr:
		return nil
	case <-ctx.Done():
		a.pending.Add(-1)
		return ctx.Err()
	case <-a.ctx.Done():
		a.pending.Add(-1)
		return ErrAsyncTxClosed
	}
}

// Pending returns the number of frames queued or in flight.
func (a *AsyncTx) Pending() int { return int(a.pending.Load()) }

// Idle reports whether nothing is queued or being written.
func (a *AsyncTx) Idle() bool { return a.pending.Load() == 0 }

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Cancel first so blocked SendFrameContext callers release the read lock.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
