package can

import (
	"time"

	"github.com/kstaniek/go-canio/internal/ring"
)

// Buffered smooths bursty traffic with host-side transmit and receive rings
// around any FrameIo. The rings live in the storage slices handed to
// NewBuffered; they are never grown or reallocated, so capacity is exactly
// len(tx) and len(rx).
//
// While wrapped, the inner handle belongs to the wrapper and must not be
// used directly; Release flushes pending transmissions and hands it back.
// Like every handle in this module, a Buffered is used by one goroutine at
// a time.
type Buffered[F any] struct {
	inner    FrameIo[F]
	tx       *ring.Ring[F]
	rx       *ring.Ring[F]
	released bool
}

// NewBuffered wraps inner. Both storage slices must be non-empty.
func NewBuffered[F any](inner FrameIo[F], tx, rx []F) *Buffered[F] {
	if len(tx) == 0 || len(rx) == 0 {
		panic("can: buffered storage must be non-empty")
	}
	return &Buffered[F]{inner: inner, tx: ring.New(tx), rx: ring.New(rx)}
}

// Pending returns the number of frames waiting in the transmit ring.
func (b *Buffered[F]) Pending() int { return b.tx.Len() }

// Buffered returns the number of frames waiting in the receive ring.
func (b *Buffered[F]) Buffered() int { return b.rx.Len() }

// TrySend queues frame, pushing what the inner handle accepts without
// blocking. A full ring is a would-block error.
func (b *Buffered[F]) TrySend(frame F) error {
	if b.released {
		return ErrReleased
	}
	if err := b.flushNonblocking(); err != nil {
		return err
	}
	if !b.tx.Push(frame) {
		return ErrWouldBlock
	}
	return b.flushNonblocking()
}

// Send queues frame, blocking on the inner handle only while the ring is full.
func (b *Buffered[F]) Send(frame F) error {
	if b.released {
		return ErrReleased
	}
	if err := b.flushNonblocking(); err != nil {
		return err
	}
	for b.tx.Full() {
		head, _ := b.tx.Peek()
		if err := b.inner.Send(head); err != nil {
			return err
		}
		b.tx.Pop()
	}
	b.tx.Push(frame)
	return b.flushNonblocking()
}

// SendTimeout is Send bounded by timeout.
func (b *Buffered[F]) SendTimeout(frame F, timeout time.Duration) error {
	if b.released {
		return ErrReleased
	}
	if err := b.flushNonblocking(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for b.tx.Full() {
		left := time.Until(deadline)
		if left <= 0 {
			return ErrTimeout
		}
		head, _ := b.tx.Peek()
		if err := b.inner.SendTimeout(head, left); err != nil {
			return err
		}
		b.tx.Pop()
	}
	b.tx.Push(frame)
	return b.flushNonblocking()
}

// Recv returns the oldest buffered frame, falling back to a blocking
// receive on the inner handle when nothing is buffered.
func (b *Buffered[F]) Recv() (F, error) {
	if f, ok, err := b.takeBuffered(); ok || err != nil {
		return f, err
	}
	return b.inner.Recv()
}

// TryRecv returns a buffered frame or a would-block error.
func (b *Buffered[F]) TryRecv() (F, error) {
	var zero F
	if f, ok, err := b.takeBuffered(); ok || err != nil {
		return f, err
	}
	return zero, ErrWouldBlock
}

// RecvTimeout is Recv bounded by timeout.
func (b *Buffered[F]) RecvTimeout(timeout time.Duration) (F, error) {
	if f, ok, err := b.takeBuffered(); ok || err != nil {
		return f, err
	}
	return b.inner.RecvTimeout(timeout)
}

// WaitNotEmpty returns once a frame is buffered or the inner handle has one.
func (b *Buffered[F]) WaitNotEmpty() error {
	if b.released {
		return ErrReleased
	}
	if err := b.Poll(); err != nil {
		return err
	}
	if !b.rx.Empty() {
		return nil
	}
	return b.inner.WaitNotEmpty()
}

// Poll moves everything the inner handle has ready into the receive ring
// (until it is full) and pushes pending transmissions without blocking.
func (b *Buffered[F]) Poll() error {
	if b.released {
		return ErrReleased
	}
	if err := b.flushNonblocking(); err != nil {
		return err
	}
	for !b.rx.Full() {
		f, err := b.inner.TryRecv()
		if IsWouldBlock(err) {
			return nil
		}
		if err != nil {
			return err
		}
		b.rx.Push(f)
	}
	return nil
}

// Flush blocks until the transmit ring is empty.
func (b *Buffered[F]) Flush() error {
	if b.released {
		return ErrReleased
	}
	for !b.tx.Empty() {
		head, _ := b.tx.Peek()
		if err := b.inner.Send(head); err != nil {
			return err
		}
		b.tx.Pop()
	}
	return nil
}

// Release flushes the transmit ring and returns the inner handle. Frames
// still sitting in the receive ring are dropped; their count is returned.
func (b *Buffered[F]) Release() (FrameIo[F], int, error) {
	if b.released {
		return nil, 0, ErrReleased
	}
	if err := b.Flush(); err != nil {
		return nil, 0, err
	}
	dropped := b.rx.Len()
	b.rx.Reset()
	b.released = true
	return b.inner, dropped, nil
}

func (b *Buffered[F]) takeBuffered() (F, bool, error) {
	var zero F
	if b.released {
		return zero, false, ErrReleased
	}
	if err := b.Poll(); err != nil {
		return zero, false, err
	}
	f, ok := b.rx.Pop()
	return f, ok, nil
}

func (b *Buffered[F]) flushNonblocking() error {
	for !b.tx.Empty() {
		head, _ := b.tx.Peek()
		err := b.inner.TrySend(head)
		if IsWouldBlock(err) {
			return nil
		}
		if err != nil {
			return err
		}
		b.tx.Pop()
	}
	return nil
}
