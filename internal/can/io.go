package can

import (
	"context"
	"time"
)

// TxFrameIo is the blocking transmit side of a CAN controller.
type TxFrameIo[F any] interface {
	// Send blocks until the driver accepts the frame into a transmit slot.
	// It never reports would-block.
	Send(frame F) error
	// TrySend returns immediately. A full transmit queue yields an error
	// for which IsWouldBlock is true.
	TrySend(frame F) error
	// SendTimeout blocks up to timeout; expiry yields an error for which
	// IsTimeout is true. Drivers without timers may behave like Send and
	// say so through TimeoutDegrader.
	SendTimeout(frame F, timeout time.Duration) error
}

// RxFrameIo is the blocking receive side of a CAN controller.
type RxFrameIo[F any] interface {
	// Recv blocks until a frame is available.
	Recv() (F, error)
	// TryRecv returns immediately; an empty queue is a would-block error.
	TryRecv() (F, error)
	// RecvTimeout blocks up to timeout (see TxFrameIo.SendTimeout).
	RecvTimeout(timeout time.Duration) (F, error)
	// WaitNotEmpty blocks until the receive queue holds a frame, without
	// consuming it.
	WaitNotEmpty() error
}

// AsyncTxFrameIo is the suspending transmit side. Every call parks the
// calling goroutine until the driver can make progress or ctx is done;
// a cancelled call never leaves the frame partially sent.
//
// The methods carry the Context suffix so one driver type can implement
// both families.
type AsyncTxFrameIo[F any] interface {
	SendContext(ctx context.Context, frame F) error
	SendTimeoutContext(ctx context.Context, frame F, timeout time.Duration) error
}

// AsyncRxFrameIo is the suspending receive side.
type AsyncRxFrameIo[F any] interface {
	RecvContext(ctx context.Context) (F, error)
	RecvTimeoutContext(ctx context.Context, timeout time.Duration) (F, error)
	WaitNotEmptyContext(ctx context.Context) error
}

// FrameIo is satisfied by any type implementing both blocking halves for
// the same frame type.
type FrameIo[F any] interface {
	TxFrameIo[F]
	RxFrameIo[F]
}

// AsyncFrameIo is satisfied by any type implementing both suspending
// halves for the same frame type.
type AsyncFrameIo[F any] interface {
	AsyncTxFrameIo[F]
	AsyncRxFrameIo[F]
}

// SplitTxRx turns one owning handle into independent transmit and receive
// halves. It works once: afterwards the owner reports ErrSplit, including
// from a second Split. The halves may be used from different goroutines.
type SplitTxRx[Tx, Rx any] interface {
	Split() (Tx, Rx, error)
}

// AsFrameIo is the runtime form of the FrameIo check, for values held as
// an interface of unknown capabilities.
func AsFrameIo[F any](v any) (FrameIo[F], bool) {
	fio, ok := v.(FrameIo[F])
	return fio, ok
}

// AsAsyncFrameIo is AsFrameIo for the suspending family.
func AsAsyncFrameIo[F any](v any) (AsyncFrameIo[F], bool) {
	fio, ok := v.(AsyncFrameIo[F])
	return fio, ok
}
