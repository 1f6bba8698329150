package can

import (
	"context"
	"errors"
)

// Pump copies frames from src to dst with blocking calls until either side
// fails. It returns the number of frames forwarded and the error that
// stopped it.
func Pump[F any](dst TxFrameIo[F], src RxFrameIo[F]) (int, error) {
	n := 0
	for {
		f, err := src.Recv()
		if err != nil {
			return n, err
		}
		if err := dst.Send(f); err != nil {
			return n, err
		}
		n++
	}
}

// PumpContext is Pump over the suspending family. A cancelled ctx ends it
// with a nil error.
func PumpContext[F any](ctx context.Context, dst AsyncTxFrameIo[F], src AsyncRxFrameIo[F]) (int, error) {
	n := 0
	for {
		f, err := src.RecvContext(ctx)
		if err != nil {
			return n, ctxErr(ctx, err)
		}
		if err := dst.SendContext(ctx, f); err != nil {
			return n, ctxErr(ctx, err)
		}
		n++
	}
}

// Drain hands every frame src can deliver without blocking to fn and stops
// at the first would-block. fn returning an error aborts the drain.
func Drain[F any](src RxFrameIo[F], fn func(F) error) (int, error) {
	n := 0
	for {
		f, err := src.TryRecv()
		if IsWouldBlock(err) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := fn(f); err != nil {
			return n, err
		}
		n++
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}
