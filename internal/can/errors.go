package can

import "errors"

// Sentinel errors shared by every driver. Drivers return them directly or
// wrap them with %w; callers classify via errors.Is or the Is* helpers.
var (
	// ErrWouldBlock reports that a non-blocking operation could not complete
	// immediately (no free transmit slot, empty receive queue). It is not a
	// failure of the bus.
	ErrWouldBlock = errors.New("can: would block")
	// ErrTimeout reports that a timed operation ran out of time.
	ErrTimeout = errors.New("can: timeout")
	// ErrClosed indicates the handle or its underlying device has been closed.
	ErrClosed = errors.New("can: closed")
	// ErrSplit is returned by a handle that was already split into halves.
	ErrSplit = errors.New("can: handle already split")
	// ErrReleased is returned by a buffered wrapper after Release.
	ErrReleased = errors.New("can: buffered wrapper released")

	ErrIDRange  = errors.New("can: identifier out of range")
	ErrFrameLen = errors.New("can: invalid data length")

	ErrFilterWidth      = errors.New("can: filter id and mask width differ")
	ErrFilterMask       = errors.New("can: filter mask exceeds id width")
	ErrFilterCapacity   = errors.New("can: filter count exceeds bank capacity")
	ErrFilterIndex      = errors.New("can: filter index out of range")
	ErrFilterStale      = errors.New("can: filters changed since handle was taken")
	ErrFilterBankClosed = errors.New("can: filter handle already committed or discarded")

	ErrUnknownDriver = errors.New("can: unknown driver")
	ErrSyntax        = errors.New("can: syntax error")
	ErrUnsupported   = errors.New("can: not supported by driver")
)

// IsWouldBlock reports whether err is a would-block condition rather than a
// hard failure. It recognizes ErrWouldBlock (wrapped or not) and any error
// in the chain exposing WouldBlock() bool.
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWouldBlock) {
		return true
	}
	var wb interface{ WouldBlock() bool }
	return errors.As(err, &wb) && wb.WouldBlock()
}

// IsTimeout reports whether err is a timeout: ErrTimeout, or any error in
// the chain with Timeout() bool (net.Error, context.DeadlineExceeded).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
