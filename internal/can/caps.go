package can

// Optional driver capabilities. Each is its own interface; a driver
// implements the subset it supports and consumers ask for what they need.

// FilterConfig configures acceptance filters.
type FilterConfig[H any] interface {
	// SetFilters replaces the active filter set. Either every filter is
	// installed or, on error, none is. An empty list accepts all frames.
	SetFilters(filters []IDMaskFilter) error
	// ModifyFilters returns a handle for editing the set in place.
	ModifyFilters() H
}

// TxRxState inspects transmitter state.
type TxRxState interface {
	// IsTransmitterIdle reports whether no frame is queued or in flight at
	// the moment of the call.
	IsTransmitterIdle() (bool, error)
}

// BlockingControl toggles the nonblocking mode of a handle. While on,
// blocking calls behave like their Try counterparts.
type BlockingControl interface {
	SetNonblocking(on bool) error
}

// BufferedIo wraps a handle with host-side ring buffers living in
// caller-supplied storage.
type BufferedIo[F, B any] interface {
	Buffered(tx, rx []F) B
}

// Binder opens a driver bound to a named interface in one step, or hands
// out a builder for multi-step configuration.
type Binder[D, B any] interface {
	Open(name string) (D, error)
	Builder() B
}

// TimeoutDegrader is implemented by drivers whose timed operations may
// fall back to unbounded blocking.
type TimeoutDegrader interface {
	DegradesTimeouts() bool
}
