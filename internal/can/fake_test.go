package can

import (
	"time"
)

// chanIo is a FrameIo whose transmit side feeds its own receive side
// through a bounded channel, like a controller in loopback mode.
type chanIo struct {
	q chan Frame
}

func newChanIo(capacity int) *chanIo { return &chanIo{q: make(chan Frame, capacity)} }

func (c *chanIo) Send(f Frame) error { c.q <- f; return nil }

func (c *chanIo) TrySend(f Frame) error {
	select {
	case c.q <- f:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (c *chanIo) SendTimeout(f Frame, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case c.q <- f:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

func (c *chanIo) Recv() (Frame, error) { return <-c.q, nil }

func (c *chanIo) TryRecv() (Frame, error) {
	select {
	case f := <-c.q:
		return f, nil
	default:
		return Frame{}, ErrWouldBlock
	}
}

func (c *chanIo) RecvTimeout(d time.Duration) (Frame, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case f := <-c.q:
		return f, nil
	case <-t.C:
		return Frame{}, ErrTimeout
	}
}

func (c *chanIo) WaitNotEmpty() error {
	for len(c.q) == 0 {
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (c *chanIo) Close() error { return nil }

var _ FrameIo[Frame] = (*chanIo)(nil)
