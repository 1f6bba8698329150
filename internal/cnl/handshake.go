// Package cnl speaks the cannelloni TCP protocol: the frame codec, the
// hello exchange, a client driver (Conn) and mDNS discovery of gateways.
package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer's greeting is not cannelloni's.
var ErrBadHello = errors.New("cannelloni: bad hello")

// expired is a deadline already in the past; setting it aborts pending I/O.
var expired = time.Unix(1, 0)

// Handshake exchanges the hello string in both directions at once. Both
// sides send first, so the write runs alongside the read. The exchange is
// bounded by timeout and by ctx; the connection deadline is cleared on
// return.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(expired) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		wrote <- err
	}()

	var buf [len(hello)]byte
	_, rerr := io.ReadFull(c, buf[:])
	if rerr == nil && string(buf[:]) != hello {
		rerr = fmt.Errorf("%w: got %q", ErrBadHello, buf[:])
	}
	if rerr != nil {
		// Release the writer if the peer is not reading.
		_ = c.SetDeadline(expired)
	}
	werr := <-wrote

	if err := ctx.Err(); err != nil {
		return err
	}
	if rerr != nil {
		return fmt.Errorf("handshake: %w", rerr)
	}
	if werr != nil {
		return fmt.Errorf("handshake: %w", werr)
	}
	return nil
}
