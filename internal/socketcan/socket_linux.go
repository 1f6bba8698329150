//go:build linux

package socketcan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
)

const (
	// Blocking waits poll in slices so Close and ctx cancellation are
	// noticed promptly.
	pollSlice = 50 * time.Millisecond
	// ENOBUFS (device queue full) is not signalled through POLLOUT.
	noBufsPause = time.Millisecond
	// sizeof(struct canfd_frame); x/sys/unix only carries CAN_MTU.
	canfdMTU = 72
)

// socket is a raw CAN socket shared by a Device and its halves. The fd is
// always O_NONBLOCK; blocking behaviour is built from poll(2).
type socket struct {
	iface   string
	fdMode  bool
	log     *slog.Logger
	filters *can.FilterTable

	mu     sync.RWMutex // read: fd in use; write: close
	fd     int
	closed bool
	refs   atomic.Int32
}

func openSocket(iface string, cfg Config) (*socket, error) {
	idx, err := ifIndex(iface)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(err error) (*socket, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	fdOn := 0
	if cfg.FD {
		fdOn = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, fdOn); err != nil {
		// Older kernels may not know this option.
		if cfg.FD || !errors.Is(err, unix.ENOPROTOOPT) {
			return fail(fmt.Errorf("CAN_RAW_FD_FRAMES: %w", err))
		}
	}
	if cfg.ReceiveOwn {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
			return fail(fmt.Errorf("CAN_RAW_RECV_OWN_MSGS: %w", err))
		}
	}
	if cfg.NoLoopback {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 0); err != nil {
			return fail(fmt.Errorf("CAN_RAW_LOOPBACK: %w", err))
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(fmt.Errorf("set nonblock: %w", err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: int(idx)}); err != nil {
		return fail(fmt.Errorf("bind(can@%s): %w", iface, err))
	}
	s := &socket{
		iface:  iface,
		fdMode: cfg.FD,
		log:    logging.Or(cfg.Logger).With("iface", iface),
		fd:     fd,
	}
	s.refs.Store(1)
	s.filters = can.NewFilterTable(cfg.FilterBanks, s.applyFilters)
	return s, nil
}

// withFD runs fn while the fd is guaranteed open.
func (s *socket) withFD(fn func(fd int) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return can.ErrClosed
	}
	return fn(s.fd)
}

// release drops one reference; the last one closes the fd.
func (s *socket) release() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info("socketcan_close")
	return unix.Close(s.fd)
}

func (s *socket) applyFilters(fs []can.IDMaskFilter) error {
	return s.withFD(func(fd int) error {
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernelFilters(fs)); err != nil {
			return fmt.Errorf("CAN_RAW_FILTER: %w", err)
		}
		return nil
	})
}

// kernelFilters maps id/mask filters onto struct can_filter. The EFF bit
// is always part of the mask so standard and extended filters never match
// each other's frames. An empty list becomes a single accept-all entry:
// the kernel reads zero filters as "receive nothing".
func kernelFilters(fs []can.IDMaskFilter) []unix.CanFilter {
	if len(fs) == 0 {
		return []unix.CanFilter{{Id: 0, Mask: 0}}
	}
	out := make([]unix.CanFilter, len(fs))
	for i, f := range fs {
		id := f.ID.Value()
		if f.ID.IsExtended() {
			id |= can.CAN_EFF_FLAG
		}
		out[i] = unix.CanFilter{Id: id, Mask: f.Mask.Value() | can.CAN_EFF_FLAG}
	}
	return out
}

// encodeFrame writes f as struct can_frame (16 bytes) or, for payloads
// over 8 bytes, struct canfd_frame (72 bytes). Fields are host order.
func encodeFrame(buf []byte, f can.Frame, fdMode bool) (int, error) {
	n := unix.CAN_MTU
	if f.Len > can.MaxClassicLen {
		if f.Len > can.MaxFDLen {
			return 0, fmt.Errorf("%w: %d bytes", can.ErrFrameLen, f.Len)
		}
		if !fdMode {
			return 0, fmt.Errorf("%w: %d bytes without CAN FD", can.ErrFrameLen, f.Len)
		}
		n = canfdMTU
	}
	clear(buf[:n])
	binary.NativeEndian.PutUint32(buf[0:4], f.CANID)
	buf[4] = f.Len
	if !f.IsRemote() {
		copy(buf[8:n], f.Payload())
	}
	return n, nil
}

func decodeFrame(b []byte) (can.Frame, error) {
	var f can.Frame
	if len(b) != unix.CAN_MTU && len(b) != canfdMTU {
		return f, fmt.Errorf("socketcan: short read: %d bytes", len(b))
	}
	f.CANID = binary.NativeEndian.Uint32(b[0:4])
	ln := int(b[4])
	if room := len(b) - 8; ln > room {
		ln = room
	}
	f.Len = uint8(ln)
	if !f.IsRemote() {
		copy(f.Data[:], b[8:8+ln])
	}
	return f, nil
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// poll waits up to d for events on the fd.
func (s *socket) poll(events int16, d time.Duration) (bool, error) {
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	var ready bool
	err := s.withFD(func(fd int) error {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(pfd, ms)
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 && pfd[0].Revents&unix.POLLNVAL != 0 {
			return can.ErrClosed
		}
		ready = n > 0
		return nil
	})
	return ready, err
}

// wait polls for events until ready, ctx ends or deadline passes. gone
// is the calling handle's closed flag; it is checked every slice.
func (s *socket) wait(ctx context.Context, gone *atomic.Bool, events int16, deadline time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if gone.Load() {
			return can.ErrClosed
		}
		slice := pollSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return can.ErrTimeout
			}
			slice = min(slice, left)
		}
		ready, err := s.poll(events, slice)
		if err != nil || ready {
			return err
		}
	}
}

func pause(ctx context.Context, deadline time.Time, d time.Duration) error {
	if !deadline.IsZero() {
		left := time.Until(deadline)
		if left <= 0 {
			return can.ErrTimeout
		}
		d = min(d, left)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *socket) send(ctx context.Context, gone *atomic.Bool, f can.Frame, timeout time.Duration, nonblock bool) error {
	var buf [canfdMTU]byte
	n, err := encodeFrame(buf[:], f, s.fdMode)
	if err != nil {
		return err
	}
	deadline := deadlineFor(timeout)
	for {
		if gone.Load() {
			return can.ErrClosed
		}
		err := s.withFD(func(fd int) error {
			_, err := unix.Write(fd, buf[:n])
			return err
		})
		full := errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS)
		switch {
		case err == nil:
			metrics.IncTx(metrics.DriverSocketCAN)
			return nil
		case !full:
			if errors.Is(err, can.ErrClosed) {
				return err
			}
			metrics.IncError(metrics.ErrBusWrite)
			return fmt.Errorf("socketcan write %s: %w", s.iface, err)
		case nonblock:
			metrics.IncWouldBlock(metrics.DriverSocketCAN, metrics.DirTx)
			return can.ErrWouldBlock
		case errors.Is(err, unix.ENOBUFS):
			err = pause(ctx, deadline, noBufsPause)
		default:
			err = s.wait(ctx, gone, unix.POLLOUT, deadline)
		}
		if err != nil {
			return err
		}
	}
}

func (s *socket) recv(ctx context.Context, gone *atomic.Bool, timeout time.Duration, nonblock bool) (can.Frame, error) {
	var buf [canfdMTU]byte
	deadline := deadlineFor(timeout)
	for {
		var n int
		err := s.withFD(func(fd int) error {
			var err error
			n, err = unix.Read(fd, buf[:])
			return err
		})
		switch {
		case err == nil:
			f, err := decodeFrame(buf[:n])
			if err != nil {
				metrics.IncError(metrics.ErrBusRead)
				return f, err
			}
			// Frames queued before a filter change may still be in the
			// socket buffer.
			if !s.filters.Accept(f.ID()) {
				metrics.IncFilterReject(metrics.DriverSocketCAN)
				continue
			}
			metrics.IncRx(metrics.DriverSocketCAN)
			return f, nil
		case errors.Is(err, can.ErrClosed):
			return can.Frame{}, err
		case !errors.Is(err, unix.EAGAIN):
			metrics.IncError(metrics.ErrBusRead)
			return can.Frame{}, fmt.Errorf("socketcan read %s: %w", s.iface, err)
		case nonblock:
			metrics.IncWouldBlock(metrics.DriverSocketCAN, metrics.DirRx)
			return can.Frame{}, can.ErrWouldBlock
		}
		if err := s.wait(ctx, gone, unix.POLLIN, deadline); err != nil {
			return can.Frame{}, err
		}
	}
}

func (s *socket) waitNotEmpty(ctx context.Context, gone *atomic.Bool, nonblock bool) error {
	ready, err := s.poll(unix.POLLIN, 0)
	if err != nil || ready {
		return err
	}
	if nonblock {
		metrics.IncWouldBlock(metrics.DriverSocketCAN, metrics.DirRx)
		return can.ErrWouldBlock
	}
	return s.wait(ctx, gone, unix.POLLIN, time.Time{})
}

// txIdle reports whether the socket's send queue is empty (SIOCOUTQ).
func (s *socket) txIdle() (bool, error) {
	var queued int
	err := s.withFD(func(fd int) error {
		var err error
		queued, err = unix.IoctlGetInt(fd, unix.SIOCOUTQ)
		return err
	})
	if err != nil {
		return false, err
	}
	return queued == 0, nil
}
