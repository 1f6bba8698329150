package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/transport"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
//
// Wire format per frame: 4-byte big-endian CAN id (with the EFF/RTR/ERR
// flag bits), one length byte, payload. A length byte with fdFlag set
// marks a CAN FD frame and is followed by one FD flags byte.
type Codec struct{}

var (
	_ transport.FrameDecoder      = (*Codec)(nil)
	_ transport.MultiFrameDecoder = (*Codec)(nil)
	_ transport.FrameBatchEncoder = (*Codec)(nil)
)

const (
	fdFlag  = 0x80
	lenMask = 0x7F
)

// ErrInvalidLength is returned when a frame length is not a valid classic
// (0..8) or FD length.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// validFDLen reports whether n is one of the CAN FD payload sizes.
func validFDLen(n int) bool {
	switch {
	case n <= 8:
		return true
	case n <= 24:
		return n%4 == 0
	default:
		return n == 32 || n == 48 || n == 64
	}
}

// Encode packs frames into a single cannelloni packet (DATA).
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 1 + 8))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [6]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		h := hdr[:5]
		hdr[4] = f.Len & lenMask
		if f.Len > 8 {
			hdr[4] |= fdFlag
			hdr[5] = 0
			h = hdr[:6]
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if f.Len > 0 && !f.IsRemote() {
			n, err = w.Write(f.Data[:f.Len])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(idb[:])
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	ln := int(lb[0] & lenMask)
	if lb[0]&fdFlag != 0 {
		var flags [1]byte
		if _, err := io.ReadFull(r, flags[:]); err != nil {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode fd flags: %w", ErrTruncatedFrame)
		}
		if ln > can.MaxFDLen || !validFDLen(ln) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode: %w (fd %d)", ErrInvalidLength, ln)
		}
	} else if ln > 8 {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 && !f.IsRemote() {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
