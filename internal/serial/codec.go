package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/metrics"
)

// UART envelope of the Ampio adapter:
//
//	0x2D 0xD4 LEN DATA... SUM
//
// LEN counts DATA plus the checksum byte; SUM = 0x2D + LEN + sum(DATA).
const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	insSendExt = 2    // host -> adapter: transmit with 29-bit id
	flagDLC    = 0x80 // ORed with the payload length in the FLAGS byte

	// Receive direction DATA = ID(4) | PAYLOAD(0..8).
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + 8 + 1
)

// Codec converts frames to and from the adapter's UART envelope. The
// adapter only speaks 29-bit identifiers; standard ids are sent widened.
type Codec struct{}

// envelope wraps data in preamble, length and checksum.
func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0] = preamble0
	out[1] = preamble1
	out[2] = byte(n + 1)
	sum := out[2] + preamble0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the transmit command for f:
// INS(1) FLAGS(1) ID(4, big endian) PAYLOAD(0..8).
func (Codec) Encode(f can.Frame) []byte {
	id := f.ID().Value()
	payload := f.Payload()
	cmd := make([]byte, 6+len(payload))
	cmd[0] = insSendExt
	cmd[1] = flagDLC | byte(len(payload))
	binary.BigEndian.PutUint32(cmd[2:6], id)
	copy(cmd[6:], payload)
	return envelope(cmd)
}

// Decoder accumulates raw UART bytes and cuts complete frames out of them,
// resynchronizing on the preamble after noise or a bad checksum.
type Decoder struct {
	acc bytes.Buffer
	// Reclaim is the capacity above which a drained accumulator is
	// reallocated, so a burst of noise does not pin a large array forever.
	Reclaim int
}

const defaultReclaim = 16 * 1024

// Write appends raw bytes read from the line.
func (d *Decoder) Write(p []byte) (int, error) { return d.acc.Write(p) }

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return d.acc.Len() }

// Next emits every complete frame currently buffered.
func (d *Decoder) Next(out func(can.Frame)) {
	decodeStream(&d.acc, out)
	limit := d.Reclaim
	if limit <= 0 {
		limit = defaultReclaim
	}
	if d.acc.Len() == 0 && d.acc.Cap() > limit {
		d.acc = bytes.Buffer{}
	}
}

// compact reclaims consumed prefix capacity when the buffer has grown
// large relative to its unread bytes. Reports whether it copied.
func compact(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// decodeStream consumes complete frames from in. Incomplete trailing bytes
// stay buffered. Example (DLC=8):
//
//	2D D4 0D | 00 00 00 02 | FE 10 19 09 19 04 01 20 | AA
func decodeStream(in *bytes.Buffer, out func(can.Frame)) {
	header := []byte{preamble0, preamble1}
	for {
		_ = compact(in)
		data := in.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// Keep the last byte: it may be the first half of a preamble.
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return
		}
		sum := uint(preamble0) + uint(data[2])
		for _, b := range data[3 : total-1] {
			sum += uint(b)
		}
		if byte(sum) != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7]) & can.CAN_EFF_MASK
		payload := data[7 : total-1]
		var f can.Frame
		f.CANID = id | can.CAN_EFF_FLAG
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)
		out(f)
		in.Next(total)
	}
}
