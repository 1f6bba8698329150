package can

import (
	"bytes"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload limits.
const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Frame is the CAN frame carried by the drivers in this module.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8 for classic); only the first Len bytes are valid.
//
// The capability interfaces are generic over the frame type; Frame is just
// the one these drivers speak.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [64]byte
}

// NewFrame builds a data frame for id. It fails with ErrFrameLen when data
// does not fit a classic frame.
func NewFrame(id ID, data ...byte) (Frame, error) {
	var f Frame
	if len(data) > MaxClassicLen {
		return f, fmt.Errorf("%w: %d bytes", ErrFrameLen, len(data))
	}
	f.CANID = id.CANID()
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, nil
}

// MustFrame is NewFrame that panics on error. Convenience for tests and examples.
func MustFrame(id ID, data ...byte) Frame {
	f, err := NewFrame(id, data...)
	if err != nil {
		panic(err)
	}
	return f
}

// RemoteFrame builds an RTR frame requesting dlc bytes.
func RemoteFrame(id ID, dlc uint8) Frame {
	if dlc > MaxClassicLen {
		dlc = MaxClassicLen
	}
	return Frame{CANID: id.CANID() | CAN_RTR_FLAG, Len: dlc}
}

// ID returns the identifier without flag bits.
func (f Frame) ID() ID {
	if f.CANID&CAN_EFF_FLAG != 0 {
		return Extended(ExtendedID(f.CANID & CAN_EFF_MASK))
	}
	return Standard(StandardID(f.CANID & CAN_SFF_MASK))
}

func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) IsRemote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool    { return f.CANID&CAN_ERR_FLAG != 0 }

// Payload returns a copy of the valid data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// Equal reports whether both frames carry the same id, flags, length and
// payload. Bytes past Len are ignored.
func (f Frame) Equal(g Frame) bool {
	if f.CANID != g.CANID || f.Len != g.Len {
		return false
	}
	if f.IsRemote() {
		return true
	}
	return bytes.Equal(f.Payload(), g.Payload())
}

// String renders the frame in candump notation: 123#DEADBEEF, 1ABCDEFF#, 123#R.
func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(f.ID().String())
	b.WriteByte('#')
	if f.IsRemote() {
		b.WriteByte('R')
		if f.Len > 0 {
			fmt.Fprintf(&b, "%d", f.Len)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "%X", f.Payload())
	return b.String()
}
