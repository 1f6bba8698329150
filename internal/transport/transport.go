// Package transport holds the plumbing shared by stream-based CAN drivers:
// a single-writer transmit queue (AsyncTx), the Port frame engine built on
// it, and the codec interfaces the TCP side decodes with.
package transport

import (
	"io"

	"github.com/kstaniek/go-canio/internal/can"
)

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}
