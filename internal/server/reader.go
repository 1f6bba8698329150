package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/hub"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/transport"
)

// readBatch bounds how many frames one DecodeN call may hand over.
const readBatch = 16

// startReader launches the goroutine decoding client frames and handing
// them to the backend transmitter.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cl.Close()
		multi, _ := s.Codec.(transport.MultiFrameDecoder)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var err error
			if multi != nil {
				_, err = multi.DecodeN(conn, readBatch, func(fr can.Frame) { s.forward(fr, logger) })
			} else {
				var fr can.Frame
				if fr, err = s.Codec.Decode(conn); err == nil {
					s.forward(fr, logger)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				s.record(ErrConnRead, err)
				logger.Warn("client_read_error", "error", err)
				return
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

// forward transmits one client frame. A full backend queue drops the
// frame; the client is never stalled by the bus.
func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if s.Backend == nil {
		s.count.backendErrors.Add(1)
		logger.Debug("backend_missing_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID))
		return
	}
	err := s.Backend.TrySend(fr)
	switch {
	case err == nil:
	case can.IsWouldBlock(err):
		s.count.backendOverflow.Add(1)
		logger.Debug("backend_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
	default:
		s.record(ErrBackendTx, err)
		s.count.backendErrors.Add(1)
		logger.Error("backend_tx_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
	}
}
