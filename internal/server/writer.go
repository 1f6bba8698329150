package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/hub"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/transport"
)

// startWriter launches the goroutine pushing hub frames to a single client
// connection in batches of up to batchSize, flushed at least every
// flushInterval.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	enc, ok := s.Codec.(transport.FrameBatchEncoder)
	if !ok {
		logger.Error("codec_cannot_encode")
		s.dropClient(conn, cl, logger)
		return
	}
	s.wg.Add(2)
	// A kicked client may have its writer parked in a stalled write;
	// closing the conn releases it.
	go func() {
		defer s.wg.Done()
		<-cl.Closed
		_ = conn.Close()
	}()
	go func() {
		defer s.wg.Done()
		defer s.dropClient(conn, cl, logger)
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_ = conn.SetWriteDeadline(time.Now().Add(s.readDeadline))
			_, err := enc.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				return s.record(ErrConnWrite, err)
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

func (s *Server) dropClient(conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	_ = conn.Close()
	s.Hub.Remove(cl)
	s.clientsMu.Lock()
	_, known := s.clients[cl]
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	if known {
		s.count.disconnected.Add(1)
		logger.Info("client_disconnected")
	}
}
