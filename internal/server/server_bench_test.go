package server

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/cnl"
	"github.com/kstaniek/go-canio/internal/hub"
	"github.com/kstaniek/go-canio/internal/logging"
)

type discardBackend struct{}

func (discardBackend) TrySend(can.Frame) error { return nil }

// BenchmarkServerWriterFlush measures hub -> client throughput for one
// connected client that drains its socket.
func BenchmarkServerWriterFlush(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1024
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithBackend(discardBackend{}), WithLogger(logging.Discard()))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	conn, err := cnl.Dial(ctx, srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	fr := can.MustFrame(can.Standard(0x123), 1, 2, 3, 4)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Broadcast(fr)
		if _, err := conn.RecvTimeout(time.Second); err != nil {
			b.Fatalf("recv: %v", err)
		}
	}
}
