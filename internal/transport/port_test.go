package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
)

// recorder is a device write path that can be stalled.
type recorder struct {
	mu     sync.Mutex
	frames []can.Frame
	gate   chan struct{}
}

func (r *recorder) send(f can.Frame) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.frames) }

func newTestPort(t *testing.T, cfg PortConfig, r *recorder) *Port {
	t.Helper()
	cfg.Driver = "test"
	cfg.Logger = logging.Discard()
	p := NewPort(context.Background(), cfg, r.send)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestPortSendReachesWriter(t *testing.T) {
	r := &recorder{}
	p := newTestPort(t, PortConfig{}, r)
	for i := 0; i < 5; i++ {
		if err := p.Send(can.MustFrame(can.Standard(can.StandardID(i)))); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	waitFor(t, func() bool { return r.count() == 5 })
	waitFor(t, func() bool { idle, _ := p.IsTransmitterIdle(); return idle })
	for i, f := range r.frames {
		if f.ID() != can.Standard(can.StandardID(i)) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
}

func TestPortTrySendFullIsWouldBlock(t *testing.T) {
	r := &recorder{gate: make(chan struct{})}
	p := newTestPort(t, PortConfig{TxQueue: 1}, r)
	defer close(r.gate)
	_ = p.TrySend(can.MustFrame(can.Standard(1)))
	waitFor(t, func() bool { return len(p.e.tx.ch) == 0 }) // worker holds frame 1
	if err := p.TrySend(can.MustFrame(can.Standard(2))); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	if err := p.TrySend(can.MustFrame(can.Standard(3))); !can.IsWouldBlock(err) {
		t.Fatalf("expected would-block, got %v", err)
	}
	if idle, _ := p.IsTransmitterIdle(); idle {
		t.Fatalf("idle reported with frames in flight")
	}
	if err := p.SendTimeout(can.MustFrame(can.Standard(4)), 10*time.Millisecond); !can.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPortRecvPaths(t *testing.T) {
	p := newTestPort(t, PortConfig{RxQueue: 2}, &recorder{})
	if _, err := p.TryRecv(); !can.IsWouldBlock(err) {
		t.Fatalf("empty TryRecv: expected would-block, got %v", err)
	}
	if _, err := p.RecvTimeout(5 * time.Millisecond); !can.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	a := can.MustFrame(can.Standard(0x10), 1)
	b := can.MustFrame(can.Standard(0x11), 2)
	if !p.Deliver(a) || !p.Deliver(b) {
		t.Fatalf("deliver refused with room in queue")
	}
	if p.Deliver(can.MustFrame(can.Standard(0x12))) {
		t.Fatalf("deliver into full queue should report overrun")
	}
	if p.Overruns() != 1 {
		t.Fatalf("overruns = %d", p.Overruns())
	}
	if err := p.WaitNotEmpty(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	for _, want := range []can.Frame{a, b} {
		f, err := p.Recv()
		if err != nil || !f.Equal(want) {
			t.Fatalf("recv = %v,%v want %v", f, err, want)
		}
	}
}

func TestPortSoftwareFilters(t *testing.T) {
	p := newTestPort(t, PortConfig{FilterBanks: 1}, &recorder{})
	two := []can.IDMaskFilter{can.ExactFilter(can.Standard(1)), can.ExactFilter(can.Standard(2))}
	if err := p.SetFilters(two); !errors.Is(err, can.ErrFilterCapacity) {
		t.Fatalf("expected ErrFilterCapacity, got %v", err)
	}
	if err := p.SetFilters([]can.IDMaskFilter{can.ExactFilter(can.Standard(2))}); err != nil {
		t.Fatalf("set filters: %v", err)
	}
	if p.Deliver(can.MustFrame(can.Standard(1))) {
		t.Fatalf("filtered frame accepted")
	}
	if !p.Deliver(can.MustFrame(can.Standard(2))) {
		t.Fatalf("matching frame rejected")
	}
}

func TestPortNonblocking(t *testing.T) {
	p := newTestPort(t, PortConfig{}, &recorder{})
	_ = p.SetNonblocking(true)
	if _, err := p.Recv(); !can.IsWouldBlock(err) {
		t.Fatalf("expected would-block, got %v", err)
	}
	if err := p.WaitNotEmpty(); !can.IsWouldBlock(err) {
		t.Fatalf("expected would-block, got %v", err)
	}
}

func TestPortSplitConcurrent(t *testing.T) {
	const n = 500
	r := &recorder{}
	p := NewPort(context.Background(), PortConfig{Driver: "test", RxQueue: 8, Logger: logging.Discard()}, r.send)
	tx, rx, err := p.Split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, _, err := p.Split(); !errors.Is(err, can.ErrSplit) {
		t.Fatalf("expected ErrSplit, got %v", err)
	}
	if err := p.Send(can.Frame{}); !errors.Is(err, can.ErrSplit) {
		t.Fatalf("expected ErrSplit on consumed port, got %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { // reader loop stand-in
		defer wg.Done()
		for i := 0; i < n; i++ {
			f := can.MustFrame(can.Standard(can.StandardID(i % 0x800)))
			for !p.Deliver(f) {
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = tx.Send(can.MustFrame(can.Standard(1)))
		}
	}()
	for i := 0; i < n; i++ {
		f, err := rx.RecvTimeout(time.Second)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if f.ID() != can.Standard(can.StandardID(i%0x800)) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
	wg.Wait()
	waitFor(t, func() bool { return r.count() == n })
	_ = tx.Close()
	_ = rx.Close()
}

func TestPortFailAndClose(t *testing.T) {
	var closes atomic.Int32
	p := NewPort(context.Background(), PortConfig{
		Driver:  "test",
		Logger:  logging.Discard(),
		OnClose: func() error { closes.Add(1); return nil },
	}, (&recorder{}).send)
	p.Deliver(can.MustFrame(can.Standard(1)))
	ioErr := errors.New("device gone")
	p.Fail(ioErr)
	if f, err := p.TryRecv(); err != nil || f.ID() != can.Standard(1) {
		t.Fatalf("queued frame lost on fail: %v %v", f, err)
	}
	_, err := p.Recv()
	if !errors.Is(err, can.ErrClosed) || !errors.Is(err, ioErr) {
		t.Fatalf("expected closed+cause, got %v", err)
	}
	if err := p.Send(can.Frame{}); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("send after fail: %v", err)
	}
	_ = p.Close()
	_ = p.Close()
	if closes.Load() != 1 {
		t.Fatalf("OnClose ran %d times", closes.Load())
	}
}

func TestPortContextCancel(t *testing.T) {
	p := newTestPort(t, PortConfig{}, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { time.Sleep(5 * time.Millisecond); cancel() }()
	if _, err := p.RecvContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPortHalfCloseWakesBlockedCalls(t *testing.T) {
	r := &recorder{gate: make(chan struct{})}
	p := newTestPort(t, PortConfig{TxQueue: 1}, r)
	tx, rx, err := p.Split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	defer rx.Close()

	// The writer holds the first frame at the gate and the queue holds the
	// second, so the third send blocks.
	for i := 0; i < 2; i++ {
		if err := tx.SendTimeout(can.MustFrame(can.Standard(2)), time.Second); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sendErr := make(chan error, 1)
	go func() { sendErr <- tx.Send(can.MustFrame(can.Standard(3))) }()
	time.Sleep(10 * time.Millisecond)
	_ = tx.Close()
	select {
	case err := <-sendErr:
		if !errors.Is(err, can.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send still blocked after TxHalf.Close")
	}
	close(r.gate)

	recvErr := make(chan error, 1)
	go func() {
		_, err := rx.Recv()
		recvErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = rx.Close()
	select {
	case err := <-recvErr:
		if !errors.Is(err, can.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv still blocked after RxHalf.Close")
	}
	if p.Deliver(can.MustFrame(can.Standard(1))) {
		t.Fatal("frame queued for a closed receive half")
	}
}
