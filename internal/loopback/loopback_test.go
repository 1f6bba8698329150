package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
)

func seqFrame(i uint32) can.Frame {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	return can.MustFrame(can.Standard(can.StandardID(i%0x800)), b[:]...)
}

func open(t *testing.T, b *Builder) *Port {
	t.Helper()
	p, err := b.Logger(logging.Discard()).Open(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSplitDeliversExactlyOnceInOrder(t *testing.T) {
	const n = 2000
	p := open(t, NewBuilder().ReceiveOwn(true).RxCapacity(4).TxSlots(2))
	tx, rx, err := p.Split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	defer tx.Close()
	defer rx.Close()
	if _, _, err := p.Split(); !errors.Is(err, can.ErrSplit) {
		t.Fatalf("second split: expected ErrSplit, got %v", err)
	}
	if err := p.Send(seqFrame(0)); !errors.Is(err, can.ErrSplit) {
		t.Fatalf("send on split port: expected ErrSplit, got %v", err)
	}

	var wg sync.WaitGroup
	sendErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(0); i < n; i++ {
			if err := tx.Send(seqFrame(i)); err != nil {
				sendErr <- err
				return
			}
		}
	}()
	for i := uint32(0); i < n; i++ {
		f, err := rx.RecvTimeout(2 * time.Second)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if !f.Equal(seqFrame(i)) {
			t.Fatalf("frame %d corrupted or out of order: %v", i, f)
		}
	}
	wg.Wait()
	select {
	case err := <-sendErr:
		t.Fatalf("sender: %v", err)
	default:
	}
	if _, err := rx.TryRecv(); !can.IsWouldBlock(err) {
		t.Fatalf("expected no duplicate frames, got %v", err)
	}
}

func TestTrySendFullTryRecvEmpty(t *testing.T) {
	a := open(t, NewBuilder().TxSlots(1))
	b, err := NewBuilder().RxCapacity(1).Logger(logging.Discard()).Open(t.Name())
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if _, err := b.TryRecv(); !can.IsWouldBlock(err) {
		t.Fatalf("empty TryRecv: expected would-block, got %v", err)
	}
	if err := a.TrySend(seqFrame(1)); err != nil { // lands in b
		t.Fatalf("try send 1: %v", err)
	}
	if err := a.TrySend(seqFrame(2)); err != nil { // held in the tx slot
		t.Fatalf("try send 2: %v", err)
	}
	start := time.Now()
	if err := a.TrySend(seqFrame(3)); !can.IsWouldBlock(err) {
		t.Fatalf("full TrySend: expected would-block, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("TrySend blocked")
	}
	if idle, _ := a.IsTransmitterIdle(); idle {
		t.Fatalf("transmitter reported idle with a pending frame")
	}
	for _, want := range []uint32{1, 2} {
		f, err := b.TryRecv()
		if err != nil || !f.Equal(seqFrame(want)) {
			t.Fatalf("TryRecv = %v,%v want %v", f, err, seqFrame(want))
		}
	}
	if idle, _ := a.IsTransmitterIdle(); !idle {
		t.Fatalf("transmitter should be idle once drained")
	}
}

func TestRoundTripCapacityOne(t *testing.T) {
	a := open(t, NewBuilder().TxSlots(1))
	b, _ := NewBuilder().RxCapacity(1).Logger(logging.Discard()).Open(t.Name())
	defer b.Close()

	want := can.MustFrame(can.Extended(0x1ABCDEFF), 1, 2, 3, 4, 5, 6, 7, 8)
	start := time.Now()
	if err := a.SendTimeout(want, 10*time.Millisecond); err != nil {
		t.Fatalf("send timeout: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatalf("send with free slot should not wait")
	}
	got := make(chan can.Frame, 1)
	errc := make(chan error, 1)
	go func() {
		f, err := b.RecvTimeout(10 * time.Millisecond)
		if err != nil {
			errc <- err
			return
		}
		got <- f
	}()
	select {
	case f := <-got:
		if !f.Equal(want) {
			t.Fatalf("got %v want %v", f, want)
		}
	case err := <-errc:
		t.Fatalf("recv timeout: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("receiver hung")
	}
}

func TestRecvTimeoutExpires(t *testing.T) {
	p := open(t, NewBuilder())
	_, err := p.RecvTimeout(5 * time.Millisecond)
	if !can.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSetFiltersAtomic(t *testing.T) {
	a := open(t, NewBuilder())
	b, _ := NewBuilder().FilterBanks(2).Logger(logging.Discard()).Open(t.Name())
	defer b.Close()

	over := []can.IDMaskFilter{
		can.ExactFilter(can.Standard(1)),
		can.ExactFilter(can.Standard(2)),
		can.ExactFilter(can.Standard(3)),
	}
	if err := b.SetFilters(over); !errors.Is(err, can.ErrFilterCapacity) {
		t.Fatalf("expected ErrFilterCapacity, got %v", err)
	}
	_ = a.Send(can.MustFrame(can.Standard(0x200)))
	if _, err := b.RecvTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("failed SetFilters must leave accept-all in place: %v", err)
	}

	if err := b.SetFilters([]can.IDMaskFilter{can.ExactFilter(can.Standard(0x100))}); err != nil {
		t.Fatalf("valid set: %v", err)
	}
	_ = a.Send(can.MustFrame(can.Standard(0x200)))
	_ = a.Send(can.MustFrame(can.Standard(0x100)))
	f, err := b.RecvTimeout(50 * time.Millisecond)
	if err != nil || f.ID() != can.Standard(0x100) {
		t.Fatalf("filtered recv = %v,%v", f, err)
	}
	if _, err := b.TryRecv(); !can.IsWouldBlock(err) {
		t.Fatalf("rejected frame leaked through: %v", err)
	}
}

func TestFilterWidthMismatch(t *testing.T) {
	p := open(t, NewBuilder())
	bad := can.IDMaskFilter{ID: can.Standard(0x100), Mask: can.ExtendedMask(0x1FFFFFFF)}
	if err := p.SetFilters([]can.IDMaskFilter{bad}); !errors.Is(err, can.ErrFilterWidth) {
		t.Fatalf("expected ErrFilterWidth, got %v", err)
	}
}

func TestModifyFilters(t *testing.T) {
	a := open(t, NewBuilder())
	b, _ := NewBuilder().Logger(logging.Discard()).Open(t.Name())
	defer b.Close()

	bank := b.ModifyFilters()
	if err := bank.Add(can.IDMaskFilter{ID: can.Extended(0x18FF0000), Mask: can.ExtendedMask(0x1FFF0000)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := bank.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = a.Send(can.MustFrame(can.Standard(0x123)))
	_ = a.Send(can.MustFrame(can.Extended(0x18FF00AA)))
	f, err := b.RecvTimeout(50 * time.Millisecond)
	if err != nil || f.ID() != can.Extended(0x18FF00AA) {
		t.Fatalf("recv = %v,%v", f, err)
	}
}

func TestNonblockingRecv(t *testing.T) {
	p := open(t, NewBuilder())
	if err := p.SetNonblocking(true); err != nil {
		t.Fatalf("set nonblocking: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := p.Recv()
		done <- err
	}()
	select {
	case err := <-done:
		if !can.IsWouldBlock(err) {
			t.Fatalf("expected would-block, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv blocked in nonblocking mode")
	}
	if err := p.WaitNotEmpty(); !can.IsWouldBlock(err) {
		t.Fatalf("WaitNotEmpty: expected would-block, got %v", err)
	}
	_ = p.SetNonblocking(false)
	if _, err := p.RecvTimeout(time.Millisecond); !can.IsTimeout(err) {
		t.Fatalf("blocking mode restored: expected timeout, got %v", err)
	}
}

func TestDropPolicyCountsOverruns(t *testing.T) {
	a := open(t, NewBuilder())
	b, _ := NewBuilder().RxCapacity(1).Policy(PolicyDrop).Logger(logging.Discard()).Open(t.Name())
	defer b.Close()
	for i := uint32(0); i < 3; i++ {
		if err := a.SendTimeout(seqFrame(i), 50*time.Millisecond); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if idle, _ := a.IsTransmitterIdle(); !idle {
		t.Fatalf("drop policy must not hold frames back")
	}
	rxq, _, overruns := b.Stats()
	if rxq != 1 || overruns != 2 {
		t.Fatalf("rx queued=%d overruns=%d", rxq, overruns)
	}
	if f, _ := b.TryRecv(); !f.Equal(seqFrame(0)) {
		t.Fatalf("oldest frame should survive, got %v", f)
	}
}

func TestContextCancel(t *testing.T) {
	p := open(t, NewBuilder())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.RecvContext(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RecvContext ignored cancellation")
	}
}

func TestWaitNotEmptyDoesNotConsume(t *testing.T) {
	p := open(t, NewBuilder())
	q, _ := Open(t.Name())
	defer q.Close()
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = q.Send(seqFrame(7))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.WaitNotEmptyContext(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	f, err := p.TryRecv()
	if err != nil || !f.Equal(seqFrame(7)) {
		t.Fatalf("frame consumed by wait: %v %v", f, err)
	}
}

func TestCloseSemantics(t *testing.T) {
	p, _ := NewBuilder().Logger(logging.Discard()).Open(t.Name())
	tx, rx, err := p.Split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := p.Close(); !errors.Is(err, can.ErrSplit) {
		t.Fatalf("closing split port: expected ErrSplit, got %v", err)
	}
	_ = tx.Close()
	if err := tx.Send(seqFrame(1)); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("send on closed half: expected ErrClosed, got %v", err)
	}
	if _, err := rx.TryRecv(); !can.IsWouldBlock(err) {
		t.Fatalf("rx half must stay usable: %v", err)
	}
	_ = rx.Close()
	if _, err := rx.TryRecv(); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClosedRxHalfLeavesBusFlowing(t *testing.T) {
	b := NewBuilder().RxCapacity(2).TxSlots(1)
	a := open(t, b)
	peer := open(t, b)
	tx, rx, err := peer.Split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	defer tx.Close()
	_ = rx.Close()
	for i := uint32(0); i < 10; i++ {
		if err := a.SendTimeout(seqFrame(i), 50*time.Millisecond); err != nil {
			t.Fatalf("send %d with a closed receiver on the bus: %v", i, err)
		}
	}
	if err := tx.SendTimeout(seqFrame(99), 50*time.Millisecond); err != nil {
		t.Fatalf("tx half after rx close: %v", err)
	}
	if f, err := a.RecvTimeout(time.Second); err != nil || !f.Equal(seqFrame(99)) {
		t.Fatalf("recv from tx half: %v %v", f, err)
	}
}

func TestHalfCloseWakesBlockedCalls(t *testing.T) {
	b := NewBuilder().TxSlots(1).RxCapacity(1)
	p := open(t, b)
	open(t, b) // a receiver that never reads
	tx, rx, err := p.Split()
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	defer tx.Close()
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

	// The idle receiver fills up, the next frame holds the only tx slot
	// and the third send blocks.
	for i := uint32(1); i <= 2; i++ {
		if err := tx.SendTimeout(seqFrame(i), time.Second); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sendErr := make(chan error, 1)
	go func() { sendErr <- tx.Send(seqFrame(3)) }()
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
}

func TestBufferedPort(t *testing.T) {
	a := open(t, NewBuilder().TxSlots(1))
	b, _ := NewBuilder().RxCapacity(1).Logger(logging.Discard()).Open(t.Name())
	defer b.Close()

	buf := a.Buffered(make([]can.Frame, 8), make([]can.Frame, 1))
	for i := uint32(0); i < 5; i++ {
		if err := buf.TrySend(seqFrame(i)); err != nil {
			t.Fatalf("buffered try send %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 5; i++ {
		_ = buf.Poll()
		f, err := b.RecvTimeout(100 * time.Millisecond)
		if err != nil || !f.Equal(seqFrame(i)) {
			t.Fatalf("recv %d = %v,%v", i, f, err)
		}
	}
	inner, _, err := buf.Release()
	if err != nil || inner != can.FrameIo[can.Frame](a) {
		t.Fatalf("release: %v", err)
	}
}

func TestRegistryAndBinding(t *testing.T) {
	d, err := can.Open("loopback:" + t.Name())
	if err != nil {
		t.Fatalf("registry open: %v", err)
	}
	defer d.Close()
	p, err := Binding{}.Open(t.Name())
	if err != nil {
		t.Fatalf("binding open: %v", err)
	}
	defer p.Close()
	if err := p.Send(seqFrame(9)); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := d.RecvTimeout(100 * time.Millisecond)
	if err != nil || !f.Equal(seqFrame(9)) {
		t.Fatalf("registry port recv = %v,%v", f, err)
	}
	if _, ok := can.AsFrameIo[can.Frame](d); !ok {
		t.Fatalf("device must satisfy FrameIo")
	}
	if _, ok := can.AsAsyncFrameIo[can.Frame](d); !ok {
		t.Fatalf("loopback port must satisfy AsyncFrameIo")
	}
	if _, ok := d.(can.FilterConfig[*can.FilterBank]); !ok {
		t.Fatalf("loopback port must expose FilterConfig")
	}
}

func TestPumpBetweenBuses(t *testing.T) {
	src := open(t, NewBuilder())
	srcPeer, _ := Open(t.Name())
	defer srcPeer.Close()
	dst, _ := Open(t.Name() + "-dst")
	defer dst.Close()
	dstPeer, _ := Open(t.Name() + "-dst")
	defer dstPeer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		n, _ := can.PumpContext[can.Frame](ctx, dst, srcPeer)
		done <- n
	}()
	for i := uint32(0); i < 10; i++ {
		_ = src.Send(seqFrame(i))
	}
	for i := uint32(0); i < 10; i++ {
		f, err := dstPeer.RecvTimeout(time.Second)
		if err != nil || !f.Equal(seqFrame(i)) {
			t.Fatalf("bridged frame %d = %v,%v", i, f, err)
		}
	}
	cancel()
	if n := <-done; n != 10 {
		t.Fatalf("pumped %d frames, want 10", n)
	}
}
