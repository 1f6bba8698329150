package can

import (
	"errors"
	"testing"
	"time"
)

func TestBufferedAbsorbsBurst(t *testing.T) {
	inner := newChanIo(1)
	b := NewBuffered[Frame](inner, make([]Frame, 3), make([]Frame, 4))
	// inner takes one frame, the ring holds three more.
	for i := 0; i < 4; i++ {
		if err := b.TrySend(MustFrame(Standard(StandardID(i)))); err != nil {
			t.Fatalf("try send %d: %v", i, err)
		}
	}
	if err := b.TrySend(MustFrame(Standard(9))); !IsWouldBlock(err) {
		t.Fatalf("expected would-block on full ring, got %v", err)
	}
	if b.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", b.Pending())
	}
	for i := 0; i < 4; i++ {
		f, err := b.RecvTimeout(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if f.ID() != Standard(StandardID(i)) {
			t.Fatalf("recv %d got %v (order broken)", i, f)
		}
	}
	if _, err := b.TryRecv(); !IsWouldBlock(err) {
		t.Fatalf("expected would-block on empty, got %v", err)
	}
}

func TestBufferedSendBlocksOnlyWhenFull(t *testing.T) {
	inner := newChanIo(8)
	b := NewBuffered[Frame](inner, make([]Frame, 1), make([]Frame, 1))
	for i := 0; i < 5; i++ {
		if err := b.Send(MustFrame(Standard(StandardID(i)))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if b.Pending() != 0 || len(inner.q) != 5 {
		t.Fatalf("pending=%d inner=%d", b.Pending(), len(inner.q))
	}
}

func TestBufferedSendTimeout(t *testing.T) {
	inner := newChanIo(1)
	b := NewBuffered[Frame](inner, make([]Frame, 1), make([]Frame, 1))
	_ = b.TrySend(MustFrame(Standard(1))) // into inner
	_ = b.TrySend(MustFrame(Standard(2))) // into ring
	start := time.Now()
	err := b.SendTimeout(MustFrame(Standard(3)), 10*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("send timeout took too long")
	}
}

func TestBufferedRelease(t *testing.T) {
	inner := newChanIo(4)
	b := NewBuffered[Frame](inner, make([]Frame, 2), make([]Frame, 2))
	_ = b.Send(MustFrame(Standard(1)))
	got, dropped, err := b.Release()
	if err != nil || dropped != 0 {
		t.Fatalf("release: dropped=%d err=%v", dropped, err)
	}
	if got != FrameIo[Frame](inner) {
		t.Fatalf("release returned a different handle")
	}
	if err := b.Send(MustFrame(Standard(2))); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if _, err := b.TryRecv(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if _, _, err := b.Release(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased on second release, got %v", err)
	}
}

func TestBufferedEmptyStoragePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewBuffered[Frame](newChanIo(1), nil, make([]Frame, 1))
}
