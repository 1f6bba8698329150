package can

import (
	"errors"
	"testing"
)

func TestFilterTableEmptyAcceptsAll(t *testing.T) {
	tbl := NewFilterTable(4, nil)
	if !tbl.Accept(Standard(0x7FF)) || !tbl.Accept(Extended(0x1FFFFFFF)) {
		t.Fatalf("empty table must accept everything")
	}
}

func TestFilterTableOverCapacityInstallsNothing(t *testing.T) {
	var applied int
	tbl := NewFilterTable(2, func([]IDMaskFilter) error { applied++; return nil })
	first := []IDMaskFilter{ExactFilter(Standard(0x10))}
	if err := tbl.Set(first); err != nil {
		t.Fatalf("set: %v", err)
	}
	over := []IDMaskFilter{ExactFilter(Standard(1)), ExactFilter(Standard(2)), ExactFilter(Standard(3))}
	if err := tbl.Set(over); !errors.Is(err, ErrFilterCapacity) {
		t.Fatalf("expected ErrFilterCapacity, got %v", err)
	}
	if got := tbl.Filters(); len(got) != 1 || got[0] != first[0] {
		t.Fatalf("failed set changed active filters: %v", got)
	}
	if applied != 1 {
		t.Fatalf("apply called %d times, want 1", applied)
	}
	next := []IDMaskFilter{ExactFilter(Standard(1)), ExactFilter(Standard(2))}
	if err := tbl.Set(next); err != nil {
		t.Fatalf("valid set after failure: %v", err)
	}
	if !tbl.Accept(Standard(2)) || tbl.Accept(Standard(0x10)) {
		t.Fatalf("valid set did not replace previous filters")
	}
}

func TestFilterTableMixedInvalidInstallsNothing(t *testing.T) {
	tbl := NewFilterTable(-1, nil)
	bad := []IDMaskFilter{
		ExactFilter(Standard(1)),
		{ID: Standard(2), Mask: ExtendedMask(0x1FFFFFFF)},
	}
	if err := tbl.Set(bad); !errors.Is(err, ErrFilterWidth) {
		t.Fatalf("expected ErrFilterWidth, got %v", err)
	}
	if len(tbl.Filters()) != 0 || tbl.Generation() != 0 {
		t.Fatalf("partial install after validation failure")
	}
}

func TestFilterTableApplyFailure(t *testing.T) {
	hwErr := errors.New("hw rejected")
	fail := false
	tbl := NewFilterTable(8, func([]IDMaskFilter) error {
		if fail {
			return hwErr
		}
		return nil
	})
	_ = tbl.Set([]IDMaskFilter{ExactFilter(Standard(1))})
	fail = true
	if err := tbl.Set([]IDMaskFilter{ExactFilter(Standard(2))}); !errors.Is(err, hwErr) {
		t.Fatalf("expected hw error, got %v", err)
	}
	if !tbl.Accept(Standard(1)) || tbl.Accept(Standard(2)) {
		t.Fatalf("table changed despite apply failure")
	}
}

func TestFilterBankCommit(t *testing.T) {
	tbl := NewFilterTable(3, nil)
	b := tbl.Modify()
	if err := b.Add(ExactFilter(Standard(0x100))); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add(IDMaskFilter{ID: Extended(0x18FF0000), Mask: ExtendedMask(0x1FFF0000)}); err != nil {
		t.Fatalf("add ext: %v", err)
	}
	if err := b.Add(IDMaskFilter{ID: Standard(1), Mask: ExtendedMask(1)}); !errors.Is(err, ErrFilterWidth) {
		t.Fatalf("expected width error, got %v", err)
	}
	if err := b.Set(0, ExactFilter(Standard(0x101))); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !tbl.Accept(Standard(0x555)) {
		t.Fatalf("pending edits must not be visible before commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !tbl.Accept(Standard(0x101)) || tbl.Accept(Standard(0x100)) || !tbl.Accept(Extended(0x18FF0042)) {
		t.Fatalf("committed filters not active: %v", tbl.Filters())
	}
	if err := b.Add(ExactFilter(Standard(1))); !errors.Is(err, ErrFilterBankClosed) {
		t.Fatalf("expected ErrFilterBankClosed, got %v", err)
	}
	if err := b.Commit(); !errors.Is(err, ErrFilterBankClosed) {
		t.Fatalf("expected ErrFilterBankClosed on second commit, got %v", err)
	}
}

func TestFilterBankCapacity(t *testing.T) {
	tbl := NewFilterTable(1, nil)
	b := tbl.Modify()
	if err := b.Add(ExactFilter(Standard(1))); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add(ExactFilter(Standard(2))); !errors.Is(err, ErrFilterCapacity) {
		t.Fatalf("expected ErrFilterCapacity, got %v", err)
	}
	if _, err := b.At(3); !errors.Is(err, ErrFilterIndex) {
		t.Fatalf("expected ErrFilterIndex, got %v", err)
	}
	b.Discard()
	if len(tbl.Filters()) != 0 {
		t.Fatalf("discard installed filters")
	}
}

func TestFilterBankStale(t *testing.T) {
	tbl := NewFilterTable(4, nil)
	b := tbl.Modify()
	_ = b.Add(ExactFilter(Standard(1)))
	if err := tbl.Set([]IDMaskFilter{ExactFilter(Standard(9))}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Commit(); !errors.Is(err, ErrFilterStale) {
		t.Fatalf("expected ErrFilterStale, got %v", err)
	}
	if !tbl.Accept(Standard(9)) || tbl.Accept(Standard(1)) {
		t.Fatalf("stale commit overwrote newer filters")
	}
}

func TestFilterBankRemoveClear(t *testing.T) {
	tbl := NewFilterTable(4, nil)
	_ = tbl.Set([]IDMaskFilter{ExactFilter(Standard(1)), ExactFilter(Standard(2)), ExactFilter(Standard(3))})
	b := tbl.Modify()
	if b.Len() != 3 || b.Capacity() != 4 {
		t.Fatalf("bank len=%d cap=%d", b.Len(), b.Capacity())
	}
	if err := b.Remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f, _ := b.At(1); f != ExactFilter(Standard(3)) {
		t.Fatalf("remove did not shift: %v", b.Filters())
	}
	if err := b.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !tbl.Accept(Standard(0x7FF)) {
		t.Fatalf("cleared set must accept all")
	}
}
