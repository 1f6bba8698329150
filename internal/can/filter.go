package can

import (
	"fmt"
	"sync"
)

// FilterTable is the driver-side bookkeeping behind FilterConfig: the
// active filter list, its bank capacity and a generation counter bumped on
// every install. apply, when non-nil, pushes a validated list to hardware
// and is the only step that can still fail; the table is updated only after
// it succeeds.
//
// FilterTable is safe for concurrent use.
type FilterTable struct {
	mu       sync.Mutex
	capacity int
	filters  []IDMaskFilter
	gen      uint64
	apply    func([]IDMaskFilter) error
}

// NewFilterTable creates an empty (accept-all) table with capacity banks.
// capacity < 0 means unbounded.
func NewFilterTable(capacity int, apply func([]IDMaskFilter) error) *FilterTable {
	return &FilterTable{capacity: capacity, apply: apply}
}

// Capacity returns the bank limit; negative means unbounded.
func (t *FilterTable) Capacity() int { return t.capacity }

// Set validates and installs filters, replacing the previous set.
func (t *FilterTable) Set(filters []IDMaskFilter) error {
	if err := ValidateFilters(filters, t.capacity); err != nil {
		return err
	}
	next := append([]IDMaskFilter(nil), filters...)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installLocked(next)
}

func (t *FilterTable) installLocked(next []IDMaskFilter) error {
	if t.apply != nil {
		if err := t.apply(next); err != nil {
			return err
		}
	}
	t.filters = next
	t.gen++
	return nil
}

// Modify snapshots the active set into a FilterBank.
func (t *FilterTable) Modify() *FilterBank {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &FilterBank{
		table:   t,
		gen:     t.gen,
		filters: append([]IDMaskFilter(nil), t.filters...),
	}
}

func (t *FilterTable) commit(gen uint64, filters []IDMaskFilter) error {
	if err := ValidateFilters(filters, t.capacity); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return ErrFilterStale
	}
	return t.installLocked(filters)
}

// Accept reports whether a frame with id passes the active set. An empty
// set accepts everything.
func (t *FilterTable) Accept(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.filters) == 0 {
		return true
	}
	for _, f := range t.filters {
		if f.Matches(id) {
			return true
		}
	}
	return false
}

// Filters returns a copy of the active set.
func (t *FilterTable) Filters() []IDMaskFilter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]IDMaskFilter(nil), t.filters...)
}

// Generation increments on every successful install.
func (t *FilterTable) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// FilterBank is the handle returned by ModifyFilters: an owned copy of the
// filter set that is edited locally and installed with Commit. Commit fails
// with ErrFilterStale if the owner's filters were replaced after the
// snapshot, so a bank never overwrites a newer configuration. Once
// committed or discarded the bank rejects further use.
//
// A FilterBank is not safe for concurrent use.
type FilterBank struct {
	table   *FilterTable
	gen     uint64
	filters []IDMaskFilter
	closed  bool
}

// Len returns the number of filters in the snapshot.
func (b *FilterBank) Len() int { return len(b.filters) }

// Capacity returns the bank limit of the owning table.
func (b *FilterBank) Capacity() int { return b.table.capacity }

// Filters returns a copy of the pending set.
func (b *FilterBank) Filters() []IDMaskFilter {
	return append([]IDMaskFilter(nil), b.filters...)
}

// At returns the filter in bank i.
func (b *FilterBank) At(i int) (IDMaskFilter, error) {
	if i < 0 || i >= len(b.filters) {
		return IDMaskFilter{}, fmt.Errorf("%w: %d", ErrFilterIndex, i)
	}
	return b.filters[i], nil
}

// Add appends a filter to the first free bank.
func (b *FilterBank) Add(f IDMaskFilter) error {
	if b.closed {
		return ErrFilterBankClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if c := b.table.capacity; c >= 0 && len(b.filters) >= c {
		return fmt.Errorf("%w: %d banks", ErrFilterCapacity, c)
	}
	b.filters = append(b.filters, f)
	return nil
}

// Set replaces bank i.
func (b *FilterBank) Set(i int, f IDMaskFilter) error {
	if b.closed {
		return ErrFilterBankClosed
	}
	if i < 0 || i >= len(b.filters) {
		return fmt.Errorf("%w: %d", ErrFilterIndex, i)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	b.filters[i] = f
	return nil
}

// Remove frees bank i, shifting later banks down.
func (b *FilterBank) Remove(i int) error {
	if b.closed {
		return ErrFilterBankClosed
	}
	if i < 0 || i >= len(b.filters) {
		return fmt.Errorf("%w: %d", ErrFilterIndex, i)
	}
	b.filters = append(b.filters[:i], b.filters[i+1:]...)
	return nil
}

// Clear empties the pending set (accept all once committed).
func (b *FilterBank) Clear() error {
	if b.closed {
		return ErrFilterBankClosed
	}
	b.filters = b.filters[:0]
	return nil
}

// Commit installs the pending set. The bank is closed afterwards whether
// or not the install succeeded.
func (b *FilterBank) Commit() error {
	if b.closed {
		return ErrFilterBankClosed
	}
	b.closed = true
	return b.table.commit(b.gen, append([]IDMaskFilter(nil), b.filters...))
}

// Discard closes the bank without installing anything.
func (b *FilterBank) Discard() { b.closed = true }
