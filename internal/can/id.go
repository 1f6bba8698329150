package can

import "fmt"

// Kind is the identifier width class.
type Kind uint8

const (
	KindStandard Kind = iota // 11-bit
	KindExtended             // 29-bit
)

func (k Kind) String() string {
	if k == KindExtended {
		return "extended"
	}
	return "standard"
}

// valueMask returns the bits valid for the width class.
func (k Kind) valueMask() uint32 {
	if k == KindExtended {
		return CAN_EFF_MASK
	}
	return CAN_SFF_MASK
}

// StandardID is an 11-bit identifier (0..=0x7FF).
type StandardID uint16

// ExtendedID is a 29-bit identifier (0..=0x1FFFFFFF).
type ExtendedID uint32

// NewStandardID validates v as an 11-bit identifier.
func NewStandardID(v uint16) (StandardID, error) {
	if uint32(v) > CAN_SFF_MASK {
		return 0, fmt.Errorf("%w: standard id 0x%X", ErrIDRange, v)
	}
	return StandardID(v), nil
}

// NewExtendedID validates v as a 29-bit identifier.
func NewExtendedID(v uint32) (ExtendedID, error) {
	if v > CAN_EFF_MASK {
		return 0, fmt.Errorf("%w: extended id 0x%X", ErrIDRange, v)
	}
	return ExtendedID(v), nil
}

// MustStandardID is NewStandardID that panics on an out-of-range value.
func MustStandardID(v uint16) StandardID {
	id, err := NewStandardID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// MustExtendedID is NewExtendedID that panics on an out-of-range value.
func MustExtendedID(v uint32) ExtendedID {
	id, err := NewExtendedID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// ID is a CAN identifier tagged with its width. It carries a value that
// was validated by StandardID/ExtendedID and does not check it again.
// The zero value is standard identifier 0.
type ID struct {
	kind  Kind
	value uint32
}

// Standard wraps an 11-bit identifier.
func Standard(id StandardID) ID { return ID{kind: KindStandard, value: uint32(id)} }

// Extended wraps a 29-bit identifier.
func Extended(id ExtendedID) ID { return ID{kind: KindExtended, value: uint32(id)} }

func (id ID) Kind() Kind       { return id.kind }
func (id ID) Value() uint32    { return id.value }
func (id ID) IsExtended() bool { return id.kind == KindExtended }

// Standard returns the 11-bit value when id is a standard identifier.
func (id ID) Standard() (StandardID, bool) {
	if id.kind != KindStandard {
		return 0, false
	}
	return StandardID(id.value), true
}

// Extended returns the 29-bit value when id is an extended identifier.
func (id ID) Extended() (ExtendedID, bool) {
	if id.kind != KindExtended {
		return 0, false
	}
	return ExtendedID(id.value), true
}

// CANID returns the SocketCAN can_id encoding (EFF flag set for extended ids).
func (id ID) CANID() uint32 {
	if id.kind == KindExtended {
		return id.value | CAN_EFF_FLAG
	}
	return id.value
}

// String uses the candump widths: 3 hex digits standard, 8 extended.
func (id ID) String() string {
	if id.kind == KindExtended {
		return fmt.Sprintf("%08X", id.value)
	}
	return fmt.Sprintf("%03X", id.value)
}

// IDMask selects which identifier bits a filter compares. A set bit must
// match, a clear bit is don't-care.
type IDMask struct {
	kind  Kind
	value uint32
}

// StandardMask is a mask for 11-bit identifiers.
func StandardMask(m uint16) IDMask { return IDMask{kind: KindStandard, value: uint32(m)} }

// ExtendedMask is a mask for 29-bit identifiers.
func ExtendedMask(m uint32) IDMask { return IDMask{kind: KindExtended, value: m} }

// FullMask compares every identifier bit of the width class.
func FullMask(k Kind) IDMask { return IDMask{kind: k, value: k.valueMask()} }

func (m IDMask) Kind() Kind    { return m.kind }
func (m IDMask) Value() uint32 { return m.value }

func (m IDMask) String() string {
	if m.kind == KindExtended {
		return fmt.Sprintf("%08X", m.value)
	}
	return fmt.Sprintf("%03X", m.value)
}

// IDMaskFilter accepts identifiers for which (id & mask) == (ID & mask).
//
// It is a plain value; Validate is where a standard id paired with an
// extended mask (or the reverse) gets rejected.
type IDMaskFilter struct {
	ID   ID
	Mask IDMask
}

// ExactFilter matches only id.
func ExactFilter(id ID) IDMaskFilter { return IDMaskFilter{ID: id, Mask: FullMask(id.Kind())} }

// Validate reports a width mismatch between ID and Mask, or mask bits
// outside the width class.
func (f IDMaskFilter) Validate() error {
	if f.ID.kind != f.Mask.kind {
		return fmt.Errorf("%w: %s id with %s mask", ErrFilterWidth, f.ID.kind, f.Mask.kind)
	}
	if f.Mask.value&^f.Mask.kind.valueMask() != 0 {
		return fmt.Errorf("%w: 0x%X exceeds %s width", ErrFilterMask, f.Mask.value, f.Mask.kind)
	}
	return nil
}

// Matches applies the filter to id. Identifiers of the other width class
// never match.
func (f IDMaskFilter) Matches(id ID) bool {
	if id.kind != f.ID.kind {
		return false
	}
	return id.value&f.Mask.value == f.ID.value&f.Mask.value
}

func (f IDMaskFilter) String() string { return f.ID.String() + ":" + f.Mask.String() }

// ValidateFilters checks every filter and the list length against capacity
// (capacity < 0 means unbounded). It is the whole-list check drivers run
// before installing anything.
func ValidateFilters(filters []IDMaskFilter, capacity int) error {
	if capacity >= 0 && len(filters) > capacity {
		return fmt.Errorf("%w: %d filters, %d banks", ErrFilterCapacity, len(filters), capacity)
	}
	for i, f := range filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return nil
}
