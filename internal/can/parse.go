package can

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseFrame reads candump notation:
//
//	123#DEADBEEF   standard data frame
//	1ABCDEFF#      extended frame, no payload
//	123#R / 123#R4 remote frame (optional requested length)
//
// An id written with more than three hex digits is extended. Payload bytes
// may be separated by '.' as cansend accepts.
func ParseFrame(s string) (Frame, error) {
	idPart, dataPart, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok {
		return Frame{}, fmt.Errorf("%w: frame %q missing '#'", ErrSyntax, s)
	}
	id, err := parseID(idPart)
	if err != nil {
		return Frame{}, err
	}
	if strings.HasPrefix(dataPart, "R") || strings.HasPrefix(dataPart, "r") {
		var dlc uint64
		if rest := dataPart[1:]; rest != "" {
			dlc, err = strconv.ParseUint(rest, 10, 8)
			if err != nil || dlc > MaxClassicLen {
				return Frame{}, fmt.Errorf("%w: remote length %q", ErrSyntax, rest)
			}
		}
		return RemoteFrame(id, uint8(dlc)), nil
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: payload %q: %v", ErrSyntax, dataPart, err)
	}
	return NewFrame(id, data...)
}

// ParseFilter reads "id:mask" in hex. The id's width decides the class
// (three digits or fewer and <= 0x7FF: standard, otherwise extended); a
// trailing 'x' on the id forces extended. An omitted mask means exact
// match.
func ParseFilter(s string) (IDMaskFilter, error) {
	idPart, maskPart, hasMask := strings.Cut(strings.TrimSpace(s), ":")
	forceExt := strings.HasSuffix(idPart, "x") || strings.HasSuffix(idPart, "X")
	if forceExt {
		idPart = idPart[:len(idPart)-1]
	}
	id, err := parseID(idPart)
	if err != nil {
		return IDMaskFilter{}, err
	}
	if forceExt && !id.IsExtended() {
		id = Extended(ExtendedID(id.Value()))
	}
	if !hasMask {
		return ExactFilter(id), nil
	}
	m, err := strconv.ParseUint(maskPart, 16, 32)
	if err != nil {
		return IDMaskFilter{}, fmt.Errorf("%w: mask %q", ErrSyntax, maskPart)
	}
	var mask IDMask
	if id.IsExtended() {
		mask = ExtendedMask(uint32(m))
	} else {
		if m > 0xFFFF {
			return IDMaskFilter{}, fmt.Errorf("%w: 0x%X exceeds standard width", ErrFilterMask, m)
		}
		mask = StandardMask(uint16(m))
	}
	f := IDMaskFilter{ID: id, Mask: mask}
	if err := f.Validate(); err != nil {
		return IDMaskFilter{}, err
	}
	return f, nil
}

// ParseFilters reads a comma separated list of ParseFilter entries. An
// empty string yields an empty (accept-all) list.
func ParseFilters(s string) ([]IDMaskFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]IDMaskFilter, 0, len(parts))
	for _, p := range parts {
		f, err := ParseFilter(p)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseID(s string) (ID, error) {
	if s == "" || len(s) > 8 {
		return ID{}, fmt.Errorf("%w: identifier %q", ErrSyntax, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return ID{}, fmt.Errorf("%w: identifier %q", ErrSyntax, s)
	}
	if len(s) <= 3 && v <= CAN_SFF_MASK {
		return Standard(StandardID(v)), nil
	}
	eid, err := NewExtendedID(uint32(v))
	if err != nil {
		return ID{}, err
	}
	return Extended(eid), nil
}
