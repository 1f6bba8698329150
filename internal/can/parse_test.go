package can

import (
	"errors"
	"testing"
)

func TestParseFrame(t *testing.T) {
	cases := []struct {
		in   string
		want Frame
	}{
		{"123#DEADBEEF", MustFrame(Standard(0x123), 0xDE, 0xAD, 0xBE, 0xEF)},
		{"1ABCDEFF#", MustFrame(Extended(0x1ABCDEFF))},
		{"00000001#01", MustFrame(Extended(1), 0x01)},
		{"7FF#11.22.33", MustFrame(Standard(0x7FF), 0x11, 0x22, 0x33)},
		{"123#R", RemoteFrame(Standard(0x123), 0)},
		{"123#R8", RemoteFrame(Standard(0x123), 8)},
	}
	for _, tc := range cases {
		got, err := ParseFrame(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseFrameRoundTripString(t *testing.T) {
	for _, s := range []string{"123#DEADBEEF", "1ABCDEFF#", "123#R4", "000#"} {
		f, err := ParseFrame(s)
		if err != nil {
			t.Fatalf("%q: %v", s, err)
		}
		if f.String() != s {
			t.Fatalf("%q rendered as %q", s, f.String())
		}
	}
}

func TestParseFrameErrors(t *testing.T) {
	for _, s := range []string{"", "123", "#00", "XYZ#00", "123#0", "123#R9", "123#001122334455667788", "3FFFFFFFF#"} {
		if _, err := ParseFrame(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
	if _, err := ParseFrame("123#001122334455667788"); !errors.Is(err, ErrFrameLen) {
		t.Fatalf("expected ErrFrameLen, got %v", err)
	}
	if _, err := ParseFrame("GG#"); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax, got %v", err)
	}
}

func TestParseFilter(t *testing.T) {
	cases := []struct {
		in   string
		want IDMaskFilter
	}{
		{"123:7FF", IDMaskFilter{ID: Standard(0x123), Mask: StandardMask(0x7FF)}},
		{"100:700", IDMaskFilter{ID: Standard(0x100), Mask: StandardMask(0x700)}},
		{"18FF0000:1FFF0000", IDMaskFilter{ID: Extended(0x18FF0000), Mask: ExtendedMask(0x1FFF0000)}},
		{"123x:1FFFFFFF", IDMaskFilter{ID: Extended(0x123), Mask: ExtendedMask(0x1FFFFFFF)}},
		{"321", ExactFilter(Standard(0x321))},
	}
	for _, tc := range cases {
		got, err := ParseFilter(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseFilter("123:FFF"); !errors.Is(err, ErrFilterMask) {
		t.Fatalf("expected ErrFilterMask, got %v", err)
	}
	if _, err := ParseFilter("123:zz"); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax, got %v", err)
	}
}

func TestParseFilters(t *testing.T) {
	fs, err := ParseFilters("123:7FF, 18FF0000:1FFF0000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(fs) != 2 || !fs[1].ID.IsExtended() {
		t.Fatalf("unexpected filters %v", fs)
	}
	if fs, err := ParseFilters(""); err != nil || len(fs) != 0 {
		t.Fatalf("empty list: %v %v", fs, err)
	}
}
