package batch

import (
	"reflect"
	"testing"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	flat := []int{10, 11, 12, 20, 30, 31}
	g, err := NewGroups([]int{3, 1, 2})
	if err != nil {
		t.Fatalf("NewGroups: %v", err)
	}
	if g.Total != 6 || g.MaxLen != 3 {
		t.Fatalf("unexpected groups: total=%d maxLen=%d", g.Total, g.MaxLen)
	}

	rows := Pad(flat, g, -1)
	want := [][]int{{10, 11, 12}, {20, -1, -1}, {30, 31, -1}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("Pad = %v, want %v", rows, want)
	}
	if back := Unpad(rows, g.Lengths); !reflect.DeepEqual(back, flat) {
		t.Fatalf("Unpad(Pad(x)) = %v, want %v", back, flat)
	}
}

// The index lists must reproduce Pad/Unpad when used as gathers, which is
// how the encoder consumes them.
func TestPositionsMatchPadUnpad(t *testing.T) {
	flat := []int{10, 11, 12, 20, 30, 31}
	g := MustGroups([]int{3, 1, 2})

	source := append(append([]int(nil), flat...), 0) // zero row at Total
	pos := g.PadPositions()
	var padded []int
	for _, p := range pos {
		padded = append(padded, source[p])
	}
	wantPadded := []int{10, 11, 12, 20, 0, 0, 30, 31, 0}
	if !reflect.DeepEqual(padded, wantPadded) {
		t.Fatalf("gather(PadPositions) = %v, want %v", padded, wantPadded)
	}

	unpad, err := g.UnpadPositions(g.MaxLen, g.Lengths)
	if err != nil {
		t.Fatalf("UnpadPositions: %v", err)
	}
	var back []int
	for _, p := range unpad {
		back = append(back, padded[p])
	}
	if !reflect.DeepEqual(back, flat) {
		t.Fatalf("gather(UnpadPositions) = %v, want %v", back, flat)
	}

	// Keeping a prefix only.
	prefix, err := g.UnpadPositions(g.MaxLen, []int{2, 1, 1})
	if err != nil {
		t.Fatalf("UnpadPositions prefix: %v", err)
	}
	if want := []int32{0, 1, 3, 6}; !reflect.DeepEqual(prefix, want) {
		t.Fatalf("prefix positions = %v, want %v", prefix, want)
	}
}

func TestUnpadPositionsRejectsLongPrefix(t *testing.T) {
	g := MustGroups([]int{2, 2})
	if _, err := g.UnpadPositions(2, []int{3, 1}); err == nil {
		t.Fatalf("expected an error keeping more entries than a group has")
	}
	if _, err := g.UnpadPositions(2, []int{1}); err == nil {
		t.Fatalf("expected an error for a short keep list")
	}
}

func TestMask(t *testing.T) {
	g := MustGroups([]int{3, 1})
	got := g.Mask(3, []int{2, 1})
	want := []bool{true, true, false, true, false, false}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Mask = %v, want %v", got, want)
	}
}

func TestNewGroupsNegative(t *testing.T) {
	if _, err := NewGroups([]int{1, -1}); err == nil {
		t.Fatalf("expected error for negative length")
	}
}
