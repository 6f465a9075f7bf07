package batch

import (
	"github.com/pkg/errors"
)

// Groups splits a flat sequence into consecutive variable-length groups.
// It is the one layout primitive shared by visits, usable prefixes and edge
// attributes: padded tensors are built by gathering PadPositions, and flat
// sequences are recovered by gathering UnpadPositions.
type Groups struct {
	Lengths []int
	Offsets []int
	Total   int
	MaxLen  int
}

// NewGroups builds the groups for the given lengths.
func NewGroups(lengths []int) (Groups, error) {
	g := Groups{
		Lengths: append([]int(nil), lengths...),
		Offsets: make([]int, len(lengths)),
	}
	for i, l := range lengths {
		if l < 0 {
			return Groups{}, errors.Wrapf(ErrInvariant, "group %d has negative length %d", i, l)
		}
		g.Offsets[i] = g.Total
		g.Total += l
		if l > g.MaxLen {
			g.MaxLen = l
		}
	}
	return g, nil
}

// MustGroups is NewGroups for lengths already validated by Batch.Validate.
func MustGroups(lengths []int) Groups {
	g, err := NewGroups(lengths)
	if err != nil {
		panic(err)
	}
	return g
}

// Len returns the number of groups.
func (g Groups) Len() int { return len(g.Lengths) }

// PadPositions maps every slot of a [Len(), MaxLen] padded layout, row
// major, to the flat position it is read from. Padding slots map to Total,
// which callers back with an appended zero row.
func (g Groups) PadPositions() []int32 {
	return g.PadPositionsTo(g.MaxLen)
}

// PadPositionsTo is PadPositions for a layout wider than MaxLen.
func (g Groups) PadPositionsTo(width int) []int32 {
	if width < g.MaxLen {
		panic(errors.Wrapf(ErrInvariant, "padding width %d below longest group %d", width, g.MaxLen))
	}
	positions := make([]int32, g.Len()*width)
	for i, l := range g.Lengths {
		row := positions[i*width : (i+1)*width]
		for t := range row {
			if t < l {
				row[t] = int32(g.Offsets[i] + t)
			} else {
				row[t] = int32(g.Total)
			}
		}
	}
	return positions
}

// UnpadPositions lists, group after group, the padded slots i*width+t with
// t < keep[i]. Gathering them from a flattened [Len(), width] tensor gives
// the first keep[i] entries of every group back as one flat sequence.
func (g Groups) UnpadPositions(width int, keep []int) ([]int32, error) {
	if len(keep) != g.Len() {
		return nil, errors.Wrapf(ErrInvariant, "%d kept lengths for %d groups", len(keep), g.Len())
	}
	var positions []int32
	for i, k := range keep {
		if k < 0 || k > g.Lengths[i] || k > width {
			return nil, errors.Wrapf(ErrInvariant, "group %d: keeping %d of %d entries (width %d)", i, k, g.Lengths[i], width)
		}
		for t := 0; t < k; t++ {
			positions = append(positions, int32(i*width+t))
		}
	}
	return positions, nil
}

// Mask returns the [Len(), width] validity mask of keep[i] leading entries.
func (g Groups) Mask(width int, keep []int) []bool {
	mask := make([]bool, g.Len()*width)
	for i, k := range keep {
		for t := 0; t < k && t < width; t++ {
			mask[i*width+t] = true
		}
	}
	return mask
}

// Pad lays flat out as one row per group, filling the tail of short rows.
func Pad[T any](flat []T, g Groups, fill T) [][]T {
	rows := make([][]T, g.Len())
	for i, l := range g.Lengths {
		row := make([]T, g.MaxLen)
		copy(row, flat[g.Offsets[i]:g.Offsets[i]+l])
		for t := l; t < g.MaxLen; t++ {
			row[t] = fill
		}
		rows[i] = row
	}
	return rows
}

// Unpad concatenates the first keep[i] entries of every row.
func Unpad[T any](rows [][]T, keep []int) []T {
	var flat []T
	for i, row := range rows {
		flat = append(flat, row[:keep[i]]...)
	}
	return flat
}
