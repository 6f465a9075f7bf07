package model

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// PositionalEncoder holds a fixed sinusoidal table: position p, feature 2i
// is sin(p*div_i) and feature 2i+1 is cos(p*div_i), with
// div_i = exp(-2i*ln(10000)/D). It has no trainable parameters.
type PositionalEncoder struct {
	Dim     int
	MaxLen  int
	Dropout float64

	table []float32 // [MaxLen*Dim]
}

// NewPositionalEncoder precomputes the table.
func NewPositionalEncoder(dim, maxLen int, dropout float64) (*PositionalEncoder, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, errors.Wrapf(ErrConfig, "positional encoding width must be positive and even, got %d", dim)
	}
	if maxLen <= 0 {
		return nil, errors.Wrapf(ErrConfig, "positional encoding length must be positive, got %d", maxLen)
	}
	p := &PositionalEncoder{Dim: dim, MaxLen: maxLen, Dropout: dropout, table: make([]float32, maxLen*dim)}
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) * math.Exp(-float64(i)*math.Log(10000)/float64(dim))
			p.table[pos*dim+i] = float32(math.Sin(angle))
			p.table[pos*dim+i+1] = float32(math.Cos(angle))
		}
	}
	return p, nil
}

// Row returns the encoding of one position.
func (p *PositionalEncoder) Row(pos int) []float32 {
	return p.table[pos*p.Dim : (pos+1)*p.Dim]
}

// Positions restarts at 0 for every group: lengths [2, 3] give
// [0, 1, 0, 1, 2].
func (p *PositionalEncoder) Positions(lengths []int) ([]int32, error) {
	var positions []int32
	for i, l := range lengths {
		if l > p.MaxLen {
			return nil, errors.Wrapf(ErrPositionOutOfRange, "group %d has %d positions, encoder holds %d", i, l, p.MaxLen)
		}
		for t := 0; t < l; t++ {
			positions = append(positions, int32(t))
		}
	}
	return positions, nil
}

// Encode returns the encodings of Positions(lengths) as [sum(lengths), Dim],
// after dropout. It panics with ErrPositionOutOfRange like any other
// graph-building error.
func (p *PositionalEncoder) Encode(ctx *context.Context, g *Graph, lengths []int) *Node {
	positions, err := p.Positions(lengths)
	if err != nil {
		panic(err)
	}
	out := Gather(p.tableNode(g), indexNode(g, positions))
	return p.dropout(ctx, out)
}

// EncodePadded lays the encodings out as [len(lengths), width, Dim] with
// zero rows past each length.
func (p *PositionalEncoder) EncodePadded(ctx *context.Context, g *Graph, lengths []int, width int) *Node {
	idx := make([]int32, 0, len(lengths)*width)
	for i, l := range lengths {
		if l > p.MaxLen {
			panic(errors.Wrapf(ErrPositionOutOfRange, "group %d has %d positions, encoder holds %d", i, l, p.MaxLen))
		}
		for t := 0; t < width; t++ {
			if t < l {
				idx = append(idx, int32(t))
			} else {
				idx = append(idx, int32(p.MaxLen))
			}
		}
	}
	out := Gather(withZeroRow(p.tableNode(g)), indexNode(g, idx))
	return p.dropout(ctx, Reshape(out, len(lengths), width, p.Dim))
}

func (p *PositionalEncoder) tableNode(g *Graph) *Node {
	return Reshape(Const(g, p.table), p.MaxLen, p.Dim)
}

func (p *PositionalEncoder) dropout(ctx *context.Context, x *Node) *Node {
	if p.Dropout > 0 {
		x = layers.DropoutStatic(ctx, x, p.Dropout)
	}
	return x
}
