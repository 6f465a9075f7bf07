package model

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// SequenceTransformer encodes padded visit sequences with post-norm
// self-attention layers and a final layer norm.
type SequenceTransformer struct {
	dim, heads, ffDim, numLayers int
	dropout, eps                 float64
	positions                    *PositionalEncoder
}

// NewSequenceTransformer checks the head split and builds the trajectory
// positional encoder.
func NewSequenceTransformer(dim, heads, ffDim, numLayers int, dropout, eps float64, maxLen int) (*SequenceTransformer, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, errors.Wrapf(ErrConfig, "width %d not divisible by %d heads", dim, heads)
	}
	if ffDim <= 0 || numLayers <= 0 {
		return nil, errors.Wrapf(ErrConfig, "feed-forward width %d and layers %d must be positive", ffDim, numLayers)
	}
	pe, err := NewPositionalEncoder(dim, maxLen, dropout)
	if err != nil {
		return nil, err
	}
	return &SequenceTransformer{
		dim: dim, heads: heads, ffDim: ffDim, numLayers: numLayers,
		dropout: dropout, eps: eps, positions: pe,
	}, nil
}

// Encode maps src [N, T, D] to [N, T, D]. The input is scaled by sqrt(D)
// and the positions 0..trajLen[i]-1 are added; valid [N, T] masks the keys
// attention may look at. Outputs at padded slots carry no meaning.
func (s *SequenceTransformer) Encode(ctx *context.Context, src *Node, trajLen []int, valid *Node) *Node {
	g := src.Graph()
	dims := src.Shape().Dimensions
	x := MulScalar(src, math.Sqrt(float64(s.dim)))
	x = Add(x, ConvertDType(s.positions.EncodePadded(ctx.In("positions"), g, trajLen, dims[1]), x.DType()))

	for i := 0; i < s.numLayers; i++ {
		x = s.encoderLayer(ctx.In(fmt.Sprintf("encoder_%d", i)), x, valid)
	}
	return layers.LayerNormalization(ctx.In("final_norm"), x, -1).Epsilon(s.eps).Done()
}

func (s *SequenceTransformer) encoderLayer(ctx *context.Context, x, valid *Node) *Node {
	attn := s.selfAttention(ctx.In("attention"), x, valid)
	x = layers.LayerNormalization(ctx.In("norm_1"), Add(x, s.drop(ctx, attn)), -1).Epsilon(s.eps).Done()

	ff := layers.Dense(ctx.In("ff_in"), x, true, s.ffDim)
	ff = s.drop(ctx, relu(ff))
	ff = layers.Dense(ctx.In("ff_out"), ff, true, s.dim)
	return layers.LayerNormalization(ctx.In("norm_2"), Add(x, s.drop(ctx, ff)), -1).Epsilon(s.eps).Done()
}

// selfAttention lets every slot of x attend to the valid slots of its own
// sequence.
func (s *SequenceTransformer) selfAttention(ctx *context.Context, x, valid *Node) *Node {
	return layers.MultiHeadAttention(ctx, x, x, x, s.heads, s.dim/s.heads).
		SetKeyMask(valid).
		Dropout(s.dropout).
		Done()
}

func (s *SequenceTransformer) drop(ctx *context.Context, x *Node) *Node {
	if s.dropout > 0 {
		return layers.DropoutStatic(ctx, x, s.dropout)
	}
	return x
}
