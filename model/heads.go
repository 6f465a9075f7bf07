package model

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// headBase carries what every projection head shares.
type headBase struct {
	dim int
	eps float64
	act activations.Type
}

func newHeadBase(cfg Config) headBase {
	act, err := lookupActivation(cfg.Activation)
	if err != nil {
		panic(err)
	}
	return headBase{dim: cfg.HiddenSize, eps: cfg.LayerNormEps, act: act}
}

// stages applies n (linear, layer norm, activation) blocks. Every block
// uses its own linear layer but the same layer norm.
func (h headBase) stages(ctx *context.Context, x *Node, n int) *Node {
	norm := ctx.In("norm")
	for i := 0; i < n; i++ {
		x = layers.Dense(ctx.In(fmt.Sprintf("linear_%d", i)), x, true, h.dim)
		x = layers.LayerNormalization(norm, x, -1).Epsilon(h.eps).Done()
		x = activations.Apply(h.act, x)
	}
	return x
}

// DestinationHead pools a trajectory's LSTM states with self-similarity
// attention and projects the result.
type DestinationHead struct{ headBase }

// NewDestinationHead builds the head for a validated config.
func NewDestinationHead(cfg Config) *DestinationHead {
	return &DestinationHead{newHeadBase(cfg)}
}

// Apply maps traj [N, T, D] to [N, D]. valid is the host [N*T] mask of real
// steps; every trajectory needs at least one.
func (h *DestinationHead) Apply(ctx *context.Context, traj *Node, valid []bool) *Node {
	g := traj.Graph()
	dims := traj.Shape().Dimensions
	n, t := dims[0], dims[1]

	pair := make([]bool, n*t*t)
	for i := 0; i < n; i++ {
		for p := 0; p < t; p++ {
			for q := 0; q < t; q++ {
				pair[(i*t+p)*t+q] = valid[i*t+p] && valid[i*t+q]
			}
		}
	}

	w := layers.Dense(ctx.In("attention"), traj, true, h.dim)
	sim := Einsum("npd,nqd->npq", w, w)
	sim = Where(maskConst(g, pair, n, t, t), sim, ZerosLike(sim))
	scores := MulScalar(ReduceSum(sim, 1), 1/(2*math.Sqrt(float64(h.dim))))
	weights := MaskedSoftmax(scores, maskConst(g, valid, n, t), -1)

	proj := layers.Dense(ctx.In("projection"), traj, true, h.dim)
	pooled := Einsum("nt,ntd->nd", weights, proj)
	pooled = layers.LayerNormalization(ctx.In("norm"), pooled, -1).Epsilon(h.eps).Done()
	pooled = activations.Apply(h.act, pooled)
	return layers.Dense(ctx.In("output"), pooled, true, h.dim)
}

// AugmentationHead scores, per position, how well the two views of a
// trajectory agree.
type AugmentationHead struct{ headBase }

// NewAugmentationHead builds the head for a validated config.
func NewAugmentationHead(cfg Config) *AugmentationHead {
	return &AugmentationHead{newHeadBase(cfg)}
}

// Apply maps two [N, T, D] views to logits [N, T]. Both views go through
// the same three (linear, activation) stages; entries that are exactly zero
// in a view's input stay zero after every stage.
func (h *AugmentationHead) Apply(ctx *context.Context, left, right *Node) *Node {
	l := h.view(ctx, left)
	r := h.view(ctx, right)
	return ReduceSum(Mul(l, r), -1)
}

func (h *AugmentationHead) view(ctx *context.Context, input *Node) *Node {
	empty := Equal(input, ZerosLike(input))
	x := input
	for i := 0; i < 3; i++ {
		x = activations.Apply(h.act, layers.Dense(ctx.In(fmt.Sprintf("linear_%d", i)), x, true, h.dim))
		x = Where(empty, ZerosLike(x), x)
	}
	return x
}

// MaskedHead projects the embeddings of masked nodes.
type MaskedHead struct{ headBase }

// NewMaskedHead builds the head for a validated config.
func NewMaskedHead(cfg Config) *MaskedHead {
	return &MaskedHead{newHeadBase(cfg)}
}

// Apply maps [B, D] to [B, D].
func (h *MaskedHead) Apply(ctx *context.Context, x *Node) *Node {
	return h.stages(ctx, x, 3)
}

// MapEmbeddingHead projects neighbourhood prototypes before the triplet
// loss.
type MapEmbeddingHead struct{ headBase }

// NewMapEmbeddingHead builds the head for a validated config.
func NewMapEmbeddingHead(cfg Config) *MapEmbeddingHead {
	return &MapEmbeddingHead{newHeadBase(cfg)}
}

// Apply projects every row of [R, D]. Anchor, positive and negative rows
// share all weights, so they are projected together.
func (h *MapEmbeddingHead) Apply(ctx *context.Context, x *Node) *Node {
	return h.stages(ctx, x, 2)
}

// PermutationHead classifies which permutation turned the positive
// trajectory into the negative one.
type PermutationHead struct {
	headBase
	classes int
}

// NewPermutationHead builds the head for a validated config.
func NewPermutationHead(cfg Config) *PermutationHead {
	return &PermutationHead{headBase: newHeadBase(cfg), classes: cfg.PermClasses}
}

// Apply maps positive and negative trajectory embeddings [N, D] to logits
// [N, PermClasses]. Both inputs go through the same projection.
func (h *PermutationHead) Apply(ctx *context.Context, pos, neg *Node) *Node {
	pos = h.stages(ctx, pos, 2)
	neg = h.stages(ctx, neg, 2)
	return layers.Dense(ctx.In("output"), Concatenate([]*Node{pos, neg}, 1), true, h.classes)
}
