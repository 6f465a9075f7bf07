package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// The helpers below move rows between the flat [rows, D] layout of nodes
// and visits and the padded [groups, width, D] layout the sequence models
// use. All index lists come from batch.Plan.

// indexNode embeds host indices as a Gather/Scatter index tensor [n, 1].
func indexNode(g *Graph, idx []int32) *Node {
	if len(idx) == 0 {
		panic(errors.New("empty index list"))
	}
	return Reshape(Const(g, idx), len(idx), 1)
}

// rowRange reads rows [from, to) of x with Gather, whose gradient is a
// scatter-add rather than a Pad.
func rowRange(x *Node, from, to int) *Node {
	idx := make([]int32, 0, to-from)
	for i := from; i < to; i++ {
		idx = append(idx, int32(i))
	}
	return Gather(x, indexNode(x.Graph(), idx))
}

// withZeroRow appends one zero row, the target of padding slots.
func withZeroRow(x *Node) *Node {
	dims := x.Shape().Dimensions
	zeroDims := append([]int{1}, dims[1:]...)
	return Concatenate([]*Node{x, Zeros(x.Graph(), shapes.Make(x.DType(), zeroDims...))}, 0)
}

// padRows lays flat [L, D] out as [groups, width, D].
func padRows(flat *Node, positions []int32, groups, width int) *Node {
	d := flat.Shape().Dimensions[1]
	return Reshape(Gather(withZeroRow(flat), indexNode(flat.Graph(), positions)), groups, width, d)
}

// unpadRows reads the listed slots of [groups, width, D] back as [L, D].
func unpadRows(padded *Node, positions []int32) *Node {
	dims := padded.Shape().Dimensions
	flat := Reshape(padded, dims[0]*dims[1], dims[2])
	return Gather(flat, indexNode(padded.Graph(), positions))
}

// overwriteRows replaces row v of base [V, D] by rows[source[v]] wherever
// source[v] >= 0.
func overwriteRows(base, rows *Node, source []int32) *Node {
	g := base.Graph()
	mask := make([]bool, len(source))
	idx := make([]int32, len(source))
	found := false
	for v, s := range source {
		if s >= 0 {
			mask[v], idx[v] = true, s
			found = true
		}
	}
	if !found {
		return base
	}
	gathered := Gather(rows, indexNode(g, idx))
	return Where(broadcastMask(Const(g, mask), base), gathered, base)
}

// broadcastMask expands a boolean mask over the trailing axis of x, so a
// [V] mask selects rows of [V, D] and an [N, T] mask selects slots of
// [N, T, D].
func broadcastMask(mask, x *Node) *Node {
	dims := x.Shape().Dimensions
	keep := append(append([]int(nil), dims[:len(dims)-1]...), 1)
	return BroadcastToDims(Reshape(mask, keep...), dims...)
}

// maskConst embeds a host mask with the given dimensions.
func maskConst(g *Graph, mask []bool, dims ...int) *Node {
	return Reshape(Const(g, mask), dims...)
}

// zerosWhere zeroes the entries of x where mask is false.
func zerosWhere(mask, x *Node) *Node {
	return Where(broadcastMask(mask, x), x, ZerosLike(x))
}

// keepMean reduces x over axis with the axis kept, broadcast back to x's shape.
func keepMean(x *Node, axis int) *Node {
	dims := x.Shape().Dimensions
	kept := append([]int(nil), dims...)
	kept[axis] = 1
	return BroadcastToDims(Reshape(ReduceMean(x, axis), kept...), dims...)
}

// keepSum is keepMean for the sum.
func keepSum(x *Node, axis int) *Node {
	dims := x.Shape().Dimensions
	kept := append([]int(nil), dims...)
	kept[axis] = 1
	return BroadcastToDims(Reshape(ReduceSum(x, axis), kept...), dims...)
}

// scalarLike broadcasts a scalar node to x's shape.
func scalarLike(s, x *Node) *Node {
	return BroadcastToDims(s, x.Shape().Dimensions...)
}
