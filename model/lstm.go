package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

var lstmGates = [4]string{"input_gate", "forget_gate", "cell_gate", "output_gate"}

// lstm runs a single-layer LSTM over x [N, T, D] from zero state and
// returns every hidden state, [N, T, hidden]. Steps past a sequence's
// length are computed anyway; callers only read the valid prefix.
//
// Each gate has its own input projection and recurrent kernel, and time
// steps are read with Gather: the graph never slices, so its gradient runs
// on backends without a Pad op.
func lstm(ctx *context.Context, x *Node, hidden int) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	n, t := dims[0], dims[1]

	var inputs, kernels [4]*Node
	for i, name := range lstmGates {
		gateCtx := ctx.In(name)
		inputs[i] = Transpose(layers.Dense(gateCtx.In("input"), x, true, hidden), 0, 1) // [T, N, hidden]
		kernels[i] = gateCtx.VariableWithShape("recurrent", shapes.Make(x.DType(), hidden, hidden)).ValueGraph(g)
	}

	h := Zeros(g, shapes.Make(x.DType(), n, hidden))
	c := Zeros(g, shapes.Make(x.DType(), n, hidden))
	outputs := make([]*Node, t)
	for step := 0; step < t; step++ {
		at := indexNode(g, []int32{int32(step)})
		gate := func(i int) *Node {
			return Add(Reshape(Gather(inputs[i], at), n, hidden), Einsum("nh,hk->nk", h, kernels[i]))
		}
		in, forget := Sigmoid(gate(0)), Sigmoid(gate(1))
		cell, out := Tanh(gate(2)), Sigmoid(gate(3))
		c = Add(Mul(forget, c), Mul(in, cell))
		h = Mul(out, Tanh(c))
		outputs[step] = Reshape(h, n, 1, hidden)
	}
	return Concatenate(outputs, 1)
}
