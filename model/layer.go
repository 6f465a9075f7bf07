package model

import (
	"github.com/Noofbiz/trajenc/batch"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LayerState is what one fused layer hands to the next: its node output
// [V, D] and its sequence output [N, T, D]. The zero value means "first
// layer".
type LayerState struct {
	Nodes *Node
	Seq   *Node
}

// FusedLayer runs a graph convolution over every node, then a sequence
// transformer over the visits of each trajectory, and writes the sequence
// output back into the visited node rows.
type FusedLayer struct {
	GGC      *GGC
	Seq      *SequenceTransformer
	Residual bool
}

// Forward consumes the encoder's initial node features x. With Residual
// set, the previous layer's outputs are added to this layer's GGC and
// sequence outputs. The duplicate index in use is returned with the new
// state.
func (f *FusedLayer) Forward(ctx *context.Context, x *Node, plan *batch.Plan, valid *Node, dup *batch.DuplicateIndex, prev LayerState) (LayerState, *batch.DuplicateIndex) {
	g := x.Graph()
	nodes, dup := f.GGC.Forward(ctx.In("ggc"), x, plan, dup)
	if f.Residual && prev.Nodes != nil {
		nodes = Add(nodes, prev.Nodes)
	}

	visits := Gather(nodes, indexNode(g, plan.TMIndex))
	seqIn := padRows(visits, plan.VisitPad, plan.NumTrajectories, plan.VisitWidth)
	seq := f.Seq.Encode(ctx.In("sequence"), seqIn, plan.TrajLen, valid)
	if f.Residual && prev.Seq != nil {
		seq = Add(seq, prev.Seq)
	}

	// Later visits of a node overwrite earlier ones.
	nodes = overwriteRows(nodes, unpadRows(seq, plan.VisitUnpad), plan.LastVisit)
	return LayerState{Nodes: nodes, Seq: seq}, dup
}
