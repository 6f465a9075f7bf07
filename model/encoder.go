package model

import (
	"fmt"

	"github.com/Noofbiz/trajenc/batch"
	"github.com/Noofbiz/trajenc/region"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Encoder is the trajectory encoder: token and cell-position embeddings of
// the visited nodes, a stack of fused graph/sequence layers and a final
// LSTM over each trajectory's usable visits.
type Encoder struct {
	cfg    Config
	region region.Region
	act    activations.Type
	layers []*FusedLayer
}

// NewEncoder validates cfg against reg. A zero VocabSize is taken from
// the region.
func NewEncoder(cfg Config, reg region.Region) (*Encoder, error) {
	if reg == nil {
		return nil, errors.Wrap(ErrConfig, "region cannot be nil")
	}
	cfg = cfg.WithDefaults()
	if cfg.VocabSize == 0 {
		cfg.VocabSize = reg.VocabSize()
	}
	if cfg.VocabSize != reg.VocabSize() {
		return nil, errors.Wrapf(ErrConfig, "vocab_size %d but region holds %d tokens", cfg.VocabSize, reg.VocabSize())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := lookupActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	edgePositions, err := NewPositionalEncoder(cfg.HiddenSize, cfg.EdgePosMaxLen, cfg.HiddenDropout)
	if err != nil {
		return nil, err
	}

	e := &Encoder{cfg: cfg, region: reg, act: act}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		ggcCfg := GGCConfig{
			Dim:              cfg.HiddenSize,
			Aggregation:      cfg.Aggregation,
			Temperature:      cfg.Temperature,
			LearnTemperature: cfg.LearnTemperature,
			Power:            cfg.Power,
			LearnPower:       cfg.LearnPower,
			MsgNorm:          cfg.MsgNorm,
			LearnMsgScale:    cfg.LearnMsgScale,
			Norm:             cfg.MLPNorm,
			MLPLayers:        cfg.MLPLayers,
			Eps:              cfg.LayerNormEps,
		}
		if i == 0 {
			ggcCfg.EdgePositions = edgePositions
		}
		conv, err := NewGGC(ggcCfg)
		if err != nil {
			return nil, err
		}
		seq, err := NewSequenceTransformer(cfg.HiddenSize, cfg.NumAttentionHeads, cfg.HiddenSize,
			cfg.NumTransformerLayers, cfg.HiddenDropout, cfg.LayerNormEps, cfg.TrajPosMaxLen)
		if err != nil {
			return nil, err
		}
		e.layers = append(e.layers, &FusedLayer{GGC: conv, Seq: seq, Residual: !cfg.NoResidual})
	}
	return e, nil
}

// Config returns the effective configuration, defaults applied.
func (e *Encoder) Config() Config { return e.cfg }

// Region returns the spatial context the encoder was built with.
func (e *Encoder) Region() region.Region { return e.region }

// Encoded holds the outputs of one encoder pass.
type Encoded struct {
	// Nodes is the refined node embedding [V, D].
	Nodes *Node
	// Seq is the last fused layer's sequence output [N, VisitWidth, D].
	Seq *Node
	// Traj is the LSTM output over the usable visits [N, UsableWidth, D].
	Traj *Node
	// Dup is the duplicate index built at the first layer.
	Dup  *batch.DuplicateIndex
	Plan *batch.Plan
}

// UsableMask is Traj's validity mask, [N, UsableWidth].
func (enc *Encoded) UsableMask() *Node {
	return maskConst(enc.Nodes.Graph(), enc.Plan.UsableValid, enc.Plan.NumTrajectories, enc.Plan.UsableWidth)
}

// CheckVocab rejects batches with tokens outside the vocabulary.
func (e *Encoder) CheckVocab(b *batch.Batch) error {
	for i, v := range b.Vocab {
		if v < 0 || int(v) >= e.cfg.VocabSize {
			return errors.Wrapf(batch.ErrInvariant, "node %d has token %d outside vocabulary of %d", i, v, e.cfg.VocabSize)
		}
	}
	return nil
}

// CellTable returns the token embedding table [VocabSize, D] with the pad
// token's row forced to zero.
func (e *Encoder) CellTable(ctx *context.Context, g *Graph) *Node {
	table := ctx.In("cell_embedding").
		VariableWithShape("embeddings", shapes.Make(dtypes.Float32, e.cfg.VocabSize, e.cfg.HiddenSize)).
		ValueGraph(g)
	keep := make([]bool, e.cfg.VocabSize)
	for i := range keep {
		keep[i] = int32(i) != e.cfg.PadToken
	}
	return zerosWhere(Const(g, keep), table)
}

// Encode runs the encoder over one batch. vocab is the batch's Vocab as an
// Int32 [V] graph input; plan must come from the same batch.
func (e *Encoder) Encode(ctx *context.Context, vocab *Node, plan *batch.Plan) *Encoded {
	g := vocab.Graph()
	x := e.initialFeatures(ctx, vocab, plan)
	valid := maskConst(g, plan.VisitValid, plan.NumTrajectories, plan.VisitWidth)

	var state LayerState
	var dup *batch.DuplicateIndex
	for i, layer := range e.layers {
		state, dup = layer.Forward(ctx.In(fmt.Sprintf("layer_%d", i)), x, plan, valid, dup, state)
	}

	usable := unpadRows(state.Seq, plan.UsableFromSeq)
	traj := lstm(ctx.In("lstm"), padRows(usable, plan.UsablePad, plan.NumTrajectories, plan.UsableWidth), e.cfg.HiddenSize)
	nodes := overwriteRows(state.Nodes, unpadRows(traj, plan.UsableUnpad), plan.LastUsable)
	return &Encoded{Nodes: nodes, Seq: state.Seq, Traj: traj, Dup: dup, Plan: plan}
}

// initialFeatures embeds every node as layernorm(cell + act(linear(offset)))
// and zeroes the nodes no trajectory visits.
func (e *Encoder) initialFeatures(ctx *context.Context, vocab *Node, plan *batch.Plan) *Node {
	g := vocab.Graph()
	cell := Gather(e.CellTable(ctx, g), Reshape(vocab, plan.NumNodes, 1))

	offsets := make([]float32, 0, 2*plan.NumNodes)
	for _, v := range plan.Vocab {
		x, y := e.region.Offset(v)
		offsets = append(offsets, x, y)
	}
	spatial := layers.Dense(ctx.In("spatial"), Reshape(Const(g, offsets), plan.NumNodes, 2), true, e.cfg.HiddenSize)
	spatial = activations.Apply(e.act, spatial)

	x := layers.LayerNormalization(ctx.In("embedding_norm"), Add(cell, spatial), -1).Epsilon(e.cfg.LayerNormEps).Done()
	if e.cfg.HiddenDropout > 0 {
		x = layers.DropoutStatic(ctx, x, e.cfg.HiddenDropout)
	}
	return zerosWhere(Const(g, plan.VisitedMask), x)
}
