package model

import (
	"strings"

	"github.com/Noofbiz/trajenc/batch"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Aggregation is the closed set of neighbourhood reductions of GGC.
type Aggregation int

const (
	// AggrSoftmax weights each message by a per-destination softmax of t*m.
	AggrSoftmax Aggregation = iota
	// AggrSoftmaxStopGrad is AggrSoftmax with the weights excluded from
	// gradients.
	AggrSoftmaxStopGrad
	// AggrPowerMean is (mean m^p)^(1/p) per destination.
	AggrPowerMean
)

// ParseAggregation maps "softmax", "softmax_sg" and "power" to their
// Aggregation.
func ParseAggregation(name string) (Aggregation, error) {
	switch strings.ToLower(name) {
	case "softmax":
		return AggrSoftmax, nil
	case "softmax_sg":
		return AggrSoftmaxStopGrad, nil
	case "power":
		return AggrPowerMean, nil
	}
	return AggrSoftmax, errors.Wrapf(ErrConfig, "unsupported aggregation %q", name)
}

func (a Aggregation) String() string {
	switch a {
	case AggrSoftmaxStopGrad:
		return "softmax_sg"
	case AggrPowerMean:
		return "power"
	}
	return "softmax"
}

const (
	messageEps = 1e-7
	powerMin   = 1e-7
	powerMax   = 10.0
)

// GGCConfig configures one generalized graph convolution.
type GGCConfig struct {
	Dim              int
	Aggregation      string
	Temperature      float64
	LearnTemperature bool
	Power            float64
	LearnPower       bool
	MsgNorm          bool
	LearnMsgScale    bool
	Norm             string
	MLPLayers        int
	Dropout          float64
	Eps              float64

	// EdgePositions, when set, adds the position of every traversed edge
	// within its trajectory to that edge's message.
	EdgePositions *PositionalEncoder
}

// GGC is a generalized graph convolution: ReLU messages from source nodes,
// a softmax or power-mean aggregation per destination, optional message
// normalization, a residual with the destination features and an MLP.
type GGC struct {
	cfg  GGCConfig
	aggr Aggregation
	mlp  *MLP
}

// NewGGC validates cfg. The temperature is only trainable for AggrSoftmax.
func NewGGC(cfg GGCConfig) (*GGC, error) {
	aggr, err := ParseAggregation(cfg.Aggregation)
	if err != nil {
		return nil, err
	}
	if cfg.Dim <= 0 {
		return nil, errors.Wrapf(ErrConfig, "GGC width must be positive, got %d", cfg.Dim)
	}
	if cfg.Temperature <= 0 || cfg.Power <= 0 {
		return nil, errors.Wrapf(ErrConfig, "temperature %g and power %g must be positive", cfg.Temperature, cfg.Power)
	}
	if cfg.MLPLayers < 1 {
		return nil, errors.Wrapf(ErrConfig, "GGC needs at least one MLP hidden layer, got %d", cfg.MLPLayers)
	}
	channels := []int{cfg.Dim}
	for i := 0; i < cfg.MLPLayers; i++ {
		channels = append(channels, 2*cfg.Dim)
	}
	channels = append(channels, cfg.Dim)
	mlp, err := NewMLP(channels, cfg.Norm, cfg.Dropout, cfg.Eps)
	if err != nil {
		return nil, err
	}
	if aggr != AggrSoftmax {
		cfg.LearnTemperature = false
	}
	return &GGC{cfg: cfg, aggr: aggr, mlp: mlp}, nil
}

// Aggregation returns the configured reduction.
func (l *GGC) Aggregation() Aggregation { return l.aggr }

// Forward runs the convolution over x [V, D]. Message rows are the batch
// edges followed by the plan's self-loops. When dup is nil the duplicate
// index is built from the plan's edge attribute; either way the index in
// use is returned so later layers can reuse it.
func (l *GGC) Forward(ctx *context.Context, x *Node, plan *batch.Plan, dup *batch.DuplicateIndex) (*Node, *batch.DuplicateIndex) {
	g := x.Graph()
	rows := len(plan.Src)
	if dup == nil {
		var err error
		if dup, err = batch.ExpandDuplicates(plan.EdgeAttr, rows); err != nil {
			panic(err)
		}
	} else if dup.BaseRows != rows {
		panic(errors.Wrapf(batch.ErrInvariant, "duplicate index built for %d message rows, layer has %d", dup.BaseRows, rows))
	}

	msgs := Gather(x, indexNode(g, plan.Src))
	targets := plan.Dst
	if len(dup.Extra) > 0 {
		msgs = Concatenate([]*Node{msgs, Gather(msgs, indexNode(g, dup.Extra))}, 0)
		targets = dup.Targets(plan.Dst)
	}
	if pe := l.cfg.EdgePositions; pe != nil && len(dup.Attr) > 0 {
		positions := pe.Encode(ctx.In("edge_positions"), g, plan.EdgeAttrLen)
		msgs = Add(msgs, ScatterSum(ZerosLike(msgs), indexNode(g, dup.Attr), positions, false, true))
	}
	msgs = AddScalar(relu(msgs), messageEps)

	out := l.aggregate(ctx.In("aggregation"), msgs, targets, plan.NumNodes)
	if l.cfg.MsgNorm {
		out = l.normalizeMessages(ctx.In("msg_norm"), x, out)
	}
	out = Add(out, x)
	return l.mlp.Apply(ctx.In("mlp"), out), dup
}

func (l *GGC) aggregate(ctx *context.Context, msgs *Node, targets []int32, numNodes int) *Node {
	g := msgs.Graph()
	dim := msgs.Shape().Dimensions[1]
	index := indexNode(g, targets)
	zeros := Zeros(g, shapes.Make(msgs.DType(), numNodes, dim))

	switch l.aggr {
	case AggrSoftmax, AggrSoftmaxStopGrad:
		weights := groupSoftmax(Mul(msgs, scalarLike(l.temperature(ctx, msgs), msgs)), index, numNodes)
		if l.aggr == AggrSoftmaxStopGrad {
			weights = StopGradient(weights)
		}
		return ScatterSum(zeros, index, Mul(msgs, weights), false, false)

	case AggrPowerMean:
		p := l.power(ctx, msgs)
		clamped := MinScalar(MaxScalar(msgs, powerMin), powerMax)
		sums := ScatterSum(zeros, index, Pow(clamped, scalarLike(p, clamped)), false, false)
		mean := Div(sums, inDegree(g, targets, numNodes, dim, msgs))
		mean = MinScalar(MaxScalar(mean, powerMin), powerMax)
		return Pow(mean, scalarLike(Div(OnesLike(p), p), mean))
	}
	panic(errors.Errorf("unhandled aggregation %s", l.aggr))
}

// groupSoftmax normalizes logits [R, D] per destination and feature. Each
// row is shifted by the maximum of its own destination, so every group has
// a term equal to 1 and its weights sum to 1 however far apart groups are.
func groupSoftmax(logits, index *Node, numNodes int) *Node {
	g := logits.Graph()
	dims := logits.Shape().Dimensions
	lowest := BroadcastToDims(Infinity(g, logits.DType(), -1), numNodes, dims[1])
	maxes := ScatterMax(lowest, index, logits, false, false)
	exp := Exp(Sub(logits, StopGradient(Gather(maxes, index))))
	denom := ScatterSum(Zeros(g, shapes.Make(logits.DType(), numNodes, dims[1])), index, exp, false, false)
	return Div(exp, Gather(denom, index))
}

// inDegree counts the messages reaching every node, at least 1, as a
// [V, D] divisor.
func inDegree(g *Graph, targets []int32, numNodes, dim int, like *Node) *Node {
	counts := make([]float32, numNodes)
	for _, t := range targets {
		counts[t]++
	}
	for i, c := range counts {
		if c == 0 {
			counts[i] = 1
		}
	}
	c := ConvertDType(Reshape(Const(g, counts), numNodes, 1), like.DType())
	return BroadcastToDims(c, numNodes, dim)
}

func (l *GGC) temperature(ctx *context.Context, like *Node) *Node {
	if l.cfg.LearnTemperature {
		return ConvertDType(ctx.VariableWithValue("t", float32(l.cfg.Temperature)).ValueGraph(like.Graph()), like.DType())
	}
	return Scalar(like.Graph(), like.DType(), l.cfg.Temperature)
}

func (l *GGC) power(ctx *context.Context, like *Node) *Node {
	if l.cfg.LearnPower {
		return ConvertDType(ctx.VariableWithValue("p", float32(l.cfg.Power)).ValueGraph(like.Graph()), like.DType())
	}
	return Scalar(like.Graph(), like.DType(), l.cfg.Power)
}

// normalizeMessages rescales every aggregated row to unit L2 norm times the
// norm of the node's own features and a scale, trainable when
// LearnMsgScale is set.
func (l *GGC) normalizeMessages(ctx *context.Context, x, msg *Node) *Node {
	unit := Div(msg, MaxScalar(Sqrt(keepSum(Square(msg), 1)), 1e-12))
	xNorm := Sqrt(keepSum(Square(x), 1))
	out := Mul(unit, xNorm)
	if l.cfg.LearnMsgScale {
		scale := ConvertDType(ctx.VariableWithValue("scale", float32(1)).ValueGraph(x.Graph()), x.DType())
		out = Mul(out, scalarLike(scale, out))
	}
	return out
}
