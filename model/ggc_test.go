package model

import (
	"math"
	"testing"

	"github.com/Noofbiz/trajenc/batch"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) backends.Backend {
	backend, err := simplego.New("")
	require.NoError(t, err)
	return backend
}

func requireFinite(t *testing.T, rows [][]float32) {
	t.Helper()
	for i, row := range rows {
		for j, v := range row {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "row %d col %d is %v", i, j, v)
		}
	}
}

var (
	aggrMessages = [][]float32{{1, 2}, {3, 4}, {0.5, 1}, {1.5, 2}, {2.5, 6}}
	aggrTargets  = []int32{0, 0, 1, 1, 1}
)

func TestPowerMeanWithUnitPowerIsMean(t *testing.T) {
	l, err := NewGGC(GGCConfig{Dim: 2, Aggregation: "power", Temperature: 1, Power: 1, MLPLayers: 1})
	require.NoError(t, err)

	out, err := context.ExecOnce(newBackend(t), context.New(), func(ctx *context.Context, msgs *Node) *Node {
		return l.aggregate(ctx, msgs, aggrTargets, 3)
	}, aggrMessages)
	require.NoError(t, err)
	got := out.Value().([][]float32)

	assert.InDeltaSlice(t, []float32{2, 3}, got[0], 1e-4)
	assert.InDeltaSlice(t, []float32{1.5, 3}, got[1], 1e-4)
	// A node without messages keeps the lower clamp.
	assert.InDeltaSlice(t, []float32{0, 0}, got[2], 1e-4)
}

func TestGroupSoftmaxSumsToOne(t *testing.T) {
	out, err := context.ExecOnce(newBackend(t), context.New(), func(ctx *context.Context, logits *Node) *Node {
		return groupSoftmax(logits, indexNode(logits.Graph(), aggrTargets), 3)
	}, aggrMessages)
	require.NoError(t, err)
	weights := out.Value().([][]float32)

	for feature := 0; feature < 2; feature++ {
		sums := make([]float32, 2)
		for r, target := range aggrTargets {
			assert.Greater(t, weights[r][feature], float32(0))
			sums[target] += weights[r][feature]
		}
		assert.InDelta(t, 1, sums[0], 1e-5)
		assert.InDelta(t, 1, sums[1], 1e-5)
	}
	// Larger logits get larger weights within a group.
	assert.Greater(t, weights[1][0], weights[0][0])
}

func TestGroupSoftmaxShiftsPerDestination(t *testing.T) {
	// Destination 1's logits sit ~100 above destination 0's: a shared shift
	// would underflow every exp of destination 0 to zero.
	msgs := [][]float32{{0.5}, {1}, {100}, {101}}
	targets := []int32{0, 0, 1, 1}
	backend := newBackend(t)

	out, err := context.ExecOnce(backend, context.New(), func(ctx *context.Context, logits *Node) *Node {
		return groupSoftmax(logits, indexNode(logits.Graph(), targets), 2)
	}, msgs)
	require.NoError(t, err)
	weights := out.Value().([][]float32)
	requireFinite(t, weights)
	low := float32(1 / (1 + math.Exp(0.5)))
	assert.InDelta(t, low, weights[0][0], 1e-5)
	assert.InDelta(t, 1-low, weights[1][0], 1e-5)
	assert.InDelta(t, 1, weights[0][0]+weights[1][0], 1e-5)
	assert.InDelta(t, 1, weights[2][0]+weights[3][0], 1e-5)

	l, err := NewGGC(GGCConfig{Dim: 1, Aggregation: "softmax", Temperature: 1, Power: 1, MLPLayers: 1})
	require.NoError(t, err)
	out, err = context.ExecOnce(backend, context.New(), func(ctx *context.Context, msgs *Node) *Node {
		return l.aggregate(ctx, msgs, targets, 2)
	}, msgs)
	require.NoError(t, err)
	got := out.Value().([][]float32)
	requireFinite(t, got)
	assert.InDelta(t, 0.5*low+(1-low), got[0][0], 1e-4)
	assert.InDelta(t, 100*low+101*(1-low), got[1][0], 1e-3)
}

// fourNodes is one trajectory visiting nodes 0, 1 and 2 of a 4-node graph
// with 5 edges.
func fourNodes() *batch.Batch {
	return &batch.Batch{
		Vocab:       []int32{4, 5, 6, 7},
		Src:         []int32{0, 1, 2, 3, 1},
		Dst:         []int32{1, 2, 3, 0, 3},
		EdgeLength:  []float32{1, 1, 1, 1, 1},
		EdgeAttr:    []int32{0, 1},
		EdgeAttrLen: []int{2},
		TMIndex:     []int32{0, 1, 2},
		TMLen:       []int{3},
		TrajLen:     []int{3},
	}
}

// runFused runs two fused layers over b with deterministic node features
// and returns the node outputs with the duplicate index of the first layer.
func runFused(t *testing.T, b *batch.Batch, aggr string, hidden int) ([][]float32, *batch.DuplicateIndex) {
	t.Helper()
	plan, err := batch.NewPlan(b, 0)
	require.NoError(t, err)
	pe, err := NewPositionalEncoder(hidden, 16, 0)
	require.NoError(t, err)
	conv, err := NewGGC(GGCConfig{
		Dim: hidden, Aggregation: aggr, Temperature: 1, LearnTemperature: true,
		Power: 1, LearnPower: true, MsgNorm: true, LearnMsgScale: true,
		Norm: "layer", MLPLayers: 1, Eps: 1e-6, EdgePositions: pe,
	})
	require.NoError(t, err)
	seq, err := NewSequenceTransformer(hidden, 2, hidden, 1, 0, 1e-6, 16)
	require.NoError(t, err)
	layer := &FusedLayer{GGC: conv, Seq: seq, Residual: true}

	x := make([][]float32, plan.NumNodes)
	for i := range x {
		x[i] = make([]float32, hidden)
		for j := range x[i] {
			x[i][j] = float32(i+1) * float32(j-hidden/2) / float32(hidden)
		}
	}
	var first *batch.DuplicateIndex
	out, err := context.ExecOnce(newBackend(t), context.New().Checked(false), func(ctx *context.Context, x *Node) *Node {
		valid := maskConst(x.Graph(), plan.VisitValid, plan.NumTrajectories, plan.VisitWidth)
		state, dup := layer.Forward(ctx.In("layer_0"), x, plan, valid, nil, LayerState{})
		first = dup
		state, _ = layer.Forward(ctx.In("layer_1"), x, plan, valid, dup, state)
		return state.Nodes
	}, x)
	require.NoError(t, err)
	return out.Value().([][]float32), first
}

func TestFusedLayerForward(t *testing.T) {
	const hidden = 8
	for _, aggr := range []string{"softmax", "softmax_sg", "power"} {
		t.Run(aggr, func(t *testing.T) {
			nodes, dup := runFused(t, fourNodes(), aggr, hidden)
			require.Len(t, nodes, 4)
			for _, row := range nodes {
				require.Len(t, row, hidden)
			}
			requireFinite(t, nodes)
			assert.Empty(t, dup.Extra)
		})
	}
}

func TestFusedLayerRepeatedEdge(t *testing.T) {
	const hidden = 8
	b := fourNodes()
	// The trajectory walks 0 -> 1 -> 2 and then edge 0 again.
	b.EdgeAttr = []int32{0, 1, 0}
	b.EdgeAttrLen = []int{3}

	nodes, dup := runFused(t, b, "softmax", hidden)
	assert.Equal(t, []int32{0}, dup.Extra)
	assert.Equal(t, dup.BaseRows+1, dup.Rows())
	require.Len(t, nodes, 4)
	for _, row := range nodes {
		require.Len(t, row, hidden)
	}
	requireFinite(t, nodes)
}
