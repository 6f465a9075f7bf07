package model

import (
	"math"
	"math/rand"

	"github.com/Noofbiz/trajenc/batch"
	"github.com/Noofbiz/trajenc/region"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// Scopes of the model variables.
const (
	encoderScope = "encoder"
	headsScope   = "heads"
)

// Model is the encoder together with its five objective heads.
type Model struct {
	Config  Config
	Encoder *Encoder

	DestinationHead  *DestinationHead
	AugmentationHead *AugmentationHead
	MaskedHead       *MaskedHead
	MapEmbeddingHead *MapEmbeddingHead
	PermutationHead  *PermutationHead
}

// New builds the encoder and heads. See NewEncoder for how cfg is checked.
func New(cfg Config, reg region.Region) (*Model, error) {
	enc, err := NewEncoder(cfg, reg)
	if err != nil {
		return nil, err
	}
	cfg = enc.Config()
	return &Model{
		Config:           cfg,
		Encoder:          enc,
		DestinationHead:  NewDestinationHead(cfg),
		AugmentationHead: NewAugmentationHead(cfg),
		MaskedHead:       NewMaskedHead(cfg),
		MapEmbeddingHead: NewMapEmbeddingHead(cfg),
		PermutationHead:  NewPermutationHead(cfg),
	}, nil
}

// Objective is one pretraining task bound to its batches. Everything random
// about it (negatives, sampled neighbours) is drawn when it is built, so
// running it twice builds the same graph.
type Objective struct {
	// Name identifies the objective, Terms names each loss it produces.
	Name    string
	Terms   []string
	Batches []*batch.Batch

	plans []*batch.Plan
	build func(ctx *context.Context, enc []*Encoded) []*Node
}

// Losses encodes every batch of obj with shared encoder weights and returns
// one scalar per term. vocab holds the batches' Vocab as graph inputs.
func (m *Model) Losses(ctx *context.Context, obj *Objective, vocab []*Node) []*Node {
	if len(vocab) != len(obj.plans) {
		panic(errors.Wrapf(batch.ErrInvariant, "objective %s takes %d batches, got %d inputs", obj.Name, len(obj.plans), len(vocab)))
	}
	enc := make([]*Encoded, len(vocab))
	for i, v := range vocab {
		enc[i] = m.Encoder.Encode(ctx.In(encoderScope), v, obj.plans[i])
	}
	return obj.build(ctx, enc)
}

func (m *Model) plan(b *batch.Batch) (*batch.Plan, error) {
	if err := m.Encoder.CheckVocab(b); err != nil {
		return nil, err
	}
	return batch.NewPlan(b, m.Config.PadToken)
}

// Destination builds the destination objective: b.Y holds, per trajectory,
// the node the trajectory ends at.
func (m *Model) Destination(b *batch.Batch, rng *rand.Rand) (*Objective, error) {
	p, err := m.plan(b)
	if err != nil {
		return nil, err
	}
	if len(b.Y) != b.NumTrajectories() {
		return nil, errors.Wrapf(batch.ErrInvariant, "%d destinations for %d trajectories", len(b.Y), b.NumTrajectories())
	}
	targets := make([]int32, len(b.Y))
	for i, node := range b.Y {
		if node < 0 || int(node) >= b.NumNodes() {
			return nil, errors.Wrapf(batch.ErrInvariant, "destination %d is node %d of %d", i, node, b.NumNodes())
		}
		targets[i] = b.Vocab[node]
	}
	contrast, err := m.newContrast(targets, rng)
	if err != nil {
		return nil, err
	}
	return &Objective{
		Name:    "destination",
		Terms:   []string{"destination"},
		Batches: []*batch.Batch{b},
		plans:   []*batch.Plan{p},
		build: func(ctx *context.Context, enc []*Encoded) []*Node {
			h := m.DestinationHead.Apply(ctx.In(headsScope).In("destination"), enc[0].Traj, enc[0].Plan.UsableValid)
			return []*Node{contrast.loss(ctx, m, h)}
		},
	}, nil
}

// Masked builds the masked-node objective: nodes whose token is the mask
// token are queries, and b.Y lists their true tokens in node order.
func (m *Model) Masked(b *batch.Batch, rng *rand.Rand) (*Objective, error) {
	p, err := m.plan(b)
	if err != nil {
		return nil, err
	}
	var queries []int32
	for node, v := range b.Vocab {
		if v == m.Config.MaskToken {
			queries = append(queries, int32(node))
		}
	}
	if len(queries) == 0 || len(queries) != len(b.Y) {
		return nil, errors.Wrapf(batch.ErrInvariant, "%d masked nodes for %d targets", len(queries), len(b.Y))
	}
	contrast, err := m.newContrast(b.Y, rng)
	if err != nil {
		return nil, err
	}
	return &Objective{
		Name:    "masked",
		Terms:   []string{"masked"},
		Batches: []*batch.Batch{b},
		plans:   []*batch.Plan{p},
		build: func(ctx *context.Context, enc []*Encoded) []*Node {
			x := Gather(enc[0].Nodes, indexNode(enc[0].Nodes.Graph(), queries))
			h := m.MaskedHead.Apply(ctx.In(headsScope).In("masked"), x)
			return []*Node{contrast.loss(ctx, m, h)}
		},
	}, nil
}

// Augmentation builds the augmentation objective over the two views made by
// batch.Augment. With mapEmbedding set, the map-embedding triplet loss over
// the left view is added as a second term; it needs every trajectory to
// traverse at least 5 edges.
func (m *Model) Augmentation(left, right *batch.Batch, mapEmbedding bool, rng *rand.Rand) (*Objective, error) {
	lp, err := m.plan(left)
	if err != nil {
		return nil, err
	}
	rp, err := m.plan(right)
	if err != nil {
		return nil, err
	}
	n := left.NumTrajectories()
	if right.NumTrajectories() != n || len(left.Y) != n {
		return nil, errors.Wrapf(batch.ErrInvariant, "views hold %d and %d trajectories with %d targets",
			n, right.NumTrajectories(), len(left.Y))
	}
	lPaths, err := batch.AugmentationNodes(left)
	if err != nil {
		return nil, err
	}
	rPaths, err := batch.AugmentationNodes(right)
	if err != nil {
		return nil, err
	}
	lView, rView := newPathLayout(lPaths), newPathLayout(rPaths)
	width := max(lView.groups.MaxLen, rView.groups.MaxLen)
	for i, y := range left.Y {
		if y < 0 || int(y) >= len(lPaths[i]) {
			return nil, errors.Wrapf(batch.ErrInvariant, "augmentation target %d is position %d of %d", i, y, len(lPaths[i]))
		}
	}
	labels := left.Y

	var protos *prototypes
	terms := []string{"augmentation"}
	if mapEmbedding {
		if protos, err = m.newPrototypes(left, rng); err != nil {
			return nil, err
		}
		terms = append(terms, "map_embedding")
	}

	return &Objective{
		Name:    "augmentation",
		Terms:   terms,
		Batches: []*batch.Batch{left, right},
		plans:   []*batch.Plan{lp, rp},
		build: func(ctx *context.Context, enc []*Encoded) []*Node {
			l := lView.padded(enc[0].Nodes, width)
			r := rView.padded(enc[1].Nodes, width)
			logits := m.AugmentationHead.Apply(ctx.In(headsScope).In("augmentation"), l, r)
			out := []*Node{crossEntropy(logits, labels)}
			if protos != nil {
				out = append(out, protos.loss(ctx.In(headsScope).In("map_embedding"), m, enc[0].Nodes))
			}
			return out
		},
	}, nil
}

// Permutation builds the permutation objective over the positive and
// negative batches made by batch.Permute; negative.Y is the class.
func (m *Model) Permutation(positive, negative *batch.Batch) (*Objective, error) {
	pp, err := m.plan(positive)
	if err != nil {
		return nil, err
	}
	np, err := m.plan(negative)
	if err != nil {
		return nil, err
	}
	n := positive.NumTrajectories()
	if negative.NumTrajectories() != n || len(negative.Y) != n {
		return nil, errors.Wrapf(batch.ErrInvariant, "positive holds %d trajectories, negative %d with %d classes",
			n, negative.NumTrajectories(), len(negative.Y))
	}
	for i, c := range negative.Y {
		if c < 0 || int(c) >= m.Config.PermClasses {
			return nil, errors.Wrapf(batch.ErrInvariant, "trajectory %d has class %d of %d", i, c, m.Config.PermClasses)
		}
	}
	labels := negative.Y
	return &Objective{
		Name:    "permutation",
		Terms:   []string{"permutation"},
		Batches: []*batch.Batch{positive, negative},
		plans:   []*batch.Plan{pp, np},
		build: func(ctx *context.Context, enc []*Encoded) []*Node {
			pos := finalSteps(enc[0])
			neg := finalSteps(enc[1])
			logits := m.PermutationHead.Apply(ctx.In(headsScope).In("permutation"), pos, neg)
			return []*Node{crossEntropy(logits, labels)}
		},
	}, nil
}

// finalSteps reads each trajectory's LSTM state at its last usable visit.
func finalSteps(enc *Encoded) *Node {
	dims := enc.Traj.Shape().Dimensions
	flat := Reshape(enc.Traj, dims[0]*dims[1], dims[2])
	return Gather(flat, indexNode(flat.Graph(), enc.Plan.FinalSlot))
}

// contrast is the host side of the spatial contrastive loss: k near tokens
// of every target with their weights, and NegativeSamples uniform negative
// tokens per (target, neighbour).
type contrast struct {
	rows, k, negatives int
	near               []int32
	weights            []float32
	negs               []int32
}

func (m *Model) newContrast(targets []int32, rng *rand.Rand) (*contrast, error) {
	near, dists, err := region.NearVocabs(m.Encoder.Region(), targets, m.Config.KNearVocabs)
	if err != nil {
		return nil, err
	}
	// Small regions may hold fewer than KNearVocabs hot cells.
	k := m.Config.KNearVocabs
	for _, row := range near {
		k = min(k, len(row))
	}
	if k == 0 {
		return nil, errors.Wrap(region.ErrUnknownToken, "no hot cells near the targets")
	}
	c := &contrast{rows: len(targets), k: k, negatives: m.Config.NegativeSamples}
	for i := range near {
		c.near = append(c.near, near[i][:k]...)
		c.weights = append(c.weights, spatialWeights(dists[i][:k], m.Config.SpatialTemp)...)
	}
	c.negs = make([]int32, c.rows*k*c.negatives)
	for i := range c.negs {
		c.negs[i] = int32(rng.Intn(m.Config.VocabSize))
	}
	return c, nil
}

// spatialWeights is softmax(-d/temp): the closer the neighbour, the larger
// its weight.
func spatialWeights(dists []float64, temp float64) []float32 {
	best := math.Inf(1)
	for _, d := range dists {
		best = math.Min(best, d)
	}
	var total float64
	exp := make([]float64, len(dists))
	for i, d := range dists {
		exp[i] = math.Exp(-(d - best) / temp)
		total += exp[i]
	}
	w := make([]float32, len(dists))
	for i := range exp {
		w[i] = float32(exp[i] / total)
	}
	return w
}

// loss scores h [rows, D] against the frozen token embeddings:
// sum(-w * (pos - sum(exp(neg)))) / (rows * k).
func (c *contrast) loss(ctx *context.Context, m *Model, h *Node) *Node {
	g := h.Graph()
	d := h.Shape().Dimensions[1]
	table := StopGradient(m.Encoder.CellTable(ctx.In(encoderScope), g))

	near := Reshape(Gather(table, indexNode(g, c.near)), c.rows, c.k, d)
	pos := Einsum("bkd,bd->bk", near, h)
	negs := Reshape(Gather(table, indexNode(g, c.negs)), c.rows, c.k, c.negatives, d)
	neg := ReduceSum(Exp(Einsum("bknd,bd->bkn", negs, h)), -1)

	w := Reshape(Const(g, c.weights), c.rows, c.k)
	total := ReduceAllSum(Neg(Mul(w, Sub(pos, neg))))
	return DivScalar(total, float64(c.rows*c.k))
}

// pathLayout pads the augmentation paths of one view.
type pathLayout struct {
	nodes  []int32
	groups batch.Groups
}

func newPathLayout(paths [][]int32) pathLayout {
	var l pathLayout
	lengths := make([]int, len(paths))
	for i, p := range paths {
		l.nodes = append(l.nodes, p...)
		lengths[i] = len(p)
	}
	l.groups = batch.MustGroups(lengths)
	return l
}

// padded gathers the path nodes from nodes [V, D] as [N, width, D], zero
// past each path's end.
func (l pathLayout) padded(nodes *Node, width int) *Node {
	flat := Gather(nodes, indexNode(nodes.Graph(), l.nodes))
	return padRows(flat, l.groups.PadPositionsTo(width), l.groups.Len(), width)
}

// prototypes is the host side of the map-embedding loss. For every
// trajectory the anchor, positive and negative are the source nodes of its
// 1st, 5th and last traversed edge; each is represented by the mean node
// embedding of a sample of its graph neighbourhood.
type prototypes struct {
	rows    int
	members []int32
	segment []int32
	counts  []float32
	margin  float64
}

func (m *Model) newPrototypes(b *batch.Batch, rng *rand.Rand) (*prototypes, error) {
	n := b.NumTrajectories()
	neighbours := make([][]int32, b.NumNodes())
	for e := range b.Src {
		s, d := b.Src[e], b.Dst[e]
		neighbours[s] = append(neighbours[s], s, d)
		neighbours[d] = append(neighbours[d], s, d)
	}

	p := &prototypes{rows: 3 * n, counts: make([]float32, 3*n), margin: m.Config.TripletMargin}
	for i := 0; i < n; i++ {
		edges := b.TrajectoryEdges(i)
		if len(edges) < 5 {
			return nil, errors.Wrapf(batch.ErrInvariant, "trajectory %d traverses %d edges, map embedding needs 5", i, len(edges))
		}
		for role, e := range []int32{edges[0], edges[4], edges[len(edges)-1]} {
			node := b.Src[e]
			sample := distinct(neighbours[node])
			rng.Shuffle(len(sample), func(a, c int) { sample[a], sample[c] = sample[c], sample[a] })
			if len(sample) > m.Config.PrototypeNeighbors {
				sample = sample[:m.Config.PrototypeNeighbors]
			}
			row := int32(role*n + i)
			for _, v := range sample {
				p.members = append(p.members, v)
				p.segment = append(p.segment, row)
			}
			p.counts[row] = float32(len(sample))
		}
	}
	return p, nil
}

func distinct(nodes []int32) []int32 {
	seen := make(map[int32]bool, len(nodes))
	var out []int32
	for _, v := range nodes {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// loss is the triplet margin loss over the projected prototypes, averaged
// over trajectories.
func (p *prototypes) loss(ctx *context.Context, m *Model, nodes *Node) *Node {
	g := nodes.Graph()
	d := nodes.Shape().Dimensions[1]
	sums := ScatterSum(Zeros(g, shapes.Make(nodes.DType(), p.rows, d)), indexNode(g, p.segment),
		Gather(nodes, indexNode(g, p.members)), false, false)
	counts := BroadcastToDims(Reshape(Const(g, p.counts), p.rows, 1), p.rows, d)
	projected := m.MapEmbeddingHead.Apply(ctx, Div(sums, counts))

	n := p.rows / 3
	anchor := rowRange(projected, 0, n)
	pos := rowRange(projected, n, 2*n)
	neg := rowRange(projected, 2*n, 3*n)
	posDist := ReduceSum(Square(Sub(anchor, pos)), -1)
	negDist := ReduceSum(Square(Sub(anchor, neg)), -1)
	return ReduceAllMean(MaxScalar(AddScalar(Sub(posDist, negDist), p.margin), 0))
}

// crossEntropy is the mean softmax cross-entropy of logits [N, C] against
// integer labels.
func crossEntropy(logits *Node, labels []int32) *Node {
	target := Reshape(Const(logits.Graph(), labels), len(labels), 1)
	return losses.SparseCategoricalCrossEntropyLogits([]*Node{target}, []*Node{logits})
}
