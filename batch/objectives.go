package batch

import (
	"math/rand"

	"github.com/pkg/errors"
)

// WithDestination returns a copy of b whose Y holds, per trajectory, the
// node index of its final visit.
func WithDestination(b *Batch) (*Batch, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := b.Clone()
	out.Y = make([]int32, b.NumTrajectories())
	for i := range out.Y {
		visits := b.TrajectoryVisits(i)
		out.Y[i] = visits[len(visits)-1]
	}
	return out, nil
}

// MaskVisits returns a copy of b where one interior node of every
// trajectory has its vocabulary id replaced by maskToken. Y lists the
// original ids of the masked nodes in ascending node order, which is the
// order the encoder finds them in.
func MaskVisits(b *Batch, rng *rand.Rand, maskToken int32) (*Batch, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := b.Clone()
	type masked struct {
		node  int32
		vocab int32
	}
	var picks []masked
	for i := 0; i < b.NumTrajectories(); i++ {
		visits := b.TrajectoryVisits(i)
		if len(visits) < 3 {
			return nil, errors.Wrapf(ErrInvariant, "trajectory %d has %d visits, masking needs 3", i, len(visits))
		}
		var candidates []int32
		for _, node := range visits[1 : len(visits)-1] {
			if out.Vocab[node] != maskToken {
				candidates = append(candidates, node)
			}
		}
		if len(candidates) == 0 {
			return nil, errors.Wrapf(ErrInvariant, "trajectory %d has no maskable visit", i)
		}
		node := candidates[rng.Intn(len(candidates))]
		picks = append(picks, masked{node: node, vocab: out.Vocab[node]})
		out.Vocab[node] = maskToken
	}
	// Nodes are scanned by the model in index order.
	for i := 1; i < len(picks); i++ {
		for j := i; j > 0 && picks[j].node < picks[j-1].node; j-- {
			picks[j], picks[j-1] = picks[j-1], picks[j]
		}
	}
	out.Y = make([]int32, len(picks))
	for i, p := range picks {
		out.Y[i] = p.vocab
	}
	return out, nil
}

// AugmentationNodes returns, per trajectory, the nodes along its edge
// attribute: the source of every traversed edge followed by the destination
// of the last one.
func AugmentationNodes(b *Batch) ([][]int32, error) {
	out := make([][]int32, b.NumTrajectories())
	for i := range out {
		edges := b.TrajectoryEdges(i)
		if len(edges) == 0 {
			return nil, errors.Wrapf(ErrInvariant, "trajectory %d has no edge attribute", i)
		}
		nodes := make([]int32, 0, len(edges)+1)
		for _, e := range edges {
			nodes = append(nodes, b.Src[e])
		}
		nodes = append(nodes, b.Dst[edges[len(edges)-1]])
		out[i] = nodes
	}
	return out, nil
}

// Augment builds the two views of the augmentation objective. The right
// view replaces the vocabulary id at one position along each trajectory's
// edge attribute by a different id drawn from pool; both views carry that
// position as Y.
func Augment(b *Batch, rng *rand.Rand, pool []int32) (left, right *Batch, err error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	paths, err := AugmentationNodes(b)
	if err != nil {
		return nil, nil, err
	}
	left, right = b.Clone(), b.Clone()
	left.Y = make([]int32, len(paths))
	for i, path := range paths {
		pos := rng.Intn(len(path))
		node := path[pos]
		replacement, ok := drawDifferent(rng, pool, b.Vocab[node])
		if !ok {
			return nil, nil, errors.Errorf("vocabulary pool has no id other than %d", b.Vocab[node])
		}
		right.Vocab[node] = replacement
		left.Y[i] = int32(pos)
	}
	right.Y = append([]int32(nil), left.Y...)
	return left, right, nil
}

func drawDifferent(rng *rand.Rand, pool []int32, not int32) (int32, bool) {
	for attempt := 0; attempt < 32; attempt++ {
		if v := pool[rng.Intn(len(pool))]; v != not {
			return v, true
		}
	}
	for _, v := range pool {
		if v != not {
			return v, true
		}
	}
	return 0, false
}

// Permute builds the anchor, positive and negative batches of the
// permutation objective. The negative batch reorders the visits of every
// trajectory according to a class drawn in [0, classes): 0 keeps the order,
// 1 reverses it, c >= 2 rotates it by c-1 visits. The trajectory's edge
// attribute is reordered the same way; edges keep their direction. The
// class is the negative's Y.
func Permute(b *Batch, rng *rand.Rand, classes int) (anchor, positive, negative *Batch, err error) {
	if classes < 2 {
		return nil, nil, nil, errors.Errorf("permutation needs at least 2 classes, got %d", classes)
	}
	if err := b.Validate(); err != nil {
		return nil, nil, nil, err
	}
	anchor, positive, negative = b.Clone(), b.Clone(), b.Clone()
	negative.Y = make([]int32, b.NumTrajectories())
	visitGroups, edgeGroups := b.Visits(), b.EdgeAttrGroups()
	for i := range negative.Y {
		class := rng.Intn(classes)
		negative.Y[i] = int32(class)
		permute(negative.TMIndex[visitGroups.Offsets[i]:visitGroups.Offsets[i]+visitGroups.Lengths[i]], class)
		permute(negative.EdgeAttr[edgeGroups.Offsets[i]:edgeGroups.Offsets[i]+edgeGroups.Lengths[i]], class)
	}
	return anchor, positive, negative, nil
}

// permute reorders ids in place for a permutation class.
func permute(ids []int32, class int) {
	if len(ids) == 0 {
		return
	}
	switch {
	case class == 1:
		for l, r := 0, len(ids)-1; l < r; l, r = l+1, r-1 {
			ids[l], ids[r] = ids[r], ids[l]
		}
	case class >= 2:
		shift := (class - 1) % len(ids)
		rotated := append(append([]int32(nil), ids[shift:]...), ids[:shift]...)
		copy(ids, rotated)
	}
}
