// Package batch holds the host side of a trajectory batch: a disjoint union
// of road graphs, the trajectories that walk them and the integer layouts the
// encoder needs to move between node rows and padded visit sequences.
package batch

import (
	"github.com/pkg/errors"
)

// ErrInvariant is returned (wrapped) when a batch's index vectors disagree
// with each other or point outside the graph.
var ErrInvariant = errors.New("batch invariant violated")

// Batch is one mini-batch of trajectories over their road graphs.
//
// Nodes of all graphs are numbered consecutively, so a Batch with several
// trajectories is a single graph with disconnected components.
type Batch struct {
	// Vocab is the hot-cell vocabulary id of every node, [V].
	Vocab []int32

	// Src and Dst are the directed edges, [E] each.
	Src []int32
	Dst []int32

	// EdgeLength is optional, [E] when present.
	EdgeLength []float32

	// EdgeAttr lists the edge ids traversed by each trajectory, in order,
	// concatenated over trajectories. EdgeAttrLen holds the per-trajectory
	// counts.
	EdgeAttr    []int32
	EdgeAttrLen []int

	// TMIndex is the node index of every visit, concatenated over
	// trajectories; TMLen is the number of visits per trajectory.
	TMIndex []int32
	TMLen   []int

	// TrajLen is the usable prefix of each trajectory's visits.
	TrajLen []int

	// Y holds the objective targets; its meaning depends on the objective
	// (destination node index, masked vocabulary id, position class or
	// permutation class).
	Y []int32
}

// NumNodes returns V.
func (b *Batch) NumNodes() int { return len(b.Vocab) }

// NumEdges returns E.
func (b *Batch) NumEdges() int { return len(b.Src) }

// NumTrajectories returns N.
func (b *Batch) NumTrajectories() int { return len(b.TMLen) }

// Validate checks every length and range invariant of the batch.
func (b *Batch) Validate() error {
	numNodes, numEdges := len(b.Vocab), len(b.Src)
	if numNodes == 0 {
		return errors.Wrap(ErrInvariant, "batch has no nodes")
	}
	if len(b.Dst) != numEdges {
		return errors.Wrapf(ErrInvariant, "edge lists differ in length: %d sources, %d destinations", numEdges, len(b.Dst))
	}
	if len(b.EdgeLength) != 0 && len(b.EdgeLength) != numEdges {
		return errors.Wrapf(ErrInvariant, "edge length has %d entries for %d edges", len(b.EdgeLength), numEdges)
	}
	for i := range b.Src {
		if !inRange(b.Src[i], numNodes) || !inRange(b.Dst[i], numNodes) {
			return errors.Wrapf(ErrInvariant, "edge %d (%d->%d) outside %d nodes", i, b.Src[i], b.Dst[i], numNodes)
		}
	}

	numTraj := len(b.TMLen)
	if numTraj == 0 {
		return errors.Wrap(ErrInvariant, "batch has no trajectories")
	}
	if len(b.TrajLen) != numTraj {
		return errors.Wrapf(ErrInvariant, "%d trajectory lengths for %d trajectories", len(b.TrajLen), numTraj)
	}
	if len(b.EdgeAttrLen) != numTraj {
		return errors.Wrapf(ErrInvariant, "%d edge attribute lengths for %d trajectories", len(b.EdgeAttrLen), numTraj)
	}

	if total, n := sum(b.TMLen), len(b.TMIndex); total != n {
		return errors.Wrapf(ErrInvariant, "visit lengths sum to %d, but there are %d visits", total, n)
	}
	if usable, total := sum(b.TrajLen), sum(b.TMLen); usable > total {
		return errors.Wrapf(ErrInvariant, "usable lengths sum to %d, more than the %d visits", usable, total)
	}
	for i := range b.TMLen {
		if b.TMLen[i] < 1 {
			return errors.Wrapf(ErrInvariant, "trajectory %d has no visits", i)
		}
		if b.TrajLen[i] < 1 || b.TrajLen[i] > b.TMLen[i] {
			return errors.Wrapf(ErrInvariant, "trajectory %d: usable length %d outside [1, %d]", i, b.TrajLen[i], b.TMLen[i])
		}
		if b.EdgeAttrLen[i] < 0 {
			return errors.Wrapf(ErrInvariant, "trajectory %d: negative edge attribute length", i)
		}
	}
	for i, node := range b.TMIndex {
		if !inRange(node, numNodes) {
			return errors.Wrapf(ErrInvariant, "visit %d points at node %d outside %d nodes", i, node, numNodes)
		}
	}

	if total, n := sum(b.EdgeAttrLen), len(b.EdgeAttr); total != n {
		return errors.Wrapf(ErrInvariant, "edge attribute lengths sum to %d, but there are %d entries", total, n)
	}
	for i, edge := range b.EdgeAttr {
		if !inRange(edge, numEdges) {
			return errors.Wrapf(ErrInvariant, "edge attribute %d points at edge %d outside %d edges", i, edge, numEdges)
		}
	}
	return nil
}

// Clone returns a deep copy, so objective builders can rewrite vocabularies
// or visit orders without touching the source batch.
func (b *Batch) Clone() *Batch {
	return &Batch{
		Vocab:       append([]int32(nil), b.Vocab...),
		Src:         append([]int32(nil), b.Src...),
		Dst:         append([]int32(nil), b.Dst...),
		EdgeLength:  append([]float32(nil), b.EdgeLength...),
		EdgeAttr:    append([]int32(nil), b.EdgeAttr...),
		EdgeAttrLen: append([]int(nil), b.EdgeAttrLen...),
		TMIndex:     append([]int32(nil), b.TMIndex...),
		TMLen:       append([]int(nil), b.TMLen...),
		TrajLen:     append([]int(nil), b.TrajLen...),
		Y:           append([]int32(nil), b.Y...),
	}
}

// Visits returns the visit groups of the batch (one group per trajectory,
// TMLen long).
func (b *Batch) Visits() Groups { return MustGroups(b.TMLen) }

// EdgeAttrGroups returns the per-trajectory groups of EdgeAttr.
func (b *Batch) EdgeAttrGroups() Groups { return MustGroups(b.EdgeAttrLen) }

// TrajectoryEdges returns the edge ids traversed by trajectory i.
func (b *Batch) TrajectoryEdges(i int) []int32 {
	g := b.EdgeAttrGroups()
	return b.EdgeAttr[g.Offsets[i] : g.Offsets[i]+g.Lengths[i]]
}

// TrajectoryVisits returns the node indices visited by trajectory i.
func (b *Batch) TrajectoryVisits(i int) []int32 {
	g := b.Visits()
	return b.TMIndex[g.Offsets[i] : g.Offsets[i]+g.Lengths[i]]
}

func inRange(idx int32, n int) bool { return idx >= 0 && int(idx) < n }

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
