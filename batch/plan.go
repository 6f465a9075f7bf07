package batch

import (
	"sort"

	"github.com/pkg/errors"
)

// SelfLoops returns the distinct node ids of tmIndex in ascending order; each
// one gets a self-loop edge before message passing.
func SelfLoops(tmIndex []int32) []int32 {
	seen := make(map[int32]struct{}, len(tmIndex))
	loops := make([]int32, 0, len(tmIndex))
	for _, node := range tmIndex {
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		loops = append(loops, node)
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i] < loops[j] })
	return loops
}

// DuplicateIndex records how repeated edge attributes were expanded into
// extra message rows. It is computed once, at the first message-passing
// layer, and handed unchanged to every later layer.
type DuplicateIndex struct {
	// BaseRows is the number of message rows before expansion.
	BaseRows int
	// Extra holds, for every appended row, the message row it copies.
	Extra []int32
	// Attr is the edge attribute with trailing duplicate occurrences
	// rewritten to point at the appended rows.
	Attr []int32
}

// Rows returns the number of message rows after expansion.
func (d *DuplicateIndex) Rows() int { return d.BaseRows + len(d.Extra) }

// Targets extends the destination list of the base rows with the
// destinations of the appended rows; a copy aggregates where its original
// does.
func (d *DuplicateIndex) Targets(dst []int32) []int32 {
	targets := make([]int32, 0, d.Rows())
	targets = append(targets, dst...)
	for _, row := range d.Extra {
		targets = append(targets, dst[row])
	}
	return targets
}

// ExpandDuplicates finds every edge id occurring k > 1 times in attr, adds
// k-1 extra rows for it and rewrites its trailing occurrences, last one
// first, to the extra rows baseRows, baseRows+1, ... so each occurrence of
// a repeated edge owns a distinct message row.
func ExpandDuplicates(attr []int32, baseRows int) (*DuplicateIndex, error) {
	counts := make(map[int32]int, len(attr))
	for _, edge := range attr {
		if edge < 0 || int(edge) >= baseRows {
			return nil, errors.Wrapf(ErrInvariant, "edge attribute %d outside %d message rows", edge, baseRows)
		}
		counts[edge]++
	}
	repeated := make([]int32, 0, len(counts))
	for edge, c := range counts {
		if c > 1 {
			repeated = append(repeated, edge)
		}
	}
	sort.Slice(repeated, func(i, j int) bool { return repeated[i] < repeated[j] })

	dup := &DuplicateIndex{BaseRows: baseRows, Attr: append([]int32(nil), attr...)}
	for _, edge := range repeated {
		for c := 1; c < counts[edge]; c++ {
			dup.Extra = append(dup.Extra, edge)
		}
	}
	for i, edge := range dup.Extra {
		for j := len(dup.Attr) - 1; j >= 0; j-- {
			if dup.Attr[j] == edge {
				dup.Attr[j] = int32(baseRows + i)
				break
			}
		}
	}
	return dup, nil
}

// Plan is every integer layout one forward pass over a Batch needs. It is
// built on the host once per batch; the graph only ever gathers with it.
type Plan struct {
	NumNodes        int
	NumTrajectories int
	Vocab           []int32

	// Src and Dst are the batch edges followed by one self-loop per visited
	// node.
	Src, Dst []int32
	// Visited are the distinct visited nodes, VisitedMask the same as a [V]
	// mask.
	Visited     []int32
	VisitedMask []bool

	EdgeAttr    []int32
	EdgeAttrLen []int

	TMIndex []int32
	TMLen   []int
	TrajLen []int

	// Visits groups TMIndex; VisitPad lays it out as [N, VisitWidth] and
	// VisitUnpad reads the real visits back out of that layout.
	Visits     Groups
	VisitWidth int
	VisitPad   []int32
	VisitUnpad []int32
	// VisitValid masks padding and pad-token visits, [N*VisitWidth].
	VisitValid []bool
	// LastVisit maps each node to the flat index of its last visit, or -1.
	LastVisit []int32

	// Usable groups the first TrajLen visits of every trajectory.
	Usable        Groups
	UsableWidth   int
	UsableFromSeq []int32 // slots of the [N, VisitWidth] layout holding usable visits
	UsablePad     []int32
	UsableUnpad   []int32
	UsableValid   []bool
	// LastUsable maps each node to the flat index of its last usable visit,
	// or -1.
	LastUsable []int32
	// FinalSlot is the slot of each trajectory's last usable step in the
	// [N, UsableWidth] layout.
	FinalSlot []int32
}

// NewPlan validates b and computes its layouts. Visits of padToken nodes are
// left out of the attention mask.
func NewPlan(b *Batch, padToken int32) (*Plan, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	p := &Plan{
		NumNodes:        b.NumNodes(),
		NumTrajectories: b.NumTrajectories(),
		Vocab:           b.Vocab,
		EdgeAttr:        b.EdgeAttr,
		EdgeAttrLen:     b.EdgeAttrLen,
		TMIndex:         b.TMIndex,
		TMLen:           b.TMLen,
		TrajLen:         b.TrajLen,
	}

	p.Visited = SelfLoops(b.TMIndex)
	p.VisitedMask = make([]bool, p.NumNodes)
	p.Src = append(append([]int32(nil), b.Src...), p.Visited...)
	p.Dst = append(append([]int32(nil), b.Dst...), p.Visited...)
	for _, node := range p.Visited {
		p.VisitedMask[node] = true
	}

	var err error
	p.Visits = b.Visits()
	p.VisitWidth = p.Visits.MaxLen
	p.VisitPad = p.Visits.PadPositions()
	if p.VisitUnpad, err = p.Visits.UnpadPositions(p.VisitWidth, b.TMLen); err != nil {
		return nil, err
	}
	p.VisitValid = p.Visits.Mask(p.VisitWidth, b.TMLen)
	for i := range b.TMLen {
		for t := 0; t < b.TMLen[i]; t++ {
			if b.Vocab[b.TMIndex[p.Visits.Offsets[i]+t]] == padToken {
				p.VisitValid[i*p.VisitWidth+t] = false
			}
		}
	}
	p.LastVisit = lastOccurrence(b.TMIndex, p.NumNodes)

	if p.Usable, err = NewGroups(b.TrajLen); err != nil {
		return nil, err
	}
	p.UsableWidth = p.Usable.MaxLen
	if p.UsableFromSeq, err = p.Visits.UnpadPositions(p.VisitWidth, b.TrajLen); err != nil {
		return nil, err
	}
	p.UsablePad = p.Usable.PadPositions()
	if p.UsableUnpad, err = p.Usable.UnpadPositions(p.UsableWidth, b.TrajLen); err != nil {
		return nil, err
	}
	p.UsableValid = p.Usable.Mask(p.UsableWidth, b.TrajLen)

	usableNodes := make([]int32, 0, p.Usable.Total)
	for i, l := range b.TrajLen {
		usableNodes = append(usableNodes, b.TMIndex[p.Visits.Offsets[i]:p.Visits.Offsets[i]+l]...)
	}
	p.LastUsable = lastOccurrence(usableNodes, p.NumNodes)

	p.FinalSlot = make([]int32, p.NumTrajectories)
	for i, l := range b.TrajLen {
		p.FinalSlot[i] = int32(i*p.UsableWidth + l - 1)
	}
	return p, nil
}

// lastOccurrence maps every node to the position of its final appearance in
// nodes, so writing rows back in order leaves the last visit's value.
func lastOccurrence(nodes []int32, numNodes int) []int32 {
	last := make([]int32, numNodes)
	for i := range last {
		last[i] = -1
	}
	for i, node := range nodes {
		last[node] = int32(i)
	}
	return last
}
