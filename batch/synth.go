package batch

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Roads is a directed road network over hot-cell vocabulary ids. Node i of
// the network carries vocabulary id Vocab[i]; Next[i] lists the nodes
// reachable from it in one step.
type Roads struct {
	Vocab []int32
	Next  [][]int
}

// NewRoads checks the adjacency lists and returns the network.
func NewRoads(vocab []int32, next [][]int) (*Roads, error) {
	if len(vocab) == 0 {
		return nil, errors.New("road network has no nodes")
	}
	if len(next) != len(vocab) {
		return nil, errors.Errorf("adjacency has %d lists for %d nodes", len(next), len(vocab))
	}
	for i, list := range next {
		for _, j := range list {
			if j < 0 || j >= len(vocab) {
				return nil, errors.Errorf("node %d links to %d outside %d nodes", i, j, len(vocab))
			}
		}
	}
	return &Roads{Vocab: vocab, Next: next}, nil
}

// Synthesizer draws random-walk trajectories over a road network and packs
// them into batches: every trajectory brings its own sub-graph, made of the
// nodes it visits and the road links between them.
type Synthesizer struct {
	Roads *Roads

	// MinVisits and MaxVisits bound the walk length, in visits.
	MinVisits int
	MaxVisits int

	// Holdout visits at the end of each walk are excluded from TrajLen.
	Holdout int

	rng *rand.Rand
}

// NewSynthesizer creates a Synthesizer with a seeded generator. The walk
// bounds are long enough for every objective (map-embedding needs five
// edges per trajectory) and the final visit is held out, so the encoder
// never sees the destination it is asked to predict.
func NewSynthesizer(roads *Roads, seed int64) (*Synthesizer, error) {
	if roads == nil {
		return nil, errors.New("roads cannot be nil")
	}
	return &Synthesizer{
		Roads:     roads,
		MinVisits: 8,
		MaxVisits: 16,
		Holdout:   1,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

type walk struct {
	nodes []int // road node of each visit
}

// Batch draws n trajectories. Y is left empty; the objective builders fill
// it in.
func (s *Synthesizer) Batch(n int) (*Batch, error) {
	if n < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", n)
	}
	if s.MinVisits < 2 || s.MaxVisits < s.MinVisits {
		return nil, errors.Errorf("invalid walk bounds [%d, %d]", s.MinVisits, s.MaxVisits)
	}

	// Seeds come from the shared generator serially, walks run in parallel.
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = s.rng.Int63()
	}
	walks := make([]walk, n)
	workerCount := runtime.NumCPU()
	if workerCount > n {
		workerCount = n
	}
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				rng := rand.New(rand.NewSource(seeds[i]))
				length := s.MinVisits + rng.Intn(s.MaxVisits-s.MinVisits+1)
				walks[i] = s.walk(rng, length)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	b := &Batch{}
	for _, w := range walks {
		if len(w.nodes) < 2 {
			return nil, errors.New("road network has a dead end at every start tried")
		}
		s.appendWalk(b, w)
	}
	return b, b.Validate()
}

// walk follows random road links for length visits, retrying from a new
// start when it runs into a dead end before its second visit.
func (s *Synthesizer) walk(rng *rand.Rand, length int) walk {
	var w walk
	for attempt := 0; attempt < 16 && len(w.nodes) < 2; attempt++ {
		cur := rng.Intn(len(s.Roads.Vocab))
		w.nodes = append(w.nodes[:0], cur)
		for len(w.nodes) < length {
			next := s.Roads.Next[cur]
			if len(next) == 0 {
				break
			}
			cur = next[rng.Intn(len(next))]
			w.nodes = append(w.nodes, cur)
		}
	}
	return w
}

func (s *Synthesizer) appendWalk(b *Batch, w walk) {
	base := int32(len(b.Vocab))
	local := make(map[int]int32)
	for _, node := range w.nodes {
		if _, ok := local[node]; !ok {
			local[node] = base + int32(len(local))
			b.Vocab = append(b.Vocab, s.Roads.Vocab[node])
		}
	}

	// Edges are every road link between visited nodes, in first-visit order
	// of their source.
	edgeOf := make(map[[2]int32]int32)
	seen := make(map[int]bool)
	for _, node := range w.nodes {
		if seen[node] {
			continue
		}
		seen[node] = true
		for _, next := range s.Roads.Next[node] {
			dst, ok := local[next]
			if !ok {
				continue
			}
			key := [2]int32{local[node], dst}
			if _, dup := edgeOf[key]; dup {
				continue
			}
			edgeOf[key] = int32(len(b.Src))
			b.Src = append(b.Src, key[0])
			b.Dst = append(b.Dst, key[1])
			b.EdgeLength = append(b.EdgeLength, 1)
		}
	}

	for t, node := range w.nodes {
		b.TMIndex = append(b.TMIndex, local[node])
		if t > 0 {
			b.EdgeAttr = append(b.EdgeAttr, edgeOf[[2]int32{local[w.nodes[t-1]], local[node]}])
		}
	}
	b.TMLen = append(b.TMLen, len(w.nodes))
	b.EdgeAttrLen = append(b.EdgeAttrLen, len(w.nodes)-1)
	usable := len(w.nodes) - s.Holdout
	if usable < 1 {
		usable = 1
	}
	b.TrajLen = append(b.TrajLen, usable)
}
