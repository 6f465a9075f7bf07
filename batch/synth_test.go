package batch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ring is a bidirectional cycle of n road nodes with vocabulary ids 4, 5, ...
func ring(t *testing.T, n int) *Roads {
	vocab := make([]int32, n)
	next := make([][]int, n)
	for i := range vocab {
		vocab[i] = int32(4 + i)
		next[i] = []int{(i + 1) % n, (i + n - 1) % n}
	}
	roads, err := NewRoads(vocab, next)
	require.NoError(t, err)
	return roads
}

func TestSynthesizerBatch(t *testing.T) {
	s, err := NewSynthesizer(ring(t, 7), 42)
	require.NoError(t, err)
	s.Holdout = 2

	b, err := s.Batch(5)
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	require.Equal(t, 5, b.NumTrajectories())

	for i := 0; i < b.NumTrajectories(); i++ {
		visits := b.TrajectoryVisits(i)
		edges := b.TrajectoryEdges(i)
		assert.GreaterOrEqual(t, len(visits), s.MinVisits)
		assert.LessOrEqual(t, len(visits), s.MaxVisits)
		assert.Equal(t, len(visits)-1, len(edges))
		assert.Equal(t, len(visits)-2, b.TrajLen[i])
		for step, e := range edges {
			assert.Equal(t, visits[step], b.Src[e], "trajectory %d step %d", i, step)
			assert.Equal(t, visits[step+1], b.Dst[e], "trajectory %d step %d", i, step)
		}
	}
}

func TestNewSynthesizerHoldsOutDestination(t *testing.T) {
	s, err := NewSynthesizer(ring(t, 7), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Holdout)

	b, err := s.Batch(4)
	require.NoError(t, err)
	for i := 0; i < b.NumTrajectories(); i++ {
		assert.Equal(t, len(b.TrajectoryVisits(i))-1, b.TrajLen[i], "trajectory %d", i)
	}
}

func TestSynthesizerDeterministic(t *testing.T) {
	a, err := NewSynthesizer(ring(t, 9), 7)
	require.NoError(t, err)
	b, err := NewSynthesizer(ring(t, 9), 7)
	require.NoError(t, err)

	ba, err := a.Batch(4)
	require.NoError(t, err)
	bb, err := b.Batch(4)
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestNewRoadsRejectsBadLinks(t *testing.T) {
	_, err := NewRoads([]int32{4, 5}, [][]int{{1}, {2}})
	assert.Error(t, err)
	_, err = NewRoads([]int32{4, 5}, [][]int{{1}})
	assert.Error(t, err)
}

func TestObjectiveBuilders(t *testing.T) {
	roads := ring(t, 11)
	s, err := NewSynthesizer(roads, 3)
	require.NoError(t, err)
	b, err := s.Batch(3)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	t.Run("destination", func(t *testing.T) {
		d, err := WithDestination(b)
		require.NoError(t, err)
		for i, y := range d.Y {
			visits := b.TrajectoryVisits(i)
			assert.Equal(t, visits[len(visits)-1], y)
		}
		assert.Empty(t, b.Y, "source batch must not change")
	})

	t.Run("masked", func(t *testing.T) {
		const maskToken = 3
		m, err := MaskVisits(b, rng, maskToken)
		require.NoError(t, err)
		var masked []int32
		for node, v := range m.Vocab {
			if v == maskToken {
				masked = append(masked, int32(node))
			}
		}
		require.Len(t, masked, 3)
		require.Len(t, m.Y, 3)
		for i, node := range masked {
			assert.Equal(t, b.Vocab[node], m.Y[i])
		}
	})

	t.Run("augment", func(t *testing.T) {
		left, right, err := Augment(b, rng, roads.Vocab)
		require.NoError(t, err)
		paths, err := AugmentationNodes(b)
		require.NoError(t, err)
		for i, pos := range left.Y {
			node := paths[i][pos]
			assert.NotEqual(t, left.Vocab[node], right.Vocab[node])
		}
		assert.Equal(t, left.Y, right.Y)
	})

	t.Run("permute", func(t *testing.T) {
		anchor, positive, negative, err := Permute(b, rng, 3)
		require.NoError(t, err)
		assert.Equal(t, b.TMIndex, anchor.TMIndex)
		assert.Equal(t, b.TMIndex, positive.TMIndex)
		require.NoError(t, negative.Validate())
		for i, class := range negative.Y {
			assert.True(t, class >= 0 && class < 3)
			orig, perm := b.TrajectoryVisits(i), negative.TrajectoryVisits(i)
			if class == 1 {
				assert.Equal(t, orig[0], perm[len(perm)-1])
			}
			if class == 0 {
				assert.Equal(t, orig, perm)
			}

			origEdges, permEdges := b.TrajectoryEdges(i), negative.TrajectoryEdges(i)
			want := append([]int32(nil), origEdges...)
			permute(want, int(class))
			assert.Equal(t, want, permEdges, "trajectory %d class %d", i, class)
		}
		assert.Equal(t, b.EdgeAttr, anchor.EdgeAttr)
	})
}

func TestPermuteClasses(t *testing.T) {
	cases := map[int][]int32{
		0: {1, 2, 3, 4},
		1: {4, 3, 2, 1},
		2: {2, 3, 4, 1},
		3: {3, 4, 1, 2},
		5: {1, 2, 3, 4},
	}
	for class, want := range cases {
		ids := []int32{1, 2, 3, 4}
		permute(ids, class)
		assert.Equal(t, want, ids, "class %d", class)
	}
	permute(nil, 2)
}
