package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Noofbiz/trajenc/batch"
	"github.com/Noofbiz/trajenc/region"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cellDeg is roughly one 100m cell in degrees near the equator.
const cellDeg = 0.0009

// testGrid is a 4x4 block of hot cells, tokens 4..19.
func testGrid(t *testing.T) *region.Grid {
	var points []region.Point
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			points = append(points, region.Point{Lon: (float64(x) + 0.5) * cellDeg, Lat: (float64(y) + 0.5) * cellDeg})
		}
	}
	g, err := region.NewGrid(region.GridConfig{
		Bounds: region.Bounds{MaxLon: 4.5 * cellDeg, MaxLat: 4.5 * cellDeg},
	}, points)
	require.NoError(t, err)
	require.Equal(t, 16, g.NumHot())
	return g
}

func testConfig() Config {
	return Config{
		HiddenSize:        8,
		NumHiddenLayers:   2,
		NumAttentionHeads: 2,
		KNearVocabs:       3,
		NegativeSamples:   4,
		PermClasses:       3,
	}
}

func testModel(t *testing.T) (*Model, *region.Grid) {
	grid := testGrid(t)
	m, err := New(testConfig(), grid)
	require.NoError(t, err)
	return m, grid
}

func synthBatch(t *testing.T, grid *region.Grid, n int, seed int64) *batch.Batch {
	roads, err := batch.NewRoads(grid.HotCellGraph())
	require.NoError(t, err)
	s, err := batch.NewSynthesizer(roads, seed)
	require.NoError(t, err)
	s.Holdout = 1
	b, err := s.Batch(n)
	require.NoError(t, err)
	return b
}

func TestNewTakesVocabularyFromRegion(t *testing.T) {
	m, grid := testModel(t)
	assert.Equal(t, grid.VocabSize(), m.Config.VocabSize)
	assert.Equal(t, 8, m.Config.HiddenSize)
	assert.Equal(t, DefaultConfig().NumTransformerLayers, m.Config.NumTransformerLayers)

	_, err := New(Config{VocabSize: 7}, grid)
	assert.True(t, errors.Is(err, ErrConfig), "vocab mismatch: %v", err)
	_, err = New(testConfig(), nil)
	assert.True(t, errors.Is(err, ErrConfig), "nil region: %v", err)
}

func TestEmbedFourNodes(t *testing.T) {
	m, _ := testModel(t)
	nodes, traj, err := m.Embed(newBackend(t), context.New(), fourNodes())
	require.NoError(t, err)

	require.Len(t, nodes, 4)
	for _, row := range nodes {
		require.Len(t, row, m.Config.HiddenSize)
	}
	requireFinite(t, nodes)
	require.Len(t, traj, 1)
	require.Len(t, traj[0], 3)
	requireFinite(t, traj[0])
}

func TestEmbedRejectsForeignTokens(t *testing.T) {
	m, _ := testModel(t)
	b := fourNodes()
	b.Vocab[2] = 99
	_, _, err := m.Embed(newBackend(t), context.New(), b)
	assert.True(t, errors.Is(err, batch.ErrInvariant), "got %v", err)
}

func TestEmbedTooLongTrajectory(t *testing.T) {
	grid := testGrid(t)
	cfg := testConfig()
	cfg.TrajPosMaxLen = 2
	m, err := New(cfg, grid)
	require.NoError(t, err)

	_, _, err = m.Embed(newBackend(t), context.New(), fourNodes())
	assert.True(t, errors.Is(err, ErrPositionOutOfRange), "got %v", err)
}

func TestObjectives(t *testing.T) {
	m, grid := testModel(t)
	backend := newBackend(t)
	ctx := context.New()
	rng := rand.New(rand.NewSource(5))
	b := synthBatch(t, grid, 3, 11)

	pool := make([]int32, 0, grid.NumHot())
	for v := 4; v < grid.VocabSize(); v++ {
		pool = append(pool, int32(v))
	}

	build := map[string]func() (*Objective, error){
		"destination": func() (*Objective, error) {
			d, err := batch.WithDestination(b)
			if err != nil {
				return nil, err
			}
			return m.Destination(d, rng)
		},
		"masked": func() (*Objective, error) {
			masked, err := batch.MaskVisits(b, rng, m.Config.MaskToken)
			if err != nil {
				return nil, err
			}
			return m.Masked(masked, rng)
		},
		"augmentation": func() (*Objective, error) {
			left, right, err := batch.Augment(b, rng, pool)
			if err != nil {
				return nil, err
			}
			return m.Augmentation(left, right, true, rng)
		},
		"permutation": func() (*Objective, error) {
			_, pos, neg, err := batch.Permute(b, rng, m.Config.PermClasses)
			if err != nil {
				return nil, err
			}
			return m.Permutation(pos, neg)
		},
	}

	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			obj, err := fn()
			require.NoError(t, err)
			assert.Equal(t, name, obj.Name)

			losses, err := m.Evaluate(backend, ctx, obj)
			require.NoError(t, err)
			require.Len(t, losses, len(obj.Terms))
			for _, term := range obj.Terms {
				v, ok := losses[term]
				require.True(t, ok, "missing term %s", term)
				assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "%s = %v", term, v)
			}
		})
	}
}

func TestObjectiveArgumentChecks(t *testing.T) {
	m, grid := testModel(t)
	rng := rand.New(rand.NewSource(1))
	b := synthBatch(t, grid, 2, 3)

	_, err := m.Destination(b, rng)
	assert.True(t, errors.Is(err, batch.ErrInvariant), "missing destinations: %v", err)

	_, err = m.Masked(b, rng)
	assert.True(t, errors.Is(err, batch.ErrInvariant), "nothing masked: %v", err)

	_, pos, neg, err := batch.Permute(b, rng, 2)
	require.NoError(t, err)
	neg.Y[0] = int32(m.Config.PermClasses)
	_, err = m.Permutation(pos, neg)
	assert.True(t, errors.Is(err, batch.ErrInvariant), "class out of range: %v", err)

	short := fourNodes()
	short.Y = []int32{0}
	_, err = m.Augmentation(short, short.Clone(), true, rng)
	assert.True(t, errors.Is(err, batch.ErrInvariant), "too few edges for map embedding: %v", err)
}

func TestSpatialWeights(t *testing.T) {
	w := spatialWeights([]float64{0, 100, 300}, 100)
	var total float32
	for _, v := range w {
		total += v
	}
	assert.InDelta(t, 1, total, 1e-6)
	assert.Greater(t, w[0], w[1])
	assert.Greater(t, w[1], w[2])
	assert.InDelta(t, math.Exp(-1), float64(w[1]/w[0]), 1e-5)
}

func TestContrastClampsToHotCells(t *testing.T) {
	grid := testGrid(t)
	cfg := testConfig()
	cfg.KNearVocabs = 40
	m, err := New(cfg, grid)
	require.NoError(t, err)

	targets := []int32{4, 9}
	c, err := m.newContrast(targets, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, grid.NumHot(), c.k)
	assert.Len(t, c.near, len(targets)*grid.NumHot())
	assert.Len(t, c.weights, len(targets)*grid.NumHot())
	assert.Len(t, c.negs, len(targets)*grid.NumHot()*cfg.NegativeSamples)
	// The target's own cell comes first.
	assert.Equal(t, int32(4), c.near[0])
	assert.Equal(t, int32(9), c.near[grid.NumHot()])
}
