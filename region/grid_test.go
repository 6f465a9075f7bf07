package region

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var smallBounds = Bounds{MinLon: 0, MinLat: 0, MaxLon: 0.01, MaxLat: 0.01}

func repeat(p Point, n int) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func TestNewGridVocabulary(t *testing.T) {
	a, b, c := Point{0.0005, 0.0005}, Point{0.0025, 0.0005}, Point{0.0005, 0.0095}
	points := append(append(repeat(a, 3), repeat(b, 2)...), c, Point{1, 1})

	g, err := NewGrid(GridConfig{Bounds: smallBounds, MinHits: 2}, points)
	require.NoError(t, err)
	assert.Equal(t, 12, g.NumX())
	assert.Equal(t, 12, g.NumY())
	assert.Equal(t, 2, g.NumHot())
	assert.Equal(t, 4+2, g.VocabSize())

	cellA, ok := g.CellOf(a)
	require.True(t, ok)
	cellB, _ := g.CellOf(b)
	cellC, _ := g.CellOf(c)

	// Most hit first.
	v, ok := g.CellToVocab(cellA)
	require.True(t, ok)
	assert.Equal(t, int32(4), v)
	v, ok = g.CellToVocab(cellB)
	require.True(t, ok)
	assert.Equal(t, int32(5), v)
	_, ok = g.CellToVocab(cellC)
	assert.False(t, ok, "cell with one hit is cold")

	cell, ok := g.VocabToCell(5)
	require.True(t, ok)
	assert.Equal(t, cellB, cell)
	_, ok = g.VocabToCell(0)
	assert.False(t, ok, "special tokens have no cell")
	assert.Equal(t, 3, g.Hits(4))
}

func TestOffset(t *testing.T) {
	g, err := NewGrid(GridConfig{Bounds: smallBounds}, []Point{{0.0005, 0.0005}, {0.0025, 0.0095}})
	require.NoError(t, err)

	x, y := g.Offset(0)
	assert.Zero(t, x)
	assert.Zero(t, y)

	cell, _ := g.CellOf(Point{0.0025, 0.0095})
	v, _ := g.CellToVocab(cell)
	x, y = g.Offset(v)
	assert.InDelta(t, float64(cell%g.NumX())/float64(g.NumX()), float64(x), 1e-6)
	assert.InDelta(t, float64(cell/g.NumX())/float64(g.NumY()), float64(y), 1e-6)
}

func TestKNearest(t *testing.T) {
	a, b, c := Point{0.0005, 0.0005}, Point{0.0025, 0.0005}, Point{0.0005, 0.0095}
	points := append(append(repeat(a, 3), repeat(b, 2)...), c)
	g, err := NewGrid(GridConfig{Bounds: smallBounds}, points)
	require.NoError(t, err)

	cellA, _ := g.CellOf(a)
	cellB, _ := g.CellOf(b)
	near, dists, err := g.KNearest([]int{cellA}, 2)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, []int{cellA, cellB}, near[0])
	assert.Zero(t, dists[0][0])
	// Three 100m-ish cells apart.
	assert.InDelta(t, 3*92.8, dists[0][1], 15)

	// Only three cells are hot.
	near, dists, err = g.KNearest([]int{cellA}, 4)
	require.NoError(t, err)
	require.Len(t, near[0], g.NumHot())
	assert.Len(t, dists[0], g.NumHot())
	assert.Equal(t, cellA, near[0][0])
	_, _, err = g.KNearest([]int{cellA}, 0)
	assert.Error(t, err)
	_, _, err = g.KNearest([]int{-1}, 1)
	assert.Error(t, err)

	vocabs, vd, err := NearVocabs(g, []int32{5}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 4, 6}, vocabs[0])
	assert.True(t, vd[0][1] <= vd[0][2])

	_, _, err = NearVocabs(g, []int32{0}, 1)
	assert.True(t, errors.Is(err, ErrUnknownToken))
}

func TestHotCellGraph(t *testing.T) {
	row := []Point{{0.0005, 0.0005}, {0.0015, 0.0005}, {0.0020, 0.0005}}
	points := append(append(repeat(row[0], 3), repeat(row[1], 2)...), row[2], Point{0.0095, 0.0095})
	g, err := NewGrid(GridConfig{Bounds: smallBounds}, points)
	require.NoError(t, err)

	vocab, next := g.HotCellGraph()
	assert.Equal(t, []int32{4, 5, 6, 7}, vocab)
	// Hit counts 3, 2, 1, 1: the middle cell of the row is node 1.
	assert.ElementsMatch(t, []int{1}, next[0])
	assert.ElementsMatch(t, []int{0, 2}, next[1])
	assert.ElementsMatch(t, []int{1}, next[2])
	assert.Empty(t, next[3])
}

func TestTokenize(t *testing.T) {
	a, b := Point{0.0005, 0.0005}, Point{0.0025, 0.0005}
	g, err := NewGrid(GridConfig{Bounds: smallBounds}, append(repeat(a, 2), b))
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 4}, g.Tokenize([]Point{a, a, {5, 5}, b, {0.0095, 0.0095}, a}))
}

func TestNewGridErrors(t *testing.T) {
	_, err := NewGrid(GridConfig{Bounds: Bounds{MinLon: 1, MaxLon: 0, MinLat: 0, MaxLat: 1}}, nil)
	assert.Error(t, err)
	_, err = NewGrid(GridConfig{Bounds: smallBounds, MinHits: 5}, []Point{{0.0005, 0.0005}})
	assert.Error(t, err)
}

func TestReadPointsCSV(t *testing.T) {
	data := "id,Latitude,Longitude\n1,41.15,-8.61\n2,bad,-8.60\n3,41.16,-8.62\n"
	points, skipped, err := ReadPointsCSV(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []Point{{Lon: -8.61, Lat: 41.15}, {Lon: -8.62, Lat: 41.16}}, points)

	_, _, err = ReadPointsCSV(strings.NewReader("a,b\n1,2\n"))
	assert.Error(t, err)
}
