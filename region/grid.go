package region

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/golang/geo/s2"
	"github.com/pkg/errors"
)

const earthRadiusM = 6371007

// Point is a GPS fix.
type Point struct {
	Lon float64
	Lat float64
}

// Bounds is a lon/lat rectangle.
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Contains reports whether p lies inside b.
func (b Bounds) Contains(p Point) bool {
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon && p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}

// GridConfig describes the grid and its vocabulary. Zero fields take
// DefaultGridConfig values.
type GridConfig struct {
	Bounds

	// XStep and YStep are the cell sizes in meters.
	XStep float64 `json:"x_step"`
	YStep float64 `json:"y_step"`

	// MinHits is how many points a cell needs to become hot.
	MinHits int `json:"min_hits"`

	// VocabStart is the first hot-cell token; smaller ids are special
	// tokens (pad, begin, end, mask).
	VocabStart int `json:"vocab_start"`

	// MaxVocab caps the number of hot cells, most hit first. 0 keeps all.
	MaxVocab int `json:"max_vocab"`
}

// DefaultGridConfig covers Porto with 100m cells.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Bounds:     Bounds{MinLon: -8.735152, MinLat: 40.953673, MaxLon: -8.156309, MaxLat: 41.307945},
		XStep:      100,
		YStep:      100,
		MinHits:    1,
		VocabStart: 4,
	}
}

func (c GridConfig) withDefaults() GridConfig {
	d := DefaultGridConfig()
	if c.Bounds == (Bounds{}) {
		c.Bounds = d.Bounds
	}
	if c.XStep == 0 {
		c.XStep = d.XStep
	}
	if c.YStep == 0 {
		c.YStep = d.YStep
	}
	if c.MinHits == 0 {
		c.MinHits = d.MinHits
	}
	if c.VocabStart == 0 {
		c.VocabStart = d.VocabStart
	}
	return c
}

// Grid is a rectangular cell grid with a hot-cell vocabulary and an R-tree
// over the hot cells. It is immutable once built.
type Grid struct {
	cfg        GridConfig
	numX, numY int

	hot     []int         // token - VocabStart -> cell
	vocabOf map[int]int32 // cell -> token
	hits    []int         // per hot cell, same order as hot
	tree    *rtreego.Rtree
}

type hotCell struct {
	cell int
	x, y float64 // cell center in meters from the grid origin
}

func (h *hotCell) Bounds() rtreego.Rect {
	return rtreego.Point{h.x, h.y}.ToRect(0.01)
}

// NewGrid builds the grid and counts points per cell to pick the hot cells.
// Points outside the bounds are ignored.
func NewGrid(cfg GridConfig, points []Point) (*Grid, error) {
	cfg = cfg.withDefaults()
	b := cfg.Bounds
	if b.MaxLon <= b.MinLon || b.MaxLat <= b.MinLat {
		return nil, errors.Errorf("empty bounds %+v", b)
	}
	if cfg.XStep < 0 || cfg.YStep < 0 || cfg.MinHits < 0 || cfg.VocabStart < 0 || cfg.MaxVocab < 0 {
		return nil, errors.Errorf("negative grid parameter in %+v", cfg)
	}

	width := geodesic(b.MinLat, b.MinLon, b.MinLat, b.MaxLon)
	height := geodesic(b.MinLat, b.MinLon, b.MaxLat, b.MinLon)
	g := &Grid{
		cfg:     cfg,
		numX:    int(math.Ceil(width / cfg.XStep)),
		numY:    int(math.Ceil(height / cfg.YStep)),
		vocabOf: make(map[int]int32),
	}

	counts := make(map[int]int)
	for _, p := range points {
		if cell, ok := g.CellOf(p); ok {
			counts[cell]++
		}
	}
	type cellHits struct{ cell, hits int }
	var ranked []cellHits
	for cell, n := range counts {
		if n >= cfg.MinHits {
			ranked = append(ranked, cellHits{cell, n})
		}
	}
	if len(ranked) == 0 {
		return nil, errors.Errorf("no cell reaches %d hits among %d points", cfg.MinHits, len(points))
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].hits != ranked[j].hits {
			return ranked[i].hits > ranked[j].hits
		}
		return ranked[i].cell < ranked[j].cell
	})
	if cfg.MaxVocab > 0 && len(ranked) > cfg.MaxVocab {
		ranked = ranked[:cfg.MaxVocab]
	}

	g.tree = rtreego.NewTree(2, 25, 50)
	for i, r := range ranked {
		g.hot = append(g.hot, r.cell)
		g.hits = append(g.hits, r.hits)
		g.vocabOf[r.cell] = int32(cfg.VocabStart + i)
		x, y := g.cellXY(r.cell)
		g.tree.Insert(&hotCell{cell: r.cell, x: (float64(x) + 0.5) * cfg.XStep, y: (float64(y) + 0.5) * cfg.YStep})
	}
	return g, nil
}

// NumX and NumY are the grid dimensions in cells.
func (g *Grid) NumX() int { return g.numX }
func (g *Grid) NumY() int { return g.numY }

// NumHot is the number of hot cells.
func (g *Grid) NumHot() int { return len(g.hot) }

// CellOf returns the cell containing p.
func (g *Grid) CellOf(p Point) (int, bool) {
	b := g.cfg.Bounds
	if !b.Contains(p) {
		return 0, false
	}
	x := int((p.Lon - b.MinLon) / (b.MaxLon - b.MinLon) * float64(g.numX))
	y := int((p.Lat - b.MinLat) / (b.MaxLat - b.MinLat) * float64(g.numY))
	x = min(x, g.numX-1)
	y = min(y, g.numY-1)
	return y*g.numX + x, true
}

// Center returns the lon/lat center of a cell.
func (g *Grid) Center(cell int) Point {
	b := g.cfg.Bounds
	x, y := g.cellXY(cell)
	return Point{
		Lon: b.MinLon + (float64(x)+0.5)*(b.MaxLon-b.MinLon)/float64(g.numX),
		Lat: b.MinLat + (float64(y)+0.5)*(b.MaxLat-b.MinLat)/float64(g.numY),
	}
}

// Tokenize maps a GPS trace to tokens, dropping points outside the bounds or
// in cold cells and collapsing consecutive repeats.
func (g *Grid) Tokenize(trace []Point) []int32 {
	var tokens []int32
	for _, p := range trace {
		cell, ok := g.CellOf(p)
		if !ok {
			continue
		}
		v, ok := g.vocabOf[cell]
		if !ok {
			continue
		}
		if n := len(tokens); n > 0 && tokens[n-1] == v {
			continue
		}
		tokens = append(tokens, v)
	}
	return tokens
}

func (g *Grid) VocabSize() int { return g.cfg.VocabStart + len(g.hot) }

func (g *Grid) VocabToCell(vocab int32) (int, bool) {
	i := int(vocab) - g.cfg.VocabStart
	if i < 0 || i >= len(g.hot) {
		return 0, false
	}
	return g.hot[i], true
}

func (g *Grid) CellToVocab(cell int) (int32, bool) {
	v, ok := g.vocabOf[cell]
	return v, ok
}

func (g *Grid) Offset(vocab int32) (x, y float32) {
	cell, ok := g.VocabToCell(vocab)
	if !ok {
		return 0, 0
	}
	cx, cy := g.cellXY(cell)
	return float32(cx) / float32(g.numX), float32(cy) / float32(g.numY)
}

// KNearest searches the R-tree by planar distance between cell centers and
// reports geodesic distances, re-sorted so ties resolve by cell id. A k
// above the number of hot cells returns every hot cell.
func (g *Grid) KNearest(cells []int, k int) ([][]int, [][]float64, error) {
	if k < 1 {
		return nil, nil, errors.Errorf("k=%d must be positive", k)
	}
	k = min(k, len(g.hot))
	near := make([][]int, len(cells))
	dists := make([][]float64, len(cells))
	for i, cell := range cells {
		if cell < 0 || cell >= g.numX*g.numY {
			return nil, nil, errors.Errorf("cell %d outside the %dx%d grid", cell, g.numX, g.numY)
		}
		x, y := g.cellXY(cell)
		query := rtreego.Point{(float64(x) + 0.5) * g.cfg.XStep, (float64(y) + 0.5) * g.cfg.YStep}
		found := g.tree.NearestNeighbors(k, query)
		from := g.Center(cell)
		type hit struct {
			cell int
			dist float64
		}
		hits := make([]hit, len(found))
		for j, s := range found {
			h := s.(*hotCell)
			to := g.Center(h.cell)
			hits[j] = hit{cell: h.cell, dist: geodesic(from.Lat, from.Lon, to.Lat, to.Lon)}
		}
		sort.Slice(hits, func(a, b int) bool {
			if hits[a].dist != hits[b].dist {
				return hits[a].dist < hits[b].dist
			}
			return hits[a].cell < hits[b].cell
		})
		near[i] = make([]int, len(hits))
		dists[i] = make([]float64, len(hits))
		for j, h := range hits {
			near[i][j], dists[i][j] = h.cell, h.dist
		}
	}
	return near, dists, nil
}

// HotCellGraph links every hot cell to its hot 4-neighbours. Node i of the
// result is the hot cell with token VocabStart+i.
func (g *Grid) HotCellGraph() (vocab []int32, next [][]int) {
	index := make(map[int]int, len(g.hot))
	for i, cell := range g.hot {
		index[cell] = i
	}
	vocab = make([]int32, len(g.hot))
	next = make([][]int, len(g.hot))
	for i, cell := range g.hot {
		vocab[i] = int32(g.cfg.VocabStart + i)
		x, y := g.cellXY(cell)
		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= g.numX || ny >= g.numY {
				continue
			}
			if j, ok := index[ny*g.numX+nx]; ok {
				next[i] = append(next[i], j)
			}
		}
	}
	return vocab, next
}

func (g *Grid) cellXY(cell int) (int, int) { return cell % g.numX, cell / g.numX }

// geodesic returns the great-circle distance in meters.
func geodesic(lat1, lon1, lat2, lon2 float64) float64 {
	return s2.LatLngFromDegrees(lat1, lon1).Distance(s2.LatLngFromDegrees(lat2, lon2)).Radians() * earthRadiusM
}

// Hits returns how many points fell into a token's cell.
func (g *Grid) Hits(vocab int32) int {
	i := int(vocab) - g.cfg.VocabStart
	if i < 0 || i >= len(g.hits) {
		return 0
	}
	return g.hits[i]
}

var _ Region = (*Grid)(nil)
