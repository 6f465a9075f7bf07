// Package region maps GPS points to a grid of cells and the frequently hit
// ("hot") cells to a token vocabulary. The encoder consumes it through the
// Region interface: vocabulary lookups, k-nearest hot cells and the
// normalized position of a token's cell.
package region

import (
	"github.com/pkg/errors"
)

// ErrUnknownToken is returned for vocabulary ids that do not name a hot cell.
var ErrUnknownToken = errors.New("token is not a hot cell")

// Region is the immutable spatial context of a model. Implementations must
// be safe for concurrent readers.
type Region interface {
	// VocabSize is the number of token ids, special tokens included.
	VocabSize() int

	// VocabToCell returns the grid cell of a hot-cell token.
	VocabToCell(vocab int32) (int, bool)

	// CellToVocab returns the token of a hot cell.
	CellToVocab(cell int) (int32, bool)

	// KNearest returns, for every cell, the k nearest hot cells (the cell
	// itself first when it is hot) and their distances in meters, ascending.
	// Rows are shorter than k only when the region holds fewer hot cells.
	KNearest(cells []int, k int) ([][]int, [][]float64, error)

	// Offset is the position of a token's cell normalized to [0, 1) on
	// each axis. Special tokens sit at (0, 0).
	Offset(vocab int32) (x, y float32)
}

// NearVocabs resolves the k nearest hot cells of every target token into
// tokens and distances. It is what the spatial contrastive losses consume.
func NearVocabs(r Region, targets []int32, k int) ([][]int32, [][]float64, error) {
	cells := make([]int, len(targets))
	for i, v := range targets {
		cell, ok := r.VocabToCell(v)
		if !ok {
			return nil, nil, errors.Wrapf(ErrUnknownToken, "target %d: token %d", i, v)
		}
		cells[i] = cell
	}
	near, dists, err := r.KNearest(cells, k)
	if err != nil {
		return nil, nil, err
	}
	vocabs := make([][]int32, len(near))
	for i, row := range near {
		vocabs[i] = make([]int32, len(row))
		for j, cell := range row {
			v, ok := r.CellToVocab(cell)
			if !ok {
				return nil, nil, errors.Errorf("nearest cell %d of target %d is not hot", cell, i)
			}
			vocabs[i][j] = v
		}
	}
	return vocabs, dists, nil
}
