package main

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"

	"github.com/Noofbiz/trajenc/model"
	"github.com/Noofbiz/trajenc/pretrain"
	"github.com/Noofbiz/trajenc/region"
	"github.com/pkg/errors"
)

// fileConfig is the JSON configuration file. Every section starts from its
// package defaults; keys present in the file replace them.
type fileConfig struct {
	Model    model.Config      `json:"model"`
	Grid     region.GridConfig `json:"grid"`
	Pretrain pretrain.Config   `json:"pretrain"`
	Synth    synthConfig       `json:"synth"`
}

// synthConfig shapes the generated region and trajectories.
type synthConfig struct {
	// Cells is the side of the square block of hot cells generated when no
	// points file is given.
	Cells int `json:"cells"`
	// MaxHits bounds the points generated per cell.
	MaxHits   int `json:"max_hits"`
	MinVisits int `json:"min_visits"`
	MaxVisits int `json:"max_visits"`
	Holdout   int `json:"holdout"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Model:    model.DefaultConfig(),
		Grid:     region.DefaultGridConfig(),
		Pretrain: pretrain.DefaultConfig(),
		Synth: synthConfig{
			Cells:     8,
			MaxHits:   20,
			MinVisits: 8,
			MaxVisits: 16,
			Holdout:   1,
		},
	}
}

// loadConfig overlays the JSON file at path, if any, on the defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if cfg.Synth.Cells < 2 {
		return cfg, errors.Errorf("synth.cells must be at least 2, got %d", cfg.Synth.Cells)
	}
	return cfg, nil
}

// metersPerDegree is the length of one degree of latitude.
const metersPerDegree = math.Pi / 180 * 6371007

// synthPoints scatters points over a cells x cells block at the south-west
// corner of the grid bounds, between 1 and maxHits per cell.
func synthPoints(grid region.GridConfig, cells, maxHits int, rng *rand.Rand) []region.Point {
	lat0, lon0 := grid.MinLat, grid.MinLon
	latStep := grid.YStep / metersPerDegree
	lonStep := grid.XStep / (metersPerDegree * math.Cos(lat0*math.Pi/180))

	var points []region.Point
	for y := 0; y < cells; y++ {
		for x := 0; x < cells; x++ {
			hits := 1 + rng.Intn(maxHits)
			for i := 0; i < hits; i++ {
				// Stay in the middle of the cell so rounding never moves a
				// point to a neighbour.
				dx, dy := 0.25+0.5*rng.Float64(), 0.25+0.5*rng.Float64()
				points = append(points, region.Point{
					Lon: lon0 + (float64(x)+dx)*lonStep,
					Lat: lat0 + (float64(y)+dy)*latStep,
				})
			}
		}
	}
	return points
}
