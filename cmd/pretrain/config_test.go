package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/trajenc/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"model": {"hidden_size": 32, "aggr": "power"},
		"pretrain": {"weights": {"map_embedding": 0.5}},
		"synth": {"cells": 5}
	}`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	def := defaultFileConfig()

	assert.Equal(t, 32, cfg.Model.HiddenSize)
	assert.Equal(t, "power", cfg.Model.Aggregation)
	assert.Equal(t, def.Model.NumHiddenLayers, cfg.Model.NumHiddenLayers)
	assert.Equal(t, def.Grid, cfg.Grid)
	assert.Equal(t, def.Pretrain.LearningRate, cfg.Pretrain.LearningRate)
	assert.Equal(t, 0.5, cfg.Pretrain.Weights["map_embedding"])
	assert.Equal(t, 5, cfg.Synth.Cells)
	assert.Equal(t, def.Synth.MaxVisits, cfg.Synth.MaxVisits)

	c := &CLI{HiddenSize: 16, Aggregation: "softmax_sg"}
	c.applyOverrides(&cfg)
	assert.Equal(t, 16, cfg.Model.HiddenSize)
	assert.Equal(t, "softmax_sg", cfg.Model.Aggregation)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := loadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"synth": {"cells": 1}}`), 0644))
	_, err = loadConfig(bad)
	assert.Error(t, err)
}

func TestSynthPointsFillBlock(t *testing.T) {
	cfg := defaultFileConfig()
	points := synthPoints(cfg.Grid, 3, 4, rand.New(rand.NewSource(1)))

	grid, err := region.NewGrid(cfg.Grid, points)
	require.NoError(t, err)
	assert.Equal(t, 9, grid.NumHot())

	vocab, next := grid.HotCellGraph()
	require.Len(t, vocab, 9)
	links := 0
	for _, n := range next {
		links += len(n)
	}
	// A 3x3 block has 12 undirected 4-neighbour links.
	assert.Equal(t, 24, links)
}

func TestBuildObjectiveUnknown(t *testing.T) {
	_, err := buildObjective(nil, "reconstruction", nil, nil, false, nil)
	assert.Error(t, err)
}
