package main

import (
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var termColors = []color.RGBA{
	{R: 20, G: 80, B: 200, A: 255},
	{R: 200, G: 30, B: 30, A: 255},
	{R: 40, G: 140, B: 40, A: 255},
	{R: 200, G: 120, B: 20, A: 255},
	{R: 120, G: 40, B: 160, A: 255},
}

// plotLosses draws one line per loss term against the step number and
// saves it as losses.png in outDir.
func plotLosses(outDir string, curves map[string]plotter.XYs) (string, error) {
	p := plot.New()
	p.Title.Text = "Pretraining losses"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	terms := make([]string, 0, len(curves))
	for term := range curves {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for i, term := range terms {
		if len(curves[term]) == 0 {
			continue
		}
		line, err := plotter.NewLine(curves[term])
		if err != nil {
			return "", err
		}
		line.Color = termColors[i%len(termColors)]
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(term, line)
	}
	p.Legend.Top = true

	if err := ensureDir(outDir); err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, "losses.png")
	if err := p.Save(8*vg.Inch, 5*vg.Inch, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
