// Command pretrain builds a region from GPS points (or a synthetic block of
// cells), draws random-walk trajectory batches over its hot-cell graph and
// runs the pretraining objectives of the trajectory encoder, plotting the
// loss curves when done.
package main

import (
	"flag"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Noofbiz/trajenc/batch"
	"github.com/Noofbiz/trajenc/model"
	"github.com/Noofbiz/trajenc/pretrain"
	"github.com/Noofbiz/trajenc/region"
	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/plot/plotter"
	"k8s.io/klog/v2"
)

// CLI is the command line. Flags left at zero keep the value from the
// config file, or the default.
type CLI struct {
	Config string `short:"c" type:"existingfile" help:"JSON config with model, grid, pretrain and synth sections."`
	Points string `type:"existingfile" help:"CSV of lon/lat points to build the region from. A synthetic block is used when empty."`
	Out    string `default:"plots" help:"Directory for the loss curve."`

	Steps        int      `default:"50" help:"Optimizer steps to run."`
	BatchSize    int      `default:"8" help:"Trajectories per batch."`
	Seed         int64    `help:"Random seed. 0 picks one from the clock."`
	Objectives   []string `default:"destination,masked,augmentation,permutation" help:"Objectives to cycle through: destination, masked, augmentation, permutation."`
	MapEmbedding bool     `help:"Add the map-embedding loss to the augmentation objective."`

	LearningRate float64 `help:"Overrides pretrain.learning_rate."`
	HiddenSize   int     `help:"Overrides model.hidden_size."`
	Layers       int     `help:"Overrides model.num_hidden_layers."`
	Aggregation  string  `help:"Overrides model.aggr: softmax, softmax_sg or power."`

	MetricsAddr string `help:"Serve prometheus metrics on this address while training, e.g. :9090."`
	Verbosity   int    `short:"v" help:"klog verbosity; 1 logs every step."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pretrain"),
		kong.Description("Pretrain the trajectory encoder on synthetic walks over a region."),
		kong.UsageOnError(),
	)
	setVerbosity(cli.Verbosity)
	defer klog.Flush()

	if err := cli.Run(); err != nil {
		klog.Errorf("pretrain: %+v", err)
		klog.Flush()
		kctx.Exit(1)
	}
}

func setVerbosity(v int) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	_ = fs.Set("v", strconv.Itoa(v))
}

// Run executes the command.
func (c *CLI) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	c.applyOverrides(&cfg)
	if len(c.Objectives) == 0 || c.BatchSize < 1 {
		return errors.Errorf("need at least one objective and a positive batch size")
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(c.Seed))
	klog.Infof("seed %d", c.Seed)

	grid, err := c.buildGrid(cfg, rng)
	if err != nil {
		return err
	}
	roads, err := batch.NewRoads(grid.HotCellGraph())
	if err != nil {
		return err
	}
	synth, err := batch.NewSynthesizer(roads, rng.Int63())
	if err != nil {
		return err
	}
	synth.MinVisits, synth.MaxVisits, synth.Holdout = cfg.Synth.MinVisits, cfg.Synth.MaxVisits, cfg.Synth.Holdout

	m, err := model.New(cfg.Model, grid)
	if err != nil {
		return err
	}
	klog.Infof("model: hidden %d, %d fused layers, %s aggregation, vocabulary %s",
		m.Config.HiddenSize, m.Config.NumHiddenLayers, m.Config.Aggregation, humanize.Comma(int64(m.Config.VocabSize)))

	backend, err := simplego.New("")
	if err != nil {
		return errors.Wrap(err, "creating simplego backend")
	}
	reg := prometheus.NewRegistry()
	trainer, err := pretrain.New(m, backend, cfg.Pretrain, reg)
	if err != nil {
		return err
	}
	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, reg)
	}

	curves := make(map[string]plotter.XYs)
	pool := roads.Vocab
	start := time.Now()
	for step := 0; step < c.Steps; step++ {
		name := c.Objectives[step%len(c.Objectives)]
		b, err := synth.Batch(c.BatchSize)
		if err != nil {
			return err
		}
		obj, err := buildObjective(m, name, b, pool, c.MapEmbedding, rng)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		losses, err := trainer.Step(obj)
		if err != nil {
			return err
		}
		for term, v := range losses {
			curves[term] = append(curves[term], plotter.XY{X: float64(step), Y: float64(v)})
		}
	}
	klog.Infof("%s steps in %s", humanize.Comma(int64(trainer.Steps())), time.Since(start).Round(time.Millisecond))

	outPath, err := plotLosses(c.Out, curves)
	if err != nil {
		return errors.Wrap(err, "plotting losses")
	}
	if info, err := os.Stat(outPath); err == nil {
		klog.Infof("wrote %s (%s)", outPath, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func (c *CLI) applyOverrides(cfg *fileConfig) {
	if c.LearningRate > 0 {
		cfg.Pretrain.LearningRate = c.LearningRate
	}
	if c.HiddenSize > 0 {
		cfg.Model.HiddenSize = c.HiddenSize
	}
	if c.Layers > 0 {
		cfg.Model.NumHiddenLayers = c.Layers
	}
	if c.Aggregation != "" {
		cfg.Model.Aggregation = c.Aggregation
	}
}

func (c *CLI) buildGrid(cfg fileConfig, rng *rand.Rand) (*region.Grid, error) {
	var points []region.Point
	if c.Points != "" {
		var skipped int
		var err error
		points, skipped, err = region.LoadPointsCSV(c.Points)
		if err != nil {
			return nil, err
		}
		klog.Infof("read %s points from %s, skipped %s rows",
			humanize.Comma(int64(len(points))), c.Points, humanize.Comma(int64(skipped)))
	} else {
		points = synthPoints(cfg.Grid, cfg.Synth.Cells, cfg.Synth.MaxHits, rng)
		klog.Infof("generated %s points over %dx%d cells", humanize.Comma(int64(len(points))), cfg.Synth.Cells, cfg.Synth.Cells)
	}
	grid, err := region.NewGrid(cfg.Grid, points)
	if err != nil {
		return nil, err
	}
	klog.Infof("grid %dx%d, %s hot cells", grid.NumX(), grid.NumY(), humanize.Comma(int64(grid.NumHot())))
	return grid, nil
}

// buildObjective derives the objective's batches from b and binds them to m.
func buildObjective(m *model.Model, name string, b *batch.Batch, pool []int32, mapEmbedding bool, rng *rand.Rand) (*model.Objective, error) {
	switch name {
	case "destination":
		d, err := batch.WithDestination(b)
		if err != nil {
			return nil, err
		}
		return m.Destination(d, rng)
	case "masked":
		masked, err := batch.MaskVisits(b, rng, m.Config.MaskToken)
		if err != nil {
			return nil, err
		}
		return m.Masked(masked, rng)
	case "augmentation":
		left, right, err := batch.Augment(b, rng, pool)
		if err != nil {
			return nil, err
		}
		return m.Augmentation(left, right, mapEmbedding, rng)
	case "permutation":
		_, pos, neg, err := batch.Permute(b, rng, m.Config.PermClasses)
		if err != nil {
			return nil, err
		}
		return m.Permutation(pos, neg)
	}
	return nil, errors.Errorf("unknown objective %q", name)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	klog.Infof("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		klog.Errorf("metrics server: %v", err)
	}
}
