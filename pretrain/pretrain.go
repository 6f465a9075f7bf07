// Package pretrain runs weighted multi-objective optimizer steps for the
// trajectory encoder.
package pretrain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Noofbiz/trajenc/model"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Config holds the optimizer settings. Zero fields take DefaultConfig values.
type Config struct {
	LearningRate float64 `json:"learning_rate"`

	// Weights scales each loss term in the optimized sum. Terms missing
	// from the map weigh 1.
	Weights map[string]float64 `json:"weights"`
}

// DefaultConfig returns the settings used when nothing is set.
func DefaultConfig() Config {
	return Config{LearningRate: 1e-3}
}

// Trainer owns the model variables and runs one optimizer update per call
// to Step. It is not safe for concurrent use.
type Trainer struct {
	model     *model.Model
	backend   backends.Backend
	ctx       *context.Context
	cfg       Config
	optimizer optimizers.Interface
	metrics   *Metrics
	steps     int
}

// New creates a Trainer with a fresh variable context. Metrics are
// registered with reg when it is not nil.
func New(m *model.Model, backend backends.Backend, cfg Config, reg prometheus.Registerer) (*Trainer, error) {
	if m == nil || backend == nil {
		return nil, errors.New("model and backend are required")
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = DefaultConfig().LearningRate
	}
	if cfg.LearningRate < 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	for term, w := range cfg.Weights {
		if w < 0 {
			return nil, errors.Errorf("term %s has negative weight %g", term, w)
		}
	}
	t := &Trainer{
		model:     m,
		backend:   backend,
		ctx:       context.New(),
		cfg:       cfg,
		optimizer: optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
	}
	if reg != nil {
		t.metrics = NewMetrics(reg)
	}
	return t, nil
}

// Context returns the variables being trained.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Steps returns the number of successful updates.
func (t *Trainer) Steps() int { return t.steps }

// Step runs one update over obj, minimizing the weighted sum of its terms,
// and returns the losses computed before the update.
func (t *Trainer) Step(obj *model.Objective) (map[string]float32, error) {
	start := time.Now()
	out, err := t.model.Run(t.backend, t.ctx, obj, true, func(ctx *context.Context, losses []*Node) []*Node {
		total := t.weighted(obj, losses)
		t.optimizer.UpdateGraph(ctx, total.Graph(), total)
		return losses
	})
	if err != nil {
		t.fail(obj)
		return nil, errors.Wrapf(err, "step %d, objective %s", t.steps, obj.Name)
	}
	values, err := model.LossValues(obj, out)
	if err != nil {
		t.fail(obj)
		return nil, err
	}
	t.steps++
	if t.metrics != nil {
		for term, v := range values {
			t.metrics.Loss.WithLabelValues(term).Set(float64(v))
		}
		t.metrics.Steps.WithLabelValues(obj.Name).Inc()
	}
	if klog.V(1).Enabled() {
		klog.Infof("step %d %s: %s in %s", t.steps, obj.Name, formatLosses(values), time.Since(start))
	}
	return values, nil
}

// Evaluate computes obj's losses without updating the variables.
func (t *Trainer) Evaluate(obj *model.Objective) (map[string]float32, error) {
	return t.model.Evaluate(t.backend, t.ctx, obj)
}

func (t *Trainer) weighted(obj *model.Objective, losses []*Node) *Node {
	var total *Node
	for i, term := range obj.Terms {
		loss := losses[i]
		if w, ok := t.cfg.Weights[term]; ok {
			loss = MulScalar(loss, w)
		}
		if total == nil {
			total = loss
		} else {
			total = Add(total, loss)
		}
	}
	return total
}

func (t *Trainer) fail(obj *model.Objective) {
	if t.metrics != nil {
		t.metrics.Failures.WithLabelValues(obj.Name).Inc()
	}
}

// formatLosses prints terms in name order.
func formatLosses(values map[string]float32) string {
	terms := make([]string, 0, len(values))
	for term := range values {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	var sb strings.Builder
	for i, term := range terms {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%.4f", term, values[term])
	}
	return sb.String()
}
