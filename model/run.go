package model

import (
	"github.com/Noofbiz/trajenc/batch"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Step adds work on top of an objective's losses, an optimizer update for
// instance, and returns the nodes to fetch.
type Step func(ctx *context.Context, losses []*Node) []*Node

// Run compiles and executes one graph over obj's batches. Without a step the
// outputs are the losses, in obj.Terms order. Panics raised while building
// or executing the graph come back as errors.
func (m *Model) Run(backend backends.Backend, ctx *context.Context, obj *Objective, training bool, step Step) ([]*tensors.Tensor, error) {
	return execute(backend, ctx, obj.Batches, training, func(ctx *context.Context, vocab []*Node) []*Node {
		losses := m.Losses(ctx, obj, vocab)
		if step == nil {
			return losses
		}
		return step(ctx, losses)
	})
}

// Evaluate runs obj in inference mode and returns its losses by term.
func (m *Model) Evaluate(backend backends.Backend, ctx *context.Context, obj *Objective) (map[string]float32, error) {
	out, err := m.Run(backend, ctx, obj, false, nil)
	if err != nil {
		return nil, err
	}
	return LossValues(obj, out)
}

// LossValues reads the first len(obj.Terms) outputs of Run as scalars.
func LossValues(obj *Objective, out []*tensors.Tensor) (map[string]float32, error) {
	if len(out) < len(obj.Terms) {
		return nil, errors.Errorf("objective %s: %d outputs for %d terms", obj.Name, len(out), len(obj.Terms))
	}
	values := make(map[string]float32, len(obj.Terms))
	for i, term := range obj.Terms {
		v, ok := out[i].Value().(float32)
		if !ok {
			return nil, errors.Errorf("objective %s: term %s is %s, not a float32 scalar", obj.Name, term, out[i].Shape())
		}
		values[term] = v
	}
	return values, nil
}

// Embed runs the encoder over b in inference mode and returns the node
// embeddings [V][D] and the trajectory states [N][UsableWidth][D].
func (m *Model) Embed(backend backends.Backend, ctx *context.Context, b *batch.Batch) ([][]float32, [][][]float32, error) {
	p, err := m.plan(b)
	if err != nil {
		return nil, nil, err
	}
	out, err := execute(backend, ctx, []*batch.Batch{b}, false, func(ctx *context.Context, vocab []*Node) []*Node {
		enc := m.Encoder.Encode(ctx.In(encoderScope), vocab[0], p)
		return []*Node{enc.Nodes, enc.Traj}
	})
	if err != nil {
		return nil, nil, err
	}
	nodes, ok := out[0].Value().([][]float32)
	if !ok {
		return nil, nil, errors.Errorf("node embeddings have shape %s", out[0].Shape())
	}
	traj, ok := out[1].Value().([][][]float32)
	if !ok {
		return nil, nil, errors.Errorf("trajectory states have shape %s", out[1].Shape())
	}
	return nodes, traj, nil
}

// execute feeds each batch's Vocab as one graph input. Variables are shared
// between the encodings of every batch, so the context runs unchecked.
func execute(backend backends.Backend, ctx *context.Context, batches []*batch.Batch, training bool,
	fn func(ctx *context.Context, vocab []*Node) []*Node) (out []*tensors.Tensor, err error) {
	if len(batches) == 0 {
		return nil, errors.Wrap(batch.ErrInvariant, "no batches to run")
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, panicError(r)
		}
	}()
	args := make([]any, len(batches))
	for i, b := range batches {
		args[i] = tensors.FromValue(b.Vocab)
	}
	out, err = context.ExecOnceN(backend, ctx.Checked(false), func(ctx *context.Context, vocab []*Node) []*Node {
		ctx.SetTraining(vocab[0].Graph(), training)
		return fn(ctx, vocab)
	}, args...)
	if err != nil {
		return nil, errors.Wrap(err, "model graph")
	}
	return out, nil
}

// panicError turns a recovered graph-building panic into an error, keeping
// wrapped sentinels matchable.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "model graph")
	}
	return errors.Errorf("model graph: %v", r)
}
