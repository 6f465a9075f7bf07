package model

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// Norm selects the normalization of MLP hidden layers.
type Norm int

const (
	NormNone Norm = iota
	NormBatch
	NormLayer
	NormInstance
)

var normNames = map[string]Norm{
	"":         NormNone,
	"none":     NormNone,
	"batch":    NormBatch,
	"layer":    NormLayer,
	"instance": NormInstance,
}

// ParseNorm maps a configuration name to a Norm.
func ParseNorm(name string) (Norm, error) {
	n, ok := normNames[strings.ToLower(name)]
	if !ok {
		return NormNone, errors.Wrapf(ErrConfig, "unknown norm %q", name)
	}
	return n, nil
}

func (n Norm) String() string {
	switch n {
	case NormBatch:
		return "batch"
	case NormLayer:
		return "layer"
	case NormInstance:
		return "instance"
	}
	return "none"
}

// lookupActivation resolves name in the gomlx activation registry, which
// panics on unknown names.
func lookupActivation(name string) (act activations.Type, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrConfig, "activation %q: %v", name, r)
		}
	}()
	return activations.FromName(name), nil
}

// MLP is the per-layer feed-forward block of the graph convolution:
// Linear, Norm, ReLU and Dropout on every hidden layer, a plain Linear at
// the end.
type MLP struct {
	Channels []int
	Norm     Norm
	Dropout  float64
	Eps      float64
}

// NewMLP checks the channel list and norm name.
func NewMLP(channels []int, norm string, dropout, eps float64) (*MLP, error) {
	if len(channels) < 2 {
		return nil, errors.Wrapf(ErrConfig, "an MLP needs at least 2 channels, got %v", channels)
	}
	for _, c := range channels {
		if c <= 0 {
			return nil, errors.Wrapf(ErrConfig, "non-positive MLP channel in %v", channels)
		}
	}
	n, err := ParseNorm(norm)
	if err != nil {
		return nil, err
	}
	return &MLP{Channels: channels, Norm: n, Dropout: dropout, Eps: eps}, nil
}

// Apply maps x [rows, Channels[0]] to [rows, Channels[last]].
func (m *MLP) Apply(ctx *context.Context, x *Node) *Node {
	last := len(m.Channels) - 1
	for i := 1; i <= last; i++ {
		scope := ctx.In(fmt.Sprintf("linear_%d", i-1))
		x = layers.Dense(scope, x, true, m.Channels[i])
		if i == last {
			break
		}
		x = normalize(ctx.In(fmt.Sprintf("norm_%d", i-1)), x, m.Norm, m.Eps)
		x = relu(x)
		if m.Dropout > 0 {
			x = layers.DropoutStatic(ctx, x, m.Dropout)
		}
	}
	return x
}

// normalize applies n over the feature axis of x [rows, D].
func normalize(ctx *context.Context, x *Node, n Norm, eps float64) *Node {
	switch n {
	case NormBatch:
		return batchnorm.New(ctx, x, -1).Done()
	case NormLayer:
		return layers.LayerNormalization(ctx, x, -1).Epsilon(eps).Done()
	case NormInstance:
		// The whole node set is one instance: standardize every feature
		// over the rows, no affine parameters.
		centered := Sub(x, keepMean(x, 0))
		variance := keepMean(Square(centered), 0)
		return Div(centered, Sqrt(AddScalar(variance, eps)))
	}
	return x
}

func relu(x *Node) *Node { return MaxScalar(x, 0) }
