package model

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfig is returned (wrapped) for unsupported or inconsistent
	// hyperparameters.
	ErrConfig = errors.New("invalid model configuration")

	// ErrPositionOutOfRange is raised when a sequence position reaches the
	// positional encoder's maximum length.
	ErrPositionOutOfRange = errors.New("position beyond positional encoder range")
)

// Config holds the hyperparameters of the encoder, its heads and losses.
// Zero fields take the values of DefaultConfig through WithDefaults.
type Config struct {
	// VocabSize is the number of tokens, special tokens included. It must
	// match the region the model is built with.
	VocabSize int `json:"vocab_size"`

	// HiddenSize is the embedding width D. It must be even and divisible by
	// NumAttentionHeads.
	HiddenSize int `json:"hidden_size"`

	// NumHiddenLayers is the number of fused (graph + sequence) layers.
	NumHiddenLayers int `json:"num_hidden_layers"`

	// NumAttentionHeads and NumTransformerLayers shape each sequence
	// transformer.
	NumAttentionHeads    int `json:"num_attention_heads"`
	NumTransformerLayers int `json:"num_transformer_layers"`

	// HiddenDropout is used everywhere dropout applies.
	HiddenDropout float64 `json:"hidden_dropout_prob"`

	// LayerNormEps is the epsilon of every layer norm.
	LayerNormEps float64 `json:"layer_norm_eps"`

	// PadToken and MaskToken are special vocabulary ids.
	PadToken  int32 `json:"pad_token"`
	MaskToken int32 `json:"mask_token"`

	// Activation names a gomlx activation (relu, gelu, swish, tanh, ...).
	Activation string `json:"hidden_act"`

	// Aggregation is softmax, softmax_sg or power.
	Aggregation string `json:"aggr"`

	// Temperature and Power seed the aggregation parameters; the Learn
	// flags make them trainable.
	Temperature      float64 `json:"t"`
	LearnTemperature bool    `json:"learn_t"`
	Power            float64 `json:"p"`
	LearnPower       bool    `json:"learn_p"`

	// MsgNorm rescales aggregated messages to the norm of the node features.
	MsgNorm       bool `json:"msg_norm"`
	LearnMsgScale bool `json:"learn_msg_scale"`

	// MLPNorm is batch, layer, instance or none. MLPLayers is the number of
	// hidden layers of the per-layer MLP.
	MLPNorm   string `json:"norm"`
	MLPLayers int    `json:"mlp_layers"`

	// EdgePosMaxLen and TrajPosMaxLen bound the positional encoders.
	EdgePosMaxLen int `json:"edge_pos_max_len"`
	TrajPosMaxLen int `json:"traj_pos_max_len"`

	// NoResidual disables the residual links between fused layers.
	NoResidual bool `json:"no_residual"`

	// NegativeSamples, KNearVocabs and SpatialTemp configure the spatial
	// contrastive losses.
	NegativeSamples int     `json:"neg_samples"`
	KNearVocabs     int     `json:"k_near_vocabs"`
	SpatialTemp     float64 `json:"spatial_temp"`

	// PermClasses is the number of permutation classes.
	PermClasses int `json:"perm_class_num"`

	// TripletMargin and PrototypeNeighbors configure the map-embedding loss.
	TripletMargin      float64 `json:"triplet_margin"`
	PrototypeNeighbors int     `json:"prototype_neighbors"`
}

// DefaultConfig returns the hyperparameters used when nothing is set.
func DefaultConfig() Config {
	return Config{
		HiddenSize:           64,
		NumHiddenLayers:      2,
		NumAttentionHeads:    4,
		NumTransformerLayers: 1,
		HiddenDropout:        0.1,
		LayerNormEps:         1e-6,
		PadToken:             0,
		MaskToken:            3,
		Activation:           "relu",
		Aggregation:          "softmax",
		Temperature:          1.0,
		Power:                1.0,
		MLPNorm:              "layer",
		MLPLayers:            1,
		EdgePosMaxLen:        110,
		TrajPosMaxLen:        120,
		NegativeSamples:      16,
		KNearVocabs:          5,
		SpatialTemp:          100,
		PermClasses:          2,
		TripletMargin:        0.5,
		PrototypeNeighbors:   10,
	}
}

// WithDefaults fills zero fields from DefaultConfig. VocabSize has no
// default. PadToken keeps its zero value, which is the default.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HiddenSize == 0 {
		c.HiddenSize = d.HiddenSize
	}
	if c.NumHiddenLayers == 0 {
		c.NumHiddenLayers = d.NumHiddenLayers
	}
	if c.NumAttentionHeads == 0 {
		c.NumAttentionHeads = d.NumAttentionHeads
	}
	if c.NumTransformerLayers == 0 {
		c.NumTransformerLayers = d.NumTransformerLayers
	}
	if c.LayerNormEps == 0 {
		c.LayerNormEps = d.LayerNormEps
	}
	if c.MaskToken == 0 {
		c.MaskToken = d.MaskToken
	}
	if c.Activation == "" {
		c.Activation = d.Activation
	}
	if c.Aggregation == "" {
		c.Aggregation = d.Aggregation
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
	if c.Power == 0 {
		c.Power = d.Power
	}
	if c.MLPNorm == "" {
		c.MLPNorm = d.MLPNorm
	}
	if c.MLPLayers == 0 {
		c.MLPLayers = d.MLPLayers
	}
	if c.EdgePosMaxLen == 0 {
		c.EdgePosMaxLen = d.EdgePosMaxLen
	}
	if c.TrajPosMaxLen == 0 {
		c.TrajPosMaxLen = d.TrajPosMaxLen
	}
	if c.NegativeSamples == 0 {
		c.NegativeSamples = d.NegativeSamples
	}
	if c.KNearVocabs == 0 {
		c.KNearVocabs = d.KNearVocabs
	}
	if c.SpatialTemp == 0 {
		c.SpatialTemp = d.SpatialTemp
	}
	if c.PermClasses == 0 {
		c.PermClasses = d.PermClasses
	}
	if c.TripletMargin == 0 {
		c.TripletMargin = d.TripletMargin
	}
	if c.PrototypeNeighbors == 0 {
		c.PrototypeNeighbors = d.PrototypeNeighbors
	}
	return c
}

// Validate reports the first unsupported or inconsistent field, wrapping
// ErrConfig.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Wrapf(ErrConfig, "vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0 || c.HiddenSize%2 != 0:
		return errors.Wrapf(ErrConfig, "hidden_size must be positive and even, got %d", c.HiddenSize)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Wrapf(ErrConfig, "hidden_size %d not divisible by %d attention heads", c.HiddenSize, c.NumAttentionHeads)
	case c.NumHiddenLayers <= 0 || c.NumTransformerLayers <= 0 || c.MLPLayers <= 0:
		return errors.Wrapf(ErrConfig, "layer counts must be positive: %d hidden, %d transformer, %d mlp",
			c.NumHiddenLayers, c.NumTransformerLayers, c.MLPLayers)
	case c.HiddenDropout < 0 || c.HiddenDropout >= 1:
		return errors.Wrapf(ErrConfig, "dropout %g outside [0, 1)", c.HiddenDropout)
	case c.LayerNormEps <= 0:
		return errors.Wrapf(ErrConfig, "layer_norm_eps must be positive, got %g", c.LayerNormEps)
	case c.PadToken < 0 || int(c.PadToken) >= c.VocabSize || c.MaskToken < 0 || int(c.MaskToken) >= c.VocabSize:
		return errors.Wrapf(ErrConfig, "special tokens pad=%d mask=%d outside vocabulary of %d", c.PadToken, c.MaskToken, c.VocabSize)
	case c.Temperature <= 0 || c.Power <= 0:
		return errors.Wrapf(ErrConfig, "aggregation temperature %g and power %g must be positive", c.Temperature, c.Power)
	case c.EdgePosMaxLen <= 0 || c.TrajPosMaxLen <= 0:
		return errors.Wrapf(ErrConfig, "positional encoder lengths must be positive")
	case c.NegativeSamples <= 0 || c.KNearVocabs <= 0 || c.SpatialTemp <= 0:
		return errors.Wrapf(ErrConfig, "spatial loss parameters must be positive")
	case c.PermClasses < 2:
		return errors.Wrapf(ErrConfig, "perm_class_num must be at least 2, got %d", c.PermClasses)
	case c.TripletMargin < 0 || c.PrototypeNeighbors <= 0:
		return errors.Wrapf(ErrConfig, "invalid map-embedding margin %g or neighbours %d", c.TripletMargin, c.PrototypeNeighbors)
	}
	if _, err := ParseAggregation(c.Aggregation); err != nil {
		return err
	}
	if _, err := ParseNorm(c.MLPNorm); err != nil {
		return err
	}
	if _, err := lookupActivation(c.Activation); err != nil {
		return err
	}
	return nil
}
