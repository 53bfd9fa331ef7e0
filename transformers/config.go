// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Hyperparameter keys for context configuration, read by ConfigFromContext.
const (
	ParamEmbedDim       = "llama_embed_dim"
	ParamNumHeads       = "llama_num_heads"
	ParamHeadDim        = "llama_head_dim"
	ParamMaxLength      = "llama_max_length"
	ParamHiddenDim      = "llama_hidden_dim"
	ParamDropoutRate    = "llama_dropout_rate"
	ParamRopeBaseFreq   = "llama_rope_base_frequency"
	ParamNormEpsilon    = "llama_norm_epsilon"
	ParamFFActivation   = "llama_ff_activation"
	ParamCollectMetrics = "llama_collect_metrics"
)

// Config holds the hyperparameters of a decoder layer and its cache.
//
// Build one with NewConfig and the With* chainers. The chainers return a
// modified copy, so a Config already handed to a layer or cache never changes
// under it; it is safe to share one Config across layers and goroutines.
type Config struct {
	// EmbedDim is the model (residual stream) dimension.
	EmbedDim int

	// NumHeads and HeadDim define the attention geometry. HeadDim must be
	// even: rotary position embeddings rotate interleaved pairs.
	NumHeads int
	HeadDim  int

	// MaxLength is the cache capacity: the maximum total sequence length
	// (prompt plus generated tokens).
	MaxLength int

	// HiddenDim is the feed-forward inner dimension. Defaults to 4*EmbedDim.
	HiddenDim int

	// DropoutRate applies to attention weights and to the layer output.
	// Zero disables dropout.
	DropoutRate float64

	// RopeBaseFrequency is the rotary embedding base. Default 10000.
	RopeBaseFrequency float64

	// NormEpsilon is used by both normalization layers. Default 1e-6.
	NormEpsilon float64

	// DType of activations and weights. Default Float32.
	DType dtypes.DType

	// CacheDType of the key/value cache, which may be narrower than DType.
	// Defaults to DType.
	CacheDType dtypes.DType

	// FFActivation gates the feed-forward block. Default silu.
	FFActivation activations.Type

	// UseProjectionBias adds bias terms to the attention projections.
	// Default false.
	UseProjectionBias bool

	// CollectMetrics enables the activation metrics side channel on the
	// decoder layer output.
	CollectMetrics bool
}

// NewConfig creates a Config with the given required dimensions and defaults
// for everything else.
func NewConfig(embedDim, numHeads, headDim, maxLength int) *Config {
	return &Config{
		EmbedDim:          embedDim,
		NumHeads:          numHeads,
		HeadDim:           headDim,
		MaxLength:         maxLength,
		HiddenDim:         4 * embedDim,
		DropoutRate:       0.0,
		RopeBaseFrequency: 10000.0,
		NormEpsilon:       1e-6,
		DType:             dtypes.Float32,
		CacheDType:        dtypes.Float32,
		FFActivation:      activations.TypeSilu,
		UseProjectionBias: false,
		CollectMetrics:    false,
	}
}

// WithHiddenDim sets the feed-forward inner dimension.
func (c *Config) WithHiddenDim(dim int) *Config {
	c2 := *c
	c2.HiddenDim = dim
	return &c2
}

// WithDropout sets the dropout rate for attention weights and layer output.
func (c *Config) WithDropout(rate float64) *Config {
	c2 := *c
	c2.DropoutRate = rate
	return &c2
}

// WithRopeBaseFrequency sets the rotary embedding base frequency.
func (c *Config) WithRopeBaseFrequency(freq float64) *Config {
	c2 := *c
	c2.RopeBaseFrequency = freq
	return &c2
}

// WithNormEpsilon sets the epsilon of both normalization layers.
func (c *Config) WithNormEpsilon(epsilon float64) *Config {
	c2 := *c
	c2.NormEpsilon = epsilon
	return &c2
}

// WithDType sets the dtype of activations and weights. The cache dtype
// follows unless set separately afterwards.
func (c *Config) WithDType(dtype dtypes.DType) *Config {
	c2 := *c
	c2.DType = dtype
	c2.CacheDType = dtype
	return &c2
}

// WithCacheDType sets the key/value cache dtype independently of DType.
func (c *Config) WithCacheDType(dtype dtypes.DType) *Config {
	c2 := *c
	c2.CacheDType = dtype
	return &c2
}

// WithFFActivation sets the feed-forward gating activation.
func (c *Config) WithFFActivation(activation activations.Type) *Config {
	c2 := *c
	c2.FFActivation = activation
	return &c2
}

// WithProjectionBias toggles bias terms on the attention projections.
func (c *Config) WithProjectionBias(use bool) *Config {
	c2 := *c
	c2.UseProjectionBias = use
	return &c2
}

// WithMetrics toggles the activation metrics side channel.
func (c *Config) WithMetrics(collect bool) *Config {
	c2 := *c
	c2.CollectMetrics = collect
	return &c2
}

// Validate returns a *ConfigurationError describing the first invalid field,
// or nil if the configuration is usable.
func (c *Config) Validate() error {
	if c.EmbedDim < 1 {
		return &ConfigurationError{Field: "EmbedDim", Detail: "must be >= 1"}
	}
	if c.NumHeads < 1 {
		return &ConfigurationError{Field: "NumHeads", Detail: "must be >= 1"}
	}
	if c.HeadDim < 1 {
		return &ConfigurationError{Field: "HeadDim", Detail: "must be >= 1"}
	}
	if c.HeadDim%2 != 0 {
		return &ConfigurationError{Field: "HeadDim", Detail: "must be even, rotary embeddings rotate interleaved pairs"}
	}
	if c.MaxLength < 1 {
		return &ConfigurationError{Field: "MaxLength", Detail: "must be >= 1"}
	}
	if c.HiddenDim < 1 {
		return &ConfigurationError{Field: "HiddenDim", Detail: "must be >= 1"}
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return &ConfigurationError{Field: "DropoutRate", Detail: "must be in [0, 1)"}
	}
	if c.RopeBaseFrequency <= 0 {
		return &ConfigurationError{Field: "RopeBaseFrequency", Detail: "must be > 0"}
	}
	if c.NormEpsilon <= 0 {
		return &ConfigurationError{Field: "NormEpsilon", Detail: "must be > 0"}
	}
	if !c.DType.IsFloat() {
		return &ConfigurationError{Field: "DType", Detail: "must be a float dtype"}
	}
	if !c.CacheDType.IsFloat() {
		return &ConfigurationError{Field: "CacheDType", Detail: "must be a float dtype"}
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("decoder layer (embedDim=%d, heads=%dx%d, hiddenDim=%d, maxLength=%d, dtype=%s, cacheDType=%s)",
		c.EmbedDim, c.NumHeads, c.HeadDim, c.HiddenDim, c.MaxLength, c.DType, c.CacheDType)
}

// ConfigFromContext builds a Config from the context hyperparameters (the
// Param* keys), falling back to the same defaults as NewConfig.
//
// Dtypes are not read from hyperparameters; set them with WithDType /
// WithCacheDType on the returned Config.
func ConfigFromContext(ctx *context.Context) *Config {
	cfg := NewConfig(
		context.GetParamOr(ctx, ParamEmbedDim, 512),
		context.GetParamOr(ctx, ParamNumHeads, 8),
		context.GetParamOr(ctx, ParamHeadDim, 64),
		context.GetParamOr(ctx, ParamMaxLength, 1024),
	)
	cfg.HiddenDim = context.GetParamOr(ctx, ParamHiddenDim, cfg.HiddenDim)
	cfg.DropoutRate = context.GetParamOr(ctx, ParamDropoutRate, cfg.DropoutRate)
	cfg.RopeBaseFrequency = context.GetParamOr(ctx, ParamRopeBaseFreq, cfg.RopeBaseFrequency)
	cfg.NormEpsilon = context.GetParamOr(ctx, ParamNormEpsilon, cfg.NormEpsilon)
	cfg.CollectMetrics = context.GetParamOr(ctx, ParamCollectMetrics, cfg.CollectMetrics)
	if name := context.GetParamOr(ctx, ParamFFActivation, ""); name != "" {
		cfg.FFActivation = activations.FromName(name)
	}
	return cfg
}
