// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transformers implements a single autoregressive decoder layer of a
// llama-style transformer: rotary position embeddings, multi-head
// self-attention with an explicit key/value cache, a gated feed-forward block
// and the residual and normalization plumbing around them.
//
// The layer runs in three modes: ModeTrain (full sequence, no cache),
// ModePrefill (full prompt, cache overwritten) and ModeDecode (exactly one
// token per step against the cache). The cache is an explicit value
// (CacheState) owned by the caller rather than state hidden in a layer
// object, so snapshotting a generation, rewinding it, or running several
// concurrently is just keeping several values. Session wraps the
// prefill-then-step loop for the common case.
//
// Graph-building entry points follow the builder convention of the gomlx
// layers package and throw typed errors (ShapeMismatchError,
// ConfigurationError, CacheStateError) as exceptions; host-side entry points
// return plain errors. See the package example in cmd/llama_demo.
package transformers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// DecoderLayerOutput bundles the results of a decoder layer application.
type DecoderLayerOutput struct {
	// Output is [batch, seqLen, embedDim], same shape and dtype as the
	// layer input.
	Output *Node

	// Cache is the updated cache in prefill and decode modes, nil in train
	// mode.
	Cache *CacheNodes

	// RngState is the advanced RNG state when one was supplied, nil
	// otherwise.
	RngState *Node

	// Metrics holds the activation statistics of Output when
	// Config.CollectMetrics is set, nil otherwise. Computing them never
	// changes Output.
	Metrics *Metrics
}

// DecoderLayerBuilder configures one decoder layer application. Create it
// with DecoderLayer, configure with the With* methods and call Done.
type DecoderLayerBuilder struct {
	ctx *context.Context
	cfg *Config
	x   *Node

	mode       Mode
	positions  *Node
	cache      *CacheNodes
	segmentIDs *Node
	rngState   *Node
	strategy   Strategy
	masks      []*Node
	biases     []*Node
}

// DecoderLayer assembles one decoder block over x, shaped
// [batch, seqLen, embedDim]:
//
//	norm -> self-attention -> +x -> norm -> feed-forward -> +residual -> dropout
//
// The second normalization feeds the feed-forward block, so both residual
// branches consume a normalized tensor. Variables live under the scopes
// "pre_self_attention_norm", "self_attention", "post_self_attention_norm"
// and "mlp" of ctx; stacking layers is the caller's loop over scoped
// contexts.
func DecoderLayer(ctx *context.Context, cfg *Config, x *Node) *DecoderLayerBuilder {
	return &DecoderLayerBuilder{
		ctx:  ctx,
		cfg:  cfg,
		x:    x,
		mode: ModeTrain,
	}
}

// WithMode sets the execution mode. Default ModeTrain.
func (b *DecoderLayerBuilder) WithMode(mode Mode) *DecoderLayerBuilder {
	b.mode = mode
	return b
}

// WithPositions overrides the token positions used by the rotary embedding.
// Defaults to positions starting at zero in train and prefill modes and to
// the cache fill index in decode mode.
func (b *DecoderLayerBuilder) WithPositions(positions *Node) *DecoderLayerBuilder {
	b.positions = positions
	return b
}

// WithCache attaches the cache handles. Required for prefill and decode
// modes.
func (b *DecoderLayerBuilder) WithCache(cache *CacheNodes) *DecoderLayerBuilder {
	b.cache = cache
	return b
}

// WithSegmentIDs enables sequence packing: tokens attend only within their
// segment. segmentIDs is an integer tensor [batch, seqLen]; train and
// prefill modes only.
func (b *DecoderLayerBuilder) WithSegmentIDs(segmentIDs *Node) *DecoderLayerBuilder {
	b.segmentIDs = segmentIDs
	return b
}

// WithRngState supplies the explicit RNG state driving the two dropouts
// (attention weights and layer output). See SelfAttentionBuilder.WithRngState
// for the determinism contract.
func (b *DecoderLayerBuilder) WithRngState(state *Node) *DecoderLayerBuilder {
	b.rngState = state
	return b
}

// WithStrategy selects the attention strategy. Default DenseStrategy.
func (b *DecoderLayerBuilder) WithStrategy(strategy Strategy) *DecoderLayerBuilder {
	b.strategy = strategy
	return b
}

// WithAttentionMask ANDs an extra boolean mask into the attention bias.
func (b *DecoderLayerBuilder) WithAttentionMask(mask *Node) *DecoderLayerBuilder {
	if mask != nil {
		b.masks = append(b.masks, mask)
	}
	return b
}

// WithAttentionBias adds an extra additive bias to the attention logits.
func (b *DecoderLayerBuilder) WithAttentionBias(bias *Node) *DecoderLayerBuilder {
	if bias != nil {
		b.biases = append(b.biases, bias)
	}
	return b
}

// Done builds the layer graph and returns the outputs.
func (b *DecoderLayerBuilder) Done() *DecoderLayerOutput {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		panic(errors.WithStack(err))
	}
	x := b.x
	if x.Rank() != 3 || x.Shape().Dim(-1) != cfg.EmbedDim {
		var expected shapes.Shape
		if x.Rank() == 3 {
			expected = shapes.Make(x.DType(), x.Shape().Dim(0), x.Shape().Dim(1), cfg.EmbedDim)
		}
		exceptionShapeMismatch("DecoderLayer", expected, x.Shape(),
			"input must be [batch, seq, embed_dim] with embed_dim=%d", cfg.EmbedDim)
	}
	if b.segmentIDs != nil && b.mode == ModeDecode {
		exceptionConfig("SegmentIDs", "sequence packing applies to train and prefill modes only")
	}

	lnx := layers.RMSNorm(b.ctx.In("pre_self_attention_norm"), x).
		WithEpsilon(cfg.NormEpsilon).
		Done()
	lnx = AnnotateAxes(lnx, AxisBatch, AxisLength, AxisEmbed)

	rotary := NewRotary(cfg.HeadDim).WithBaseFrequency(cfg.RopeBaseFrequency)
	attnBuilder := SelfAttention(b.ctx.In("self_attention"), lnx).
		FromConfig(cfg).
		WithMode(b.mode).
		WithRotary(rotary, b.positions).
		WithCache(b.cache).
		WithRngState(b.rngState)
	if b.strategy != nil {
		attnBuilder.WithStrategy(b.strategy)
	}
	if b.segmentIDs != nil {
		attnBuilder.WithMask(SegmentMask(b.segmentIDs, b.segmentIDs))
	}
	for _, mask := range b.masks {
		attnBuilder.WithMask(mask)
	}
	for _, bias := range b.biases {
		attnBuilder.WithBias(bias)
	}
	attn := attnBuilder.Done()

	attnOutput := CheckpointHint(attn.Output, "self_attention_output")
	attnOutput = AnnotateAxes(attnOutput, AxisBatch, AxisLength, AxisEmbed)

	intermediate := Add(attnOutput, x)
	intermediate = AnnotateAxes(intermediate, AxisBatch, AxisLength, AxisEmbed)

	normed := layers.LayerNormalization(b.ctx.In("post_self_attention_norm"), intermediate, -1).
		Epsilon(cfg.NormEpsilon).
		LearnedOffset(false).
		Done()
	normed = AnnotateAxes(normed, AxisBatch, AxisLength, AxisEmbed)

	ffOutput := FeedForward(b.ctx.In("mlp"), normed, cfg.HiddenDim).
		WithActivation(cfg.FFActivation).
		WithBias(cfg.UseProjectionBias).
		Done()
	ffOutput = CheckpointHint(ffOutput, "mlp_output")

	output := Add(ffOutput, intermediate)

	// Output dropout shares one draw along the sequence axis, so a dropped
	// lane is dropped for every position of the sequence.
	rngState := attn.RngState
	if cfg.DropoutRate > 0 {
		if rngState != nil {
			output, rngState = dropoutKeyed(rngState, output, cfg.DropoutRate, -2)
		} else {
			output = dropoutFromContext(b.ctx.In("output_dropout"), output, cfg.DropoutRate, -2)
		}
	}
	output = AnnotateAxes(output, AxisBatch, AxisLength, AxisEmbed)

	result := &DecoderLayerOutput{
		Output:   output,
		Cache:    attn.Cache,
		RngState: rngState,
	}
	if cfg.CollectMetrics {
		result.Metrics = ActivationMetrics(output).Publish("decoder_layer")
	}
	return result
}

// dropoutFromContext mirrors dropoutKeyed drawing from the context RNG
// instead of an explicit chain. It only applies while the context is
// training.
func dropoutFromContext(ctx *context.Context, x *Node, rate float64, broadcastAxes ...int) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	maskShape := x.Shape().Clone()
	for _, axis := range broadcastAxes {
		if axis < 0 {
			axis += maskShape.Rank()
		}
		maskShape.Dimensions[axis] = 1
	}
	rnd := ctx.RandomUniform(g, maskShape)
	dropMask := LessOrEqual(rnd, Scalar(g, maskShape.DType, rate))
	if len(broadcastAxes) > 0 {
		dropMask = BroadcastToDims(dropMask, x.Shape().Dimensions...)
	}
	dropped := Where(dropMask, ZerosLike(x), x)
	return Div(dropped, Scalar(g, x.DType(), 1.0-rate))
}
