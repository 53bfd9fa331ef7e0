// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Mode selects how attention treats the sequence axis and the cache.
type Mode int

const (
	// ModeTrain processes a full sequence with no cache.
	ModeTrain Mode = iota

	// ModePrefill processes the full prompt and overwrites the cache with
	// its keys and values.
	ModePrefill

	// ModeDecode processes exactly one new token per batch row against the
	// cached keys and values.
	ModeDecode
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModePrefill:
		return "prefill"
	case ModeDecode:
		return "decode"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// AttentionOutput bundles the results of SelfAttention.
type AttentionOutput struct {
	// Output is [batch, seqLen, outputDim].
	Output *Node

	// Cache is the updated cache in prefill and decode modes, nil in train
	// mode. The CacheNodes handed to the builder are left untouched.
	Cache *CacheNodes

	// RngState is the advanced RNG state when one was supplied to
	// WithRngState, otherwise nil.
	RngState *Node
}

// SelfAttentionBuilder configures a multi-head self-attention block. Create
// it with SelfAttention, configure with the With* methods and call Done.
type SelfAttentionBuilder struct {
	ctx *context.Context
	x   *Node

	numHeads  int
	headDim   int
	outputDim int
	useBias   bool

	mode      Mode
	causal    bool
	rotary    *Rotary
	positions *Node
	cache     *CacheNodes

	masks  []*Node
	biases []*Node

	dropoutRate float64
	rngState    *Node

	strategy  Strategy
	queryInit initializers.VariableInitializer
}

// SelfAttention creates a self-attention builder over x, shaped
// [batch, seqLen, embedDim].
//
// The head geometry must be set with FromConfig or WithNumHeads/WithHeadDim
// before Done. Variables live under the scopes "query", "key", "value" and
// "output" of ctx.
func SelfAttention(ctx *context.Context, x *Node) *SelfAttentionBuilder {
	return &SelfAttentionBuilder{
		ctx:    ctx,
		x:      x,
		mode:   ModeTrain,
		causal: true,
	}
}

// FromConfig sets head geometry, output dimension, projection bias and
// dropout rate from cfg.
func (b *SelfAttentionBuilder) FromConfig(cfg *Config) *SelfAttentionBuilder {
	b.numHeads = cfg.NumHeads
	b.headDim = cfg.HeadDim
	b.outputDim = cfg.EmbedDim
	b.useBias = cfg.UseProjectionBias
	b.dropoutRate = cfg.DropoutRate
	return b
}

// WithNumHeads sets the number of attention heads.
func (b *SelfAttentionBuilder) WithNumHeads(numHeads int) *SelfAttentionBuilder {
	b.numHeads = numHeads
	return b
}

// WithHeadDim sets the per-head dimension of queries, keys and values.
func (b *SelfAttentionBuilder) WithHeadDim(headDim int) *SelfAttentionBuilder {
	b.headDim = headDim
	return b
}

// WithOutputDim sets the output projection dimension. Defaults to the last
// dimension of x.
func (b *SelfAttentionBuilder) WithOutputDim(outputDim int) *SelfAttentionBuilder {
	b.outputDim = outputDim
	return b
}

// WithProjectionBias adds bias terms to the four projections.
func (b *SelfAttentionBuilder) WithProjectionBias(use bool) *SelfAttentionBuilder {
	b.useBias = use
	return b
}

// WithMode sets the execution mode. Default ModeTrain. Prefill and decode
// require a cache.
func (b *SelfAttentionBuilder) WithMode(mode Mode) *SelfAttentionBuilder {
	b.mode = mode
	return b
}

// WithCausal toggles the automatic causal mask: full lower-triangular in
// train and prefill modes, the single index row in decode mode. Default true.
func (b *SelfAttentionBuilder) WithCausal(causal bool) *SelfAttentionBuilder {
	b.causal = causal
	return b
}

// WithRotary applies rotary position embeddings to queries and keys before
// caching and scoring. positions follows the shapes Rotary.Apply accepts; nil
// defaults to position zero in train and prefill modes and to the cache fill
// index in decode mode.
func (b *SelfAttentionBuilder) WithRotary(rotary *Rotary, positions *Node) *SelfAttentionBuilder {
	b.rotary = rotary
	b.positions = positions
	return b
}

// WithCache attaches the cache handles. Required for prefill and decode
// modes, forbidden in train mode.
func (b *SelfAttentionBuilder) WithCache(cache *CacheNodes) *SelfAttentionBuilder {
	b.cache = cache
	return b
}

// WithMask ANDs an extra boolean mask, broadcastable to
// [batch, numHeads, queryLen, keyLen], into the attention bias.
func (b *SelfAttentionBuilder) WithMask(mask *Node) *SelfAttentionBuilder {
	if mask != nil {
		b.masks = append(b.masks, mask)
	}
	return b
}

// WithBias adds an extra additive bias, broadcastable to
// [batch, numHeads, queryLen, keyLen], to the attention logits.
func (b *SelfAttentionBuilder) WithBias(bias *Node) *SelfAttentionBuilder {
	if bias != nil {
		b.biases = append(b.biases, bias)
	}
	return b
}

// WithDropout sets the dropout rate applied to the post-softmax attention
// weights. Zero disables it.
func (b *SelfAttentionBuilder) WithDropout(rate float64) *SelfAttentionBuilder {
	b.dropoutRate = rate
	return b
}

// WithRngState supplies the explicit RNG state driving dropout. The state is
// consumed functionally: the advanced state comes back in
// AttentionOutput.RngState, and identical states with identical inputs
// reproduce the identical dropout pattern. Without it, dropout falls back to
// the context RNG and only applies while the context is training.
func (b *SelfAttentionBuilder) WithRngState(state *Node) *SelfAttentionBuilder {
	b.rngState = state
	return b
}

// WithStrategy selects the score-computation strategy. Default
// DenseStrategy.
func (b *SelfAttentionBuilder) WithStrategy(strategy Strategy) *SelfAttentionBuilder {
	b.strategy = strategy
	return b
}

// WithQueryInitializer sets the base initializer whose scaled form
// initializes the query projection. Default initializers.GlorotUniformFn.
func (b *SelfAttentionBuilder) WithQueryInitializer(init initializers.VariableInitializer) *SelfAttentionBuilder {
	b.queryInit = init
	return b
}

// Done builds the attention graph and returns the outputs.
func (b *SelfAttentionBuilder) Done() *AttentionOutput {
	g := b.x.Graph()
	x := b.x
	dtype := x.DType()
	if x.Rank() != 3 {
		exceptionShapeMismatch("SelfAttention", shapes.Shape{}, x.Shape(),
			"input must be rank-3 [batch, seq, embed_dim]")
	}
	if b.numHeads < 1 || b.headDim < 1 {
		exceptionConfig("NumHeads/HeadDim", "head geometry is required, got numHeads=%d, headDim=%d",
			b.numHeads, b.headDim)
	}
	switch b.mode {
	case ModeTrain:
		if b.cache != nil {
			exceptionConfig("Mode", "train mode does not use a cache; drop WithCache or pick prefill/decode")
		}
	case ModePrefill, ModeDecode:
		if b.cache == nil {
			exceptionConfig("Mode", "%s mode requires a cache, see WithCache", b.mode)
		}
	}
	batchSize := x.Shape().Dim(0)
	seqLen := x.Shape().Dim(1)

	// Depth scaling lives in the query initializer: the stored weights
	// produce queries already divided by sqrt(headDim), and the score path
	// applies no factor. After training the scaling is free to migrate into
	// the learned weights.
	queryInit := b.queryInit
	if queryInit == nil {
		queryInit = initializers.GlorotUniformFn(b.ctx)
	}
	scale := 1.0 / math.Sqrt(float64(b.headDim))
	scaledInit := func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(queryInit(g, shape), scale)
	}
	queryCtx := b.ctx.In("query").WithInitializer(scaledInit)

	project := func(ctx *context.Context, operand *Node) *Node {
		proj := layers.Dense(ctx, operand, b.useBias, b.numHeads*b.headDim)
		return Reshape(proj, batchSize, seqLen, b.numHeads, b.headDim)
	}
	query := project(queryCtx, x)
	key := project(b.ctx.In("key"), x)
	value := project(b.ctx.In("value"), x)

	if b.rotary != nil {
		positions := b.positions
		if positions == nil {
			if b.mode == ModeDecode {
				positions = b.cache.Index
			} else {
				positions = Const(g, int32(0))
			}
		}
		query = b.rotary.Apply(query, positions)
		key = b.rotary.Apply(key, positions)
	}

	var keys, values *Node
	var updatedCache *CacheNodes
	masks := b.masks
	switch b.mode {
	case ModeTrain:
		keys, values = key, value
		if b.causal {
			masks = append(masks, CausalMask(g, seqLen, seqLen))
		}
	case ModePrefill:
		updatedCache = b.cache.WritePrefill(key, value)
		keys, values = key, value
		if b.causal {
			masks = append(masks, CausalMask(g, seqLen, seqLen))
		}
	case ModeDecode:
		updatedCache = b.cache.WriteDecode(key, value)
		keys, values = updatedCache.Read(dtype)
		if b.causal {
			// The pre-update index is the position of the incoming token:
			// the row admits every cached key and the token itself.
			masks = append(masks, DecodeCausalMask(b.cache.Index, b.cache.MaxLength()))
		}
	}
	bias := ComposeAttentionBias(dtype, masks, b.biases)

	var weightsHook WeightsHook
	rngState := b.rngState
	if b.dropoutRate > 0 {
		if rngState != nil {
			weightsHook = func(weights *Node) *Node {
				var dropped *Node
				dropped, rngState = dropoutKeyed(rngState, weights, b.dropoutRate)
				return dropped
			}
		} else {
			dropoutCtx := b.ctx.In("weights_dropout")
			weightsHook = func(weights *Node) *Node {
				return layers.DropoutStatic(dropoutCtx, weights, b.dropoutRate)
			}
		}
	}

	strategy := b.strategy
	if strategy == nil {
		strategy = DenseStrategy{}
	}
	attnOutput := strategy.Attend(query, keys, values, bias, weightsHook)

	attnOutput = Reshape(attnOutput, batchSize, seqLen, b.numHeads*b.headDim)
	outputDim := b.outputDim
	if outputDim == 0 {
		outputDim = x.Shape().Dim(-1)
	}
	output := layers.Dense(b.ctx.In("output"), attnOutput, b.useBias, outputDim)

	result := &AttentionOutput{Output: output, Cache: updatedCache}
	if b.rngState != nil {
		result.RngState = rngState
	}
	return result
}

// dropoutKeyed zeroes elements of x with probability rate, drawing
// randomness from the functional RNG chain, and rescales survivors by
// 1/(1-rate) to preserve the mean. broadcastAxes name axes that share a
// single draw (their mask dimension becomes 1). Returns the result and the
// advanced RNG state.
//
// Unlike the context-driven dropout, this applies whether or not the context
// is training: supplying a state is opting in.
func dropoutKeyed(rngState, x *Node, rate float64, broadcastAxes ...int) (*Node, *Node) {
	g := x.Graph()
	if rate <= 0 {
		return x, rngState
	}
	maskShape := x.Shape().Clone()
	for _, axis := range broadcastAxes {
		if axis < 0 {
			axis += maskShape.Rank()
		}
		maskShape.Dimensions[axis] = 1
	}
	newState, rnd := RandomUniform(rngState, maskShape)
	dropMask := LessOrEqual(rnd, Scalar(g, maskShape.DType, rate))
	if len(broadcastAxes) > 0 {
		// Where requires the condition at full shape.
		dropMask = BroadcastToDims(dropMask, x.Shape().Dimensions...)
	}
	dropped := Where(dropMask, ZerosLike(x), x)
	dropped = Div(dropped, Scalar(g, x.DType(), 1.0-rate))
	return dropped, newState
}
