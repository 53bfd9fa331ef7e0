// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "train", ModeTrain.String())
	assert.Equal(t, "prefill", ModePrefill.String())
	assert.Equal(t, "decode", ModeDecode.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
}

// TestSelfAttentionShapes builds the block without executing and checks
// output shapes and created variables.
func TestSelfAttentionShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Default", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "Default")
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 16))
		out := SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).Done()
		assert.Equal(t, []int{2, 5, 16}, out.Output.Shape().Dimensions)
		assert.Nil(t, out.Cache)
		assert.Nil(t, out.RngState)

		queryWeights := ctx.GetVariableByScopeAndName("/query/dense", "weights")
		require.NotNil(t, queryWeights)
		assert.Equal(t, []int{16, 8}, queryWeights.Shape().Dimensions)
		outputWeights := ctx.GetVariableByScopeAndName("/output/dense", "weights")
		require.NotNil(t, outputWeights)
		assert.Equal(t, []int{8, 16}, outputWeights.Shape().Dimensions)
		assert.Nil(t, ctx.GetVariableByScopeAndName("/query/dense", "biases"))
	})

	t.Run("OutputDimAndBias", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "OutputDimAndBias")
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 3, 16))
		out := SelfAttention(ctx, x).
			WithNumHeads(2).WithHeadDim(4).
			WithOutputDim(32).WithProjectionBias(true).
			Done()
		assert.Equal(t, []int{1, 3, 32}, out.Output.Shape().Dimensions)
		require.NotNil(t, ctx.GetVariableByScopeAndName("/query/dense", "biases"))
	})

	t.Run("PrefillCache", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "PrefillCache")
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 3, 8))
		cache := zeroCacheNodes(g, dtypes.Float32, 1, 2, 4, 4)
		out := SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).
			WithMode(ModePrefill).WithCache(cache).Done()
		require.NotNil(t, out.Cache)
		assert.NotSame(t, cache, out.Cache)
		assert.Equal(t, []int{1, 2, 4, 4}, out.Cache.Keys.Shape().Dimensions)
		assert.Equal(t, []int{1}, out.Cache.Index.Shape().Dimensions)
	})

	t.Run("DecodeCache", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "DecodeCache")
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 8))
		cache := zeroCacheNodes(g, dtypes.Float32, 1, 2, 4, 4)
		out := SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).
			WithMode(ModeDecode).WithCache(cache).Done()
		assert.Equal(t, []int{1, 1, 8}, out.Output.Shape().Dimensions)
		require.NotNil(t, out.Cache)
	})
}

// TestSelfAttentionErrors exercises the configuration and shape panics of the
// builder.
func TestSelfAttentionErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	build := func(name string, buildFn func(g *Graph, ctx *context.Context)) error {
		g := NewGraph(backend, name)
		ctx := context.New()
		return exceptions.TryCatch[error](func() { buildFn(g, ctx) })
	}

	t.Run("TrainWithCache", func(t *testing.T) {
		err := build("TrainWithCache", func(g *Graph, ctx *context.Context) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 8))
			cache := zeroCacheNodes(g, dtypes.Float32, 1, 2, 4, 4)
			SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).WithCache(cache).Done()
		})
		require.Error(t, err)
		assert.True(t, IsConfiguration(err))
	})

	t.Run("PrefillWithoutCache", func(t *testing.T) {
		err := build("PrefillWithoutCache", func(g *Graph, ctx *context.Context) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 8))
			SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).WithMode(ModePrefill).Done()
		})
		require.Error(t, err)
		assert.True(t, IsConfiguration(err))
	})

	t.Run("DecodeWithoutCache", func(t *testing.T) {
		err := build("DecodeWithoutCache", func(g *Graph, ctx *context.Context) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 8))
			SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).WithMode(ModeDecode).Done()
		})
		require.Error(t, err)
		assert.True(t, IsConfiguration(err))
	})

	t.Run("MissingGeometry", func(t *testing.T) {
		err := build("MissingGeometry", func(g *Graph, ctx *context.Context) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 8))
			SelfAttention(ctx, x).Done()
		})
		require.Error(t, err)
		assert.True(t, IsConfiguration(err))
	})

	t.Run("BadInputRank", func(t *testing.T) {
		err := build("BadInputRank", func(g *Graph, ctx *context.Context) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 8))
			SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).Done()
		})
		require.Error(t, err)
		assert.True(t, IsShapeMismatch(err))
	})

	t.Run("DecodeNeedsOneToken", func(t *testing.T) {
		err := build("DecodeNeedsOneToken", func(g *Graph, ctx *context.Context) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 8))
			cache := zeroCacheNodes(g, dtypes.Float32, 1, 2, 4, 4)
			SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).
				WithMode(ModeDecode).WithCache(cache).Done()
		})
		require.Error(t, err)
		assert.True(t, IsShapeMismatch(err))
	})
}

// TestSelfAttentionCausality feeds two inputs differing only in the last
// token and checks which output rows move.
func TestSelfAttentionCausality(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false).WithInitializer(initializers.One)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, xA, xB *Node) []*Node {
		attend := func(scope string, causal bool, x *Node) *Node {
			return SelfAttention(ctx.In(scope), x).
				WithNumHeads(1).WithHeadDim(4).WithCausal(causal).
				Done().Output
		}
		causalDiff := Abs(Sub(attend("causal", true, xA), attend("causal", true, xB)))
		openDiff := Abs(Sub(attend("open", false, xA), attend("open", false, xB)))
		return []*Node{
			ReduceAllMax(Slice(causalDiff, AxisRange(), AxisRange(0, 2))),
			ReduceAllMax(Slice(causalDiff, AxisRange(), AxisRange(2, 3))),
			ReduceAllMax(Slice(openDiff, AxisRange(), AxisRange(0, 1))),
		}
	})

	xA := [][][]float32{{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}}
	xB := [][][]float32{{{1, 0, 0, 0}, {0, 1, 0, 0}, {5, 5, 5, -3}}}
	results := exec.MustExec(xA, xB)

	// Causal: a future change leaves earlier rows untouched.
	assert.InDelta(t, 0, results[0].Value().(float32), 1e-5)
	assert.Greater(t, results[1].Value().(float32), float32(1e-3))
	// Non-causal: the first row already sees the change.
	assert.Greater(t, results[2].Value().(float32), float32(1e-3))
}

// TestQueryInitializerCarriesScale checks the depth scaling lives in the
// stored query weights, not on the logits: with a ones base initializer the
// query weights come out as 1/sqrt(headDim), and the attention output matches
// a reference computed from raw projections with an explicit scale factor.
func TestQueryInitializerCarriesScale(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.One)
	ones := func(g *Graph, shape shapes.Shape) *Node { return Ones(g, shape) }

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Const(g, [][][]float32{{{0.1, 0.2, 0.3, 0.4}, {-0.2, 0.1, 0.0, 0.3}}})
		out := SelfAttention(ctx, x).
			WithNumHeads(1).WithHeadDim(4).
			WithCausal(false).
			WithQueryInitializer(ones).
			Done()

		// Reference from first principles: all-ones projections reduce to
		// row sums s, scores s_i*s_j*headDim/sqrt(headDim) = 2*s_i*s_j, and
		// the ones output projection multiplies the attended sums by
		// headDim.
		s := ReduceSum(x, -1)
		scores := MulScalar(Einsum("bq,bk->bqk", s, s), 2)
		weights := Softmax(scores, -1)
		attended := MulScalar(Einsum("bqk,bk->bq", weights, s), 4)
		reference := BroadcastToDims(ExpandDims(attended, -1), 1, 2, 4)
		return ReduceAllMax(Abs(Sub(out.Output, reference)))
	})
	diff := exec.MustExec()[0].Value().(float32)
	assert.InDelta(t, 0, diff, 1e-5)

	queryWeights := ctx.GetVariableByScopeAndName("/query/dense", "weights")
	require.NotNil(t, queryWeights)
	queryValue, err := queryWeights.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, queryValue.Value().([][]float32)[0][0], 1e-6)

	keyWeights := ctx.GetVariableByScopeAndName("/key/dense", "weights")
	require.NotNil(t, keyWeights)
	keyValue, err := keyWeights.Value()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, keyValue.Value().([][]float32)[0][0], 1e-6)
}

// TestAttentionDropout groups tests for the two dropout paths.
func TestAttentionDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("RateZeroPassesStateThrough", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "RateZeroPassesStateThrough")
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 8))
		state := Zeros(g, RNGStateShape)
		out := SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).
			WithDropout(0).WithRngState(state).Done()
		assert.Same(t, state, out.RngState)
	})

	t.Run("ContextFallbackReturnsNoState", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "ContextFallbackReturnsNoState")
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 8))
		out := SelfAttention(ctx, x).WithNumHeads(2).WithHeadDim(4).
			WithDropout(0.5).Done()
		assert.Nil(t, out.RngState)
	})

	t.Run("KeyedDeterminism", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, state *Node) []*Node {
			g := state.Graph()
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 8, 4)), 0.01)
			out := SelfAttention(ctx, x).WithNumHeads(1).WithHeadDim(4).
				WithDropout(0.5).WithRngState(state).Done()
			return []*Node{out.Output, out.RngState}
		})

		stateA, err := RNGStateFromSeed(7)
		require.NoError(t, err)
		stateB, err := RNGStateFromSeed(8)
		require.NoError(t, err)

		first := exec.MustExec(stateA)
		second := exec.MustExec(stateA)
		third := exec.MustExec(stateB)

		// Same state, same pattern, bit for bit; a different seed diverges.
		require.True(t, first[0].Equal(second[0]))
		require.False(t, first[0].Equal(third[0]))
		// The state advances so chained steps draw fresh patterns.
		assert.False(t, first[1].Equal(stateA))
	})
}

// TestAttentionDecodeRotaryDefault checks decode mode rotates by the cache
// index when no positions are given.
func TestAttentionDecodeRotaryDefault(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Const(g, [][][]float32{{{0.3, -0.7, 1.1, 0.2}}})
		index := Const(g, []int32{2})
		attend := func(positions *Node) *Node {
			cache := &CacheNodes{
				Keys:   Zeros(g, shapes.Make(dtypes.Float32, 1, 1, 4, 4)),
				Values: Zeros(g, shapes.Make(dtypes.Float32, 1, 1, 4, 4)),
				Index:  index,
			}
			return SelfAttention(ctx, x).WithNumHeads(1).WithHeadDim(4).
				WithMode(ModeDecode).WithCache(cache).
				WithRotary(NewRotary(4), positions).
				Done().Output
		}
		return ReduceAllMax(Abs(Sub(attend(nil), attend(index))))
	})
	diff := exec.MustExec()[0].Value().(float32)
	assert.InDelta(t, 0, diff, 1e-6)
}
