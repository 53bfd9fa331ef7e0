// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Rotary applies rotary position embeddings (RoPE, see RoFormer,
// https://arxiv.org/abs/2104.09864) to query or key tensors shaped
// [batchSize, seqLen, numHeads, headDim], using the interleaved pairing: the
// pair (x[..., 2i], x[..., 2i+1]) is rotated by angle position*freq_i with
// freq_i = baseFrequency^(-2i/headDim).
//
// Attention logits between rotated queries and keys depend only on the
// difference of their positions, which is what makes a cache entry written at
// one step reusable at every later step.
type Rotary struct {
	headDim       int
	baseFrequency float64
}

// NewRotary creates a rotary embedding for heads of the given dimension.
// headDim must be even; Apply throws a *ConfigurationError otherwise.
func NewRotary(headDim int) *Rotary {
	return &Rotary{
		headDim:       headDim,
		baseFrequency: 10000.0,
	}
}

// WithBaseFrequency changes the frequency base. Default is 10000.
func (r *Rotary) WithBaseFrequency(freq float64) *Rotary {
	r.baseFrequency = freq
	return r
}

// Apply rotates x by the given positions.
//
// x must be shaped [batchSize, seqLen, numHeads, headDim]. positions is an
// integer tensor in one of three shapes:
//
//   - scalar: the position of the first token, shared by every batch row;
//     token s gets position+s.
//   - [batchSize]: per-row first-token position (decoding ragged prompts).
//   - [batchSize, seqLen]: explicit absolute position of every token.
//
// Shape and dtype of x are preserved.
func (r *Rotary) Apply(x, positions *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	xShape := x.Shape()
	if r.headDim%2 != 0 {
		exceptionConfig("HeadDim", "rotary embedding requires an even head dimension, got %d", r.headDim)
	}
	if xShape.Rank() != 4 {
		exceptionShapeMismatch("Rotary.Apply", shapes.Shape{}, xShape,
			"operand must be rank-4 [batch, seq, heads, head_dim]")
	}
	if xShape.Dim(-1) != r.headDim {
		expected := xShape.Clone()
		expected.Dimensions[3] = r.headDim
		exceptionShapeMismatch("Rotary.Apply", expected, xShape,
			"last axis must equal the configured head dimension %d", r.headDim)
	}
	batchSize := xShape.Dim(0)
	seqLen := xShape.Dim(1)
	numHeads := xShape.Dim(2)
	half := r.headDim / 2

	posFloat := r.expandPositions(g, positions, batchSize, seqLen, dtype)

	// freq_i = baseFrequency^(-2i/headDim), i in [0, headDim/2).
	exponents := MulScalar(Iota(g, shapes.Make(dtype, half), 0), 2.0/float64(r.headDim))
	invFreqs := Reciprocal(Pow(Scalar(g, dtype, r.baseFrequency), exponents))

	// Outer product positions x frequencies, the head axis left at 1 so the
	// angles broadcast over all heads: [batch, seq, 1, half].
	angles := Mul(
		ExpandDims(ExpandDims(posFloat, -1), -1),
		ExpandLeftToRank(invFreqs, 4))
	cos := Cos(angles)
	sin := Sin(angles)
	cos = BroadcastToDims(cos, batchSize, seqLen, numHeads, half)
	sin = BroadcastToDims(sin, batchSize, seqLen, numHeads, half)

	// Interleaved pairs: even lanes hold the first coordinate of each pair,
	// odd lanes the second.
	x1 := Slice(x, AxisRange().Spacer(), AxisRange(0, r.headDim).Stride(2))
	x2 := Slice(x, AxisRange().Spacer(), AxisRange(1, r.headDim).Stride(2))

	rotated1 := Sub(Mul(x1, cos), Mul(x2, sin))
	rotated2 := Add(Mul(x1, sin), Mul(x2, cos))

	// Stack the pair coordinates side by side and flatten, restoring the
	// interleaving.
	paired := Stack([]*Node{rotated1, rotated2}, -1)
	return Reshape(paired, batchSize, seqLen, numHeads, r.headDim)
}

// expandPositions normalizes the accepted position shapes to a [batch, seq]
// tensor of the target dtype.
func (r *Rotary) expandPositions(g *Graph, positions *Node, batchSize, seqLen int, dtype dtypes.DType) *Node {
	if !positions.DType().IsInt() {
		exceptionShapeMismatch("Rotary.Apply", shapes.Shape{}, positions.Shape(),
			"positions must be an integer tensor, got %s", positions.DType())
	}
	pos := ConvertDType(positions, dtype)
	offsets := Iota(g, shapes.Make(dtype, seqLen), 0)
	switch pos.Rank() {
	case 0:
		row := Add(ExpandDims(pos, 0), offsets)
		return BroadcastToDims(ExpandDims(row, 0), batchSize, seqLen)
	case 1:
		if pos.Shape().Dim(0) != batchSize {
			exceptionShapeMismatch("Rotary.Apply", shapes.Make(positions.DType(), batchSize), positions.Shape(),
				"per-row start positions must have one entry per batch row")
		}
		return Add(ExpandDims(pos, -1), ExpandDims(offsets, 0))
	case 2:
		if pos.Shape().Dim(0) != batchSize || pos.Shape().Dim(1) != seqLen {
			exceptionShapeMismatch("Rotary.Apply", shapes.Make(positions.DType(), batchSize, seqLen), positions.Shape(),
				"explicit positions must match the operand batch and sequence dimensions")
		}
		return pos
	}
	exceptionShapeMismatch("Rotary.Apply", shapes.Make(positions.DType(), batchSize, seqLen), positions.Shape(),
		"positions must be scalar, [batch] or [batch, seq]")
	return nil
}
