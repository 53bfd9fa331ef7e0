// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// MaskedLogitBias is the additive bias applied to attention logits at
// masked-out positions: large enough to zero them after softmax, small enough
// not to overflow float16.
const MaskedLogitBias = -1.0e10

// Attention masks are boolean, true meaning "may attend", and are shaped
// [batch|1, numHeads|1, queryLen|1, keyLen] so they broadcast against the
// attention logits. Attention biases are float tensors of the same
// broadcastable shapes, added to the logits. A nil mask or bias means
// "unconstrained" and composes as the identity.

// CombineMasks reduces the given masks with a logical AND. Nil entries are
// skipped; it returns nil when every entry is nil. All non-nil masks must be
// rank-4 booleans with broadcast-compatible dimensions.
func CombineMasks(masks ...*Node) *Node {
	var combined *Node
	for _, mask := range masks {
		if mask == nil {
			continue
		}
		validateMaskOrBias("CombineMasks", mask, combined)
		if mask.DType() != dtypes.Bool {
			exceptionShapeMismatch("CombineMasks", shapes.Make(dtypes.Bool, mask.Shape().Dimensions...), mask.Shape(),
				"masks must be boolean")
		}
		if combined == nil {
			combined = mask
		} else {
			combined = And(combined, mask)
		}
	}
	return combined
}

// CombineBiases sums the given additive biases. Nil entries are skipped; it
// returns nil when every entry is nil. All non-nil biases must be rank-4 with
// broadcast-compatible dimensions.
func CombineBiases(biases ...*Node) *Node {
	var combined *Node
	for _, bias := range biases {
		if bias == nil {
			continue
		}
		validateMaskOrBias("CombineBiases", bias, combined)
		if combined == nil {
			combined = bias
		} else {
			combined = Add(combined, bias)
		}
	}
	return combined
}

// MaskToBias converts a boolean mask to an additive bias of the given dtype:
// 0 where the mask is true, MaskedLogitBias where it is false.
func MaskToBias(mask *Node, dtype dtypes.DType) *Node {
	g := mask.Graph()
	zeros := Zeros(g, shapes.Make(dtype, mask.Shape().Dimensions...))
	masked := AddScalar(zeros, MaskedLogitBias)
	return Where(mask, zeros, masked)
}

// CausalMask builds the lower-triangular attention mask for a full pass with
// queries at positions [0, queryLen) and keys at positions [0, keyLen):
// boolean [1, 1, queryLen, keyLen], true where keyPos <= queryPos.
//
// With keyLen > queryLen (prefill into a zero-padded cache) the triangular
// rule also excludes every not-yet-written key column.
func CausalMask(g *Graph, queryLen, keyLen int) *Node {
	queryPos := Iota(g, shapes.Make(dtypes.Int32, queryLen), 0)
	keyPos := Iota(g, shapes.Make(dtypes.Int32, keyLen), 0)
	mask := GreaterOrEqual(ExpandDims(queryPos, -1), ExpandDims(keyPos, 0))
	return ExpandDims(ExpandDims(mask, 0), 0)
}

// DecodeCausalMask builds the single causal row of a decode step: boolean
// [batch, 1, 1, maxLength], true where the key position is at or before the
// current index. index is the [batch] cache fill count before the step, which
// is also the position of the token being decoded, so the new token attends
// to itself and everything already cached.
func DecodeCausalMask(index *Node, maxLength int) *Node {
	g := index.Graph()
	if index.Rank() != 1 {
		exceptionShapeMismatch("DecodeCausalMask", shapes.Shape{}, index.Shape(),
			"index must be rank-1 [batch]")
	}
	keyPos := Iota(g, shapes.Make(index.DType(), maxLength), 0)
	mask := LessOrEqual(ExpandDims(keyPos, 0), ExpandDims(index, -1))
	return ExpandDims(ExpandDims(mask, 1), 1)
}

// SegmentMask builds the sequence-packing mask: boolean
// [batch, 1, queryLen, keyLen], true where query and key belong to the same
// segment. Segment ids are integer tensors [batch, queryLen] and
// [batch, keyLen].
func SegmentMask(querySegments, keySegments *Node) *Node {
	if querySegments.Rank() != 2 || keySegments.Rank() != 2 {
		exceptionShapeMismatch("SegmentMask", shapes.Shape{}, querySegments.Shape(),
			"segment ids must be rank-2 [batch, seq], got %s and %s", querySegments.Shape(), keySegments.Shape())
	}
	mask := Equal(ExpandDims(querySegments, -1), ExpandDims(keySegments, 1))
	return ExpandDims(mask, 1)
}

// DynamicBiasRow selects, per batch row, the single query row of a full
// attention bias at a runtime index: bias [1|batch, numHeads, queryLen,
// keyLen] and index [batch] yield [batch, numHeads, 1, keyLen].
//
// The selection is a one-hot contraction over the query axis, the same
// primitive the cache update uses, so it stays batched even though each row
// picks a different position.
func DynamicBiasRow(bias, index *Node) *Node {
	if bias.Rank() != 4 {
		exceptionShapeMismatch("DynamicBiasRow", shapes.Shape{}, bias.Shape(),
			"bias must be rank-4 [batch, heads, queryLen, keyLen]")
	}
	if index.Rank() != 1 {
		exceptionShapeMismatch("DynamicBiasRow", shapes.Shape{}, index.Shape(),
			"index must be rank-1 [batch]")
	}
	batchSize := index.Shape().Dim(0)
	if bias.Shape().Dim(0) == 1 && batchSize > 1 {
		dims := bias.Shape().Dimensions
		bias = BroadcastToDims(bias, batchSize, dims[1], dims[2], dims[3])
	}
	queryLen := bias.Shape().Dim(2)
	oneHot := OneHot(index, queryLen, bias.DType())
	row := Einsum("bq,bhqk->bhk", oneHot, bias)
	return ExpandDims(row, 2)
}

// ComposeAttentionBias combines boolean masks and additive biases into the
// single additive bias consumed by the attention core: masks are ANDed and
// converted (true to 0, false to MaskedLogitBias), then summed with the
// biases. It returns nil when every input is nil, meaning no bias is applied
// at all.
func ComposeAttentionBias(dtype dtypes.DType, masks []*Node, biases []*Node) *Node {
	mask := CombineMasks(masks...)
	var all []*Node
	if mask != nil {
		all = append(all, MaskToBias(mask, dtype))
	}
	all = append(all, biases...)
	return CombineBiases(all...)
}

// validateMaskOrBias checks rank and broadcast compatibility against the
// combination accumulated so far.
func validateMaskOrBias(op string, operand, combined *Node) {
	if operand.Rank() != 4 {
		exceptionShapeMismatch(op, shapes.Shape{}, operand.Shape(),
			"operands must be rank-4 [batch|1, heads|1, queryLen|1, keyLen]")
	}
	if combined == nil {
		return
	}
	for axis := range 4 {
		a, b := combined.Shape().Dim(axis), operand.Shape().Dim(axis)
		if a != b && a != 1 && b != 1 {
			exceptionShapeMismatch(op, combined.Shape(), operand.Shape(),
				"axis %d is neither equal nor broadcastable", axis)
		}
	}
}
