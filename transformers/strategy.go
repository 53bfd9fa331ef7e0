// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Strategy computes the attention output from projected queries, keys and
// values. Implementations must be interchangeable: the same inputs produce
// the same result up to floating-point association.
//
// Tensors use the natural layout: query [batch, queryLen, numHeads, headDim],
// key and value [batch, keyLen, numHeads, headDim]. bias is an additive
// attention bias broadcastable to [batch, numHeads, queryLen, keyLen], or
// nil. weightsHook, when non-nil, transforms the post-softmax weights
// (dropout) and must preserve their shape.
type Strategy interface {
	// Name identifies the strategy in logs and error messages.
	Name() string

	// Attend computes softmax(scores + bias) · value and returns the
	// natural-layout output [batch, queryLen, numHeads, headDim].
	Attend(query, key, value, bias *Node, weightsHook WeightsHook) *Node
}

// WeightsHook post-processes post-softmax attention weights, shaped
// [batch, numHeads, queryLen, keyLen].
type WeightsHook func(weights *Node) *Node

// DenseStrategy materializes the whole score matrix at once. It is the
// default.
type DenseStrategy struct{}

func (DenseStrategy) Name() string { return "dense" }

func (DenseStrategy) Attend(query, key, value, bias *Node, weightsHook WeightsHook) *Node {
	return attendDense(query, key, value, bias, weightsHook)
}

// attendDense is the shared score path. There is no 1/sqrt(headDim) factor
// on the logits: the query projection carries the depth scaling in its
// initializer.
func attendDense(query, key, value, bias *Node, weightsHook WeightsHook) *Node {
	scores := Einsum("bqhd,bkhd->bhqk", query, key)
	if bias != nil {
		scores = Add(scores, bias)
	}
	weights := Softmax(scores, -1)
	if weightsHook != nil {
		weights = weightsHook(weights)
	}
	return Einsum("bhqk,bkhd->bqhd", weights, value)
}

// ChunkedStrategy processes queries in chunks along the query axis, each
// chunk running its softmax against the full keys. Peak score-matrix size
// drops from queryLen x keyLen to QueryChunk x keyLen. A queryLen not
// divisible by QueryChunk leaves a shorter tail chunk.
type ChunkedStrategy struct {
	// QueryChunk is the number of query positions per chunk. Must be >= 1.
	QueryChunk int
}

func (s ChunkedStrategy) Name() string { return fmt.Sprintf("chunked(%d)", s.QueryChunk) }

func (s ChunkedStrategy) Attend(query, key, value, bias *Node, weightsHook WeightsHook) *Node {
	if s.QueryChunk < 1 {
		exceptionConfig("QueryChunk", "must be >= 1, got %d", s.QueryChunk)
	}
	queryLen := query.Shape().Dim(1)
	if s.QueryChunk >= queryLen {
		return attendDense(query, key, value, bias, weightsHook)
	}
	var outputs []*Node
	for start := 0; start < queryLen; start += s.QueryChunk {
		stop := min(start+s.QueryChunk, queryLen)
		queryChunk := Slice(query, AxisRange(), AxisRange(start, stop))
		biasChunk := bias
		if bias != nil && bias.Shape().Dim(2) != 1 {
			biasChunk = Slice(bias, AxisRange(), AxisRange(), AxisRange(start, stop))
		}
		outputs = append(outputs, attendDense(queryChunk, key, value, biasChunk, weightsHook))
	}
	return Concatenate(outputs, 1)
}
