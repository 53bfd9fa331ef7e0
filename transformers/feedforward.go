// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// FeedForwardBuilder configures the gated feed-forward block. Create it with
// FeedForward, configure and call Done.
type FeedForwardBuilder struct {
	ctx        *context.Context
	x          *Node
	hiddenDim  int
	activation activations.Type
	useBias    bool
}

// FeedForward creates the gated MLP block over x, shaped [batch, seq,
// embedDim]:
//
//	wo( activation(wi_0(x)) * wi_1(x) )
//
// wi_0 is the gate projection, wi_1 the linear one, both to hiddenDim; wo
// projects back to embedDim. The default activation is silu, making this the
// SwiGLU block; projections carry no bias unless WithBias is set.
//
// Variables live under the scopes "wi_0", "wi_1" and "wo" of ctx.
func FeedForward(ctx *context.Context, x *Node, hiddenDim int) *FeedForwardBuilder {
	return &FeedForwardBuilder{
		ctx:        ctx,
		x:          x,
		hiddenDim:  hiddenDim,
		activation: activations.TypeSilu,
	}
}

// WithActivation changes the gate activation. Default silu.
func (b *FeedForwardBuilder) WithActivation(activation activations.Type) *FeedForwardBuilder {
	b.activation = activation
	return b
}

// WithBias adds bias terms to the three projections. Default off.
func (b *FeedForwardBuilder) WithBias(use bool) *FeedForwardBuilder {
	b.useBias = use
	return b
}

// Done builds the block and returns the output, same shape as x.
func (b *FeedForwardBuilder) Done() *Node {
	if b.hiddenDim < 1 {
		exceptionConfig("HiddenDim", "must be >= 1, got %d", b.hiddenDim)
	}
	x := b.x
	gate := layers.Dense(b.ctx.In("wi_0"), x, b.useBias, b.hiddenDim)
	gate = activations.Apply(b.activation, gate)
	linear := layers.Dense(b.ctx.In("wi_1"), x, b.useBias, b.hiddenDim)
	hidden := Mul(gate, linear)
	return layers.Dense(b.ctx.In("wo"), hidden, b.useBias, x.Shape().Dim(-1))
}
