// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// CacheState is the host-side key/value cache of one decoder layer.
//
// Keys and Values are stored time-last, [batchSize, numHeads, headDim,
// maxLength]: with the time axis innermost, the one-hot update of a decode
// step touches contiguous lanes. Index is [batchSize] int32 and counts the
// positions already filled per batch row, which is also the position the next
// token will occupy.
//
// The cache is an explicit value owned by the caller and threaded through
// execution: feed Inputs() to an executor alongside the step inputs and
// Absorb() the matching outputs. Nothing is hidden inside layer objects, so
// snapshotting, rewinding or running several generations concurrently is a
// matter of keeping several CacheState values.
type CacheState struct {
	Keys   *tensors.Tensor
	Values *tensors.Tensor
	Index  *tensors.Tensor
}

// NewCacheState creates a zero-initialized cache for the given batch size,
// with geometry and dtype taken from cfg.
func NewCacheState(cfg *Config, batchSize int) (*CacheState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, &ConfigurationError{Field: "batchSize", Detail: fmt.Sprintf("must be >= 1, got %d", batchSize)}
	}
	kvShape := shapes.Make(cfg.CacheDType, batchSize, cfg.NumHeads, cfg.HeadDim, cfg.MaxLength)
	return &CacheState{
		Keys:   tensors.FromShape(kvShape),
		Values: tensors.FromShape(kvShape),
		Index:  tensors.FromShape(shapes.Make(dtypes.Int32, batchSize)),
	}, nil
}

// BatchSize returns the number of batch rows the cache was built for.
func (c *CacheState) BatchSize() int { return c.Keys.Shape().Dim(0) }

// MaxLength returns the cache capacity in tokens.
func (c *CacheState) MaxLength() int { return c.Keys.Shape().Dim(-1) }

// Memory returns the total bytes held by the cache tensors.
func (c *CacheState) Memory() uintptr {
	return c.Keys.Memory() + c.Values.Memory() + c.Index.Memory()
}

// Positions returns the per-row fill counts as a Go slice.
func (c *CacheState) Positions() []int32 {
	return c.Index.Value().([]int32)
}

// EnsureCapacity returns a *CacheStateError if writing tokens more positions
// would run past maxLength on any batch row. The one-hot decode update would
// otherwise silently drop the overflowing token, since there is no column for
// it to land in.
func (c *CacheState) EnsureCapacity(tokens int) error {
	maxLength := c.MaxLength()
	for _, index := range c.Positions() {
		if int(index)+tokens > maxLength {
			return &CacheStateError{
				Index:     int(index),
				MaxLength: maxLength,
				Detail:    fmt.Sprintf("cannot hold %d more token(s)", tokens),
			}
		}
	}
	return nil
}

// Inputs returns the cache tensors in the order CacheNodesFromInputs and
// Absorb expect: keys, values, index.
func (c *CacheState) Inputs() []*tensors.Tensor {
	return []*tensors.Tensor{c.Keys, c.Values, c.Index}
}

// Absorb replaces the state with the tensors produced by an executed step,
// given in Inputs order. Shapes must match the current state.
func (c *CacheState) Absorb(outputs []*tensors.Tensor) error {
	if len(outputs) != 3 {
		return errors.Errorf("cache step must produce 3 tensors (keys, values, index), got %d", len(outputs))
	}
	current := c.Inputs()
	names := []string{"keys", "values", "index"}
	for i, output := range outputs {
		if !output.Shape().Equal(current[i].Shape()) {
			return &ShapeMismatchError{
				Op:       "CacheState.Absorb",
				Expected: current[i].Shape(),
				Actual:   output.Shape(),
				Detail:   names[i] + " output does not match the cache",
			}
		}
	}
	c.Keys, c.Values, c.Index = outputs[0], outputs[1], outputs[2]
	return nil
}

// CacheNodes are the graph handles of a CacheState fed as graph inputs,
// with the same layouts: Keys/Values [batchSize, numHeads, headDim,
// maxLength], Index [batchSize] int32.
//
// The write methods are functional: they return a new CacheNodes, leaving the
// receiver pointing at the pre-write nodes.
type CacheNodes struct {
	Keys   *Node
	Values *Node
	Index  *Node
}

// CacheNodesFromInputs bundles three graph inputs, in CacheState.Inputs
// order, into CacheNodes.
func CacheNodesFromInputs(inputs []*Node) *CacheNodes {
	if len(inputs) != 3 {
		Panicf("CacheNodesFromInputs: expected 3 inputs (keys, values, index), got %d", len(inputs))
	}
	c := &CacheNodes{Keys: inputs[0], Values: inputs[1], Index: inputs[2]}
	if c.Keys.Rank() != 4 || !c.Keys.Shape().Equal(c.Values.Shape()) {
		exceptionShapeMismatch("CacheNodesFromInputs", c.Keys.Shape(), c.Values.Shape(),
			"keys and values must be equal rank-4 shapes [batch, heads, head_dim, max_length]")
	}
	if c.Index.Rank() != 1 || c.Index.Shape().Dim(0) != c.Keys.Shape().Dim(0) {
		exceptionShapeMismatch("CacheNodesFromInputs",
			shapes.Make(dtypes.Int32, c.Keys.Shape().Dim(0)), c.Index.Shape(),
			"index must be [batch] int32")
	}
	return c
}

// Outputs flattens the cache nodes back into CacheState.Inputs order, to be
// returned from a step's graph function.
func (c *CacheNodes) Outputs() []*Node {
	return []*Node{c.Keys, c.Values, c.Index}
}

// MaxLength returns the cache capacity in tokens.
func (c *CacheNodes) MaxLength() int { return c.Keys.Shape().Dim(-1) }

// WritePrefill overwrites the whole cache with a prompt's keys and values,
// given in natural layout [batchSize, seqLen, numHeads, headDim] with
// seqLen <= maxLength. They are stored axis-swapped into the time-last
// layout, zero-padded on the time axis, and every row's index becomes seqLen.
func (c *CacheNodes) WritePrefill(newKeys, newValues *Node) *CacheNodes {
	g := c.Keys.Graph()
	c.validateEntry("CacheNodes.WritePrefill", newKeys, -1)
	c.validateEntry("CacheNodes.WritePrefill", newValues, -1)
	if !newKeys.Shape().Equal(newValues.Shape()) {
		exceptionShapeMismatch("CacheNodes.WritePrefill", newKeys.Shape(), newValues.Shape(),
			"keys and values must have the same shape")
	}
	seqLen := newKeys.Shape().Dim(1)
	maxLength := c.MaxLength()
	if seqLen > maxLength {
		exceptionCacheState(seqLen, maxLength, "prompt is longer than the cache")
	}

	store := func(entry *Node) *Node {
		swapped := TransposeAllAxes(ConvertDType(entry, c.Keys.DType()), 0, 2, 3, 1)
		if seqLen == maxLength {
			return swapped
		}
		dims := swapped.Shape().Clone().Dimensions
		dims[3] = maxLength - seqLen
		padding := Zeros(g, shapes.Make(swapped.DType(), dims...))
		return Concatenate([]*Node{swapped, padding}, -1)
	}

	index := make([]int32, c.Keys.Shape().Dim(0))
	for i := range index {
		index[i] = int32(seqLen)
	}
	return &CacheNodes{
		Keys:   store(newKeys),
		Values: store(newValues),
		Index:  Const(g, index),
	}
}

// WriteDecode writes exactly one new token per batch row at the current
// index and advances the index by one. newKeys and newValues arrive in
// natural layout [batchSize, 1, numHeads, headDim].
//
// The column update is a one-hot blend, cache*(1-oneHot) + entry*oneHot,
// which lowers to plain broadcast arithmetic: no scatter and no dynamic
// slice assignment, so the op stays trivially differentiable and
// shardable on the time axis. Every column other than index is unchanged
// bit for bit.
func (c *CacheNodes) WriteDecode(newKeys, newValues *Node) *CacheNodes {
	c.validateEntry("CacheNodes.WriteDecode", newKeys, 1)
	c.validateEntry("CacheNodes.WriteDecode", newValues, 1)

	oneHot := OneHot(c.Index, c.MaxLength(), c.Keys.DType())
	oneHot = ExpandDims(ExpandDims(oneHot, 1), 1)
	keep := OneMinus(oneHot)

	blend := func(cache, entry *Node) *Node {
		column := TransposeAllAxes(ConvertDType(entry, cache.DType()), 0, 2, 3, 1)
		return Add(Mul(cache, keep), Mul(column, oneHot))
	}
	return &CacheNodes{
		Keys:   blend(c.Keys, newKeys),
		Values: blend(c.Values, newValues),
		Index:  OnePlus(c.Index),
	}
}

// Read returns the cached keys and values restored to natural layout
// [batchSize, maxLength, numHeads, headDim], converted to dtype. Columns at
// or past the fill index hold zeros; the attention mask is what keeps them
// out of the result.
func (c *CacheNodes) Read(dtype dtypes.DType) (keys, values *Node) {
	keys = ConvertDType(TransposeAllAxes(c.Keys, 0, 3, 1, 2), dtype)
	values = ConvertDType(TransposeAllAxes(c.Values, 0, 3, 1, 2), dtype)
	return
}

// validateEntry checks an incoming key or value tensor against the cache
// geometry. wantSeqLen of -1 accepts any length.
func (c *CacheNodes) validateEntry(op string, entry *Node, wantSeqLen int) {
	batchSize := c.Keys.Shape().Dim(0)
	numHeads := c.Keys.Shape().Dim(1)
	headDim := c.Keys.Shape().Dim(2)
	seqLen := wantSeqLen
	if seqLen == -1 && entry.Rank() == 4 {
		seqLen = entry.Shape().Dim(1)
	}
	expected := shapes.Make(entry.DType(), batchSize, seqLen, numHeads, headDim)
	if entry.Rank() != 4 || !expected.Equal(entry.Shape()) {
		exceptionShapeMismatch(op, expected, entry.Shape(),
			"entries must arrive in natural layout [batch, seq, heads, head_dim]")
	}
}
