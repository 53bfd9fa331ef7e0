// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// StepSignature returns the input shapes of one decode step for a fixed
// batch size, in order: the incoming token's hidden states, the cache keys,
// values and fill counts and, when the configuration enables dropout, the
// random number generator state. It needs no backend, so callers can size
// buffers or plan device memory before compiling anything.
func StepSignature(cfg *Config, batchSize int) []shapes.Shape {
	signature := []shapes.Shape{
		shapes.Make(cfg.DType, batchSize, 1, cfg.EmbedDim),
		shapes.Make(cfg.CacheDType, batchSize, cfg.NumHeads, cfg.HeadDim, cfg.MaxLength),
		shapes.Make(cfg.CacheDType, batchSize, cfg.NumHeads, cfg.HeadDim, cfg.MaxLength),
		shapes.Make(dtypes.Int32, batchSize),
	}
	if cfg.DropoutRate > 0 {
		signature = append(signature, RNGStateShape)
	}
	return signature
}

// ZeroInputs returns zero-valued tensors matching the signature, one per
// shape.
func ZeroInputs(signature []shapes.Shape) []*tensors.Tensor {
	inputs := make([]*tensors.Tensor, len(signature))
	for i, s := range signature {
		inputs[i] = tensors.FromShape(s)
	}
	return inputs
}

// decodeStepGraph returns the graph function of one decode step. Inputs
// follow StepSignature; outputs are the layer output, the three updated
// cache tensors and then, when present, the new RNG state and the
// activation metrics.
func decodeStepGraph(cfg *Config) func(ctx *context.Context, inputs []*Node) []*Node {
	return sessionGraph(cfg, ModeDecode)
}

// StepReport summarizes a compiled decode step.
type StepReport struct {
	// NumNodes is the number of nodes of the compiled graph.
	NumNodes int

	// NumVariables and VariableBytes count the layer variables and the
	// memory they occupy.
	NumVariables  int
	VariableBytes uintptr

	// InputBytes is the memory of one set of step inputs, cache included.
	InputBytes uintptr
}

// String implements fmt.Stringer.
func (r StepReport) String() string {
	return fmt.Sprintf("%s nodes, %s variables (%s), %s of inputs per step",
		humanize.Comma(int64(r.NumNodes)), humanize.Comma(int64(r.NumVariables)),
		humanize.Bytes(uint64(r.VariableBytes)), humanize.Bytes(uint64(r.InputBytes)))
}

// CompiledStep is a decode step compiled ahead of time for one batch size.
type CompiledStep struct {
	// Exec runs one step. Arguments follow StepSignature; results are the
	// layer output, the updated cache tensors and, when the configuration
	// enables dropout or metrics, the new RNG state and the metric values.
	Exec *context.Exec

	// Graph is the compiled computation, useful for inspection.
	Graph *Graph

	// Report summarizes the compiled computation.
	Report StepReport
}

// Finalize releases the exec and its compiled graphs.
func (s *CompiledStep) Finalize() {
	s.Exec.Finalize()
}

// CompileDecodeStep builds and compiles the graph of one decode step by
// executing it once over zero-valued inputs, initializing the layer
// variables on the way. The returned exec serves steps of the given batch
// size; calling it with any other shapes triggers a new compilation.
//
// A nil ctx creates a fresh one. The context is set to Checked(false) so the
// step graph shares variables with graphs built earlier from the same
// context, e.g. a prefill graph or a loaded checkpoint.
func CompileDecodeStep(backend backends.Backend, ctx *context.Context, cfg *Config, batchSize int) (*CompiledStep, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, errors.Errorf("batchSize must be at least 1, got %d", batchSize)
	}
	if ctx == nil {
		ctx = context.New()
	}
	ctx = ctx.Checked(false)
	exec, err := context.NewExec(backend, ctx, decodeStepGraph(cfg))
	if err != nil {
		return nil, errors.WithMessage(err, "creating decode step exec")
	}
	signature := StepSignature(cfg, batchSize)
	inputs := ZeroInputs(signature)
	args := make([]any, len(inputs))
	for i, input := range inputs {
		args[i] = input
	}
	_, g, err := exec.ExecWithGraph(args...)
	if err != nil {
		exec.Finalize()
		return nil, errors.WithMessagef(err, "compiling decode step for batch size %d", batchSize)
	}

	report := StepReport{NumNodes: len(g.Nodes())}
	for v := range ctx.IterVariables() {
		report.NumVariables++
		report.VariableBytes += v.Shape().Memory()
	}
	for _, s := range signature {
		report.InputBytes += s.Memory()
	}
	return &CompiledStep{Exec: exec, Graph: g, Report: report}, nil
}
