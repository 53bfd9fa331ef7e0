// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session drives incremental decoding of one batch of sequences: a Prefill
// over the prompt's hidden states followed by one Step per generated token.
// The session owns the cache and, when dropout is enabled, the RNG state,
// and threads both through the compiled graphs.
//
// A Session is not safe for concurrent use.
type Session struct {
	id      string
	backend backends.Backend
	ctx     *context.Context
	cfg     *Config

	prefillExec *context.Exec
	stepExec    *context.Exec

	cache    *CacheState
	rngState *tensors.Tensor
	metrics  []*tensors.Tensor
}

// NewSession creates a decode session for the given configuration. A nil ctx
// creates a fresh one; passing a context with loaded variables reuses them.
// Prefill must be called before the first Step.
func NewSession(backend backends.Backend, ctx *context.Context, cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.New()
	}
	// Checked(false) -> the prefill and step graphs share the same weights.
	ctx = ctx.Checked(false)
	s := &Session{
		id:      uuid.NewString(),
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
	}
	var err error
	s.prefillExec, err = context.NewExec(backend, ctx, sessionGraph(cfg, ModePrefill))
	if err != nil {
		return nil, errors.WithMessagef(err, "session %s: creating prefill exec", s.id)
	}
	s.stepExec, err = context.NewExec(backend, ctx, sessionGraph(cfg, ModeDecode))
	if err != nil {
		s.prefillExec.Finalize()
		return nil, errors.WithMessagef(err, "session %s: creating step exec", s.id)
	}
	if cfg.DropoutRate > 0 {
		s.rngState, err = RNGState()
		if err != nil {
			s.Finalize()
			return nil, errors.WithMessagef(err, "session %s: initializing RNG state", s.id)
		}
	}
	klog.V(1).Infof("session %s: created for %s", s.id, cfg)
	return s, nil
}

// sessionGraph returns the graph function of one session call in the given
// mode. It matches decodeStepGraph except that prefill accepts a full
// prompt, so the two graphs interleave over the same variables.
func sessionGraph(cfg *Config, mode Mode) func(ctx *context.Context, inputs []*Node) []*Node {
	return func(ctx *context.Context, inputs []*Node) []*Node {
		layer := DecoderLayer(ctx, cfg, inputs[0]).
			WithMode(mode).
			WithCache(CacheNodesFromInputs(inputs[1:4]))
		if cfg.DropoutRate > 0 {
			layer = layer.WithRngState(inputs[4])
		}
		out := layer.Done()
		outputs := append([]*Node{out.Output}, out.Cache.Outputs()...)
		if out.RngState != nil {
			outputs = append(outputs, out.RngState)
		}
		if out.Metrics != nil {
			outputs = append(outputs, out.Metrics.Nodes()...)
		}
		return outputs
	}
}

// ID returns the session identifier used in logs and error messages.
func (s *Session) ID() string { return s.id }

// Cache returns the session cache, nil before the first Prefill.
func (s *Session) Cache() *CacheState { return s.cache }

// Metrics returns the activation metric values of the latest Prefill or
// Step as [mean, stdev, fraction_zero] scalars. It returns nil unless
// Config.CollectMetrics is set.
func (s *Session) Metrics() []*tensors.Tensor { return s.metrics }

// WithRngSeed replaces the session RNG state with one derived from seed, so
// dropout draws become reproducible. It only has an effect when the
// configuration enables dropout. Call it before the first Prefill.
func (s *Session) WithRngSeed(seed int64) *Session {
	if s.cfg.DropoutRate <= 0 {
		return s
	}
	state, err := RNGStateFromSeed(seed)
	if err != nil {
		panic(errors.WithMessagef(err, "session %s: seeding RNG state", s.id))
	}
	s.rngState = state
	return s
}

// Prefill resets the session cache and processes the whole prompt, shaped
// [batchSize, seqLen, embedDim]. It returns the layer output for every
// prompt position. A second Prefill discards the previous cache and starts
// the sequence over.
func (s *Session) Prefill(prompt *tensors.Tensor) (*tensors.Tensor, error) {
	if prompt == nil {
		return nil, errors.Errorf("session %s: prompt must not be nil", s.id)
	}
	if prompt.Rank() != 3 || prompt.Shape().Dim(-1) != s.cfg.EmbedDim {
		return nil, errors.WithStack(&ShapeMismatchError{
			Op:     "Session.Prefill",
			Actual: prompt.Shape(),
			Detail: fmt.Sprintf("prompt must be [batchSize, seqLen, %d]", s.cfg.EmbedDim),
		})
	}
	batchSize := prompt.Shape().Dim(0)
	seqLen := prompt.Shape().Dim(1)
	cache, err := NewCacheState(s.cfg, batchSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "session %s: allocating cache", s.id)
	}
	if err = cache.EnsureCapacity(seqLen); err != nil {
		return nil, errors.WithMessagef(err, "session %s: prompt of %d tokens", s.id, seqLen)
	}
	s.cache = cache
	output, err := s.run(s.prefillExec, prompt)
	if err != nil {
		s.cache = nil
		return nil, errors.WithMessagef(err, "session %s: prefill of %d tokens", s.id, seqLen)
	}
	klog.V(1).Infof("session %s: prefilled %d tokens for batch size %d", s.id, seqLen, batchSize)
	return output, nil
}

// Step processes one generated token per sequence, shaped
// [batchSize, 1, embedDim], and returns the layer output with the same
// shape. It fails with a CacheStateError once the cache is full.
func (s *Session) Step(token *tensors.Tensor) (*tensors.Tensor, error) {
	if s.cache == nil {
		return nil, errors.Errorf("session %s: Step called before Prefill", s.id)
	}
	expected := shapes.Make(s.cfg.DType, s.cache.BatchSize(), 1, s.cfg.EmbedDim)
	if token == nil || !token.Shape().Equal(expected) {
		var actual shapes.Shape
		if token != nil {
			actual = token.Shape()
		}
		return nil, errors.WithStack(&ShapeMismatchError{
			Op:       "Session.Step",
			Expected: expected,
			Actual:   actual,
			Detail:   "one token per sequence",
		})
	}
	if err := s.cache.EnsureCapacity(1); err != nil {
		return nil, errors.WithMessagef(err, "session %s", s.id)
	}
	output, err := s.run(s.stepExec, token)
	if err != nil {
		return nil, errors.WithMessagef(err, "session %s: decode step at position %d", s.id, s.cache.Positions()[0])
	}
	klog.V(2).Infof("session %s: decoded one token, %d positions filled", s.id, s.cache.Positions()[0])
	return output, nil
}

// run executes one compiled graph over x and the session state and folds
// the updated state back into the session.
func (s *Session) run(exec *context.Exec, x *tensors.Tensor) (*tensors.Tensor, error) {
	args := make([]any, 0, 5)
	args = append(args, x)
	for _, input := range s.cache.Inputs() {
		args = append(args, input)
	}
	if s.rngState != nil {
		args = append(args, s.rngState)
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { results = exec.MustExec(args...) })
	if err != nil {
		return nil, err
	}
	output := results[0]
	if err = s.cache.Absorb(results[1:4]); err != nil {
		return nil, err
	}
	next := 4
	if s.rngState != nil {
		s.rngState = results[next]
		next++
	}
	if s.cfg.CollectMetrics {
		s.metrics = results[next:]
	}
	return output, nil
}

// Finalize releases the execs and their compiled graphs. The session must
// not be used afterwards.
func (s *Session) Finalize() {
	if s.prefillExec != nil {
		s.prefillExec.Finalize()
		s.prefillExec = nil
	}
	if s.stepExec != nil {
		s.stepExec.Finalize()
		s.stepExec = nil
	}
	s.cache = nil
}
