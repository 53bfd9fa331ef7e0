// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// llama_demo exercises a randomly initialized llama-style decoder stack:
// it compiles one decode step ahead of time, prefills a synthetic prompt
// and then decodes token by token through the key/value caches, reporting
// throughput, cache memory and activation statistics.
//
// There is no vocabulary or embedding table here; the last layer's output
// feeds straight back in as the next token's hidden states, which is all it
// takes to exercise the caches end to end.
//
// Usage:
//
//	go run ./cmd/llama_demo
//	go run ./cmd/llama_demo --embed-dim=512 --num-heads=8 --steps=128
//	go run ./cmd/llama_demo --dropout=0.1 --seed=42 --metrics=false
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/llama/transformers"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBatchSize = flag.Int("batch", 1, "Number of sequences decoded in parallel.")
	flagEmbedDim  = flag.Int("embed-dim", 256, "Model (residual stream) dimension.")
	flagNumHeads  = flag.Int("num-heads", 8, "Number of attention heads.")
	flagHeadDim   = flag.Int("head-dim", 32, "Dimension of each attention head.")
	flagMaxLen    = flag.Int("max-len", 512, "Cache capacity: maximum prompt plus generated tokens.")
	flagLayers    = flag.Int("layers", 2, "Number of stacked decoder layers.")
	flagPromptLen = flag.Int("prompt-len", 16, "Synthetic prompt length in tokens.")
	flagSteps     = flag.Int("steps", 64, "Number of decode steps.")
	flagDropout   = flag.Float64("dropout", 0, "Dropout rate; positive values make decoding stochastic.")
	flagSeed      = flag.Int64("seed", 0, "Seed for dropout draws (0 = non-deterministic).")
	flagMetrics   = flag.Bool("metrics", true, "Collect and print activation statistics.")
	flagBackend   = flag.String("backend", "", "Backend to use (default: auto-detect).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagBackend != "" {
		if err := os.Setenv("GOMLX_BACKEND", *flagBackend); err != nil {
			klog.Warningf("Failed to set backend: %v", err)
		}
	}
	if *flagPromptLen+*flagSteps > *flagMaxLen {
		klog.Fatalf("Prompt (%d) plus steps (%d) exceed the cache capacity (%d)",
			*flagPromptLen, *flagSteps, *flagMaxLen)
	}

	cfg := transformers.NewConfig(*flagEmbedDim, *flagNumHeads, *flagHeadDim, *flagMaxLen).
		WithDropout(*flagDropout).
		WithMetrics(*flagMetrics)
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}

	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Name())
	fmt.Printf("Model: %s, %d layers\n\n", cfg, *flagLayers)

	// The step signature is available before anything is compiled.
	fmt.Println("Decode step inputs:")
	for _, s := range transformers.StepSignature(cfg, *flagBatchSize) {
		fmt.Printf("  %s (%s)\n", s, humanize.Bytes(uint64(s.Memory())))
	}

	ctx := context.New()
	compiled := must.M1(transformers.CompileDecodeStep(backend, ctx.In("layer_0"), cfg, *flagBatchSize))
	fmt.Printf("Compiled one decode step: %s\n\n", compiled.Report)
	compiled.Finalize()

	sessions := make([]*transformers.Session, *flagLayers)
	for i := range sessions {
		sessions[i] = must.M1(transformers.NewSession(backend, ctx.In(fmt.Sprintf("layer_%d", i)), cfg))
		if *flagSeed != 0 {
			sessions[i].WithRngSeed(*flagSeed + int64(i))
		}
	}

	// Synthetic prompt: unit normal hidden states stand in for embeddings.
	flat := make([]float32, *flagBatchSize**flagPromptLen**flagEmbedDim)
	for i := range flat {
		flat[i] = float32(rand.NormFloat64())
	}
	prompt := tensors.FromFlatDataAndDimensions(flat, *flagBatchSize, *flagPromptLen, *flagEmbedDim)

	start := time.Now()
	x := prompt
	for _, s := range sessions {
		x = must.M1(s.Prefill(x))
	}
	fmt.Printf("Prefilled %d tokens in %s\n", *flagPromptLen, time.Since(start).Round(time.Millisecond))

	var numVars int
	var varBytes uintptr
	for v := range ctx.IterVariables() {
		numVars++
		varBytes += v.Shape().Memory()
	}
	var cacheBytes uintptr
	for _, s := range sessions {
		cacheBytes += s.Cache().Memory()
	}
	fmt.Printf("Variables: %s (%s), caches: %s\n\n",
		humanize.Comma(int64(numVars)), humanize.Bytes(uint64(varBytes)), humanize.Bytes(uint64(cacheBytes)))

	// The next input token is the last position of the stack's output.
	token := MustExecOnce(backend, func(x *Node) *Node {
		return Slice(x, AxisRange(), AxisElem(-1), AxisRange())
	}, x)

	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("decoding"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("tokens"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	start = time.Now()
	for step := 0; step < *flagSteps; step++ {
		for _, s := range sessions {
			token = must.M1(s.Step(token))
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	duration := time.Since(start)
	fmt.Printf("\n\nDecoded %d tokens in %s (%.1f tokens/s)\n",
		*flagSteps, duration.Round(time.Millisecond), float64(*flagSteps)/duration.Seconds())

	last := sessions[len(sessions)-1]
	fmt.Printf("Cache positions filled: %v of %d\n", last.Cache().Positions(), cfg.MaxLength)
	if *flagMetrics {
		metrics := last.Metrics()
		fmt.Printf("Last layer activations: mean=%.4f stdev=%.4f fraction_zero=%.4f\n",
			tensors.ToScalar[float32](metrics[0]),
			tensors.ToScalar[float32](metrics[1]),
			tensors.ToScalar[float32](metrics[2]))
	}
}
