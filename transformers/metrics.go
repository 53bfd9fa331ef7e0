// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Metrics holds in-graph scalar statistics of a layer activation. All fields
// are scalar nodes of the activation dtype.
type Metrics struct {
	// Mean of all elements.
	Mean *Node

	// Stdev is the population standard deviation of all elements.
	Stdev *Node

	// FractionZero is the fraction of elements exactly equal to zero. Under
	// dropout this tracks the effective drop rate of the layer output.
	FractionZero *Node
}

// ActivationMetrics computes the activation statistics of x in-graph, so they
// ride along whatever execution produces the layer output instead of
// requiring a second pass over the data.
func ActivationMetrics(x *Node) *Metrics {
	g := x.Graph()
	mean := ReduceAllMean(x)
	variance := ReduceAllMean(Square(Sub(x, mean)))
	zeros := ConvertDType(Equal(x, ScalarZero(g, x.DType())), x.DType())
	return &Metrics{
		Mean:         mean,
		Stdev:        Sqrt(variance),
		FractionZero: ReduceAllMean(zeros),
	}
}

// Publish marks the metric nodes as logged under the given prefix, the graph
// node-logging channel, so executors print them after each run. Returns m for
// chaining.
func (m *Metrics) Publish(prefix string) *Metrics {
	m.Mean.SetLogged(prefix + "/activation_mean")
	m.Stdev.SetLogged(prefix + "/activation_stdev")
	m.FractionZero.SetLogged(prefix + "/activation_fraction_zero")
	return m
}

// Nodes returns the metric nodes in a fixed order: mean, stdev, fraction
// zero. Convenient for returning them as extra graph outputs.
func (m *Metrics) Nodes() []*Node {
	return []*Node{m.Mean, m.Stdev, m.FractionZero}
}
