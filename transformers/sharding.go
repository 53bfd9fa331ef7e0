// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"github.com/gomlx/gomlx/pkg/core/distributed"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// Logical axis names used by the decoder layer annotations. Callers building
// a device mesh can reuse these as mesh axis names to shard the matching
// tensor axes.
const (
	AxisBatch  = "activation_batch"
	AxisLength = "activation_length"
	AxisHeads  = "activation_heads"
	AxisKV     = "activation_kv"
	AxisEmbed  = "activation_embed"
	AxisMLP    = "activation_mlp"
)

// AnnotateAxes marks the logical partitioning of x, one name per leading
// axis, "" meaning replicated. It never changes the value of x.
//
// Without a device mesh on the graph this is the identity. With a mesh, the
// names are resolved into a sharding spec (see ShardingSpecForAxes) so
// mistakes surface at graph-build time; the node still passes through
// unchanged, since placement is decided at compile time from the input and
// output specs, not per node.
func AnnotateAxes(x *Node, axes ...string) *Node {
	if len(axes) > x.Rank() {
		exceptionShapeMismatch("AnnotateAxes", shapes.Shape{}, x.Shape(),
			"%d axis names for a rank-%d tensor", len(axes), x.Rank())
	}
	var mesh *distributed.DeviceMesh
	if meshes := x.Graph().DeviceMeshes(); len(meshes) > 0 {
		mesh = meshes[0]
	}
	if mesh == nil {
		return x
	}
	spec, err := ShardingSpecForAxes(mesh, axes...)
	if err != nil {
		exceptionConfig("axes", "cannot resolve logical axes %v against mesh %s: %v", axes, mesh.Name(), err)
	}
	klog.V(2).Infof("annotate %s as %s", x.Shape(), spec)
	return x
}

// ShardingSpecForAxes maps logical axis names onto mesh axes: a name that is
// also a mesh axis shards the corresponding tensor axis along it; any other
// name (or "") leaves the axis replicated.
func ShardingSpecForAxes(mesh *distributed.DeviceMesh, axes ...string) (*distributed.ShardingSpec, error) {
	builder := distributed.BuildSpec(mesh)
	for _, name := range axes {
		if name == "" {
			builder.R()
			continue
		}
		if _, err := mesh.AxisSize(name); err != nil {
			builder.R()
			continue
		}
		builder.S(name)
	}
	return builder.Done()
}

// CheckpointHint marks x as a preferred rematerialization point for gradient
// checkpointing. The hint carries no computation and x passes through
// unchanged; the name is reported at verbosity 2 so checkpoint placement can
// be audited without touching the graph.
func CheckpointHint(x *Node, name string) *Node {
	klog.V(2).Infof("checkpoint hint %q on %s", name, x.Shape())
	return x
}
