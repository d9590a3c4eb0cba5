package models

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NormalizeAdjacency returns a fresh [N, N] tensor with self-loops added and each row
// scaled to sum to one, the propagation operator the GCN trunk expects.
//
// The input adjacency must be a square Float32 tensor. Rows whose degree (including
// the self-loop) comes out zero or non-finite are left as pure self-loops.
func NormalizeAdjacency(adj *tensors.Tensor) (*tensors.Tensor, error) {
	if adj.Rank() != 2 || adj.Shape().Dim(0) != adj.Shape().Dim(1) {
		return nil, errors.Errorf("adjacency must be square, got shape %s", adj.Shape())
	}
	if adj.DType() != dtypes.Float32 {
		return nil, errors.Errorf("adjacency must be Float32, got %s", adj.DType())
	}
	numNodes := adj.Shape().Dim(0)
	in := tensors.CopyFlatData[float32](adj)

	normalized := tensors.FromShape(shapes.Make(dtypes.Float32, numNodes, numNodes))
	tensors.MutableFlatData(normalized, func(flat []float32) {
		copy(flat, in)
		for row := 0; row < numNodes; row++ {
			base := row * numNodes
			flat[base+row] += 1 // Self-loop.
			var degree float32
			for col := 0; col < numNodes; col++ {
				degree += flat[base+col]
			}
			if degree <= 0 || math32.IsNaN(degree) || math32.IsInf(degree, 0) {
				for col := 0; col < numNodes; col++ {
					flat[base+col] = 0
				}
				flat[base+row] = 1
				continue
			}
			for col := 0; col < numNodes; col++ {
				flat[base+col] /= degree
			}
		}
	})
	return normalized, nil
}
