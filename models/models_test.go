package models

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/soumbane/histocartography/internal/parameters"
)

func float32Tensor(rows, cols int, values []float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, rows, cols))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, values)
	})
	return t
}

func TestNormalizeAdjacency(t *testing.T) {
	adj := float32Tensor(3, 3, []float32{
		0, 1, 0,
		1, 0, 1,
		0, 1, 0,
	})
	normalized, err := NormalizeAdjacency(adj)
	require.NoError(t, err)
	flat := tensors.CopyFlatData[float32](normalized)

	// Every row sums to one.
	for row := 0; row < 3; row++ {
		var sum float32
		for col := 0; col < 3; col++ {
			sum += flat[row*3+col]
		}
		require.InDelta(t, 1.0, sum, 1e-6, "row %d", row)
	}
	// Row 1 has degree 3 after the self-loop.
	require.InDelta(t, 1.0/3.0, flat[3], 1e-6)
	require.InDelta(t, 1.0/3.0, flat[4], 1e-6)

	// The input is left untouched.
	require.Equal(t, float32(0), tensors.CopyFlatData[float32](adj)[0])
}

func TestNormalizeAdjacencyDegenerateRow(t *testing.T) {
	// A row of zeros becomes a pure self-loop.
	adj := float32Tensor(2, 2, []float32{
		0, 0,
		1, 0,
	})
	normalized, err := NormalizeAdjacency(adj)
	require.NoError(t, err)
	flat := tensors.CopyFlatData[float32](normalized)
	require.Equal(t, []float32{1, 0, 0.5, 0.5}, flat)
}

func TestNormalizeAdjacencyValidation(t *testing.T) {
	notSquare := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3))
	_, err := NormalizeAdjacency(notSquare)
	require.Error(t, err)
}

func TestGCNForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gcn := NewGCN()

	adj := float32Tensor(4, 4, []float32{
		0.5, 0.5, 0, 0,
		0.5, 0.5, 0, 0,
		0, 0, 0.5, 0.5,
		0, 0, 0.5, 0.5,
	})
	feats := float32Tensor(4, 3, []float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1,
	})

	logits := context.ExecOnce(backend, gcn.Context(),
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return gcn.ForwardGraph(ctx, inputs[0], inputs[1])
		}, adj, feats)
	require.Equal(t, []int{1, 2}, logits.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](logits) {
		require.False(t, v != v, "logit is NaN")
	}
}

func TestGCNForwardWithActivations(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gcn := NewGCN()
	require.Equal(t, []string{"conv1", "conv2"}, gcn.ConvLayerNames())

	adj := float32Tensor(3, 3, []float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
	feats := float32Tensor(3, 2, []float32{
		1, 0,
		0, 1,
		1, 1,
	})

	outputs := context.ExecOnceN(backend, gcn.Context(),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			logits, acts := gcn.ForwardWithActivations(ctx, inputs[0], inputs[1], gcn.ConvLayerNames())
			return append([]*graph.Node{logits}, acts...)
		}, adj, feats)
	require.Len(t, outputs, 3)
	require.Equal(t, []int{1, 2}, outputs[0].Shape().Dimensions)
	require.Equal(t, []int{1, 3, 16}, outputs[1].Shape().Dimensions)
	require.Equal(t, []int{1, 3, 16}, outputs[2].Shape().Dimensions)

	// Activations are tanh outputs, so bounded by one in absolute value.
	for _, v := range tensors.CopyFlatData[float32](outputs[1]) {
		require.LessOrEqual(t, v, float32(1))
		require.GreaterOrEqual(t, v, float32(-1))
	}
}

func TestNewGCNFromParams(t *testing.T) {
	params := parameters.NewFromConfigString("gcn_num_layers=3,gcn_num_classes=5")
	gcn, err := NewGCNFromParams(params)
	require.NoError(t, err)
	require.Equal(t, []string{"conv1", "conv2", "conv3"}, gcn.ConvLayerNames())
	require.Equal(t, 5, context.GetParamOr(gcn.Context(), "gcn_num_classes", 0))
}
