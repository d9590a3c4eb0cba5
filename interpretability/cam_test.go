package interpretability

import (
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/soumbane/histocartography/models"
)

func TestLegacyCAMUnknownLayer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gcn := models.NewGCN()
	_, err := NewLegacyCAM(backend, gcn, "conv9", UniformWeights())
	require.ErrorContains(t, err, `unable to find submodule "conv9"`)
}

func TestLegacyCAMRequiresForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cam, err := NewLegacyCAM(backend, models.NewGCN(), "conv1", UniformWeights())
	require.NoError(t, err)
	defer cam.Release()

	_, err = cam.ComputeCAM(0, nil, true)
	require.ErrorContains(t, err, "inputs need to be forwarded")
}

func TestLegacyCAMComputeCAM(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gcn := models.NewGCN()
	cam, err := NewLegacyCAM(backend, gcn, "conv2", UniformWeights())
	require.NoError(t, err)
	defer cam.Release()

	adj, x := testGraph()
	logits, err := cam.Forward(adj, x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, logits.Shape().Dimensions)

	raw, err := cam.ComputeCAM(0, nil, false)
	require.NoError(t, err)
	require.Len(t, raw, 4)

	// Normalization maps the scores into [0, 1] with the extremes touching them.
	normalized, err := cam.ComputeCAM(0, nil, true)
	require.NoError(t, err)
	var sawLow, sawHigh bool
	for _, v := range normalized {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
		sawLow = sawLow || v < 1e-5
		sawHigh = sawHigh || v > 0.99
	}
	require.True(t, sawLow)
	require.True(t, sawHigh)

	// With the ReLU clamp, nothing is negative even unnormalized.
	cam.SetRelu(true)
	clamped, err := cam.ComputeCAM(0, nil, false)
	require.NoError(t, err)
	for _, v := range clamped {
		require.GreaterOrEqual(t, v, float32(0))
	}

	_, err = cam.ComputeCAM(-1, nil, true)
	require.ErrorContains(t, err, "classIdx")
}

func TestLegacyCAMDisabled(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cam, err := NewLegacyCAM(backend, models.NewGCN(), "conv1", UniformWeights())
	require.NoError(t, err)
	defer cam.Release()

	cam.SetEnabled(false)
	adj, x := testGraph()
	_, err = cam.Forward(adj, x)
	require.NoError(t, err)
	_, err = cam.ComputeCAM(0, nil, true)
	require.ErrorContains(t, err, "inputs need to be forwarded")
}

func TestLegacyCAMRelease(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cam, err := NewLegacyCAM(backend, models.NewGCN(), "conv1", UniformWeights())
	require.NoError(t, err)
	cam.Release()

	adj, x := testGraph()
	_, err = cam.Forward(adj, x)
	require.ErrorContains(t, err, "released")
}

func TestLegacyCAMScoreWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cam, err := NewLegacyCAM(backend, models.NewGCN(), "conv1", ScoreWeights())
	require.NoError(t, err)
	defer cam.Release()

	adj, x := testGraph()
	_, err = cam.Forward(adj, x)
	require.NoError(t, err)

	_, err = cam.ComputeCAM(0, nil, true)
	require.ErrorContains(t, err, "scores are required")

	_, err = cam.ComputeCAM(0, []float32{1, 2}, true)
	require.ErrorContains(t, err, "channel scores")

	scores := make([]float32, 16) // One per hidden channel.
	for ii := range scores {
		scores[ii] = float32(ii)
	}
	maps, err := cam.ComputeCAM(0, scores, true)
	require.NoError(t, err)
	require.Len(t, maps, 4)
}

func TestLegacyCAMClassifierWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	w := tensors.FromShape(shapes.Make(dtypes.Float32, 16, 2))
	tensors.MutableFlatData(w, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii%3) - 1
		}
	})
	strategy, err := ClassifierWeights(w)
	require.NoError(t, err)

	cam, err := NewLegacyCAM(backend, models.NewGCN(), "conv1", strategy)
	require.NoError(t, err)
	defer cam.Release()

	adj, x := testGraph()
	_, err = cam.Forward(adj, x)
	require.NoError(t, err)

	maps, err := cam.ComputeCAM(1, nil, true)
	require.NoError(t, err)
	require.Len(t, maps, 4)

	_, err = cam.ComputeCAM(5, nil, true)
	require.ErrorContains(t, err, "out of range")

	badRank := tensors.FromShape(shapes.Make(dtypes.Float32, 16))
	_, err = ClassifierWeights(badRank)
	require.Error(t, err)
}

func TestCAMMultiLayer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gcn := models.NewGCN()

	_, err := NewCAM(backend, gcn, []string{"conv1", "conv9"}, UniformWeights())
	require.ErrorContains(t, err, `unable to find submodule "conv9"`)
	_, err = NewCAM(backend, gcn, nil, UniformWeights())
	require.Error(t, err)

	cam, err := NewCAM(backend, gcn, gcn.ConvLayerNames(), UniformWeights())
	require.NoError(t, err)
	defer cam.Release()

	_, err = cam.ComputeCAM(0, nil, true)
	require.ErrorContains(t, err, "inputs need to be forwarded")

	adj, x := testGraph()
	_, err = cam.Forward(adj, x)
	require.NoError(t, err)
	maps, err := cam.ComputeCAM(0, nil, true)
	require.NoError(t, err)
	require.Len(t, maps, 4)
	for _, v := range maps {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}

	// Captures accumulate over forward passes and Reset drops them.
	_, err = cam.Forward(adj, x)
	require.NoError(t, err)
	again, err := cam.ComputeCAM(0, nil, true)
	require.NoError(t, err)
	require.Len(t, again, 4)

	cam.Reset()
	_, err = cam.ComputeCAM(0, nil, true)
	require.ErrorContains(t, err, "inputs need to be forwarded")
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{2, 4, 6}
	normalizeInPlace(v)
	require.InDelta(t, 0, v[0], 1e-5)
	require.InDelta(t, 0.5, v[1], 1e-5)
	require.InDelta(t, 1, v[2], 1e-3) // Epsilon keeps the max slightly under one.

	// A constant vector collapses to zeros instead of dividing by zero.
	flat := []float32{3, 3, 3}
	normalizeInPlace(flat)
	require.Equal(t, []float32{0, 0, 0}, flat)

	// Idempotence: re-normalizing an already-normalized vector is a no-op up to
	// the epsilon tolerance.
	once := []float32{0.1, 0.9, 0.4, 0}
	normalizeInPlace(once)
	twice := append([]float32(nil), once...)
	normalizeInPlace(twice)
	for ii := range once {
		require.InDelta(t, once[ii], twice[ii], 1e-5)
	}
}
