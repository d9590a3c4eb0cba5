package interpretability

import (
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/soumbane/histocartography/models"
)

// testTensor builds a [rows, cols] Float32 tensor from row-major values.
func testTensor(rows, cols int, values []float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, rows, cols))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, values)
	})
	return t
}

// testGraph returns a row-normalized 4-node adjacency (with a structural zero at
// positions (0,3) and (3,0)) and a [4, 3] feature matrix.
func testGraph() (adj, x *tensors.Tensor) {
	adj = testTensor(4, 4, []float32{
		0.4, 0.3, 0.3, 0,
		0.3, 0.4, 0.3, 0,
		0.25, 0.25, 0.25, 0.25,
		0, 0, 0.5, 0.5,
	})
	x = testTensor(4, 3, []float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		0.5, 0.5, 0.5,
	})
	return adj, x
}

// newTestExplainer wraps a fresh GCN over testGraph with the given params. Fixture
// failures panic and fail the test.
func newTestExplainer(backend backends.Backend, params ExplainerParams) (*Explainer, *tensors.Tensor) {
	gcn := models.NewGCN()
	adj, x := testGraph()
	probs := must.M1(InitialPrediction(backend, gcn, adj, x))
	return must.M1(NewExplainer(backend, gcn, adj, x, probs, params, DefaultTrainParams())), probs
}
