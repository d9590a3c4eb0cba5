package models

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"

	"github.com/soumbane/histocartography/internal/parameters"
)

// GCN is a dense graph convolutional network: each layer propagates node features
// over the (normalized) adjacency and applies a node-wise dense transform; a mean
// readout over nodes feeds a linear classifier head.
//
// It is the in-repo stand-in for the production cell/tissue-graph architectures, and
// the model the tests exercise the explainers against. It implements GraphModel and
// LayeredModel.
type GCN struct {
	ctx *context.Context
}

// Compile-time assert that GCN implements LayeredModel (and therefore GraphModel).
var _ LayeredModel = &GCN{}

// NewGCN creates a GCN with a fresh context, initialized with hyperparameters set to
// their defaults.
func NewGCN() *GCN {
	gcn := &GCN{ctx: context.New()}
	gcn.ctx.RngStateReset()
	gcn.ctx.SetParams(map[string]any{
		// Network shape.
		"gcn_num_layers":  2,
		"gcn_hidden_dim":  16,
		"gcn_num_classes": 2,

		// Node-wise transform: a single dense layer per convolution.
		fnnLayer.ParamNumHiddenLayers: 0,
		fnnLayer.ParamNumHiddenNodes:  16,

		activations.ParamActivation: "tanh",
		layers.ParamDropoutRate:     0.0,
		regularizers.ParamL2:        0.0,
	})
	gcn.ctx = gcn.ctx.Checked(false)
	return gcn
}

// NewGCNFromParams creates a GCN and overrides its default hyperparameters from the
// given configuration params ("gcn_num_layers", "gcn_hidden_dim", "gcn_num_classes").
func NewGCNFromParams(params parameters.Params) (*GCN, error) {
	gcn := NewGCN()
	ctx := gcn.ctx
	for _, key := range []string{"gcn_num_layers", "gcn_hidden_dim", "gcn_num_classes"} {
		value, err := parameters.PopParamOr(params, key, context.GetParamOr(ctx, key, 0))
		if err != nil {
			return nil, err
		}
		ctx.SetParam(key, value)
	}
	return gcn, nil
}

// Context implements GraphModel.
func (m *GCN) Context() *context.Context {
	return m.ctx
}

// ConvLayerNames implements LayeredModel.
func (m *GCN) ConvLayerNames() []string {
	numLayers := context.GetParamOr(m.ctx, "gcn_num_layers", 2)
	names := make([]string, numLayers)
	for ii := range names {
		names[ii] = fmt.Sprintf("conv%d", ii+1)
	}
	return names
}

// convolve builds the convolutional trunk and records each layer's node activations,
// shaped [numNodes, numChannels], keyed by layer name.
func (m *GCN) convolve(ctx *context.Context, adj, x *Node) (h *Node, byLayer map[string]*Node) {
	numLayers := context.GetParamOr(ctx, "gcn_num_layers", 2)
	hiddenDim := context.GetParamOr(ctx, "gcn_hidden_dim", 16)
	h = x
	byLayer = make(map[string]*Node, numLayers)
	for ii := 1; ii <= numLayers; ii++ {
		name := fmt.Sprintf("conv%d", ii)
		h = MatMul(adj, h)
		h = fnnLayer.New(ctx.In(name), h, hiddenDim).Done()
		h = Tanh(h)
		byLayer[name] = h
	}
	return h, byLayer
}

// ForwardGraph implements GraphModel. It returns logits shaped [1, numClasses].
func (m *GCN) ForwardGraph(ctx *context.Context, adj, x *Node) *Node {
	numClasses := context.GetParamOr(ctx, "gcn_num_classes", 2)
	h, _ := m.convolve(ctx, adj, x)
	pooled := ExpandAxes(ReduceMean(h, 0), 0) // Mean readout over nodes -> [1, hiddenDim].
	logits := fnnLayer.New(ctx.In("classifier"), pooled, numClasses).Done()
	return logits
}

// ForwardWithActivations implements LayeredModel.
func (m *GCN) ForwardWithActivations(ctx *context.Context, adj, x *Node, layerNames []string) (*Node, []*Node) {
	numClasses := context.GetParamOr(ctx, "gcn_num_classes", 2)
	h, byLayer := m.convolve(ctx, adj, x)
	pooled := ExpandAxes(ReduceMean(h, 0), 0)
	logits := fnnLayer.New(ctx.In("classifier"), pooled, numClasses).Done()

	activationsOut := make([]*Node, len(layerNames))
	for ii, name := range layerNames {
		act, found := byLayer[name]
		if !found {
			exceptions.Panicf("models: GCN has no convolutional layer %q", name)
		}
		activationsOut[ii] = ExpandAxes(act, 0) // [1, numNodes, numChannels]
	}
	return logits, activationsOut
}
