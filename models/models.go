// Package models defines the contract between a trained graph neural network and the
// explainability tooling, plus a compact reference GCN implementation.
//
// A model owns a GoMLX *context.Context holding both its hyperparameters and its
// weights; its forward pass is a graph-building function over (adjacency, features).
// The explainers treat models as frozen: they never update model weights, only read
// their outputs (and, for CAM, their intermediate convolutional activations).
package models

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// GraphModel maps one graph, given as a dense adjacency matrix [numNodes, numNodes]
// and a node feature matrix [numNodes, numFeatures], to class logits shaped
// [1, numClasses].
type GraphModel interface {
	// Context used by the model: with both its weights and hyperparameters.
	Context() *context.Context

	// ForwardGraph is the GoMLX graph function with the forward path.
	// It must return the class logits, shaped [1, numClasses].
	ForwardGraph(ctx *context.Context, adj, x *graph.Node) *graph.Node
}

// LayeredModel is a GraphModel whose convolutional layers are addressable by name, so
// class-activation-map extractors can request their activations.
//
// Instead of registering callbacks on shared layer objects, the forward entry point
// returns the requested intermediate activations together with the logits.
type LayeredModel interface {
	GraphModel

	// ConvLayerNames lists the layer names that may be requested from
	// ForwardWithActivations, in forward order.
	ConvLayerNames() []string

	// ForwardWithActivations returns the logits and the activations of the requested
	// layers, one per name, each shaped [1, numNodes, numChannels].
	ForwardWithActivations(ctx *context.Context, adj, x *graph.Node, layers []string) (logits *graph.Node, activations []*graph.Node)
}
