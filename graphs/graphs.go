// Package graphs converts between dense adjacency/feature matrices, attributed
// directed graphs and the flat graph structure the GPU-resident computations
// consume.
//
// The conversion thresholds edge weights (entries at or below the threshold are
// dropped), never creates self-loops, and can optionally restrict the result to its
// largest weakly-connected component or remove isolated nodes with relabeling.
package graphs

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/soumbane/histocartography/internal/generics"
)

// Attribute keys, in the priority order they are copied to a Structure.
const (
	KeyNodeImportance = "node_importance"
	KeyCentroid       = "centroid"
	KeyFeats          = "feats"
)

// DefaultThreshold is the edge-weight threshold used when none is configured:
// adjacency entries must exceed it to become edges.
const DefaultThreshold = 0.1

type options struct {
	threshold      float64
	maxComponent   bool
	rmIsoNodes     bool
	centroids      *mat.Dense
	nodeImportance []float64
}

// Option configures a conversion. The zero configuration keeps every edge above
// DefaultThreshold and applies no post-processing.
type Option func(*options)

// WithThreshold sets the edge-weight threshold: entries at or below it are zeroed
// and excluded.
func WithThreshold(threshold float64) Option {
	return func(o *options) { o.threshold = threshold }
}

// WithMaxComponent restricts the result to its largest weakly-connected component.
func WithMaxComponent() Option {
	return func(o *options) { o.maxComponent = true }
}

// WithRemoveIsolated removes nodes without any edge and relabels the remaining node
// IDs to a contiguous range starting at 0, preserving their relative order.
func WithRemoveIsolated() Option {
	return func(o *options) { o.rmIsoNodes = true }
}

// WithCentroids attaches per-node centroid coordinates, one row per node.
func WithCentroids(centroids *mat.Dense) Option {
	return func(o *options) { o.centroids = centroids }
}

// WithNodeImportance attaches a scalar importance score per node, e.g. a class
// activation map produced by the interpretability package.
func WithNodeImportance(importance []float64) Option {
	return func(o *options) { o.nodeImportance = importance }
}

// NodeGraph is an attributed weighted directed graph: gonum topology plus per-node
// attribute maps keyed by node ID.
type NodeGraph struct {
	G *simple.WeightedDirectedGraph

	Feats      map[int64][]float64
	Centroids  map[int64][]float64
	Importance map[int64]float64
}

// NumNodes returns the number of nodes.
func (ng *NodeGraph) NumNodes() int { return ng.G.Nodes().Len() }

// NumEdges returns the number of directed edges.
func (ng *NodeGraph) NumEdges() int { return ng.G.Edges().Len() }

// NodeIDs returns the node IDs in ascending order.
func (ng *NodeGraph) NodeIDs() []int64 {
	ids := make([]int64, 0, ng.NumNodes())
	nodes := ng.G.Nodes()
	for nodes.Next() {
		ids = append(ids, nodes.Node().ID())
	}
	slices.Sort(ids)
	return ids
}

// FromAdjacency builds a directed graph with one node per row of adj, attaching the
// feature row of feats (and any optional attributes) to each node. Directed edges
// are added only where the adjacency weight exceeds the threshold; the diagonal is
// never considered, so no self-loops are ever created.
func FromAdjacency(adj, feats *mat.Dense, opts ...Option) (*NodeGraph, error) {
	o := options{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(&o)
	}
	if math.IsNaN(o.threshold) || math.IsInf(o.threshold, 0) {
		return nil, errors.Errorf("edge threshold must be finite, got %v", o.threshold)
	}

	numRows, numCols := adj.Dims()
	if numRows != numCols {
		return nil, errors.Errorf("adjacency must be square, got %dx%d", numRows, numCols)
	}
	featRows, _ := feats.Dims()
	if featRows != numRows {
		return nil, errors.Errorf("feature matrix has %d rows for %d nodes", featRows, numRows)
	}
	if o.centroids != nil {
		if centroidRows, _ := o.centroids.Dims(); centroidRows != numRows {
			return nil, errors.Errorf("centroid matrix has %d rows for %d nodes", centroidRows, numRows)
		}
	}
	if o.nodeImportance != nil && len(o.nodeImportance) != numRows {
		return nil, errors.Errorf("got %d importance scores for %d nodes", len(o.nodeImportance), numRows)
	}

	ng := &NodeGraph{
		G:     simple.NewWeightedDirectedGraph(0, 0),
		Feats: make(map[int64][]float64, numRows),
	}
	if o.centroids != nil {
		ng.Centroids = make(map[int64][]float64, numRows)
	}
	if o.nodeImportance != nil {
		ng.Importance = make(map[int64]float64, numRows)
	}
	for ii := 0; ii < numRows; ii++ {
		id := int64(ii)
		ng.G.AddNode(simple.Node(id))
		ng.Feats[id] = slices.Clone(feats.RawRowView(ii))
		if o.centroids != nil {
			ng.Centroids[id] = slices.Clone(o.centroids.RawRowView(ii))
		}
		if o.nodeImportance != nil {
			ng.Importance[id] = o.nodeImportance[ii]
		}
	}

	for i := 0; i < numRows; i++ {
		for j := 0; j < numCols; j++ {
			if i == j {
				continue
			}
			if weight := adj.At(i, j); weight > o.threshold {
				ng.G.SetWeightedEdge(ng.G.NewWeightedEdge(simple.Node(int64(i)), simple.Node(int64(j)), weight))
			}
		}
	}

	if o.maxComponent {
		ng = ng.subgraph(largestWeakComponent(ng.G), false)
	}
	if o.rmIsoNodes {
		kept := make([]int64, 0, ng.NumNodes())
		for _, id := range ng.NodeIDs() {
			if ng.G.From(id).Len() > 0 || ng.G.To(id).Len() > 0 {
				kept = append(kept, id)
			}
		}
		if removed := ng.NumNodes() - len(kept); removed > 0 {
			klog.V(1).Infof("Removed %d isolated nodes, relabeling %d remaining", removed, len(kept))
		}
		ng = ng.subgraph(kept, true)
	}
	return ng, nil
}

// subgraph keeps only the given node IDs (given in ascending order). When relabel is
// set, kept nodes get contiguous IDs starting at 0 in the same relative order.
func (ng *NodeGraph) subgraph(keep []int64, relabel bool) *NodeGraph {
	keepSet := make(map[int64]int64, len(keep)) // old ID -> new ID
	for ii, id := range keep {
		if relabel {
			keepSet[id] = int64(ii)
		} else {
			keepSet[id] = id
		}
	}

	out := &NodeGraph{
		G:     simple.NewWeightedDirectedGraph(0, 0),
		Feats: make(map[int64][]float64, len(keep)),
	}
	if ng.Centroids != nil {
		out.Centroids = make(map[int64][]float64, len(keep))
	}
	if ng.Importance != nil {
		out.Importance = make(map[int64]float64, len(keep))
	}
	for _, id := range keep {
		newID := keepSet[id]
		out.G.AddNode(simple.Node(newID))
		out.Feats[newID] = ng.Feats[id]
		if ng.Centroids != nil {
			out.Centroids[newID] = ng.Centroids[id]
		}
		if ng.Importance != nil {
			out.Importance[newID] = ng.Importance[id]
		}
	}
	edges := ng.G.WeightedEdges()
	for edges.Next() {
		edge := edges.WeightedEdge()
		from, fromKept := keepSet[edge.From().ID()]
		to, toKept := keepSet[edge.To().ID()]
		if fromKept && toKept {
			out.G.SetWeightedEdge(out.G.NewWeightedEdge(simple.Node(from), simple.Node(to), edge.Weight()))
		}
	}
	return out
}

// largestWeakComponent returns the node IDs of the largest weakly-connected
// component, in ascending order.
func largestWeakComponent(g *simple.WeightedDirectedGraph) []int64 {
	components := topo.ConnectedComponents(graph.Undirect{G: g})
	var largest []graph.Node
	for _, component := range components {
		if len(component) > len(largest) {
			largest = component
		}
	}
	ids := generics.SliceMap(largest, func(node graph.Node) int64 { return node.ID() })
	slices.Sort(ids)
	return ids
}
