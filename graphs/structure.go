package graphs

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	gomlxgraph "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/soumbane/histocartography/internal/generics"
)

// Structure is the flat graph representation the numeric computations consume:
// explicit edge lists plus per-node/per-edge attribute tensors. Node rows follow the
// ascending node-ID order of the source NodeGraph; edges are sorted by (src, dst).
type Structure struct {
	NumNodes int

	Srcs, Dsts []int32
	Weights    []float32

	NData map[string]*tensors.Tensor
	EData map[string]*tensors.Tensor
}

// NumEdges returns the number of directed edges.
func (s *Structure) NumEdges() int { return len(s.Srcs) }

// ToStructure materializes a NodeGraph into a Structure. Only attributes present on
// at least one node are copied, checked in priority order: node_importance,
// centroid, feats.
func ToStructure(ng *NodeGraph) (*Structure, error) {
	ids := ng.NodeIDs()
	index := make(map[int64]int32, len(ids))
	for ii, id := range ids {
		index[id] = int32(ii)
	}

	s := &Structure{
		NumNodes: len(ids),
		NData:    make(map[string]*tensors.Tensor),
		EData:    make(map[string]*tensors.Tensor),
	}

	type edge struct {
		src, dst int32
		weight   float32
	}
	var edgeList []edge
	iter := ng.G.WeightedEdges()
	for iter.Next() {
		e := iter.WeightedEdge()
		edgeList = append(edgeList, edge{
			src:    index[e.From().ID()],
			dst:    index[e.To().ID()],
			weight: float32(e.Weight()),
		})
	}
	slices.SortFunc(edgeList, func(a, b edge) int {
		if a.src != b.src {
			return int(a.src - b.src)
		}
		return int(a.dst - b.dst)
	})
	s.Srcs = make([]int32, len(edgeList))
	s.Dsts = make([]int32, len(edgeList))
	s.Weights = make([]float32, len(edgeList))
	for ii, e := range edgeList {
		s.Srcs[ii], s.Dsts[ii], s.Weights[ii] = e.src, e.dst, e.weight
	}

	if len(ng.Importance) > 0 {
		t := tensors.FromShape(shapes.Make(dtypes.Float32, len(ids)))
		tensors.MutableFlatData(t, func(flat []float32) {
			for ii, id := range ids {
				flat[ii] = float32(ng.Importance[id])
			}
		})
		s.NData[KeyNodeImportance] = t
	}
	if len(ng.Centroids) > 0 {
		t, err := rowsTensor(ids, ng.Centroids)
		if err != nil {
			return nil, errors.WithMessage(err, "centroid attribute")
		}
		s.NData[KeyCentroid] = t
	}
	if len(ng.Feats) > 0 {
		t, err := rowsTensor(ids, ng.Feats)
		if err != nil {
			return nil, errors.WithMessage(err, "feats attribute")
		}
		s.NData[KeyFeats] = t
	}
	return s, nil
}

// rowsTensor stacks per-node attribute rows into a [numNodes, width] tensor,
// following the given node order.
func rowsTensor(ids []int64, rows map[int64][]float64) (*tensors.Tensor, error) {
	width := -1
	for _, id := range ids {
		row, found := rows[id]
		if !found {
			return nil, errors.Errorf("node %d has no attribute row", id)
		}
		if width == -1 {
			width = len(row)
		} else if len(row) != width {
			return nil, errors.Errorf("node %d attribute width %d differs from %d", id, len(row), width)
		}
	}
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(ids), width))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii, id := range ids {
			for jj, v := range rows[id] {
				flat[ii*width+jj] = float32(v)
			}
		}
	})
	return t, nil
}

// OnDevice deep-copies the structure's topology and materializes fresh attribute
// tensors on the given backend. Node/edge ordering and attribute key sets are
// preserved exactly.
func OnDevice(s *Structure, backend backends.Backend) (*Structure, error) {
	out := cloneTopology(s)
	for _, key := range slices.Collect(generics.SortedKeys(s.NData)) {
		t, err := deviceCopy(backend, s.NData[key])
		if err != nil {
			return nil, errors.WithMessagef(err, "node attribute %q", key)
		}
		out.NData[key] = t
	}
	for _, key := range slices.Collect(generics.SortedKeys(s.EData)) {
		t, err := deviceCopy(backend, s.EData[key])
		if err != nil {
			return nil, errors.WithMessagef(err, "edge attribute %q", key)
		}
		out.EData[key] = t
	}
	return out, nil
}

// OnHost deep-copies the structure with all attribute tensors recreated as local
// (host) tensors.
func OnHost(s *Structure) (*Structure, error) {
	out := cloneTopology(s)
	for _, key := range slices.Collect(generics.SortedKeys(s.NData)) {
		t, err := hostCopy(s.NData[key])
		if err != nil {
			return nil, errors.WithMessagef(err, "node attribute %q", key)
		}
		out.NData[key] = t
	}
	for _, key := range slices.Collect(generics.SortedKeys(s.EData)) {
		t, err := hostCopy(s.EData[key])
		if err != nil {
			return nil, errors.WithMessagef(err, "edge attribute %q", key)
		}
		out.EData[key] = t
	}
	return out, nil
}

func cloneTopology(s *Structure) *Structure {
	return &Structure{
		NumNodes: s.NumNodes,
		Srcs:     slices.Clone(s.Srcs),
		Dsts:     slices.Clone(s.Dsts),
		Weights:  slices.Clone(s.Weights),
		NData:    make(map[string]*tensors.Tensor, len(s.NData)),
		EData:    make(map[string]*tensors.Tensor, len(s.EData)),
	}
}

// deviceCopy pushes a tensor through an identity computation so the returned tensor
// holds an on-device buffer.
func deviceCopy(backend backends.Backend, t *tensors.Tensor) (out *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		out = context.ExecOnce(backend, context.New(),
			func(_ *context.Context, inputs []*gomlxgraph.Node) *gomlxgraph.Node {
				return inputs[0]
			}, t)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "device transfer")
	}
	return out, nil
}

// hostCopy recreates a tensor with a fresh local buffer.
func hostCopy(t *tensors.Tensor) (*tensors.Tensor, error) {
	out := tensors.FromShape(t.Shape())
	switch t.DType() {
	case dtypes.Float32:
		data := tensors.CopyFlatData[float32](t)
		tensors.MutableFlatData(out, func(flat []float32) { copy(flat, data) })
	case dtypes.Int32:
		data := tensors.CopyFlatData[int32](t)
		tensors.MutableFlatData(out, func(flat []int32) { copy(flat, data) })
	default:
		return nil, errors.Errorf("unsupported attribute dtype %s", t.DType())
	}
	return out, nil
}
