package interpretability

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Host-side mask readers: these mirror the in-graph activation exactly, but run on
// copied-out values so callers can inspect or export an explanation without touching
// the optimization graph.

// NodeMask returns the activated node mask, one weight per node.
func (e *Explainer) NodeMask() ([]float32, error) {
	raw, err := e.maskValues(nodeMaskName)
	if err != nil {
		return nil, err
	}
	mask := make([]float32, e.numNodes)
	for ii, v := range raw {
		mask[ii] = e.activateHost(v, nodeMaskTemperature)
	}
	return mask, nil
}

// EdgeMask returns the activated, symmetrized edge mask with a zero diagonal, as
// row-major [N][N]. When the explainer is configured with zeroing, positions where
// the original adjacency is zero are zeroed as well: the explanation may not create
// new edges.
func (e *Explainer) EdgeMask() ([][]float32, error) {
	sym, err := e.activeEdgeMaskHost()
	if err != nil {
		return nil, err
	}
	adj := tensors.CopyFlatData[float32](e.adj)
	n := e.numNodes
	mask := make([][]float32, n)
	for i := range mask {
		mask[i] = make([]float32, n)
		for j := range mask[i] {
			v := sym[i*n+j]
			if e.params.WithZeroing && adj[i*n+j] == 0 {
				v = 0
			}
			mask[i][j] = v
		}
		mask[i][i] = 0
	}
	return mask, nil
}

// MaskedAdjacency is the reporting artifact adj ⊙ mask with a zero diagonal. It is
// not part of the differentiable forward path.
func (e *Explainer) MaskedAdjacency() ([][]float32, error) {
	sym, err := e.activeEdgeMaskHost()
	if err != nil {
		return nil, err
	}
	adj := tensors.CopyFlatData[float32](e.adj)
	n := e.numNodes
	masked := make([]float32, n*n)
	for ii := range masked {
		masked[ii] = adj[ii] * sym[ii]
	}
	if e.maskBias != nil {
		// Extension point: a learnable symmetric bias added onto the masked adjacency.
		// The current configuration path never constructs it.
		bias := tensors.CopyFlatData[float32](e.maskBias)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				b := (bias[i*n+j] + bias[j*n+i]) / 2
				b = relu6(b*6) / 6
				masked[i*n+j] += b
			}
		}
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, n)
		copy(out[i], masked[i*n:(i+1)*n])
		out[i][i] = 0
	}
	return out, nil
}

// activeEdgeMaskHost returns the activated symmetrized edge mask as a flat [N*N]
// row-major slice.
func (e *Explainer) activeEdgeMaskHost() ([]float32, error) {
	raw, err := e.maskValues(edgeMaskName)
	if err != nil {
		return nil, err
	}
	n := e.numNodes
	sym := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a := e.activateHost(raw[i*n+j], edgeMaskTemperature)
			b := e.activateHost(raw[j*n+i], edgeMaskTemperature)
			sym[i*n+j] = (a + b) / 2
		}
	}
	return sym, nil
}

func (e *Explainer) activateHost(v float32, temperature float32) float32 {
	if e.params.MaskActivation == MaskActivationRelu {
		return math32.Max(v, 0)
	}
	return 1 / (1 + math32.Exp(-temperature*v))
}

// maskValues copies out the raw values of a mask variable.
func (e *Explainer) maskValues(name string) ([]float32, error) {
	maskScope := e.ctx.In(explainerScope).Scope()
	var found *context.Variable
	e.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() == maskScope && v.Name() == name {
			found = v
		}
	})
	if found == nil {
		return nil, errors.Errorf("mask variable %q not found under scope %q", name, maskScope)
	}
	return tensors.CopyFlatData[float32](found.Value()), nil
}

func relu6(v float32) float32 {
	return math32.Min(math32.Max(v, 0), 6)
}
