package interpretability

import (
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/soumbane/histocartography/internal/parameters"
	"github.com/soumbane/histocartography/models"
)

const (
	// explainerScope is the context scope holding the learnable mask variables.
	// Everything outside it is frozen before the optimizer graph is built.
	explainerScope = "pruning_explainer"

	edgeMaskName = "edge_mask"
	nodeMaskName = "node_mask"

	// Mask temperatures for the sigmoid activation.
	edgeMaskTemperature = 2.0
	nodeMaskTemperature = 10.0

	// maskEpsilon keeps activated mask values away from exactly 0 and 1 before the
	// entropy logarithms.
	maskEpsilon = 1e-6
)

// Explainer learns an edge mask and a node mask over one input graph so that the
// frozen model's prediction on the masked graph reproduces its original prediction,
// while the node mask stays sparse and close to binary.
//
// The optimization loop is externally driven: each Step performs one
// forward/loss/backward/update on the mask parameters only. There is no internal
// convergence criterion; stopping is the caller's policy.
type Explainer struct {
	backend backends.Backend
	model   models.GraphModel
	ctx     *context.Context

	adj, x      *tensors.Tensor // [N, N] and [N, F]
	initProbs   *tensors.Tensor // [1, K], model output on the unmasked graph
	labelOneHot *tensors.Tensor // [1, K], one-hot of the hard pseudo-label
	label       int

	numNodes, numFeatures, numClasses int

	params      ExplainerParams
	trainParams TrainParams

	// Raw mask parameter initial values; the context variables are created from
	// these on the first graph build.
	edgeMaskInit, nodeMaskInit *tensors.Tensor

	// maskBias is always nil in the current configuration path; the masked-adjacency
	// branch consuming it is kept as an extension point.
	maskBias *tensors.Tensor

	optimizer optimizers.Interface

	// Executors: forward pass (logits + masked features) and one optimization step.
	fwdExec, stepExec *context.Exec

	steps int
}

// NewExplainer wraps the frozen model with learnable masks for the given graph.
//
// adj must be a square [N, N] Float32 tensor, x a [N, F] Float32 tensor and
// initProbs the model's [1, K] probability vector on the unmasked graph. The hard
// pseudo-label is argmax(initProbs). Fails with a configuration error for an
// unsupported mask activation, and with validation errors for shape mismatches.
func NewExplainer(backend backends.Backend, model models.GraphModel, adj, x, initProbs *tensors.Tensor,
	params ExplainerParams, trainParams TrainParams) (*Explainer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if adj.Rank() != 2 || adj.Shape().Dim(0) != adj.Shape().Dim(1) {
		return nil, errors.Errorf("adjacency must be square, got shape %s", adj.Shape())
	}
	numNodes := adj.Shape().Dim(0)
	if x.Rank() != 2 || x.Shape().Dim(0) != numNodes {
		return nil, errors.Errorf("feature matrix rows must match adjacency dimension %d, got shape %s",
			numNodes, x.Shape())
	}
	if initProbs.Rank() != 2 || initProbs.Shape().Dim(0) != 1 {
		return nil, errors.Errorf("initial probabilities must be shaped [1, numClasses], got %s",
			initProbs.Shape())
	}
	numClasses := initProbs.Shape().Dim(1)

	e := &Explainer{
		backend:     backend,
		model:       model,
		ctx:         model.Context(),
		adj:         adj,
		x:           x,
		initProbs:   initProbs,
		numNodes:    numNodes,
		numFeatures: x.Shape().Dim(1),
		numClasses:  numClasses,
		params:      params,
		trainParams: trainParams,
	}
	e.label = argmax(tensors.CopyFlatData[float32](initProbs))
	e.labelOneHot = oneHot(e.label, numClasses)

	// Raw mask parameters: edge mask per the configured strategy, node mask const.
	rng := rand.New(rand.NewSource(params.Seed))
	e.edgeMaskInit = maskInitTensor(rng, params.Init, numNodes, numNodes)
	e.nodeMaskInit = maskInitTensor(rng, MaskInitConst, numNodes)

	// Materialize both mask variables now: the reporting accessors are valid from
	// construction, before any forward or optimization step. The graph builders
	// below reuse these same variables.
	maskCtx := e.ctx.Checked(false).In(explainerScope)
	maskCtx.VariableWithValue(edgeMaskName, e.edgeMaskInit)
	maskCtx.VariableWithValue(nodeMaskName, e.nodeMaskInit)

	e.fwdExec = context.NewExec(backend, e.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			ctx = ctx.Checked(false)
			adjN, xN := inputs[0], inputs[1]
			maskedX := e.maskedNodeFeats(ctx, xN)
			logits := e.model.ForwardGraph(ctx, adjN, maskedX)
			return []*Node{logits, maskedX}
		})

	// Force creation of the mask and model variables, then freeze everything that
	// is not a mask: the frozen model's parameters receive no gradient updates.
	err := exceptions.TryCatch[error](func() {
		_ = e.fwdExec.Call(e.adj, e.x)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "explainer: initial forward pass")
	}
	maskScope := e.ctx.In(explainerScope).Scope()
	e.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() != maskScope {
			v.Trainable = false
		}
	})

	e.optimizer = optimizers.Adam().
		LearningRate(trainParams.LearningRate).
		WeightDecay(trainParams.WeightDecay).
		Done()
	e.stepExec = context.NewExec(backend, e.ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			ctx = ctx.Checked(false)
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			loss := e.lossGraph(ctx, inputs[0], inputs[1], inputs[2], inputs[3])
			e.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	klog.V(1).Infof("Explainer over %d nodes, %d classes, pseudo-label %d, activation %q",
		numNodes, numClasses, e.label, params.MaskActivation)
	return e, nil
}

// NewExplainerFromConfig is NewExplainer with both parameter structs parsed from a
// "key=value,..." configuration string (see ExplainerParamsFromConfig and
// TrainParamsFromConfig for the recognized keys).
func NewExplainerFromConfig(backend backends.Backend, model models.GraphModel, adj, x, initProbs *tensors.Tensor,
	config string) (*Explainer, error) {
	params := parameters.NewFromConfigString(config)
	explainerParams, err := ExplainerParamsFromConfig(params)
	if err != nil {
		return nil, err
	}
	trainParams, err := TrainParamsFromConfig(params)
	if err != nil {
		return nil, err
	}
	return NewExplainer(backend, model, adj, x, initProbs, explainerParams, trainParams)
}

// InitialPrediction runs the model once on the unmasked graph and returns its
// softmax probability vector [1, K], the distillation target for an explanation run.
func InitialPrediction(backend backends.Backend, model models.GraphModel, adj, x *tensors.Tensor) (probs *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		probs = context.ExecOnce(backend, model.Context(),
			func(ctx *context.Context, inputs []*Node) *Node {
				ctx = ctx.Checked(false)
				logits := model.ForwardGraph(ctx, inputs[0], inputs[1])
				return Softmax(logits, -1)
			}, adj, x)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "initial prediction on the unmasked graph")
	}
	return probs, nil
}

// Label returns the hard pseudo-label, argmax of the initial probabilities.
func (e *Explainer) Label() int { return e.label }

// Steps returns how many optimization steps have been taken.
func (e *Explainer) Steps() int { return e.steps }

// Forward runs the frozen model on the node-masked features and returns
// (logits [1, K], masked features [N, F]). The edge mask is not applied to the
// adjacency the model consumes; see MaskedAdjacency for the reporting artifact.
func (e *Explainer) Forward() (logits, maskedX *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := e.fwdExec.Call(e.adj, e.x)
		logits, maskedX = outputs[0], outputs[1]
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "explainer forward pass")
	}
	return logits, maskedX, nil
}

// Step performs one gradient-descent step on the mask parameters and returns the
// scalar loss. The frozen model's weights are untouched.
func (e *Explainer) Step() (loss float32, err error) {
	err = exceptions.TryCatch[error](func() {
		lossT := e.stepExec.Call(e.adj, e.x, e.initProbs, e.labelOneHot)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "explainer optimization step %d", e.steps)
	}
	e.steps++
	if klog.V(2).Enabled() {
		klog.Infof("Explainer step %d: loss=%.5f", e.steps, loss)
	}
	return loss, nil
}

// maskedNodeFeats multiplies x by the activated node mask, broadcast across all
// feature channels.
func (e *Explainer) maskedNodeFeats(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	nodeMask := e.activeNodeMaskGraph(ctx, g) // [N]
	col := ExpandAxes(nodeMask, -1)           // [N, 1]
	row := Ones(g, shapes.Make(x.DType(), 1, e.numFeatures))
	return Mul(x, MatMul(col, row))
}

// activeNodeMaskGraph returns the activated node mask [N].
func (e *Explainer) activeNodeMaskGraph(ctx *context.Context, g *Graph) *Node {
	raw := ctx.In(explainerScope).VariableWithValue(nodeMaskName, e.nodeMaskInit).ValueGraph(g)
	return e.activateGraph(raw, nodeMaskTemperature)
}

// activeEdgeMaskGraph returns the activated, symmetrized edge mask [N, N].
func (e *Explainer) activeEdgeMaskGraph(ctx *context.Context, g *Graph) *Node {
	raw := ctx.In(explainerScope).VariableWithValue(edgeMaskName, e.edgeMaskInit).ValueGraph(g)
	m := e.activateGraph(raw, edgeMaskTemperature)
	return MulScalar(Add(m, Transpose(m, 0, 1)), 0.5)
}

func (e *Explainer) activateGraph(raw *Node, temperature float64) *Node {
	if e.params.MaskActivation == MaskActivationRelu {
		return Max(raw, ZerosLike(raw))
	}
	// Temperature-scaled logistic: 1 / (1 + exp(-t*x)).
	return Div(OnesLike(raw), AddScalar(Exp(MulScalar(raw, -temperature)), 1))
}

// lossGraph builds the scalar explanation loss:
//
//  1. prediction term: cross-entropy with the hard pseudo-label blended with the
//     distillation term against initProbs, weighted by the prediction entropy;
//  2. node-mask sparsity: sum of the active node mask;
//  3. node-mask binary entropy, averaged over nodes.
func (e *Explainer) lossGraph(ctx *context.Context, adj, x, initProbs, labelOneHot *Node) *Node {
	g := adj.Graph()
	maskedX := e.maskedNodeFeats(ctx, x)
	logits := e.model.ForwardGraph(ctx, adj, maskedX) // [1, K]
	logSoft := LogSoftmax(logits, -1)

	ce := Neg(ReduceAllSum(Mul(labelOneHot, logSoft)))
	distillation := Neg(ReduceAllSum(Mul(initProbs, logSoft)))

	// alpha = entropy(softmax(logits)) / log(K): when the current prediction is
	// confident the distillation term dominates, when uncertain the hard CE does.
	probs := Softmax(logits, -1)
	entropy := Neg(ReduceAllSum(Mul(probs, Log(clampUnitGraph(probs, maskEpsilon)))))
	alpha := MulScalar(entropy, 1.0/math.Log(float64(e.numClasses)))
	oneMinusAlpha := AddScalar(Neg(alpha), 1)
	predLoss := MulScalar(Add(Mul(alpha, ce), Mul(oneMinusAlpha, distillation)), e.params.Loss.CE)

	nodeMask := e.activeNodeMaskGraph(ctx, g)
	nodeLoss := MulScalar(ReduceAllSum(nodeMask), e.params.Loss.Node)

	m := clampUnitGraph(nodeMask, maskEpsilon)
	oneMinusM := AddScalar(Neg(m), 1)
	nodeEntropy := Neg(Add(Mul(m, Log(m)), Mul(oneMinusM, Log(oneMinusM))))
	nodeEntLoss := MulScalar(ReduceAllMean(nodeEntropy), e.params.Loss.NodeEnt)

	// The edge mask carries no loss term of its own (only the structural zero-diagonal
	// and no-new-edges constraints); this anchor keeps it attached to the optimization
	// graph so the optimizer tracks it.
	edgeAnchor := MulScalar(ReduceAllSum(e.activeEdgeMaskGraph(ctx, g)), 0)

	return Add(Add(predLoss, nodeLoss), Add(nodeEntLoss, edgeAnchor))
}

// clampUnitGraph clamps x elementwise into [eps, 1-eps].
func clampUnitGraph(x *Node, eps float64) *Node {
	lo := MulScalar(OnesLike(x), eps)
	hi := MulScalar(OnesLike(x), 1-eps)
	return Min(Max(x, lo), hi)
}

// maskInitTensor builds a raw mask parameter tensor with the given dimensions.
func maskInitTensor(rng *rand.Rand, strategy MaskInit, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		if strategy == MaskInitConst {
			for ii := range flat {
				flat[ii] = 1
			}
			return
		}
		// "normal": N(1, gain_relu * sqrt(2/(fanIn+fanOut))), fanIn = fanOut = dims[0].
		std := math32.Sqrt(2) * math32.Sqrt(2/float32(dims[0]+dims[0]))
		for ii := range flat {
			flat[ii] = 1 + float32(rng.NormFloat64())*std
		}
	})
	return t
}

func argmax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

func oneHot(index, size int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, 1, size))
	tensors.MutableFlatData(t, func(flat []float32) {
		flat[index] = 1
	})
	return t
}
