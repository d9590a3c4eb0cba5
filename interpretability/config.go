package interpretability

import (
	"github.com/pkg/errors"

	"github.com/soumbane/histocartography/internal/parameters"
)

// MaskActivation selects how raw mask parameters are squashed into mask weights.
type MaskActivation string

const (
	// MaskActivationSigmoid applies a temperature-scaled logistic function,
	// sharpening the mask toward {0, 1}. Temperature 2 for edges, 10 for nodes.
	MaskActivationSigmoid MaskActivation = "sigmoid"

	// MaskActivationRelu clips negative raw weights to zero, unbounded above.
	MaskActivationRelu MaskActivation = "relu"
)

// MaskInit selects the mask parameter initialization strategy.
type MaskInit string

const (
	// MaskInitNormal draws raw weights from N(1, gain_relu*sqrt(2/(N+N))).
	MaskInitNormal MaskInit = "normal"

	// MaskInitConst sets all raw weights to 1.
	MaskInitConst MaskInit = "const"
)

// LossCoeffs are the scalar weights of the three explainer loss terms.
type LossCoeffs struct {
	// CE scales the blended cross-entropy/distillation prediction term.
	CE float64

	// Node scales the node-mask sparsity term (sum of the active node mask).
	Node float64

	// NodeEnt scales the per-node binary-entropy term.
	NodeEnt float64
}

// ExplainerParams configure the mask model of the pruning explainer.
type ExplainerParams struct {
	MaskActivation MaskActivation

	// Init is the edge-mask initialization strategy. The node mask is always
	// initialized to a constant, matching the trained behavior of the method.
	Init MaskInit

	Loss LossCoeffs

	// WithZeroing zeroes mask positions where the original adjacency is zero when
	// reporting the edge mask: the explanation may not create new edges.
	WithZeroing bool

	// Seed drives the "normal" mask initialization, keeping runs reproducible.
	Seed int64
}

// TrainParams configure the optimizer of one explanation run.
type TrainParams struct {
	LearningRate float64
	WeightDecay  float64
}

// DefaultExplainerParams returns the explainer defaults: sigmoid activation,
// normally-initialized edge mask and the loss weights used for cell-graph work.
func DefaultExplainerParams() ExplainerParams {
	return ExplainerParams{
		MaskActivation: MaskActivationSigmoid,
		Init:           MaskInitNormal,
		Loss:           LossCoeffs{CE: 1.0, Node: 0.005, NodeEnt: 0.1},
		WithZeroing:    false,
		Seed:           42,
	}
}

// DefaultTrainParams returns the optimizer defaults for one explanation run.
func DefaultTrainParams() TrainParams {
	return TrainParams{LearningRate: 0.01, WeightDecay: 0.005}
}

// Validate returns a configuration error for unsupported values.
func (p ExplainerParams) Validate() error {
	switch p.MaskActivation {
	case MaskActivationSigmoid, MaskActivationRelu:
	default:
		return errors.Errorf(`unsupported mask activation %q, options are "sigmoid", "relu"`, p.MaskActivation)
	}
	switch p.Init {
	case MaskInitNormal, MaskInitConst:
	default:
		return errors.Errorf(`unsupported mask init %q, options are "normal", "const"`, p.Init)
	}
	return nil
}

// ExplainerParamsFromConfig overlays defaults with values popped from params:
// "mask_activation", "init", "loss_ce", "loss_node", "loss_node_ent", "zeroing",
// "seed".
func ExplainerParamsFromConfig(params parameters.Params) (ExplainerParams, error) {
	p := DefaultExplainerParams()
	var err error

	maskAct, err := parameters.PopParamOr(params, "mask_activation", string(p.MaskActivation))
	if err != nil {
		return p, err
	}
	p.MaskActivation = MaskActivation(maskAct)

	initStrategy, err := parameters.PopParamOr(params, "init", string(p.Init))
	if err != nil {
		return p, err
	}
	p.Init = MaskInit(initStrategy)

	if p.Loss.CE, err = parameters.PopParamOr(params, "loss_ce", p.Loss.CE); err != nil {
		return p, err
	}
	if p.Loss.Node, err = parameters.PopParamOr(params, "loss_node", p.Loss.Node); err != nil {
		return p, err
	}
	if p.Loss.NodeEnt, err = parameters.PopParamOr(params, "loss_node_ent", p.Loss.NodeEnt); err != nil {
		return p, err
	}
	if p.WithZeroing, err = parameters.PopParamOr(params, "zeroing", p.WithZeroing); err != nil {
		return p, err
	}
	seed, err := parameters.PopParamOr(params, "seed", int(p.Seed))
	if err != nil {
		return p, err
	}
	p.Seed = int64(seed)
	return p, p.Validate()
}

// TrainParamsFromConfig overlays defaults with "lr" and "weight_decay" from params.
func TrainParamsFromConfig(params parameters.Params) (TrainParams, error) {
	p := DefaultTrainParams()
	var err error
	if p.LearningRate, err = parameters.PopParamOr(params, "lr", p.LearningRate); err != nil {
		return p, err
	}
	if p.WeightDecay, err = parameters.PopParamOr(params, "weight_decay", p.WeightDecay); err != nil {
		return p, err
	}
	return p, nil
}
