package interpretability

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/soumbane/histocartography/models"
)

// camEpsilon guards the min-max normalization against a constant score vector.
const camEpsilon = 1e-6

// LegacyCAM extracts a class activation map from a single named convolutional layer.
//
// Instead of callbacks registered on shared layer objects, the extractor owns a
// capture context: Forward runs the model and stores the layer's activations
// directly. The stored activation is overwritten on every forward pass. Release must
// be called deterministically when the extractor is no longer needed, on all exit
// paths; concurrent forward passes through the same model would corrupt each other's
// captures and are not allowed.
type LegacyCAM struct {
	model    models.LayeredModel
	layer    string
	strategy WeightStrategy

	exec    *context.Exec
	enabled bool

	// relu controls whether negative contributions are zeroed before normalization.
	relu bool

	// capture holds the most recent forward activation, shaped [1, nodes, channels].
	capture *tensors.Tensor
}

// NewLegacyCAM builds an extractor over the model's named convolutional layer.
// Fails with a lookup error when the model has no layer by that name.
func NewLegacyCAM(backend backends.Backend, model models.LayeredModel, convLayer string, strategy WeightStrategy) (*LegacyCAM, error) {
	if !slices.Contains(model.ConvLayerNames(), convLayer) {
		return nil, errors.Errorf("unable to find submodule %q in the model", convLayer)
	}
	c := &LegacyCAM{
		model:    model,
		layer:    convLayer,
		strategy: strategy,
		enabled:  true,
	}
	c.exec = context.NewExec(backend, model.Context(),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			ctx = ctx.Checked(false)
			logits, activations := model.ForwardWithActivations(ctx, inputs[0], inputs[1], []string{convLayer})
			return append([]*graph.Node{logits}, activations...)
		})
	return c, nil
}

// SetEnabled toggles activation capture; Forward still runs the model when disabled.
func (c *LegacyCAM) SetEnabled(enabled bool) { c.enabled = enabled }

// SetRelu controls the optional ReLU clamp applied before normalization.
func (c *LegacyCAM) SetRelu(relu bool) { c.relu = relu }

// Forward runs the hooked model on (adj, x) and returns its logits. When enabled,
// the designated layer's activation is captured, overwriting any previous one.
func (c *LegacyCAM) Forward(adj, x *tensors.Tensor) (logits *tensors.Tensor, err error) {
	if c.exec == nil {
		return nil, errors.New("extractor already released")
	}
	err = exceptions.TryCatch[error](func() {
		outputs := c.exec.Call(adj, x)
		logits = outputs[0]
		if c.enabled {
			c.capture = outputs[1]
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "CAM forward pass")
	}
	return logits, nil
}

// Release drops the capture context and buffers. The extractor is unusable after.
func (c *LegacyCAM) Release() {
	if c.exec != nil {
		c.exec.Finalize()
		c.exec = nil
	}
	c.capture = nil
}

// ComputeCAM returns the per-node activation scores for classIdx: a weighted sum of
// the captured channel activations, optionally ReLU-clamped and min-max normalized
// into [0, 1].
//
// At least one forward pass must have occurred, the captured batch must have size 1,
// classIdx must be non-negative, and scores must be given when the weight strategy
// requires them.
func (c *LegacyCAM) ComputeCAM(classIdx int, scores []float32, normalized bool) ([]float32, error) {
	if c.capture == nil {
		return nil, errors.New("inputs need to be forwarded in the model for the conv features to be captured")
	}
	if batch := c.capture.Shape().Dim(0); batch != 1 {
		return nil, errors.Errorf("expected a 1-sized batch to be captured, received: %d", batch)
	}
	if err := checkClassAndScores(classIdx, scores, c.strategy); err != nil {
		return nil, err
	}

	numNodes := c.capture.Shape().Dim(1)
	numChannels := c.capture.Shape().Dim(2)
	weights, err := c.strategy.deriveWeights(classIdx, numChannels, scores)
	if err != nil {
		return nil, err
	}
	cams := combineChannels(tensors.CopyFlatData[float32](c.capture), weights, numNodes, numChannels)
	if c.relu {
		reluInPlace(cams)
	}
	if normalized {
		normalizeInPlace(cams)
	}
	return cams, nil
}

// CAM extracts class activation maps from several convolutional layers and averages
// them. Each forward pass appends one activation per hooked layer to the capture
// buffer; Reset must be called between independent explanation requests.
type CAM struct {
	model    models.LayeredModel
	layers   []string
	strategy WeightStrategy

	exec    *context.Exec
	enabled bool

	captures []*tensors.Tensor // each [1, nodes, channels]
}

// NewCAM builds an extractor over the model's named convolutional layers.
// Fails with a lookup error when any layer name is unknown to the model.
func NewCAM(backend backends.Backend, model models.LayeredModel, convLayers []string, strategy WeightStrategy) (*CAM, error) {
	known := model.ConvLayerNames()
	for _, layer := range convLayers {
		if !slices.Contains(known, layer) {
			return nil, errors.Errorf("unable to find submodule %q in the model", layer)
		}
	}
	if len(convLayers) == 0 {
		return nil, errors.New("at least one convolutional layer is required")
	}
	c := &CAM{
		model:    model,
		layers:   slices.Clone(convLayers),
		strategy: strategy,
		enabled:  true,
	}
	c.exec = context.NewExec(backend, model.Context(),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			ctx = ctx.Checked(false)
			logits, activations := model.ForwardWithActivations(ctx, inputs[0], inputs[1], c.layers)
			return append([]*graph.Node{logits}, activations...)
		})
	return c, nil
}

// SetEnabled toggles activation capture; Forward still runs the model when disabled.
func (c *CAM) SetEnabled(enabled bool) { c.enabled = enabled }

// Forward runs the hooked model on (adj, x) and returns its logits. When enabled,
// one activation per hooked layer is appended to the capture buffer.
func (c *CAM) Forward(adj, x *tensors.Tensor) (logits *tensors.Tensor, err error) {
	if c.exec == nil {
		return nil, errors.New("extractor already released")
	}
	err = exceptions.TryCatch[error](func() {
		outputs := c.exec.Call(adj, x)
		logits = outputs[0]
		if c.enabled {
			c.captures = append(c.captures, outputs[1:]...)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "CAM forward pass")
	}
	return logits, nil
}

// Reset clears the capture buffer. Call it between independent explanation requests
// to avoid stale activations leaking into the next map.
func (c *CAM) Reset() {
	if len(c.captures) > 0 {
		klog.V(2).Infof("CAM reset, dropping %d captured activations", len(c.captures))
	}
	c.captures = nil
}

// Release drops the capture context and buffers. The extractor is unusable after.
func (c *CAM) Release() {
	if c.exec != nil {
		c.exec.Finalize()
		c.exec = nil
	}
	c.captures = nil
}

// ComputeCAM returns the per-node activation scores for classIdx, averaged over all
// captured layer activations. Negative contributions are always ReLU-clamped; when
// normalized, each layer's map is min-max scaled into [0, 1] before averaging.
func (c *CAM) ComputeCAM(classIdx int, scores []float32, normalized bool) ([]float32, error) {
	if len(c.captures) == 0 {
		return nil, errors.New("inputs need to be forwarded in the model for the conv features to be captured")
	}
	if err := checkClassAndScores(classIdx, scores, c.strategy); err != nil {
		return nil, err
	}

	numNodes := c.captures[0].Shape().Dim(1)
	numChannels := c.captures[0].Shape().Dim(2)
	weights, err := c.strategy.deriveWeights(classIdx, numChannels, scores)
	if err != nil {
		return nil, err
	}

	mean := make([]float32, numNodes)
	for _, capture := range c.captures {
		if capture.Shape().Dim(1) != numNodes || capture.Shape().Dim(2) != numChannels {
			return nil, errors.Errorf("captured activations disagree on shape: %s vs [1, %d, %d]",
				capture.Shape(), numNodes, numChannels)
		}
		cams := combineChannels(tensors.CopyFlatData[float32](capture), weights, numNodes, numChannels)
		reluInPlace(cams)
		if normalized {
			normalizeInPlace(cams)
		}
		for ii, v := range cams {
			mean[ii] += v
		}
	}
	for ii := range mean {
		mean[ii] /= float32(len(c.captures))
	}
	return mean, nil
}

func checkClassAndScores(classIdx int, scores []float32, strategy WeightStrategy) error {
	if classIdx < 0 {
		return errors.New("incorrect `classIdx` argument value")
	}
	if strategy.needsScores() && scores == nil {
		return errors.New("model output scores are required to compute CAMs with this weight strategy")
	}
	return nil
}

// combineChannels computes the weighted channel sum per node over a flat
// [1, numNodes, numChannels] activation buffer.
func combineChannels(flat, weights []float32, numNodes, numChannels int) []float32 {
	cams := make([]float32, numNodes)
	for n := 0; n < numNodes; n++ {
		var sum float32
		base := n * numChannels
		for ch := 0; ch < numChannels; ch++ {
			sum += weights[ch] * flat[base+ch]
		}
		cams[n] = sum
	}
	return cams
}

func reluInPlace(v []float32) {
	for ii := range v {
		v[ii] = math32.Max(v[ii], 0)
	}
}

// normalizeInPlace rescales v into [0, 1] via (x-min)/(max-min+eps); the epsilon
// keeps a constant vector from dividing by zero.
func normalizeInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	minV, maxV := v[0], v[0]
	for _, x := range v[1:] {
		minV = math32.Min(minV, x)
		maxV = math32.Max(maxV, x)
	}
	for ii := range v {
		v[ii] = (v[ii] - minV) / (maxV - minV + camEpsilon)
	}
}
